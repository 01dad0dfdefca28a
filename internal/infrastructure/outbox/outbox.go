package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
)

// ErrBusClosed is returned by Publish after Stop.
var ErrBusClosed = errors.New("outbox: bus closed")

const componentOutbox = "outbox"

// Bus is an in-memory event bus fanning payment events out to subscribers
// such as the reconcile worker and the Kafka relay. It is not durable: the
// ledger is the source of truth and events are notifications only.
type Bus struct {
	mu             sync.RWMutex
	subs           map[string][]domoutbox.Handler
	queue          chan domoutbox.Event
	closeMu        sync.RWMutex
	closed         bool
	startOnce      sync.Once
	stopOnce       sync.Once
	cancel         context.CancelFunc
	done           chan struct{}
	concurrency    int
	handlerTimeout time.Duration
	log            observability.Logger
	tel            observability.Observability
}

type Option func(*Bus)

// WithQueueSize sets the buffer used for backpressure.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan domoutbox.Event, n)
		}
	}
}

// WithConcurrency caps handler fanout per event.
func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

func NewBus(logger observability.Logger, tel observability.Observability, opts ...Option) *Bus {
	if tel == nil {
		tel = observability.Nop()
	}
	if logger == nil {
		logger = tel.Logger()
	}
	b := &Bus{
		subs:           make(map[string][]domoutbox.Handler),
		queue:          make(chan domoutbox.Event, 1024),
		done:           make(chan struct{}),
		concurrency:    8,
		handlerTimeout: 30 * time.Second,
		log:            logger.With(observability.F("component", componentOutbox)),
		tel:            tel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel
		go b.dispatchLoop(bg)
		logctx.FromOr(ctx, b.log).Info("event_bus_started")
	})
}

// Stop refuses new events and dispatches what is already queued until ctx ends.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()

		logger := logctx.FromOr(ctx, b.log)
		if b.cancel != nil {
			select {
			case <-b.done:
			case <-ctx.Done():
				logger.Warn("event_bus_drain_aborted", observability.F("pending", len(b.queue)))
			}
			b.cancel()
		}
		logger.Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	// The read lock keeps Stop from closing the queue during the send.
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	logger := logctx.FromOr(ctx, b.log).With(observability.F("event", e.EventName()))
	select {
	case b.queue <- e:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.F("error", ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.queue:
			if !ok {
				return
			}
			b.fanout(ctx, e)
		}
	}
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug("event_dropped_no_subscriber", observability.F("event", name))
		return
	}

	ctx = context.WithoutCancel(ctx)
	baseLogger := b.log.With(observability.F("event", name))

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					baseLogger.Error("event_handler_panic",
						observability.F("panic", r),
						observability.F("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			ctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
			defer cancel()
			ctx = logctx.With(ctx, baseLogger)
			if err := h(ctx, e); err != nil {
				baseLogger.Warn("event_handler_error", observability.F("error", err))
			}
		}()
	}

	wg.Wait()

	baseLogger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}
