package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent string

func (e testEvent) EventName() string { return string(e) }

func TestBus_FansOutToEverySubscriber(t *testing.T) {
	bus := NewBus(observability.NopLogger(), nil)
	var wg sync.WaitGroup
	var calls atomic.Int32
	wg.Add(2)
	for i := 0; i < 2; i++ {
		bus.Subscribe("payment.test", func(ctx context.Context, e domoutbox.Event) error {
			defer wg.Done()
			calls.Add(1)
			return nil
		})
	}
	bus.Start(context.Background())
	t.Cleanup(func() { bus.Stop(context.Background()) })

	require.NoError(t, bus.Publish(context.Background(), testEvent("payment.test")))
	require.NoError(t, bus.Publish(context.Background(), testEvent("payment.ignored")))
	wg.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_StopDrainsThenRejects(t *testing.T) {
	bus := NewBus(observability.NopLogger(), nil, WithQueueSize(16))
	var delivered atomic.Int32
	bus.Subscribe("payment.test", func(ctx context.Context, e domoutbox.Event) error {
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), testEvent("payment.test")))
	}
	bus.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Stop(ctx)

	assert.Equal(t, int32(5), delivered.Load())
	assert.ErrorIs(t, bus.Publish(context.Background(), testEvent("payment.test")), ErrBusClosed)
}

func TestBus_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(observability.NopLogger(), nil)
	done := make(chan struct{})
	bus.Subscribe("boom", func(context.Context, domoutbox.Event) error { panic("handler bug") })
	bus.Subscribe("after", func(context.Context, domoutbox.Event) error {
		close(done)
		return nil
	})
	bus.Start(context.Background())
	t.Cleanup(func() { bus.Stop(context.Background()) })

	require.NoError(t, bus.Publish(context.Background(), testEvent("boom")))
	require.NoError(t, bus.Publish(context.Background(), testEvent("after")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stalled after a handler panic")
	}
}
