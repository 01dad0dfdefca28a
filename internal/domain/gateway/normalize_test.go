package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	authorize func(ctx context.Context, req Request) (Result, error)
}

func (stubPlugin) Name() string { return "stub" }

func (s stubPlugin) Authorize(ctx context.Context, req Request) (Result, error) {
	return s.authorize(ctx, req)
}

func TestNormalize(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	readErr := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}

	tests := []struct {
		name     string
		res      Result
		err      error
		want     payment.TransactionStatus
		wantCode string
	}{
		{name: "success passes through", res: Result{Status: payment.StatusSuccess}, want: payment.StatusSuccess},
		{name: "decline passes through", res: Result{Status: payment.StatusFailed, ErrorCode: "card_declined"}, want: payment.StatusFailed, wantCode: "card_declined"},
		{name: "timeout is unknown", err: context.DeadlineExceeded, want: payment.StatusUnknown, wantCode: "timeout"},
		{name: "connection reset is unknown", err: readErr, want: payment.StatusUnknown, wantCode: "transport_error"},
		{name: "dial failure was never attempted", err: fmt.Errorf("post: %w", dialErr), want: payment.StatusFailed, wantCode: payment.ErrorCodeNotAttempted},
		{name: "explicit not attempted", err: ErrNotAttempted, want: payment.StatusFailed, wantCode: payment.ErrorCodeNotAttempted},
		{name: "garbage status is unknown", res: Result{Status: "WEIRD"}, want: payment.StatusUnknown, wantCode: "unrecognized_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.res, tt.err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
		})
	}
}

func TestExecute_TimeoutBecomesUnknown(t *testing.T) {
	p := stubPlugin{authorize: func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	res, err := Execute(context.Background(), p, Request{Operation: payment.OpAuthorize}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusUnknown, res.Status)
}

func TestExecute_UnsupportedCapability(t *testing.T) {
	p := stubPlugin{}
	assert.False(t, Supports(p, payment.OpCredit))

	_, err := Execute(context.Background(), p, Request{Operation: payment.OpCredit}, time.Second)
	assert.ErrorIs(t, err, ErrUnsupported)
}
