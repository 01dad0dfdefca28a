package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
)

// Execute performs req against p within timeout and normalizes the outcome.
// Transport failures become UNKNOWN; only a definitive processor answer is FAILED.
// The returned error is non-nil only when p cannot serve the operation at all.
func Execute(ctx context.Context, p Plugin, req Request, timeout time.Duration) (Result, error) {
	fn, ok := capability(p, req.Operation)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrUnsupported, req.Operation, p.Name())
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := fn(ctx, req)
	return Normalize(res, err), nil
}

// Normalize folds a plugin's (Result, error) pair into the three-valued outcome.
func Normalize(res Result, err error) Result {
	if err != nil {
		if NotAttemptedError(err) {
			return Result{
				Status:       payment.StatusFailed,
				ErrorCode:    payment.ErrorCodeNotAttempted,
				ErrorMessage: err.Error(),
			}
		}
		out := Result{
			Status:             payment.StatusUnknown,
			ProcessorReference: res.ProcessorReference,
			ErrorCode:          "transport_error",
			ErrorMessage:       err.Error(),
			RawResponse:        res.RawResponse,
		}
		if errors.Is(err, context.DeadlineExceeded) {
			out.ErrorCode = "timeout"
		}
		return out
	}
	switch res.Status {
	case payment.StatusSuccess, payment.StatusFailed, payment.StatusUnknown:
		return res
	}
	res.Status = payment.StatusUnknown
	if res.ErrorCode == "" {
		res.ErrorCode = "unrecognized_status"
	}
	return res
}

// NotAttemptedError reports whether err proves the request was never sent:
// an explicit ErrNotAttempted, or a failure to dial the processor.
func NotAttemptedError(err error) bool {
	if errors.Is(err, ErrNotAttempted) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
