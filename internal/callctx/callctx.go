// Package callctx carries caller identity through a request. Permission checks
// happen before the payment core is invoked; the core only records who asked.
package callctx

import (
	"context"

	"github.com/Zhima-Mochi/directpay/internal/observability"
)

type CallContext struct {
	TenantID  string
	UserName  string
	RequestID string
	Reason    string
	Comment   string
}

type callKey struct{}

func With(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callKey{}, cc)
}

// From returns the call context, or a zero value when none was attached.
func From(ctx context.Context) CallContext {
	if ctx == nil {
		return CallContext{}
	}
	cc, _ := ctx.Value(callKey{}).(CallContext)
	return cc
}

// Fields renders the non-empty identity fields for logging.
func (cc CallContext) Fields() []observability.Field {
	fields := make([]observability.Field, 0, 3)
	if cc.TenantID != "" {
		fields = append(fields, observability.F("tenant_id", cc.TenantID))
	}
	if cc.UserName != "" {
		fields = append(fields, observability.F("user", cc.UserName))
	}
	if cc.RequestID != "" {
		fields = append(fields, observability.F("request_id", cc.RequestID))
	}
	return fields
}
