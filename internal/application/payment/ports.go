package payment

import (
	"github.com/Zhima-Mochi/directpay/internal/domain/gateway"
)

// IDGenerator issues payment and transaction ids.
type IDGenerator interface {
	NewID() string
}

// GatewayResolver selects the processor plugin at orchestration time.
type GatewayResolver interface {
	// ForAccount returns the plugin configured for a new payment on accountID.
	ForAccount(accountID string) (gateway.Plugin, error)
	// Lookup returns the plugin recorded on an existing payment.
	Lookup(name string) (gateway.Plugin, error)
}
