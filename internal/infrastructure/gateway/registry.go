package gateway

import (
	"errors"
	"fmt"
	"sync"

	domgateway "github.com/Zhima-Mochi/directpay/internal/domain/gateway"
)

var ErrPluginNotFound = errors.New("gateway: plugin not registered")

// Registry holds the available processor plugins and the per-account selection.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]domgateway.Plugin
	accounts map[string]string
	fallback string
}

func NewRegistry(defaultPlugin string) *Registry {
	return &Registry{
		plugins:  make(map[string]domgateway.Plugin),
		accounts: make(map[string]string),
		fallback: defaultPlugin,
	}
}

func (r *Registry) Register(p domgateway.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
}

// Assign routes new payments of accountID to the named plugin.
func (r *Registry) Assign(accountID, pluginName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[pluginName]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}
	r.accounts[accountID] = pluginName
	return nil
}

func (r *Registry) ForAccount(accountID string) (domgateway.Plugin, error) {
	r.mu.RLock()
	name, ok := r.accounts[accountID]
	if !ok {
		name = r.fallback
	}
	r.mu.RUnlock()
	return r.Lookup(name)
}

func (r *Registry) Lookup(name string) (domgateway.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}
	return p, nil
}

// Names lists registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	return out
}
