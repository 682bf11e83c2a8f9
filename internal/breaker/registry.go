package breaker

import (
	"sync"
	"time"
)

// Well-known service names guarded by breakers.
const (
	ServiceModelProvider = "model_provider"
	ServiceEmailCarrier  = "email_carrier"
	ServiceSMSCarrier    = "sms_carrier"
	ServiceMarketplace   = "lead_marketplace"
	ServiceWebhookSink   = "webhook_sink"
	ServiceDatabase      = "database"
	ServiceIMAP          = "imap"
)

// Registry hands out one breaker per named external service. Breakers are
// created lazily with per-service configs where registered, DefaultConfig
// otherwise.
type Registry struct {
	shared  SharedState
	mu      sync.Mutex
	configs map[string]Config
	items   map[string]*Breaker
}

// NewRegistry creates a registry. shared may be nil (local-only breakers).
func NewRegistry(shared SharedState) *Registry {
	r := &Registry{
		shared:  shared,
		configs: map[string]Config{},
		items:   map[string]*Breaker{},
	}
	// Per-service call timeouts follow the documented external budgets.
	r.Configure(ServiceModelProvider, Config{PerCallTimeout: 15 * time.Second})
	r.Configure(ServiceEmailCarrier, Config{PerCallTimeout: 10 * time.Second})
	r.Configure(ServiceSMSCarrier, Config{PerCallTimeout: 10 * time.Second})
	r.Configure(ServiceMarketplace, Config{PerCallTimeout: 20 * time.Second})
	r.Configure(ServiceDatabase, Config{PerCallTimeout: 5 * time.Second, FailureThreshold: 5})
	return r
}

// Configure registers a config for the named service. Must be called before
// the first Get for that service to take effect.
func (r *Registry) Configure(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[service] = cfg
}

// Get returns the breaker for the named service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.items[service]; ok {
		return b
	}
	cfg, ok := r.configs[service]
	if !ok {
		cfg = DefaultConfig()
	}
	b := New(service, cfg, r.shared)
	r.items[service] = b
	return b
}

// States returns a snapshot of all instantiated breaker states, for the
// stats endpoint.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.items))
	for name, b := range r.items {
		out[name] = b.State()
	}
	return out
}
