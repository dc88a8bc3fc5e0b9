package resilience

import (
	"context"

	"github.com/MrWong99/livevox/pkg/transport"
)

// Backend is one entry of a [Failover].
type Backend struct {
	Provider transport.Provider

	// Model is passed to Connect for fallbacks. Empty uses the provider's
	// default model. The primary always receives the caller's model.
	Model string
}

type backend struct {
	provider transport.Provider
	model    string
	primary  bool
}

// Failover implements [transport.Provider] by connecting through the first
// backend whose breaker admits the call and whose Connect succeeds. Only
// connection establishment fails over; a session that drops later is reported
// to the caller as usual.
type Failover struct {
	primary transport.Provider
	group   *FallbackGroup[backend]
}

var _ transport.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] over primary and fallbacks, tried in that
// order.
func NewFailover(primary transport.Provider, cfg FallbackConfig, fallbacks ...Backend) *Failover {
	g := NewFallbackGroup(backend{provider: primary, primary: true}, primary.Name(), cfg)
	for _, fb := range fallbacks {
		g.AddFallback(fb.Provider.Name(), backend{provider: fb.Provider, model: fb.Model})
	}
	return &Failover{primary: primary, group: g}
}

// Name returns the primary backend's name.
func (f *Failover) Name() string { return f.primary.Name() }

// Connect opens a session on the first healthy backend.
func (f *Failover) Connect(ctx context.Context, model string, cfg transport.Config) (transport.Session, error) {
	return ExecuteWithResult(ctx, f.group, func(b backend) (transport.Session, error) {
		m := b.model
		if b.primary {
			m = model
		}
		return b.provider.Connect(ctx, m, cfg)
	})
}

// Breakers returns the per-backend breakers, primary first.
func (f *Failover) Breakers() []*CircuitBreaker {
	return f.group.Breakers()
}
