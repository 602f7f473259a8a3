package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/livecopilot/pkg/provider/live"
)

var _ live.Provider = (*GuardedProvider)(nil)

// GuardedProvider wraps a [live.Provider] with a [CircuitBreaker]. Only
// Connect is guarded; failures of an established session do not count.
type GuardedProvider struct {
	inner   live.Provider
	breaker *CircuitBreaker
}

// NewGuardedProvider returns a provider whose Connect calls go through cb.
func NewGuardedProvider(p live.Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: p, breaker: cb}
}

// Connect forwards to the wrapped provider unless the breaker is open, in
// which case it returns an error wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	var sess live.Session
	err := g.breaker.Execute(func() error {
		var err error
		sess, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: %s: %w", g.breaker.Name(), err)
	}
	return sess, nil
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
