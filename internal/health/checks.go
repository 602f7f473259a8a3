package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livecopilot/internal/resilience"
)

// Loaded reports ready once loaded returns true. Use it for state that is
// populated asynchronously, such as the configuration.
func Loaded(name string, loaded func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !loaded() {
				return errors.New("not loaded")
			}
			return nil
		},
	}
}

// Breaker fails while cb is open, i.e. while new sessions would be rejected
// without contacting the provider.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("circuit %q is %s", cb.Name(), s)
			}
			return nil
		},
	}
}
