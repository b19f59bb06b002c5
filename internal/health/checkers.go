package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Transport reports ready while the realtime connection is up.
func Transport(state func() realtime.State) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if s := state(); s != realtime.StateConnected {
				return fmt.Errorf("connection is %s", s)
			}
			return nil
		},
	}
}

// Breaker reports ready unless the named circuit breaker is open. A
// half-open breaker counts as ready since it is letting probes through.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return fmt.Errorf("circuit %s", resilience.StateOpen)
			}
			return nil
		},
	}
}

// Pinger is implemented by stores that can verify their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store reports ready while p answers a ping.
func Store(p Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}
