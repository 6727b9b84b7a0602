package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/cadenza/internal/governor"
	"github.com/MrWong99/cadenza/internal/resilience"
)

// GovernorChecker reports ready while need bytes, typically one segment,
// fit under the governor ceiling either now or after evicting the unpinned
// cache entries reported by reclaimable. It only reads counters; nothing is
// reserved or evicted.
func GovernorChecker(g *governor.Governor, need int64, reclaimable func() int64) Checker {
	return Checker{
		Name: "governor",
		Check: func(context.Context) error {
			free := g.Available()
			if reclaimable != nil {
				free += reclaimable()
			}
			if free >= need {
				return nil
			}
			return fmt.Errorf("%w: cannot admit %s (%s of %s in use, %.0f%%)",
				governor.ErrResourceExhausted,
				humanize.IBytes(uint64(need)),
				humanize.IBytes(uint64(g.Used())),
				humanize.IBytes(uint64(g.Ceiling())),
				g.Pressure()*100)
		},
	}
}

// GatewayChecker reports ready while connected returns true.
func GatewayChecker(connected func() bool) Checker {
	return Checker{
		Name: "gateway",
		Check: func(context.Context) error {
			if !connected() {
				return errors.New("voice gateway not connected")
			}
			return nil
		},
	}
}

// ResolverChecker fails when the circuit breaker of every resolver backend
// is open.
func ResolverChecker(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "resolvers",
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return nil
			}
			for _, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
			}
			return fmt.Errorf("all %d resolver backends are failing", len(st))
		},
	}
}
