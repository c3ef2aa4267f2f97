package resilience

import (
	"context"

	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/pkg/types"
)

// GuardedSaver wraps a [recorder.SessionSaver] with a circuit breaker.
//
// When the underlying store fails repeatedly, the breaker opens and
// subsequent saves return [ErrCircuitOpen] immediately instead of hitting
// the broken store. Transcript data stays in memory either way; the periodic
// checkpointer retries once the breaker half-opens.
type GuardedSaver struct {
	inner   recorder.SessionSaver
	breaker *CircuitBreaker
}

var _ recorder.SessionSaver = (*GuardedSaver)(nil)

// NewGuardedSaver wraps inner with a breaker built from cfg.
func NewGuardedSaver(inner recorder.SessionSaver, cfg CircuitBreakerConfig) *GuardedSaver {
	if cfg.Name == "" {
		cfg.Name = "session-saver"
	}
	return &GuardedSaver{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// SaveSession persists the session through the breaker.
func (g *GuardedSaver) SaveSession(ctx context.Context, workspaceID string, s *types.Session) error {
	return g.breaker.Execute(func() error {
		return g.inner.SaveSession(ctx, workspaceID, s)
	})
}

// State reports the breaker state, for readiness probes.
func (g *GuardedSaver) State() State {
	return g.breaker.State()
}
