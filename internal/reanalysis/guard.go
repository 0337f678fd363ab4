package reanalysis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

type activeCounter interface {
	CountActiveJobs(ctx context.Context) (int, error)
}

// Guard enforces a single queued-or-running job system-wide. The mutex
// orders callers in this process; the database's unique active slot
// rejects a racing writer from another process.
type Guard struct {
	mu   sync.Mutex
	jobs activeCounter
}

func NewGuard(jobs activeCounter) *Guard {
	return &Guard{jobs: jobs}
}

// ActiveCount returns the number of queued or running jobs.
func (g *Guard) ActiveCount(ctx context.Context) (int, error) {
	n, err := g.jobs.CountActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return n, nil
}

// Exclusive runs fn only if no job is active, holding the guard so that no
// other guarded operation in this process interleaves.
func (g *Guard) Exclusive(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.ActiveCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w (%d active)", ErrConcurrency, n)
	}

	if err := fn(); err != nil {
		if errors.Is(err, database.ErrActiveJobExists) {
			return fmt.Errorf("%w: %v", ErrConcurrency, err)
		}
		return err
	}
	return nil
}
