package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper runs Engine.Sweep on a cron schedule so deadlines fire for
// conversations nobody polls or messages.
type Sweeper struct {
	engine   *Engine
	schedule func() string // read per tick so config reloads apply
}

func NewSweeper(e *Engine, schedule func() string) *Sweeper {
	return &Sweeper{engine: e, schedule: schedule}
}

// Run blocks until ctx is done. An empty schedule disables sweeping until a
// reload sets one.
func (s *Sweeper) Run(ctx context.Context) error {
	g := gronx.New()
	for {
		expr := s.schedule()
		wait := time.Minute
		if expr != "" {
			if !g.IsValid(expr) {
				return fmt.Errorf("invalid sweep schedule %q", expr)
			}
			next, err := gronx.NextTickAfter(expr, time.Now(), false)
			if err != nil {
				return fmt.Errorf("sweep schedule %q: %w", expr, err)
			}
			wait = time.Until(next)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if expr == "" {
			continue
		}

		n, err := s.engine.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("timeout sweep failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("timeout sweep", "reconciled", n)
		}
	}
}
