package flow

import (
	"context"
	"errors"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

// TriggerHousekeeping sweeps the session store: overdue sessions are driven
// to StateExpired through the same compare-and-swap gate every other
// transition uses, and terminal sessions past the grace period are
// reclaimed.
func (e *Engine) TriggerHousekeeping(ctx context.Context) error {
	sessions, err := e.sessions.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, s := range sessions {
		switch {
		case s.Expired(now):
			if _, err := e.sessions.Transition(ctx, s.ID, s.State, session.StateExpired, nil); err != nil {
				if errors.Is(err, serviceerr.ErrConflict) || errors.Is(err, serviceerr.ErrExpired) {
					// A racing callback or another sweep got there first.
					continue
				}

				slogctx.Warn(ctx, "Could not expire session", "session_id", s.ID, "error", err)
				continue
			}

			slogctx.Info(ctx, "Expired session", "session_id", s.ID)
		case s.State.Terminal() && now.Sub(s.UpdatedAt) > e.grace:
			if err := e.sessions.Delete(ctx, s.ID); err != nil {
				if errors.Is(err, serviceerr.ErrNotFound) {
					continue
				}

				slogctx.Warn(ctx, "Could not reclaim session", "session_id", s.ID, "error", err)
				continue
			}

			slogctx.Info(ctx, "Reclaimed session", "session_id", s.ID, "state", s.State)
		}
	}

	return nil
}
