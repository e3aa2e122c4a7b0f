package flow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

func TestTriggerHousekeeping(t *testing.T) {
	ctx := t.Context()

	t.Run("expires overdue sessions", func(t *testing.T) {
		f := newFixture(t)
		result := f.start(t, ctx)

		_, err := f.sessions.Transition(ctx, result.SessionID, session.StateAuthPending, session.StateAuthPending, func(s *session.Session) error {
			s.ExpiresAt = time.Now().Add(-time.Second)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, f.engine.TriggerHousekeeping(ctx))

		s, err := f.engine.Status(ctx, result.SessionID)
		require.NoError(t, err)
		assert.Equal(t, session.StateExpired, s.State)
	})

	t.Run("leaves live sessions alone", func(t *testing.T) {
		f := newFixture(t)
		result := f.start(t, ctx)

		require.NoError(t, f.engine.TriggerHousekeeping(ctx))

		s, err := f.engine.Status(ctx, result.SessionID)
		require.NoError(t, err)
		assert.Equal(t, session.StateAuthPending, s.State)
	})

	t.Run("reclaims terminal sessions past the grace period", func(t *testing.T) {
		f := newFixture(t)

		stale := session.Session{
			ID:        "stale-completed",
			State:     session.StateCompleted,
			Purpose:   "report_move",
			CreatedAt: time.Now().Add(-time.Hour),
			UpdatedAt: time.Now().Add(-time.Hour),
			ExpiresAt: time.Now().Add(-30 * time.Minute),
		}
		require.NoError(t, f.sessions.Create(ctx, stale))

		fresh := f.start(t, ctx)
		f.authenticate(t, ctx, fresh.SessionID)
		require.NoError(t, f.engine.Complete(ctx, fresh.SessionID, f.completionToken(t)))

		require.NoError(t, f.engine.TriggerHousekeeping(ctx))

		// The stale one is gone, the freshly completed one still queryable.
		_, err := f.engine.Status(ctx, "stale-completed")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)

		s, err := f.engine.Status(ctx, fresh.SessionID)
		require.NoError(t, err)
		assert.Equal(t, session.StateCompleted, s.State)
	})
}
