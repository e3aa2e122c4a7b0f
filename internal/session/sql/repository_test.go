package sessionsql_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verimeet/broker/internal/dbtest/postgrestest"
	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
	sessionsql "github.com/verimeet/broker/internal/session/sql"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)
	defer terminate(ctx)

	dbPool = pool

	code := m.Run()
	os.Exit(code)
}

func newSession(id string, state session.State) session.Session {
	now := time.Now()

	return session.Session{
		ID:           id,
		State:        state,
		Purpose:      "report_move",
		AuthPluginID: "irma",
		CommPluginID: "call",
		CreatedAt:    now,
		ExpiresAt:    now.Add(30 * time.Minute),
	}
}

func TestRepository_CreateAndLoad(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)

	t.Run("round trip", func(t *testing.T) {
		s := newSession("create-1", session.StateCreated)
		s.Attributes = map[string]string{"email": "user@example.com"}
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.Load(ctx, "create-1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, session.StateCreated, got.State)
		assert.Equal(t, "report_move", got.Purpose)
		assert.Equal(t, "irma", got.AuthPluginID)
		assert.Equal(t, "call", got.CommPluginID)
		assert.Equal(t, map[string]string{"email": "user@example.com"}, got.Attributes)
		assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, time.Millisecond)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.Load(ctx, "does-not-exist")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("create-2", session.StateCreated)))

		err := repo.Create(ctx, newSession("create-2", session.StateCreated))
		assert.ErrorIs(t, err, serviceerr.ErrConflict)
	})
}

func TestRepository_Transition(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)

	t.Run("moves state and applies the mutation", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("transition-1", session.StateAuthPending)))

		got, err := repo.Transition(ctx, "transition-1", session.StateAuthPending, session.StateAuthenticated, func(s *session.Session) error {
			s.Attributes = map[string]string{"email": "user@example.com"}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, session.StateAuthenticated, got.State)
		assert.Equal(t, "user@example.com", got.Attributes["email"])

		got, err = repo.Load(ctx, "transition-1")
		require.NoError(t, err)
		assert.Equal(t, session.StateAuthenticated, got.State)
		assert.Equal(t, "user@example.com", got.Attributes["email"])
	})

	t.Run("state mismatch leaves the session untouched", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("transition-2", session.StateAuthPending)))

		_, err := repo.Transition(ctx, "transition-2", session.StateCreated, session.StateFailed, func(s *session.Session) error {
			s.FailureReason = "should never be written"
			return nil
		})
		assert.ErrorIs(t, err, serviceerr.ErrConflict)

		got, err := repo.Load(ctx, "transition-2")
		require.NoError(t, err)
		assert.Equal(t, session.StateAuthPending, got.State)
		assert.Empty(t, got.FailureReason)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.Transition(ctx, "does-not-exist", session.StateCreated, session.StateAuthPending, nil)
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("exactly one concurrent transition wins", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newSession("transition-race", session.StateAuthPending)))

		const racers = 8

		var wg sync.WaitGroup
		results := make(chan error, racers)

		for range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Transition(ctx, "transition-race", session.StateAuthPending, session.StateAuthenticated, nil)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var wins, conflicts int
		for err := range results {
			switch {
			case err == nil:
				wins++
			default:
				assert.ErrorIs(t, err, serviceerr.ErrConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)
	})
}

func TestRepository_Expiry(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)

	t.Run("overdue session reads as expired", func(t *testing.T) {
		s := newSession("expiry-1", session.StateAuthPending)
		s.ExpiresAt = time.Now().Add(-time.Second)
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.Load(ctx, "expiry-1")
		require.NoError(t, err)
		assert.Equal(t, session.StateExpired, got.State)
	})

	t.Run("transition on an overdue session fails", func(t *testing.T) {
		s := newSession("expiry-2", session.StateAuthPending)
		s.ExpiresAt = time.Now().Add(-time.Second)
		require.NoError(t, repo.Create(ctx, s))

		_, err := repo.Transition(ctx, "expiry-2", session.StateAuthPending, session.StateAuthenticated, nil)
		assert.ErrorIs(t, err, serviceerr.ErrExpired)

		got, err := repo.Load(ctx, "expiry-2")
		require.NoError(t, err)
		assert.Equal(t, session.StateExpired, got.State)
	})

	t.Run("terminal states never expire", func(t *testing.T) {
		s := newSession("expiry-3", session.StateCompleted)
		s.ExpiresAt = time.Now().Add(-time.Second)
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.Load(ctx, "expiry-3")
		require.NoError(t, err)
		assert.Equal(t, session.StateCompleted, got.State)
	})
}

func TestRepository_DeleteAndList(t *testing.T) {
	ctx := t.Context()
	repo := sessionsql.NewRepository(dbPool)

	require.NoError(t, repo.Create(ctx, newSession("list-1", session.StateAuthPending)))
	require.NoError(t, repo.Create(ctx, newSession("list-2", session.StateCompleted)))

	ids := func(sessions []session.Session) []string {
		var out []string
		for _, s := range sessions {
			out = append(out, s.ID)
		}
		return out
	}

	sessions, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(sessions), "list-1")
	assert.Contains(t, ids(sessions), "list-2")

	require.NoError(t, repo.Delete(ctx, "list-2"))
	assert.ErrorIs(t, repo.Delete(ctx, "list-2"), serviceerr.ErrNotFound)

	sessions, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(sessions), "list-1")
	assert.NotContains(t, ids(sessions), "list-2")
}
