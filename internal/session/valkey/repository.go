// Package sessionvalkey stores sessions in valkey, for deployments running
// more than one broker instance. The compare-and-swap transition runs as a
// Lua script so racing callbacks are serialized by the server.
package sessionvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

type Repository struct {
	store *store
	grace time.Duration
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(valkeyClient valkey.Client, prefix string, grace time.Duration) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
		grace: grace,
	}
}

func (r *Repository) Create(ctx context.Context, s session.Session) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	if err := r.store.SetNX(ctx, s.ID, s, r.ttl(s)); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (r *Repository) Load(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, id, &s); err != nil {
		return session.Session{}, err
	}

	if s.Expired(time.Now()) {
		// Lazy flip. Losing this race to a concurrent transition is fine;
		// the CAS gate decides either way.
		if expired, err := r.expire(ctx, s); err == nil {
			return expired, nil
		}

		return r.reload(ctx, id)
	}

	return s, nil
}

func (r *Repository) Transition(ctx context.Context, id string, expected, next session.State, mutate func(*session.Session) error) (session.Session, error) {
	s, err := r.Load(ctx, id)
	if err != nil {
		return session.Session{}, err
	}

	if s.State != expected {
		if s.State == session.StateExpired {
			return session.Session{}, serviceerr.ErrExpired
		}

		return session.Session{}, serviceerr.ErrConflict
	}

	if mutate != nil {
		if err := mutate(&s); err != nil {
			return session.Session{}, err
		}
	}

	s.State = next
	s.UpdatedAt = time.Now()

	if err := r.store.CompareAndSwap(ctx, id, string(expected), s, r.ttl(s)); err != nil {
		return session.Session{}, err
	}

	return s, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Destroy(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (r *Repository) List(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	if err := getStoreObjects(ctx, r.store, &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions from store: %w", err)
	}

	return sessions, nil
}

func (r *Repository) expire(ctx context.Context, s session.Session) (session.Session, error) {
	expected := s.State
	s.State = session.StateExpired
	s.UpdatedAt = time.Now()

	if err := r.store.CompareAndSwap(ctx, s.ID, string(expected), s, r.grace); err != nil {
		return session.Session{}, err
	}

	return s, nil
}

func (r *Repository) reload(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, id, &s); err != nil {
		return session.Session{}, err
	}

	return s, nil
}

// ttl is the eviction deadline for the stored document: terminal entries
// stay readable for the grace period, live ones until their lifetime plus
// the grace period has elapsed.
func (r *Repository) ttl(s session.Session) time.Duration {
	if s.State.Terminal() {
		return r.grace
	}

	return time.Until(s.ExpiresAt) + r.grace
}
