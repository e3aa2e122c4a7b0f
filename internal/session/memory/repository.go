// Package sessionmemory provides the default single-process session store,
// backed by go-cache so reclaimed entries age out without a dedicated
// janitor of our own.
package sessionmemory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

type Repository struct {
	// mu linearizes every operation; the compare-and-swap guarantee of
	// Transition depends on it.
	mu    sync.Mutex
	store *gocache.Cache
	// ids holds every id ever created, so an id is never reused within the
	// process even after its entry has been reclaimed.
	ids   map[string]struct{}
	grace time.Duration
}

var _ session.Repository = (*Repository)(nil)

// NewRepository creates an in-memory repository. Terminal sessions are kept
// readable for the grace period, then evicted.
func NewRepository(grace time.Duration) *Repository {
	return &Repository{
		store: gocache.New(gocache.NoExpiration, time.Minute),
		ids:   make(map[string]struct{}),
		grace: grace,
	}
}

func (r *Repository) Create(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, used := r.ids[s.ID]; used {
		return serviceerr.ErrConflict
	}

	r.ids[s.ID] = struct{}{}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	r.put(s)

	return nil
}

func (r *Repository) Load(_ context.Context, id string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.get(id)
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	if s.Expired(time.Now()) {
		s = r.expire(s)
	}

	return s, nil
}

func (r *Repository) Transition(_ context.Context, id string, expected, next session.State, mutate func(*session.Session) error) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.get(id)
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	if s.Expired(time.Now()) {
		r.expire(s)
		return session.Session{}, serviceerr.ErrExpired
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
	r.put(s)

	return s, nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.get(id); !ok {
		return serviceerr.ErrNotFound
	}

	r.store.Delete(id)

	return nil
}

func (r *Repository) List(_ context.Context) ([]session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.store.Items()
	sessions := make([]session.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, item.Object.(session.Session))
	}

	return sessions, nil
}

func (r *Repository) get(id string) (session.Session, bool) {
	v, ok := r.store.Get(id)
	if !ok {
		return session.Session{}, false
	}

	return v.(session.Session), true
}

// put stores the session with an eviction deadline derived from its state:
// terminal entries live for the grace period, live ones until their
// lifetime plus the grace period has elapsed.
func (r *Repository) put(s session.Session) {
	ttl := r.grace
	if !s.State.Terminal() {
		ttl = time.Until(s.ExpiresAt) + r.grace
	}

	r.store.Set(s.ID, s, ttl)
}

// expire flips an overdue session to its terminal Expired state. Caller
// must hold mu.
func (r *Repository) expire(s session.Session) session.Session {
	s.State = session.StateExpired
	s.UpdatedAt = time.Now()
	r.put(s)

	return s
}
