package sessionmock

import (
	"context"
	"time"

	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
)

type RepositoryOption func(*Repository)

// Repository is a hand-rolled fake with per-operation error injection, for
// exercising engine failure paths that the real stores cannot produce on
// demand.
type Repository struct {
	sessions map[string]session.Session

	createErr, loadErr, transitionErr, deleteErr, listErr error
}

func WithSession(s session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[s.ID] = s }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithLoadError(err error) RepositoryOption {
	return func(r *Repository) { r.loadErr = err }
}
func WithTransitionError(err error) RepositoryOption {
	return func(r *Repository) { r.transitionErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}
func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}

var _ session.Repository = (*Repository)(nil)

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Create(_ context.Context, s session.Session) error {
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.sessions[s.ID]; ok {
		return serviceerr.ErrConflict
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Repository) Load(_ context.Context, id string) (session.Session, error) {
	if r.loadErr != nil {
		return session.Session{}, r.loadErr
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) Transition(_ context.Context, id string, expected, next session.State, mutate func(*session.Session) error) (session.Session, error) {
	if r.transitionErr != nil {
		return session.Session{}, r.transitionErr
	}
	s, ok := r.sessions[id]
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}
	if s.Expired(time.Now()) {
		s.State = session.StateExpired
		r.sessions[id] = s
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
	r.sessions[id] = s
	return s, nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.sessions[id]; !ok {
		return serviceerr.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *Repository) List(_ context.Context) ([]session.Session, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	sessions := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions, nil
}
