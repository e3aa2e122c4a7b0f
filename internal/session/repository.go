package session

import "context"

// Repository owns all live session state. Transition is the single
// authority on whether an operation is still valid: it atomically compares
// the current state with the caller's expectation, applies the mutator and
// commits, so duplicate or out-of-order signals lose the race with
// serviceerr.ErrConflict instead of corrupting state.
type Repository interface {
	// Create stores a new session. Fails with serviceerr.ErrConflict if the
	// id is already known, including ids of sessions that have since been
	// reclaimed.
	Create(ctx context.Context, s Session) error

	// Load returns the session, flipping it to StateExpired first if its
	// lifetime has elapsed. Fails with serviceerr.ErrNotFound once the
	// entry has been reclaimed.
	Load(ctx context.Context, id string) (Session, error)

	// Transition performs the compare-and-swap: if the current state does
	// not equal expected it fails with serviceerr.ErrConflict
	// (serviceerr.ErrExpired when the lifetime has elapsed), otherwise it
	// applies mutate, sets next and commits. mutate may be nil.
	Transition(ctx context.Context, id string, expected, next State, mutate func(*Session) error) (Session, error)

	// Delete reclaims the session entry. The id stays burned.
	Delete(ctx context.Context, id string) error

	// List returns all live sessions, for the housekeeper sweep.
	List(ctx context.Context) ([]Session, error)
}
