package session

import "time"

// State is the lifecycle position of a session. Transitions are only ever
// performed through Repository.Transition, which compares against the
// caller's expected state.
type State string

const (
	StateCreated       State = "Created"
	StateAuthPending   State = "AuthPending"
	StateAuthenticated State = "Authenticated"
	StateCommPending   State = "CommPending"
	StateCompleted     State = "Completed"
	StateFailed        State = "Failed"
	StateExpired       State = "Expired"
)

// Terminal reports whether no further transition is permitted out of s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	}

	return false
}

// Session tracks one flow from creation through authentication into
// communication. AuthPluginID and CommPluginID are fixed at creation;
// Attributes are written exactly once, when the attestation validates.
type Session struct {
	ID      string `json:"id"`
	State   State  `json:"state"`
	Purpose string `json:"purpose"`

	AuthPluginID string `json:"auth_plugin_id"`
	CommPluginID string `json:"comm_plugin_id"`

	Attributes map[string]string `json:"attributes,omitempty"`

	AuthRedirectURL string `json:"auth_redirect_url,omitempty"`
	CommRedirectURL string `json:"comm_redirect_url,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session's lifetime has elapsed at the given
// instant. Terminal states keep whatever state they reached.
func (s Session) Expired(now time.Time) bool {
	return !s.State.Terminal() && now.After(s.ExpiresAt)
}
