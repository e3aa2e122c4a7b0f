// Package flow drives a session through authentication and into
// communication. All state moves through the session repository's
// compare-and-swap transition, so duplicate or late signals from plugins
// lose the race instead of re-running side effects.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/attestation"
	"github.com/verimeet/broker/internal/config"
	"github.com/verimeet/broker/internal/gateway"
	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/serviceerr"
	"github.com/verimeet/broker/internal/session"
	"github.com/verimeet/broker/internal/urlstate"
)

// Failure reasons recorded on a session entering StateFailed. Exactly one
// reason is recorded per failed session and surfaced on the status query.
const (
	ReasonAuthPluginUnavailable = "AuthPluginUnavailable"
	ReasonCommPluginUnavailable = "CommPluginUnavailable"
	ReasonInvalidSignature      = "InvalidSignature"
	ReasonSessionMismatch       = "SessionMismatch"
	ReasonAttestationExpired    = "AttestationExpired"
	ReasonMissingAttributes     = "MissingAttributes"
)

// Gateway is the outbound plugin client the engine drives.
type Gateway interface {
	StartAuth(ctx context.Context, plugin registry.Plugin, req gateway.StartAuthRequest) (string, error)
	StartComm(ctx context.Context, plugin registry.Plugin, req gateway.StartCommRequest) (string, error)
	ParseAttestation(raw string) (attestation.Attestation, error)
}

// Validator is the attestation gate.
type Validator interface {
	Validate(plugin registry.Plugin, att attestation.Attestation, sessionID string, requested []string) (map[string]string, error)
}

type Engine struct {
	registry  *registry.Registry
	sessions  session.Repository
	gateway   Gateway
	validator Validator
	signer    *urlstate.Signer
	ids       IDSource

	serverURL  string
	sessionTTL time.Duration
	grace      time.Duration
}

func NewEngine(
	cfg *config.Broker,
	reg *registry.Registry,
	sessions session.Repository,
	gw Gateway,
	validator Validator,
	signer *urlstate.Signer,
) (*Engine, error) {
	serverURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}

	return &Engine{
		registry:   reg,
		sessions:   sessions,
		gateway:    gw,
		validator:  validator,
		signer:     signer,
		serverURL:  serverURL.String(),
		sessionTTL: cfg.SessionTTL,
		grace:      cfg.TerminalGrace,
	}, nil
}

// StartResult is handed back to the user agent after session creation.
type StartResult struct {
	SessionID string
	ClientURL string
}

// Start creates a session for the chosen purpose and plugin pair and
// begins authentication. Unknown purpose or plugin ids fail before any
// session is stored.
func (e *Engine) Start(ctx context.Context, purposeID, authPluginID, commPluginID string) (StartResult, error) {
	purpose, err := e.registry.Purpose(purposeID)
	if err != nil {
		return StartResult{}, err
	}

	authPlugin, err := e.registry.AuthPlugin(purpose, authPluginID)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolving auth plugin %s: %w", authPluginID, err)
	}

	// Resolved now so a dangling comm reference fails creation, not the
	// handoff after the user already authenticated.
	if _, err := e.registry.CommPlugin(purpose, commPluginID); err != nil {
		return StartResult{}, fmt.Errorf("resolving comm plugin %s: %w", commPluginID, err)
	}

	now := time.Now()
	s := session.Session{
		ID:           e.ids.SessionID(),
		State:        session.StateCreated,
		Purpose:      purposeID,
		AuthPluginID: authPluginID,
		CommPluginID: commPluginID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.sessionTTL),
	}

	if err := e.sessions.Create(ctx, s); err != nil {
		return StartResult{}, fmt.Errorf("storing session: %w", err)
	}

	ctx = slogctx.With(ctx, "session_id", s.ID, "purpose", purposeID)

	clientURL, err := e.gateway.StartAuth(ctx, authPlugin, gateway.StartAuthRequest{
		SessionID:    s.ID,
		Attributes:   purpose.Attributes,
		Continuation: e.serverURL + "/session/" + s.ID + "/continue",
		AttrURL:      e.serverURL + "/session/" + s.ID + "/callback/attestation",
	})
	if err != nil {
		e.fail(ctx, s.ID, session.StateCreated, ReasonAuthPluginUnavailable)
		return StartResult{}, fmt.Errorf("starting authentication on %s: %w", authPluginID, err)
	}

	if _, err := e.sessions.Transition(ctx, s.ID, session.StateCreated, session.StateAuthPending, func(s *session.Session) error {
		s.AuthRedirectURL = clientURL
		return nil
	}); err != nil {
		return StartResult{}, fmt.Errorf("committing auth start: %w", err)
	}

	slogctx.Info(ctx, "Started session", "auth_plugin", authPluginID, "comm_plugin", commPluginID)

	return StartResult{SessionID: s.ID, ClientURL: clientURL}, nil
}

// HandleAttestation processes an auth plugin callback: validate the
// attestation against the session named by the callback URL, record the
// verified attributes and hand the session off to its communication plugin.
// Returns the comm plugin's client URL, which is also stored as the
// session's continuation target.
//
// sessionID comes from the callback route, not from the attestation: the
// validator compares it against the signed sid, so an attestation minted
// for another session fails this one instead of being routed elsewhere.
//
// A callback for a session not in AuthPending loses against the
// compare-and-swap gate and mutates nothing.
func (e *Engine) HandleAttestation(ctx context.Context, sessionID, raw string) (string, error) {
	att, err := e.gateway.ParseAttestation(raw)
	if err != nil {
		return "", err
	}

	s, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	ctx = slogctx.With(ctx, "session_id", s.ID, "purpose", s.Purpose)

	switch s.State {
	case session.StateAuthPending:
	case session.StateExpired:
		return "", serviceerr.ErrExpired
	default:
		return "", serviceerr.ErrConflict
	}

	purpose, err := e.registry.Purpose(s.Purpose)
	if err != nil {
		return "", err
	}

	authPlugin, err := e.registry.Plugin(registry.KindAuth, s.AuthPluginID)
	if err != nil {
		return "", err
	}

	attrs, err := e.validator.Validate(authPlugin, att, s.ID, purpose.Attributes)
	if err != nil {
		slogctx.Warn(ctx, "Attestation rejected", "error", err)
		e.fail(ctx, s.ID, session.StateAuthPending, failureReason(err))
		return "", err
	}

	if _, err := e.sessions.Transition(ctx, s.ID, session.StateAuthPending, session.StateAuthenticated, func(s *session.Session) error {
		s.Attributes = attrs
		return nil
	}); err != nil {
		// A concurrent callback won the race; its outcome stands.
		return "", err
	}

	slogctx.Info(ctx, "Session authenticated", "auth_plugin", s.AuthPluginID)

	return e.startComm(ctx, s.ID)
}

// startComm hands an authenticated session to its communication plugin.
func (e *Engine) startComm(ctx context.Context, sessionID string) (string, error) {
	s, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	commPlugin, err := e.registry.Plugin(registry.KindComm, s.CommPluginID)
	if err != nil {
		return "", err
	}

	completionURL, err := e.completionURL(s.ID)
	if err != nil {
		return "", err
	}

	clientURL, err := e.gateway.StartComm(ctx, commPlugin, gateway.StartCommRequest{
		SessionID:     s.ID,
		Purpose:       s.Purpose,
		Attributes:    s.Attributes,
		CompletionURL: completionURL,
	})
	if err != nil {
		e.fail(ctx, s.ID, session.StateAuthenticated, ReasonCommPluginUnavailable)
		return "", fmt.Errorf("starting communication on %s: %w", s.CommPluginID, err)
	}

	if _, err := e.sessions.Transition(ctx, s.ID, session.StateAuthenticated, session.StateCommPending, func(s *session.Session) error {
		s.CommRedirectURL = clientURL
		return nil
	}); err != nil {
		return "", err
	}

	slogctx.Info(ctx, "Session handed off", "comm_plugin", s.CommPluginID)

	return clientURL, nil
}

// Complete records the communication channel's end. The token must be one
// this broker minted for exactly this session.
func (e *Engine) Complete(ctx context.Context, sessionID, token string) error {
	state, err := e.signer.Decode(token)
	if err != nil {
		return fmt.Errorf("%w: %w", serviceerr.ErrSessionMismatch, err)
	}

	if state["sid"] != sessionID {
		return serviceerr.ErrSessionMismatch
	}

	if _, err := e.sessions.Transition(ctx, sessionID, session.StateCommPending, session.StateCompleted, nil); err != nil {
		return err
	}

	slogctx.Info(ctx, "Session completed", "session_id", sessionID)

	return nil
}

// Continue returns the communication redirect for a session whose handoff
// already happened; auth plugins send the user agent here after the
// attestation round trip.
func (e *Engine) Continue(ctx context.Context, sessionID string) (string, error) {
	s, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if s.CommRedirectURL == "" {
		return "", serviceerr.ErrConflict
	}

	return s.CommRedirectURL, nil
}

// Status reports the session's current state, including the recorded
// failure reason after StateFailed.
func (e *Engine) Status(ctx context.Context, sessionID string) (session.Session, error) {
	return e.sessions.Load(ctx, sessionID)
}

// Options lists the plugins available for a purpose.
func (e *Engine) Options(purposeID string) (registry.Options, error) {
	return e.registry.Options(purposeID)
}

func (e *Engine) completionURL(sessionID string) (string, error) {
	token, err := e.signer.Encode(map[string]string{"sid": sessionID})
	if err != nil {
		return "", fmt.Errorf("minting completion token: %w", err)
	}

	return e.serverURL + "/session/" + sessionID + "/complete?token=" + url.QueryEscape(token), nil
}

// fail drives a session to StateFailed with the given reason. Attributes
// are dropped on the way: a failed session carries a reason, never
// identity data. Losing the transition race means another signal already
// decided the session's fate; that outcome stands.
func (e *Engine) fail(ctx context.Context, sessionID string, expected session.State, reason string) {
	_, err := e.sessions.Transition(ctx, sessionID, expected, session.StateFailed, func(s *session.Session) error {
		s.Attributes = nil
		s.FailureReason = reason
		return nil
	})
	if err != nil {
		slogctx.Warn(ctx, "Could not record session failure", "session_id", sessionID, "reason", reason, "error", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, serviceerr.ErrSessionMismatch):
		return ReasonSessionMismatch
	case errors.Is(err, serviceerr.ErrAttestationExpired):
		return ReasonAttestationExpired
	case errors.Is(err, serviceerr.ErrMissingAttributes):
		return ReasonMissingAttributes
	default:
		return ReasonInvalidSignature
	}
}
