package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/flow"
	"github.com/verimeet/broker/internal/serviceerr"
)

// maxAttestationBytes bounds callback bodies; attestations are compact JWTs.
const maxAttestationBytes = 64 * 1024

// brokerServer exposes the flow engine's operations to user agents and
// plugin callbacks.
type brokerServer struct {
	engine *flow.Engine
}

func newBrokerServer(engine *flow.Engine) *brokerServer {
	return &brokerServer{engine: engine}
}

type startRequest struct {
	Purpose    string `json:"purpose"`
	AuthPlugin string `json:"auth_plugin"`
	CommPlugin string `json:"comm_plugin"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	ClientURL string `json:"client_url"`
}

func (s *brokerServer) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.Start(ctx, req.Purpose, req.AuthPlugin, req.CommPlugin)
	if err != nil {
		slogctx.Error(ctx, "Failed to start session", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID: result.SessionID,
		ClientURL: result.ClientURL,
	})
}

type statusResponse struct {
	State         string `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (s *brokerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := s.engine.Status(ctx, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		State:         string(sess.State),
		FailureReason: sess.FailureReason,
	})
}

type continuationResponse struct {
	ClientURL string `json:"client_url"`
}

func (s *brokerServer) handleAttestation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAttestationBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading attestation body")
		return
	}

	clientURL, err := s.engine.HandleAttestation(ctx, r.PathValue("id"), string(raw))
	if err != nil {
		slogctx.Error(ctx, "Failed to process attestation", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, continuationResponse{ClientURL: clientURL})
}

func (s *brokerServer) handleContinue(w http.ResponseWriter, r *http.Request) {
	clientURL, err := s.engine.Continue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	http.Redirect(w, r, clientURL, http.StatusFound)
}

func (s *brokerServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.engine.Complete(ctx, r.PathValue("id"), r.URL.Query().Get("token")); err != nil {
		slogctx.Error(ctx, "Failed to complete session", "error", err)
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *brokerServer) handleOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.engine.Options(r.PathValue("purpose"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, options)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), serviceMessage(err))
}

// httpStatus maps the error taxonomy onto response codes. Validation
// failures answer 403: the session is driven to Failed and the recorded
// reason stays queryable on the status endpoint.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, serviceerr.ErrUnknownPlugin),
		errors.Is(err, serviceerr.ErrUnknownPurpose),
		errors.Is(err, serviceerr.ErrMalformedAttestation):
		return http.StatusBadRequest
	case errors.Is(err, serviceerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, serviceerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, serviceerr.ErrExpired):
		return http.StatusGone
	case errors.Is(err, serviceerr.ErrInvalidSignature),
		errors.Is(err, serviceerr.ErrSessionMismatch),
		errors.Is(err, serviceerr.ErrAttestationExpired),
		errors.Is(err, serviceerr.ErrMissingAttributes):
		return http.StatusForbidden
	case errors.Is(err, serviceerr.ErrPluginUnreachable),
		errors.Is(err, serviceerr.ErrPluginRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// serviceMessage keeps response bodies to the sentinel text, without the
// wrapped detail chain.
func serviceMessage(err error) string {
	for _, sentinel := range []error{
		serviceerr.ErrUnknownPlugin, serviceerr.ErrUnknownPurpose, serviceerr.ErrMalformedAttestation,
		serviceerr.ErrNotFound, serviceerr.ErrConflict, serviceerr.ErrExpired,
		serviceerr.ErrInvalidSignature, serviceerr.ErrSessionMismatch,
		serviceerr.ErrAttestationExpired, serviceerr.ErrMissingAttributes,
		serviceerr.ErrPluginUnreachable, serviceerr.ErrPluginRejected,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	return "internal error"
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
