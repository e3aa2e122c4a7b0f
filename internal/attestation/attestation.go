// Package attestation parses and validates the signed claims an
// authentication plugin issues about a session. Validation is the single
// security gate: every attribute the broker ever trusts passes through
// Validator.Validate exactly once per session.
package attestation

import (
	"errors"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/verimeet/broker/internal/serviceerr"
)

var signatureAlgorithms = []jose.SignatureAlgorithm{jose.HS256}

// Attestation is a parsed but not yet verified callback payload. SessionID
// is read without signature verification; nothing may be trusted from it
// beyond locating the session whose trust material verifies the rest.
type Attestation struct {
	SessionID string
	Raw       string

	token *jwt.JSONWebToken
}

type claims struct {
	jwt.Claims
	SessionID  string            `json:"sid"`
	Attributes map[string]string `json:"attributes"`
}

// Parse structurally parses a raw attestation payload.
func Parse(raw string) (Attestation, error) {
	token, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return Attestation{}, errors.Join(err, serviceerr.ErrMalformedAttestation)
	}

	var c claims
	if err := token.UnsafeClaimsWithoutVerification(&c); err != nil {
		return Attestation{}, errors.Join(err, serviceerr.ErrMalformedAttestation)
	}

	if c.SessionID == "" {
		return Attestation{}, serviceerr.ErrMalformedAttestation
	}

	return Attestation{
		SessionID: c.SessionID,
		Raw:       raw,
		token:     token,
	}, nil
}
