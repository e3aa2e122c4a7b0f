// Package serviceerr holds the sentinel errors shared across the broker.
// Every failed session transition is attributable to exactly one of these.
package serviceerr

import "errors"

// Registry and lookup errors.
var ErrUnknownPlugin = errors.New("unknown plugin")
var ErrUnknownPurpose = errors.New("unknown purpose")

// Session store errors.
var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("state conflict")
var ErrExpired = errors.New("session expired")

// Plugin gateway errors.
var ErrPluginUnreachable = errors.New("plugin unreachable")
var ErrPluginRejected = errors.New("plugin rejected request")
var ErrMalformedAttestation = errors.New("malformed attestation")

// Attestation validation errors.
var ErrInvalidSignature = errors.New("invalid attestation signature")
var ErrSessionMismatch = errors.New("attestation bound to another session")
var ErrAttestationExpired = errors.New("attestation expired")
var ErrMissingAttributes = errors.New("promised attributes missing")
