package attestation

import (
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/serviceerr"
)

type Validator struct {
	// now is stubbed in tests.
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate checks the attestation against the issuing plugin's trust
// material and the expected session, then extracts the attribute mapping.
// requested lists the attributes the purpose promised; each must be present
// and non-empty in the payload.
func (v *Validator) Validate(plugin registry.Plugin, att Attestation, sessionID string, requested []string) (map[string]string, error) {
	var verified claims
	if err := att.token.Claims([]byte(plugin.Secret), &verified); err != nil {
		return nil, errors.Join(err, serviceerr.ErrInvalidSignature)
	}

	if err := verified.Validate(jwt.Expected{Time: v.now()}); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, errors.Join(err, serviceerr.ErrAttestationExpired)
		}

		return nil, errors.Join(err, serviceerr.ErrInvalidSignature)
	}

	// Anti-replay / anti-mix-up: the signed sid must match the session the
	// callback claims to belong to.
	if verified.SessionID != sessionID {
		return nil, serviceerr.ErrSessionMismatch
	}

	if len(verified.Attributes) == 0 {
		return nil, serviceerr.ErrMissingAttributes
	}

	for _, name := range requested {
		if verified.Attributes[name] == "" {
			return nil, serviceerr.ErrMissingAttributes
		}
	}

	return verified.Attributes, nil
}
