package attestation

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/serviceerr"
)

const pluginSecret = "auth_secret_1234567890178901237890"

func testPlugin() registry.Plugin {
	return registry.Plugin{
		ID:      "irma",
		Kind:    registry.KindAuth,
		BaseURL: "http://auth-irma:8000",
		Secret:  pluginSecret,
	}
}

func signAttestation(t *testing.T, secret, sessionID string, attributes map[string]string, expiry time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(claims{
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(expiry.Add(-time.Hour)),
			Expiry:   jwt.NewNumericDate(expiry),
		},
		SessionID:  sessionID,
		Attributes: attributes,
	}).Serialize()
	require.NoError(t, err)

	return raw
}

func TestParse(t *testing.T) {
	t.Run("extracts the session id without verification", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-1", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))

		att, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "session-1", att.SessionID)
		assert.Equal(t, raw, att.Raw)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Parse("not a token")
		assert.ErrorIs(t, err, serviceerr.ErrMalformedAttestation)
	})

	t.Run("rejects a token without a session id", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))

		_, err := Parse(raw)
		assert.ErrorIs(t, err, serviceerr.ErrMalformedAttestation)
	})
}

func TestValidate(t *testing.T) {
	requested := []string{"email"}

	t.Run("returns the verified attributes", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-1", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		attrs, err := NewValidator().Validate(testPlugin(), att, "session-1", requested)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"email": "user@example.com"}, attrs)
	})

	t.Run("rejects a token signed with the wrong key", func(t *testing.T) {
		raw := signAttestation(t, "wrong_secret_123456789012345678901234", "session-1", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		_, err = NewValidator().Validate(testPlugin(), att, "session-1", requested)
		assert.ErrorIs(t, err, serviceerr.ErrInvalidSignature)
	})

	t.Run("rejects a token for another session", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-2", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		_, err = NewValidator().Validate(testPlugin(), att, "session-1", requested)
		assert.ErrorIs(t, err, serviceerr.ErrSessionMismatch)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-1", map[string]string{"email": "user@example.com"}, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		v := NewValidator()
		v.now = func() time.Time { return time.Now().Add(time.Hour) }

		_, err = v.Validate(testPlugin(), att, "session-1", requested)
		assert.ErrorIs(t, err, serviceerr.ErrAttestationExpired)
	})

	t.Run("rejects a token missing a requested attribute", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-1", map[string]string{"phone": "31612345678"}, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		_, err = NewValidator().Validate(testPlugin(), att, "session-1", requested)
		assert.ErrorIs(t, err, serviceerr.ErrMissingAttributes)
	})

	t.Run("rejects a token without attributes", func(t *testing.T) {
		raw := signAttestation(t, pluginSecret, "session-1", nil, time.Now().Add(time.Minute))
		att, err := Parse(raw)
		require.NoError(t, err)

		_, err = NewValidator().Validate(testPlugin(), att, "session-1", requested)
		assert.ErrorIs(t, err, serviceerr.ErrMissingAttributes)
	})
}
