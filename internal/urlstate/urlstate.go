// Package urlstate mints and verifies the short-lived signed tokens the
// broker threads through plugin redirects, so a signal coming back on a
// callback URL proves it originated from this broker.
package urlstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const tokenLifetime = 30 * time.Minute

var signatureAlgorithms = []jose.SignatureAlgorithm{jose.HS256}

type Signer struct {
	signer jose.Signer
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("internal secret must be at least 32 bytes")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating signer from internal secret: %w", err)
	}

	return &Signer{
		signer: signer,
		secret: secret,
		now:    time.Now,
	}, nil
}

// Encode signs the state map into a compact token with a bounded lifetime.
func (s *Signer) Encode(state map[string]string) (string, error) {
	now := s.now()
	std := jwt.Claims{
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(tokenLifetime)),
	}

	custom := make(map[string]any, len(state))
	for k, v := range state {
		custom[k] = v
	}

	token, err := jwt.Signed(s.signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing state token: %w", err)
	}

	return token, nil
}

// Decode verifies the token and returns the state map.
func (s *Signer) Decode(token string) (map[string]string, error) {
	parsed, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parsing state token: %w", err)
	}

	var std jwt.Claims
	custom := make(map[string]any)
	if err := parsed.Claims(s.secret, &std, &custom); err != nil {
		return nil, fmt.Errorf("verifying state token: %w", err)
	}

	if err := std.Validate(jwt.Expected{Time: s.now()}); err != nil {
		return nil, fmt.Errorf("validating state token: %w", err)
	}

	state := make(map[string]string, len(custom))
	for k, v := range custom {
		if k == "exp" || k == "iat" {
			continue
		}

		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("state claim %s is not a string", k)
		}

		state[k] = str
	}

	return state, nil
}
