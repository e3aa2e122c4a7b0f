package urlstate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sample_secret_1234567890178901237890"

func TestNewSigner(t *testing.T) {
	t.Run("rejects a short secret", func(t *testing.T) {
		_, err := NewSigner([]byte("too short"))
		assert.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	signer, err := NewSigner([]byte(testSecret))
	require.NoError(t, err)

	token, err := signer.Encode(map[string]string{"sid": "session-1", "purpose": "report_move"})
	require.NoError(t, err)

	state, err := signer.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sid": "session-1", "purpose": "report_move"}, state)
}

func TestDecode(t *testing.T) {
	signer, err := NewSigner([]byte(testSecret))
	require.NoError(t, err)

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		other, err := NewSigner([]byte("another_secret_456789012345678901234"))
		require.NoError(t, err)

		token, err := other.Encode(map[string]string{"sid": "session-1"})
		require.NoError(t, err)

		_, err = signer.Decode(token)
		assert.Error(t, err)
	})

	t.Run("rejects a tampered token", func(t *testing.T) {
		token, err := signer.Encode(map[string]string{"sid": "session-1"})
		require.NoError(t, err)

		parts := strings.Split(token, ".")
		require.Len(t, parts, 3)
		tampered := parts[0] + "." + parts[1] + "x." + parts[2]

		_, err = signer.Decode(tampered)
		assert.Error(t, err)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		past := time.Now().Add(-2 * tokenLifetime)
		signer.now = func() time.Time { return past }

		token, err := signer.Encode(map[string]string{"sid": "session-1"})
		require.NoError(t, err)

		signer.now = time.Now
		_, err = signer.Decode(token)
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := signer.Decode("not a token")
		assert.Error(t, err)
	})
}
