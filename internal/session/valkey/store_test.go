package sessionvalkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStore(t *testing.T) {
	t.Run("creates store with prefix", func(t *testing.T) {
		store := newStore(nil, "test-prefix")

		assert.NotNil(t, store)
		assert.Equal(t, "test-prefix", store.prefix)
		assert.NotNil(t, store.cas)
	})

	t.Run("trims trailing colon from prefix", func(t *testing.T) {
		store := newStore(nil, "test-prefix:")

		assert.Equal(t, "test-prefix", store.prefix)
	})

	t.Run("trims only last trailing colon", func(t *testing.T) {
		store := newStore(nil, "test:prefix:")

		assert.Equal(t, "test:prefix", store.prefix)
	})

	t.Run("handles empty prefix", func(t *testing.T) {
		store := newStore(nil, "")

		assert.Empty(t, store.prefix)
	})
}

func TestStoreKey(t *testing.T) {
	store := newStore(nil, "prefix")

	t.Run("generates correct key format", func(t *testing.T) {
		assert.Equal(t, "prefix:session:session-123", store.key("session-123"))
	})
}
