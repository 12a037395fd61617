package mcpauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	t.Run("register assigns an id", func(t *testing.T) {
		r := NewClientRegistry()

		cl, err := r.Register("Test Client", []string{"https://app/cb"})
		require.NoError(t, err)
		assert.NotEmpty(t, cl.ID)

		got, ok := r.Get(cl.ID)
		require.True(t, ok)
		assert.Equal(t, "Test Client", got.Name)
	})

	t.Run("requires at least one absolute redirect", func(t *testing.T) {
		r := NewClientRegistry()

		_, err := r.Register("Test", nil)
		assert.Error(t, err)

		_, err = r.Register("Test", []string{"/relative"})
		assert.Error(t, err)
	})

	t.Run("empty registry tolerates any client", func(t *testing.T) {
		r := NewClientRegistry()
		assert.NoError(t, r.ValidateRedirectURI("anything", "https://app/cb"))
	})

	t.Run("populated registry enforces registration", func(t *testing.T) {
		r := NewClientRegistry()
		cl, err := r.Register("Test", []string{"https://app/cb"})
		require.NoError(t, err)

		assert.NoError(t, r.ValidateRedirectURI(cl.ID, "https://app/cb"))
		assert.Error(t, r.ValidateRedirectURI(cl.ID, "https://evil/cb"))
		assert.Error(t, r.ValidateRedirectURI("unknown", "https://app/cb"))
	})
}
