package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialRevealRoundTrip(t *testing.T) {
	m := NewMaterial([]byte("sk_live_123"))
	defer m.Destroy()

	var seen string
	err := m.Reveal(func(plaintext []byte) error {
		seen = string(plaintext)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", seen)

	s, err := m.String()
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", s)
}

func TestMaterialDestroyIsIdempotent(t *testing.T) {
	m := NewMaterial([]byte("secret"))
	m.Destroy()
	m.Destroy()

	err := m.Reveal(func(plaintext []byte) error {
		assert.Empty(t, plaintext)
		return nil
	})
	require.NoError(t, err)
}
