// Package material produces replacement credential material for rotation
// partners. The engine never inspects material; it only moves opaque values
// between a Source and the store.
package material

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/keywheel/keywheel/internal/secure"
)

// Source allocates new credential material for a service template.
type Source interface {
	Name() string
	Generate(ctx context.Context, serviceTemplate string) (*secure.Material, error)
}

// RandomSource generates URL-safe random tokens locally. This is the default
// source for services whose secrets are minted by the caller.
type RandomSource struct {
	// ByteLength is the entropy size before encoding. Default 32.
	ByteLength int
}

// NewRandomSource creates a RandomSource with the default token length.
func NewRandomSource() *RandomSource {
	return &RandomSource{ByteLength: 32}
}

// Name returns the source name.
func (s *RandomSource) Name() string {
	return "random"
}

// Generate mints a new random token sealed in a protected enclave.
func (s *RandomSource) Generate(_ context.Context, serviceTemplate string) (*secure.Material, error) {
	n := s.ByteLength
	if n <= 0 {
		n = 32
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating material: %w", err)
	}
	token := fmt.Sprintf("kw_%s_%s", serviceTemplate, base64.RawURLEncoding.EncodeToString(raw))
	m := secure.NewMaterial([]byte(token))
	for i := range raw {
		raw[i] = 0
	}
	return m, nil
}
