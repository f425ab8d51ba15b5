package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsStable(t *testing.T) {
	a, err := Fingerprint(DomainEvents, map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Fingerprint(DomainEvents, map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintDomainSeparation(t *testing.T) {
	a, err := Fingerprint(DomainEvents, "x")
	require.NoError(t, err)
	b, err := Fingerprint(DomainArchive, "x")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintNormalizesStrings(t *testing.T) {
	// "é" precomposed versus "e" + combining acute accent.
	a, err := Fingerprint(DomainEvents, "caf\u00e9")
	require.NoError(t, err)
	b, err := Fingerprint(DomainEvents, "cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintRejectsNaN(t *testing.T) {
	_, err := Fingerprint(DomainEvents, []any{nan()})
	assert.Error(t, err)
}
