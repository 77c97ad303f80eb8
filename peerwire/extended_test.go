package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	m := NewExtendedHandshake(map[string]byte{"ut_pex": 1, "ut_metadata": 2}, 6881)
	require.Equal(t, Extended, m.ID)
	require.Equal(t, ExtendedHandshakeID, m.ExtendedID)

	h, err := ParseExtendedHandshake(m.Payload)
	require.NoError(t, err)

	id, ok := h.SupportsExtension("ut_pex")
	assert.True(t, ok)
	assert.Equal(t, byte(1), id)

	id, ok = h.SupportsExtension("ut_metadata")
	assert.True(t, ok)
	assert.Equal(t, byte(2), id)

	_, ok = h.SupportsExtension("ut_holepunch")
	assert.False(t, ok)

	assert.Equal(t, 6881, h.Port)
}

func TestParseExtendedHandshakeRejectsNonDict(t *testing.T) {
	_, err := ParseExtendedHandshake([]byte("i5e"))
	assert.Error(t, err)
}

func TestParseExtendedHandshakeToleratesMissingFields(t *testing.T) {
	h, err := ParseExtendedHandshake([]byte("de"))
	require.NoError(t, err)
	assert.Empty(t, h.M)
	assert.Equal(t, 0, h.Port)
}
