package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	ih := core.InfoHashFixture()
	pid := core.PeerIDFixture()
	h := NewHandshake(ih, pid, true)

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, h))
	assert.Len(t, buf.Bytes(), HandshakeLen)

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, ih, got.InfoHash)
	assert.Equal(t, pid, got.PeerID)
	assert.True(t, got.SupportsExtended())
}

func TestHandshakeWithoutExtendedBit(t *testing.T) {
	h := NewHandshake(core.InfoHashFixture(), core.PeerIDFixture(), false)
	assert.False(t, h.SupportsExtended())
}

func TestReadHandshakeRejectsBadPstr(t *testing.T) {
	raw := NewHandshake(core.InfoHashFixture(), core.PeerIDFixture(), false).Encode()
	raw[0] = 5 // wrong pstrlen
	_, err := ReadHandshake(bytes.NewReader(raw))
	assert.Error(t, err)
}
