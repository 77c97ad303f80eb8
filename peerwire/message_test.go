package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	got, err := ReadMessage(bytes.NewReader(m.Encode()))
	require.NoError(t, err)
	return got
}

func TestKeepAliveRoundTrip(t *testing.T) {
	got, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFixedMessagesRoundTrip(t *testing.T) {
	for _, m := range []*Message{NewChoke(), NewUnchoke(), NewInterested(), NewNotInterested()} {
		got := roundTrip(t, m)
		assert.Equal(t, m.ID, got.ID)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	got := roundTrip(t, NewHave(42))
	assert.Equal(t, Have, got.ID)
	assert.Equal(t, uint32(42), got.Index)
}

func TestBitfieldRoundTrip(t *testing.T) {
	bits := []byte{0b10110000}
	got := roundTrip(t, NewBitfield(bits))
	assert.Equal(t, bits, got.BitfieldBytes)
}

func TestRequestAndCancelRoundTrip(t *testing.T) {
	req := roundTrip(t, NewRequest(1, 16384, 16384))
	assert.Equal(t, Request, req.ID)
	assert.Equal(t, uint32(1), req.Index)
	assert.Equal(t, uint32(16384), req.Begin)
	assert.Equal(t, uint32(16384), req.Length)

	cancel := roundTrip(t, NewCancel(1, 16384, 16384))
	assert.Equal(t, Cancel, cancel.ID)
}

func TestPieceRoundTrip(t *testing.T) {
	block := bytes.Repeat([]byte{0xAB}, 1000)
	got := roundTrip(t, NewPiece(3, 2000, block))
	assert.Equal(t, Piece, got.ID)
	assert.Equal(t, uint32(3), got.Index)
	assert.Equal(t, uint32(2000), got.Begin)
	assert.Equal(t, block, got.Block)
}

func TestPortRoundTrip(t *testing.T) {
	got := roundTrip(t, NewPort(6881))
	assert.Equal(t, Port, got.ID)
	assert.Equal(t, uint16(6881), got.Port)
}

func TestExtendedRoundTrip(t *testing.T) {
	got := roundTrip(t, NewExtended(0, []byte("d1:md11:ut_pexi1eee")))
	assert.Equal(t, Extended, got.ID)
	assert.Equal(t, byte(0), got.ExtendedID)
	assert.Equal(t, []byte("d1:md11:ut_pexi1eee"), got.Payload)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	big := uint32(MaxMessageSize + 1)
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	buf.Write(lenBuf)

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestDecodeBodyRejectsMalformedHave(t *testing.T) {
	_, err := decodeBody([]byte{byte(Have), 1, 2})
	assert.Error(t, err)
}
