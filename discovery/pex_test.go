package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/bencode"
)

func compactPeers(peers []struct {
	ip   net.IP
	port uint16
}) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		out = append(out, p.ip.To4()...)
		out = append(out, byte(p.port>>8), byte(p.port&0xFF))
	}
	return out
}

func TestPEXListenerHandlePayloadEmitsAddedPeers(t *testing.T) {
	added := compactPeers([]struct {
		ip   net.IP
		port uint16
	}{
		{net.IPv4(10, 0, 0, 1), 6881},
		{net.IPv4(10, 0, 0, 2), 6882},
	})

	d := bencode.NewDict()
	d.Set("added", bencode.NewString(added))
	d.Set("added.f", bencode.NewString([]byte{0, 0}))
	payload := bencode.Encode(d)

	p := NewPEXListener()
	out := make(chan Candidate, 8)
	require.NoError(t, p.HandlePayload(payload, out))
	close(out)

	var got []Candidate
	for c := range out {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, PEX, got[0].Source)
	assert.True(t, got[0].Endpoint.IP.Equal(net.IPv4(10, 0, 0, 1)))
	assert.Equal(t, uint16(6881), got[0].Endpoint.Port)
}

func TestPEXListenerHandlePayloadIgnoresMissingAdded(t *testing.T) {
	d := bencode.NewDict()
	d.Set("dropped", bencode.NewString(nil))
	payload := bencode.Encode(d)

	p := NewPEXListener()
	out := make(chan Candidate, 1)
	require.NoError(t, p.HandlePayload(payload, out))
	assert.Len(t, out, 0)
}

func TestPEXListenerHandlePayloadRejectsMalformedCompactPeers(t *testing.T) {
	d := bencode.NewDict()
	d.Set("added", bencode.NewString([]byte{1, 2, 3}))
	payload := bencode.Encode(d)

	p := NewPEXListener()
	out := make(chan Candidate, 1)
	assert.Error(t, p.HandlePayload(payload, out))
}

func TestPEXListenerHandlePayloadDropsCandidatesWhenOutIsFull(t *testing.T) {
	added := compactPeers([]struct {
		ip   net.IP
		port uint16
	}{
		{net.IPv4(10, 0, 0, 1), 1},
		{net.IPv4(10, 0, 0, 2), 2},
	})
	d := bencode.NewDict()
	d.Set("added", bencode.NewString(added))
	payload := bencode.Encode(d)

	p := NewPEXListener()
	out := make(chan Candidate) // unbuffered, nobody reading
	require.NoError(t, p.HandlePayload(payload, out))
}
