package announceclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/bencode"
	"github.com/dmoreau/gobt/core"
)

func compactPeerBytes(peers []PeerEndpoint) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		out = append(out, ip4...)
		out = append(out, byte(p.Port>>8), byte(p.Port&0xFF))
	}
	return out
}

func bencodeAnnounceResponse(interval int64, complete, incomplete int64, peers []PeerEndpoint) []byte {
	d := bencode.NewDict()
	d.Set("interval", bencode.NewInt(interval))
	d.Set("complete", bencode.NewInt(complete))
	d.Set("incomplete", bencode.NewInt(incomplete))
	d.Set("peers", bencode.NewString(compactPeerBytes(peers)))
	return bencode.Encode(d)
}

func TestHTTPClientAnnounceParsesCompactPeers(t *testing.T) {
	wantPeers := []PeerEndpoint{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.NotEmpty(t, r.URL.Query().Get("info_hash"))
		w.Write(bencodeAnnounceResponse(1800, 3, 1, wantPeers))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{})
	result, err := c.Announce(context.Background(), srv.URL, Request{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
		Port:     6881,
		Left:     100,
		Event:    EventStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Complete)
	assert.Equal(t, 1, result.Incomplete)
	require.Len(t, result.Peers, 2)
	assert.True(t, result.Peers[0].IP.Equal(wantPeers[0].IP))
	assert.Equal(t, wantPeers[0].Port, result.Peers[0].Port)
}

func TestHTTPClientAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := bencode.NewDict()
		d.Set("failure reason", bencode.NewString([]byte("torrent not registered")))
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{})
	_, err := c.Announce(context.Background(), srv.URL, Request{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	})
	require.Error(t, err)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "torrent not registered", fe.Reason)
}

func TestHTTPClientAnnounceRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{})
	_, err := c.Announce(context.Background(), srv.URL, Request{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	})
	assert.Error(t, err)
}
