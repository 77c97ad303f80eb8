package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/peerwire"
)

func TestChokeInterestFlagsPropagate(t *testing.T) {
	local, remote, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	require.NoError(t, local.SetAmInterested(true))
	m := <-remote.Receiver()
	assert.Equal(t, peerwire.Interested, m.ID)
	assert.True(t, remote.PeerInterested())

	require.NoError(t, remote.SetAmChoking(false))
	m = <-local.Receiver()
	assert.Equal(t, peerwire.Unchoke, m.ID)
	assert.False(t, local.PeerChoking())
}

func TestHaveUpdatesPeerBitfield(t *testing.T) {
	local, remote, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	require.NoError(t, local.SendHave(3))
	m := <-remote.Receiver()
	assert.Equal(t, peerwire.Have, m.ID)
	assert.True(t, remote.PeerHasPiece(3))
}

func TestRequestTracksPendingUntilPieceArrives(t *testing.T) {
	local, remote, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	require.NoError(t, remote.SetAmChoking(false))
	<-local.Receiver() // unchoke

	require.NoError(t, local.RequestBlock(0, 0, 16384))
	assert.True(t, local.IsPending(0, 0, 16384))

	req := <-remote.Receiver()
	assert.Equal(t, peerwire.Request, req.ID)

	require.NoError(t, remote.SendPiece(0, 0, make([]byte, 16384)))
	<-local.Receiver()

	assert.False(t, local.IsPending(0, 0, 16384))
	assert.Greater(t, local.DownloadRate(), float64(0))
}

func TestRequestWhileChokingIsAViolation(t *testing.T) {
	local, remote, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	// remote starts out choking local (default amChoking=true), so a
	// request from local should cause remote to close the connection.
	require.NoError(t, local.RequestBlock(0, 0, 16384))

	select {
	case <-remote.done:
	case <-time.After(time.Second):
		t.Fatal("expected remote to close on choke violation")
	}
}

func TestCancelRemovesPending(t *testing.T) {
	local, remote, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	// remote must unchoke local first, or the Request below is a violation
	// that closes remote instead of being forwarded.
	require.NoError(t, remote.SetAmChoking(false))
	<-local.Receiver() // unchoke

	require.NoError(t, local.RequestBlock(0, 0, 16384))
	assert.True(t, local.IsPending(0, 0, 16384))

	require.NoError(t, local.CancelBlock(0, 0, 16384))
	assert.False(t, local.IsPending(0, 0, 16384))

	m := <-remote.Receiver()
	assert.Equal(t, peerwire.Request, m.ID)
	m = <-remote.Receiver()
	assert.Equal(t, peerwire.Cancel, m.ID)
}

type countingEvents struct{ closed int }

func (e *countingEvents) ConnClosed(*Conn, string) { e.closed++ }

func TestCloseIsIdempotentAndNotifiesEvents(t *testing.T) {
	local, _, cleanup := PairFixture(ConfigFixture())
	defer cleanup()

	events := &countingEvents{}
	local.events = events

	local.Close("done")
	local.Close("done again")
	assert.True(t, local.IsClosed())
	assert.Equal(t, Closed, local.State())
	assert.Equal(t, 1, events.closed)
}
