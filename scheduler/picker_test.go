package scheduler

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/piecemap"
)

func fullBitfield(n int) *bitset.BitSet {
	bs := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		bs.Set(uint(i))
	}
	return bs
}

func newTestPicker(pieceCount int) (*Picker, *piecemap.PieceMap) {
	pm := piecemap.New(pieceCount, piecemap.BlockSize*4, int64(pieceCount)*piecemap.BlockSize*4)
	avail := NewAvailability()
	reqs := NewRequestTracker(clock.NewMock(), 20*time.Second)
	return NewPicker(pm, avail, reqs), pm
}

func TestNextRequestsRespectsPeerBitfield(t *testing.T) {
	pk, pm := newTestPicker(10)
	peer := core.PeerIDFixture()

	bf := bitset.New(10)
	bf.Set(2)

	reqs := pk.NextRequests(peer, bf, 100)
	for _, r := range reqs {
		assert.Equal(t, 2, r.Piece)
	}
	assert.NotEmpty(t, reqs)
	assert.Equal(t, pm.NumBlocks(2), len(reqs))
}

func TestNextRequestsDoesNotReassignAlreadyPendingBlocks(t *testing.T) {
	pk, _ := newTestPicker(10)
	peer := core.PeerIDFixture()
	bf := fullBitfield(10)

	first := pk.NextRequests(peer, bf, 4)
	second := pk.NextRequests(peer, bf, 4)

	seen := make(map[BlockRequest]bool)
	for _, r := range first {
		seen[r] = true
	}
	for _, r := range second {
		assert.False(t, seen[r], "block %+v requested twice to same peer outside endgame", r)
	}
}

func TestStrictPriorityFinishesInProgressPieceFirst(t *testing.T) {
	pk, pm := newTestPicker(10)
	peer := core.PeerIDFixture()
	bf := fullBitfield(10)

	// Manually put piece 5 in progress with one block already requested.
	require.NoError(t, pm.MarkRequested(5, 0))

	reqs := pk.NextRequests(peer, bf, 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, 5, reqs[0].Piece)
}

func TestRarestFirstWithSufficientPieces(t *testing.T) {
	// Exactly two untouched pieces remain after the random-first-K window,
	// so availability alone decides which one is picked.
	pk, pm := newTestPicker(DefaultRandomFirstPieces + 2)
	peer := core.PeerIDFixture()
	bf := fullBitfield(pm.PieceCount())

	for i := 0; i < DefaultRandomFirstPieces; i++ {
		require.NoError(t, pm.MarkComplete(i))
	}

	rarePiece := DefaultRandomFirstPieces // first untouched piece
	commonPiece := DefaultRandomFirstPieces + 1

	pk.availability.Add(bf) // both untouched pieces start at count 1
	pk.availability.Inc(commonPiece) // commonPiece now more available than rarePiece

	reqs := pk.NextRequests(peer, bf, 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, rarePiece, reqs[0].Piece)
}

func TestEndgameDuplicatesRequestsAndCancelsLoser(t *testing.T) {
	pk, pm := newTestPicker(DefaultEndgameThreshold)
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()
	bf := fullBitfield(pm.PieceCount())

	reqsA := pk.NextRequests(peerA, bf, 100)
	require.NotEmpty(t, reqsA)

	reqsB := pk.NextRequests(peerB, bf, 100)
	require.NotEmpty(t, reqsB, "endgame should duplicate outstanding requests to a second peer")

	first := reqsA[0]
	losers := pk.OnBlockReceived(first.Piece, first.Begin, peerA)
	assert.Contains(t, losers, peerB)
}

func TestOnPeerGoneFreesAssignmentsForOthers(t *testing.T) {
	pk, pm := newTestPicker(2)
	peer := core.PeerIDFixture()
	bf := fullBitfield(pm.PieceCount())

	reqs := pk.NextRequests(peer, bf, 100)
	require.NotEmpty(t, reqs)

	pk.OnPeerGone(peer)

	other := core.PeerIDFixture()
	reqs2 := pk.NextRequests(other, bf, 100)
	assert.NotEmpty(t, reqs2, "blocks should be requestable again once the original peer is gone")
}
