// Package scheduler implements the piece-picking and request-pipelining
// strategy of spec §4.7: strict priority for in-progress pieces, rarest-
// first among untouched pieces, a random first-K-pieces override to speed
// up initial swarm participation, and endgame duplication near completion.
package scheduler

import (
	"math/rand"
	"sort"

	"github.com/willf/bitset"

	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/piecemap"
)

// DefaultRandomFirstPieces is K from spec §4.7: until this many pieces are
// complete, piece selection is uniformly random rather than rarest-first.
const DefaultRandomFirstPieces = 4

// DefaultEndgameThreshold is the remaining-piece count (untouched +
// in-progress) at or below which the picker starts duplicating requests.
const DefaultEndgameThreshold = 5

// BlockRequest is a single (piece, begin, length) tuple the picker wants a
// peer to fetch.
type BlockRequest struct {
	Piece  int
	Begin  int
	Length int
}

// Picker selects the next blocks to request from an unchoked peer. It holds
// no peer connections of its own; the scheduler that owns a Picker is
// responsible for calling NextRequests per peer and sending the resulting
// Requests over that peer's Conn.
type Picker struct {
	pieces       *piecemap.PieceMap
	availability *Availability
	requests     *RequestTracker

	randomFirstPieces int
	endgameThreshold  int
}

// NewPicker builds a Picker over pieces, sharing availability and requests
// with the rest of the torrent's scheduling state.
func NewPicker(pieces *piecemap.PieceMap, availability *Availability, requests *RequestTracker) *Picker {
	return &Picker{
		pieces:            pieces,
		availability:      availability,
		requests:          requests,
		randomFirstPieces: DefaultRandomFirstPieces,
		endgameThreshold:  DefaultEndgameThreshold,
	}
}

func peerHas(bf *bitset.BitSet, i int) bool {
	return bf != nil && uint(i) < bf.Len() && bf.Test(uint(i))
}

// inEndgame reports whether the torrent has few enough remaining pieces
// that duplicate requests are worthwhile.
func (pk *Picker) inEndgame() bool {
	remaining := pk.pieces.PieceCount() - pk.pieces.NumComplete()
	return remaining <= pk.endgameThreshold
}

// NextRequests returns up to limit block requests to send to peer, given
// its advertised bitfield.
func (pk *Picker) NextRequests(peer core.PeerID, peerBitfield *bitset.BitSet, limit int) []BlockRequest {
	if limit <= 0 {
		return nil
	}
	endgame := pk.inEndgame()

	var out []BlockRequest
	remaining := func() int { return limit - len(out) }

	inProgress := pk.pieces.InProgressPieces()
	sort.Ints(inProgress)

	// 1. Strict priority: finish pieces already in progress first.
	for _, i := range inProgress {
		if remaining() <= 0 {
			break
		}
		if pk.pieces.IsComplete(i) || !peerHas(peerBitfield, i) {
			continue
		}
		for _, b := range pk.wantedBlocks(i, peer, endgame) {
			if remaining() <= 0 {
				break
			}
			out = append(out, pk.assign(peer, i, b))
		}
	}
	if remaining() <= 0 {
		return out
	}

	untouched := pk.untouchedFor(peer, peerBitfield, inProgress)
	if len(untouched) == 0 {
		return out
	}

	// 2. Random first-K-pieces override.
	if pk.pieces.NumComplete() < pk.randomFirstPieces {
		rand.Shuffle(len(untouched), func(a, b int) {
			untouched[a], untouched[b] = untouched[b], untouched[a]
		})
		for _, i := range untouched {
			if remaining() <= 0 {
				break
			}
			for _, b := range pk.wantedBlocks(i, peer, endgame) {
				if remaining() <= 0 {
					break
				}
				out = append(out, pk.assign(peer, i, b))
			}
		}
		return out
	}

	// 3. Rarest-first among peer's untouched pieces.
	for remaining() > 0 && len(untouched) > 0 {
		idx := pk.availability.Rarest(untouched)
		i := untouched[idx]
		blocks := pk.wantedBlocks(i, peer, endgame)
		if len(blocks) == 0 {
			untouched = append(untouched[:idx], untouched[idx+1:]...)
			continue
		}
		for _, b := range blocks {
			if remaining() <= 0 {
				break
			}
			out = append(out, pk.assign(peer, i, b))
		}
		untouched = append(untouched[:idx], untouched[idx+1:]...)
	}
	return out
}

// untouchedFor lists pieces peer has that are neither complete nor already
// in progress (those were already considered by strict priority).
func (pk *Picker) untouchedFor(peer core.PeerID, bf *bitset.BitSet, inProgress []int) []int {
	skip := make(map[int]struct{}, len(inProgress))
	for _, i := range inProgress {
		skip[i] = struct{}{}
	}
	var out []int
	for i := 0; i < pk.pieces.PieceCount(); i++ {
		if pk.pieces.IsComplete(i) {
			continue
		}
		if _, ok := skip[i]; ok {
			continue
		}
		if !peerHas(bf, i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// wantedBlocks returns the block indices of piece i that peer should be
// asked for: blocks with no assignment left after the last Sweep, or (in endgame) blocks
// assigned to other peers but not yet assigned to this one.
func (pk *Picker) wantedBlocks(i int, peer core.PeerID, endgame bool) []int {
	n := pk.pieces.NumBlocks(i)
	ps := pk.pieces.Piece(i)

	var out []int
	for b := 0; b < n; b++ {
		if ps != nil && b < len(ps.Blocks) && ps.Blocks[b] == piecemap.Received {
			continue
		}
		if pk.requests.HasPeerAssignment(peer, i, b) {
			continue
		}
		if pk.requests.IsAssigned(i, b) && !endgame {
			continue
		}
		out = append(out, b)
	}
	return out
}

// assign marks block b of piece i as requested and records the assignment,
// returning the wire-level (begin, length) tuple to send.
func (pk *Picker) assign(peer core.PeerID, i, b int) BlockRequest {
	pk.pieces.MarkRequested(i, b)
	pk.requests.Assign(peer, i, b)
	return BlockRequest{
		Piece:  i,
		Begin:  b * piecemap.BlockSize,
		Length: int(pk.pieces.BlockLength(i, b)),
	}
}

// OnBlockReceived releases (piece, block)'s assignments and returns any
// other peers that should be sent a Cancel for it (endgame duplicates).
func (pk *Picker) OnBlockReceived(piece, begin int, arrivedFrom core.PeerID) []core.PeerID {
	b := begin / piecemap.BlockSize
	return pk.requests.Release(piece, b, arrivedFrom)
}

// OnPeerGone releases peer's outstanding assignments so other peers can
// pick up the slack; it does not touch Availability, which the caller
// updates from the peer's own bitfield snapshot.
func (pk *Picker) OnPeerGone(peer core.PeerID) {
	pk.requests.ReleasePeer(peer)
}

// SweepExpired releases timed-out assignments so their blocks become
// eligible for re-request, and returns them for the caller to log or
// re-pipeline immediately.
func (pk *Picker) SweepExpired() []ExpiredKey {
	return pk.requests.Sweep()
}
