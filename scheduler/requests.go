package scheduler

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dmoreau/gobt/core"
)

type blockKey struct {
	piece, block int
}

type assignment struct {
	peer   core.PeerID
	sentAt time.Time
}

// RequestTracker records which peers a block has been requested from. In
// steady state a block has at most one assignment; during endgame (spec
// §4.7) it may briefly have several, which is what lets the picker cancel
// the losers once one peer's data arrives.
//
// Grounded on piecerequest.Manager's requests/requestsByPeer dual index,
// generalized from whole-piece to block-level assignments and from a
// single-assignment-per-piece model to endgame's deliberate duplicates.
type RequestTracker struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration

	assignments map[blockKey][]assignment
	byPeer      map[core.PeerID]map[blockKey]struct{}
}

// NewRequestTracker returns a tracker that considers an assignment expired
// after timeout has passed without the block arriving.
func NewRequestTracker(clk clock.Clock, timeout time.Duration) *RequestTracker {
	return &RequestTracker{
		clk:         clk,
		timeout:     timeout,
		assignments: make(map[blockKey][]assignment),
		byPeer:      make(map[core.PeerID]map[blockKey]struct{}),
	}
}

// CountForPeer returns how many blocks are currently assigned to peer.
func (t *RequestTracker) CountForPeer(peer core.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPeer[peer])
}

// HasPeerAssignment reports whether (piece, block) is already assigned to
// peer, so the picker doesn't re-request a block it's already pipelined to
// the same connection.
func (t *RequestTracker) HasPeerAssignment(peer core.PeerID, piece, block int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPeer[peer][blockKey{piece, block}]
	return ok
}

// IsAssigned reports whether any peer currently holds an assignment for
// (piece, block). An assignment past the timeout still counts until Sweep
// drops it.
func (t *RequestTracker) IsAssigned(piece, block int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assignments[blockKey{piece, block}]) > 0
}

// Assign records that peer has been sent a request for (piece, block).
func (t *RequestTracker) Assign(peer core.PeerID, piece, block int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := blockKey{piece, block}
	t.assignments[key] = append(t.assignments[key], assignment{peer: peer, sentAt: t.clk.Now()})
	if t.byPeer[peer] == nil {
		t.byPeer[peer] = make(map[blockKey]struct{})
	}
	t.byPeer[peer][key] = struct{}{}
}

// Release clears every assignment for (piece, block), called once its data
// has arrived from any peer. It returns the other peers that had it
// assigned, i.e. the endgame losers the caller should send Cancel to.
func (t *RequestTracker) Release(piece, block int, arrivedFrom core.PeerID) []core.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := blockKey{piece, block}
	var losers []core.PeerID
	for _, a := range t.assignments[key] {
		if a.peer != arrivedFrom {
			losers = append(losers, a.peer)
		}
		if pm, ok := t.byPeer[a.peer]; ok {
			delete(pm, key)
			if len(pm) == 0 {
				delete(t.byPeer, a.peer)
			}
		}
	}
	delete(t.assignments, key)
	return losers
}

// ReleasePeer drops every assignment held by peer, e.g. on disconnect.
func (t *RequestTracker) ReleasePeer(peer core.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.byPeer[peer] {
		filtered := t.assignments[key][:0]
		for _, a := range t.assignments[key] {
			if a.peer != peer {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			delete(t.assignments, key)
		} else {
			t.assignments[key] = filtered
		}
	}
	delete(t.byPeer, peer)
}

// ExpiredKey identifies a timed-out assignment returned by Sweep.
type ExpiredKey struct {
	Peer  core.PeerID
	Piece int
	Block int
}

// Sweep drops and returns every assignment older than the tracker's
// timeout, so the picker can consider those blocks available again and the
// scheduler can decide whether to re-request or cancel.
func (t *RequestTracker) Sweep() []ExpiredKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	var expired []ExpiredKey
	for key, list := range t.assignments {
		kept := list[:0]
		for _, a := range list {
			if now.Sub(a.sentAt) >= t.timeout {
				expired = append(expired, ExpiredKey{Peer: a.peer, Piece: key.piece, Block: key.block})
				if pm, ok := t.byPeer[a.peer]; ok {
					delete(pm, key)
					if len(pm) == 0 {
						delete(t.byPeer, a.peer)
					}
				}
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(t.assignments, key)
		} else {
			t.assignments[key] = kept
		}
	}
	return expired
}
