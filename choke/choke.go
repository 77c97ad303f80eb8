// Package choke implements the regular/optimistic unchoke algorithm of
// BEP 3: which peers we upload to is decided periodically by scoring
// interested peers on throughput, plus one extra slot rotated at random so
// new or otherwise-unscored peers get a chance to prove themselves.
package choke

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
)

// Tunables match BEP 3's conventional unchoke schedule.
const (
	DefaultUnchokeSlots = 4
	RegularInterval     = 10 * time.Second
	OptimisticInterval  = 30 * time.Second
	SnubThreshold       = 60 * time.Second
	RecentConnWindow    = time.Minute
	OptimisticWeight    = 3
)

// Mode selects which rate a peer is scored on for the regular unchoke pass.
type Mode int

const (
	// Leech scores peers by our download rate from them (reciprocity:
	// peers that feed us data fastest get unchoked in return).
	Leech Mode = iota
	// Seed scores peers by our upload rate to them (maximize total
	// upload throughput once there's nothing left to download).
	Seed
)

func (m Mode) String() string {
	if m == Seed {
		return "seed"
	}
	return "leech"
}

// Peer is the subset of conn.Conn the choker needs. conn.Conn satisfies
// this directly.
type Peer interface {
	PeerID() core.PeerID
	CreatedAt() time.Time
	PeerInterested() bool
	PeerChoking() bool
	AmInterested() bool
	AmChoking() bool
	SetAmChoking(choking bool) error
	DownloadRate() float64
	UploadRate() float64
}

// Events notifies observers of choke-state transitions (spec §4.11's
// unchoke/choke/snubbed events).
type Events interface {
	Unchoked(peer core.PeerID)
	Choked(peer core.PeerID)
	Snubbed(peer core.PeerID)
}

type peerState struct {
	peer        Peer
	connectedAt time.Time
	lastPieceAt time.Time
	snubbed     bool
}

// Choker runs the periodic regular and optimistic unchoke passes for one
// torrent's peer set.
type Choker struct {
	events Events
	clk    clock.Clock
	logger *zap.SugaredLogger
	slots  int

	mu               sync.Mutex
	mode             Mode
	peers            map[core.PeerID]*peerState
	optimisticPeerID core.PeerID

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Choker with the default unchoke slot count, starting in
// Leech mode.
func New(events Events, clk clock.Clock, logger *zap.SugaredLogger) *Choker {
	return &Choker{
		events: events,
		clk:    clk,
		logger: logger,
		slots:  DefaultUnchokeSlots,
		mode:   Leech,
		peers:  make(map[core.PeerID]*peerState),
		done:   make(chan struct{}),
	}
}

// Start launches the regular and optimistic unchoke timers.
func (c *Choker) Start() {
	c.wg.Add(2)
	go c.regularLoop()
	go c.optimisticLoop()
}

// Stop halts both timers. It does not change any peer's choke state.
func (c *Choker) Stop() {
	close(c.done)
	c.wg.Wait()
}

// SetMode switches scoring between leech and seed. Called by the engine
// once every piece has been verified and stored.
func (c *Choker) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// AddPeer registers a connection for choke-state management. New
// connections start choked, per BEP 3, which conn.newConn already ensures.
func (c *Choker) AddPeer(p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	c.peers[p.PeerID()] = &peerState{
		peer:        p,
		connectedAt: now,
		lastPieceAt: now,
	}
}

// RemovePeer drops a connection from consideration. If it held the
// optimistic slot, the next optimistic tick picks a new peer.
func (c *Choker) RemovePeer(id core.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
	if c.optimisticPeerID == id {
		c.optimisticPeerID = core.PeerID{}
	}
}

// NotePieceReceived clears a peer's snub state. Called by the scheduler
// whenever a Piece message arrives from that peer.
func (c *Choker) NotePieceReceived(id core.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.peers[id]
	if !ok {
		return
	}
	ps.lastPieceAt = c.clk.Now()
	ps.snubbed = false
}

// IsSnubbed reports whether a peer is currently excluded from regular
// unchoke scoring for failing to deliver data within SnubThreshold.
func (c *Choker) IsSnubbed(id core.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.peers[id]
	return ok && ps.snubbed
}

func (c *Choker) score(p Peer) float64 {
	if c.mode == Seed {
		return p.UploadRate()
	}
	return p.DownloadRate()
}

func (c *Choker) regularLoop() {
	defer c.wg.Done()
	ticker := c.clk.Ticker(RegularInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tickRegular()
		case <-c.done:
			return
		}
	}
}

func (c *Choker) optimisticLoop() {
	defer c.wg.Done()
	ticker := c.clk.Ticker(OptimisticInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tickOptimistic()
		case <-c.done:
			return
		}
	}
}

// tickRegular refreshes snub state, then unchokes the top slots-1 scored
// interested peers (reserving one slot for whoever the optimistic pass is
// currently holding).
func (c *Choker) tickRegular() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	for id, ps := range c.peers {
		if ps.snubbed {
			continue
		}
		if ps.peer.PeerChoking() || !ps.peer.AmInterested() {
			continue
		}
		if now.Sub(ps.lastPieceAt) >= SnubThreshold {
			ps.snubbed = true
			if c.events != nil {
				c.events.Snubbed(id)
			}
		}
	}

	var candidates []*peerState
	for _, ps := range c.peers {
		if !ps.peer.PeerInterested() {
			continue
		}
		if ps.snubbed {
			continue
		}
		candidates = append(candidates, ps)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return c.score(candidates[i].peer) > c.score(candidates[j].peer)
	})

	slots := c.slots - 1
	if slots < 0 {
		slots = 0
	}

	keep := make(map[core.PeerID]bool, slots+1)
	for i := 0; i < len(candidates) && i < slots; i++ {
		keep[candidates[i].peer.PeerID()] = true
	}
	if (c.optimisticPeerID != core.PeerID{}) {
		keep[c.optimisticPeerID] = true
	}

	for id, ps := range c.peers {
		c.applyChoke(ps.peer, keep[id])
	}
}

// tickOptimistic rotates the single optimistic-unchoke slot among
// interested, currently-choked peers, weighting ones connected within the
// last minute 3x so newly-joined peers get a fair shot at proving useful.
func (c *Choker) tickOptimistic() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	var candidates []*peerState
	var weights []int
	for id, ps := range c.peers {
		if id == c.optimisticPeerID {
			continue
		}
		if !ps.peer.PeerInterested() || !ps.peer.AmChoking() {
			continue
		}
		w := 1
		if now.Sub(ps.connectedAt) < RecentConnWindow {
			w = OptimisticWeight
		}
		candidates = append(candidates, ps)
		weights = append(weights, w)
	}
	if len(candidates) == 0 {
		return
	}

	total := 0
	for _, w := range weights {
		total += w
	}
	r := rand.Intn(total)
	chosen := 0
	for i, w := range weights {
		if r < w {
			chosen = i
			break
		}
		r -= w
	}

	c.optimisticPeerID = candidates[chosen].peer.PeerID()
	c.applyChoke(candidates[chosen].peer, true)
}

func (c *Choker) applyChoke(p Peer, unchoke bool) {
	choking := !unchoke
	if p.AmChoking() == choking {
		return
	}
	if err := p.SetAmChoking(choking); err != nil {
		if c.logger != nil {
			c.logger.Warnw("failed to update choke state", "peer", p.PeerID(), "error", err)
		}
		return
	}
	if c.events == nil {
		return
	}
	if choking {
		c.events.Choked(p.PeerID())
	} else {
		c.events.Unchoked(p.PeerID())
	}
}
