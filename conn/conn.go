// Package conn implements one peer session: the connection-local state
// machine, choke/interest flags, pending-request bookkeeping and rolling
// transfer rates described in spec §4.6, layered over the wire codec in
// peerwire and the optional obfuscation layer in mse.
package conn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/willf/bitset"

	"github.com/dmoreau/gobt/conn/bandwidth"
	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/peerwire"
)

// Events notifies an observer (normally the scheduler) of connection
// lifecycle transitions it cannot otherwise learn about promptly.
type Events interface {
	ConnClosed(c *Conn, reason string)
}

// PieceSource answers whether the local peer holds a complete piece, so a
// Request for a piece we don't have can be treated as a protocol violation
// rather than silently ignored.
type PieceSource interface {
	HasPiece(index int) bool
}

type blockKey struct {
	index, begin, length uint32
}

// Conn manages one established peer session: the raw socket, the optional
// MSE-wrapped stream layered over it, wire-level choke/interest state, the
// peer's advertised bitfield, outstanding request bookkeeping and rolling
// rate estimates.
type Conn struct {
	localPeerID core.PeerID
	peerID      core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time
	encrypted   bool

	// openedByRemote marks whether this session originated from an Accept
	// (remote dialed us) or a Dial (we dialed remote).
	openedByRemote bool

	nc     net.Conn
	stream io.ReadWriter

	config  Config
	clk     clock.Clock
	stats   tally.Scope
	logger  *zap.SugaredLogger
	events  Events
	pieces  PieceSource
	limiter *bandwidth.Limiter

	mu             sync.Mutex
	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   *bitset.BitSet
	pending        map[blockKey]struct{}
	pipelineDepth  int
	lastSend       time.Time
	lastReceive    time.Time
	downloadedTotal int64
	uploadedTotal   int64

	downRate *rateMeter
	upRate   *rateMeter

	startOnce sync.Once

	sender   chan *peerwire.Message
	receiver chan *peerwire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func newConn(
	nc net.Conn,
	stream io.ReadWriter,
	localPeerID, peerID core.PeerID,
	infoHash core.InfoHash,
	encrypted, openedByRemote bool,
	numPieces int,
	pieces PieceSource,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events,
) *Conn {
	config = config.applyDefaults()
	now := clk.Now()
	return &Conn{
		localPeerID:    localPeerID,
		peerID:         peerID,
		infoHash:       infoHash,
		createdAt:      now,
		encrypted:      encrypted,
		openedByRemote: openedByRemote,
		nc:             nc,
		stream:         stream,
		config:         config,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "conn"}),
		logger:         logger,
		events:         events,
		pieces:         pieces,
		limiter:        config.Limiter,
		state:          Established,
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		peerBitfield:   bitset.New(uint(numPieces)),
		pending:        make(map[blockKey]struct{}),
		pipelineDepth:  config.InitialPipelineDepth,
		lastSend:       now,
		lastReceive:    now,
		downRate:       newRateMeter(clk),
		upRate:         newRateMeter(clk),
		sender:         make(chan *peerwire.Message, config.SenderBufferSize),
		receiver:       make(chan *peerwire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// Start launches the read, write and keep-alive/idle-watchdog loops. It is
// idempotent; only the first call has any effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(3)
		go c.readLoop()
		go c.writeLoop()
		go c.monitorLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this session belongs to.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when this Conn was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Encrypted reports whether MSE/PE obfuscation was negotiated.
func (c *Conn) Encrypted() bool { return c.encrypted }

// OpenedByRemote reports whether the remote peer initiated this connection.
func (c *Conn) OpenedByRemote() bool { return c.openedByRemote }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Done returns a channel that closes once the connection has torn down,
// letting callers select between it and Receiver() without leaking a
// goroutine blocked forever on a channel that's no longer fed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Receiver returns the channel of messages read from the peer, after
// internal bookkeeping (choke/interest/bitfield state, violation checks)
// has already been applied.
func (c *Conn) Receiver() <-chan *peerwire.Message { return c.receiver }

// Send enqueues msg for transmission. It does not block on the network; if
// the sender buffer is full or the connection is closed, an error is
// returned immediately.
func (c *Conn) Send(m *peerwire.Message) error {
	select {
	case <-c.done:
		return errf("send on closed connection to %s", c.peerID)
	default:
	}
	select {
	case c.sender <- m:
		return nil
	case <-c.done:
		return errf("send on closed connection to %s", c.peerID)
	default:
		c.stats.Counter("sender_buffer_full").Inc(1)
		return errf("sender buffer full for %s", c.peerID)
	}
}

// AmChoking, AmInterested, PeerChoking and PeerInterested expose the four
// wire-level flags from spec §4.6.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// SetAmChoking updates our choke state towards the peer and sends the
// corresponding wire message. Unchoking clears nothing on our side; it is
// the peer's own pending requests (which we don't track) that become
// servable once this takes effect.
func (c *Conn) SetAmChoking(choking bool) error {
	c.mu.Lock()
	changed := c.amChoking != choking
	c.amChoking = choking
	c.mu.Unlock()
	if !changed {
		return nil
	}
	if choking {
		return c.Send(peerwire.NewChoke())
	}
	return c.Send(peerwire.NewUnchoke())
}

// SetAmInterested updates our interest in the peer's pieces and sends the
// corresponding wire message.
func (c *Conn) SetAmInterested(interested bool) error {
	c.mu.Lock()
	changed := c.amInterested != interested
	c.amInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	if interested {
		return c.Send(peerwire.NewInterested())
	}
	return c.Send(peerwire.NewNotInterested())
}

// PeerHasPiece reports whether the peer has advertised piece index, via an
// earlier Bitfield or Have message.
func (c *Conn) PeerHasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield.Test(uint(index))
}

// PeerBitfieldSnapshot returns a copy of the peer's advertised bitfield.
func (c *Conn) PeerBitfieldSnapshot() *bitset.BitSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield.Clone()
}

// PipelineDepth returns how many outstanding block requests we may have in
// flight towards this peer.
func (c *Conn) PipelineDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipelineDepth
}

// SetPipelineDepth lets the scheduler widen or narrow the request pipeline
// in response to observed throughput, per spec §4.7.
func (c *Conn) SetPipelineDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineDepth = depth
}

// PendingCount returns the number of outstanding block requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RequestBlock sends a Request message and tracks it as outstanding.
func (c *Conn) RequestBlock(index, begin, length uint32) error {
	key := blockKey{index, begin, length}
	c.mu.Lock()
	c.pending[key] = struct{}{}
	c.mu.Unlock()
	if err := c.Send(peerwire.NewRequest(index, begin, length)); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

// CancelBlock sends a Cancel message and drops the block from our pending
// set, used both for explicit cancellation and endgame cleanup.
func (c *Conn) CancelBlock(index, begin, length uint32) error {
	key := blockKey{index, begin, length}
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
	return c.Send(peerwire.NewCancel(index, begin, length))
}

// IsPending reports whether a block request to this peer is still
// outstanding.
func (c *Conn) IsPending(index, begin, length uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[blockKey{index, begin, length}]
	return ok
}

// SendHave announces a newly completed piece.
func (c *Conn) SendHave(index uint32) error {
	return c.Send(peerwire.NewHave(index))
}

// SendPiece sends a block of piece data in response to a Request.
func (c *Conn) SendPiece(index, begin uint32, block []byte) error {
	return c.Send(peerwire.NewPiece(index, begin, block))
}

// DownloadRate and UploadRate return the rolling bytes/sec estimates used
// by the regular-unchoke algorithm (spec §4.8) to rank peers.
func (c *Conn) DownloadRate() float64 { return c.downRate.Rate() }
func (c *Conn) UploadRate() float64   { return c.upRate.Rate() }

// TimeSinceLastReceive reports how long it has been since any frame,
// keep-alives included, arrived from the peer. The choker's snub detection
// does not use it; it tracks piece arrivals itself.
func (c *Conn) TimeSinceLastReceive() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.lastReceive)
}

// Close tears down the connection, recording reason for diagnostics and
// notifying Events.ConnClosed exactly once.
func (c *Conn) Close(reason string) {
	if !c.closed.CAS(false, true) {
		return
	}
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	close(c.done)
	c.nc.Close()
	c.wg.Wait()
	if c.events != nil {
		c.events.ConnClosed(c, reason)
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		m, err := peerwire.ReadMessage(c.stream)
		if err != nil {
			go c.Close("read error: " + err.Error())
			return
		}

		c.mu.Lock()
		c.lastReceive = c.clk.Now()
		c.mu.Unlock()

		if m == nil {
			// keep-alive: bookkeeping only, nothing to forward.
			continue
		}

		if m.ID == peerwire.Piece {
			if err := c.limiter.ReserveIngress(len(m.Block)); err != nil {
				go c.Close(err.Error())
				return
			}
		}

		if err := c.applyIncoming(m); err != nil {
			go c.Close(err.Error())
			return
		}

		select {
		case c.receiver <- m:
		case <-c.done:
			return
		}
	}
}

// applyIncoming updates session state from an inbound message and detects
// protocol violations (spec §4.6's disconnect-worthy conditions).
func (c *Conn) applyIncoming(m *peerwire.Message) error {
	switch m.ID {
	case peerwire.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case peerwire.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case peerwire.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case peerwire.NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case peerwire.Have:
		c.mu.Lock()
		c.peerBitfield.Set(uint(m.Index))
		c.mu.Unlock()
	case peerwire.Bitfield:
		c.mu.Lock()
		restoreBitfield(c.peerBitfield, m.BitfieldBytes)
		c.mu.Unlock()
	case peerwire.Request:
		c.mu.Lock()
		choking := c.amChoking
		c.mu.Unlock()
		if choking {
			return violationf("peer %s requested a block while we are choking it", c.peerID)
		}
		if c.pieces != nil && !c.pieces.HasPiece(int(m.Index)) {
			return violationf("peer %s requested piece %d we don't have", c.peerID, m.Index)
		}
	case peerwire.Piece:
		key := blockKey{m.Index, m.Begin, uint32(len(m.Block))}
		c.mu.Lock()
		delete(c.pending, key)
		c.downloadedTotal += int64(len(m.Block))
		c.mu.Unlock()
		c.downRate.add(int64(len(m.Block)))
	case peerwire.Cancel:
		// Nothing to validate; the caller of SendPiece is responsible for
		// dropping an in-flight send if it races with a Cancel.
	case peerwire.Port, peerwire.Extended:
		// Handled upstream by discovery/extended-protocol consumers.
	}
	return nil
}

// restoreBitfield overwrites dst's bits from a BEP 3 MSB-first byte slice.
func restoreBitfield(dst *bitset.BitSet, raw []byte) {
	for i := uint(0); i < dst.Len(); i++ {
		byteIdx := i / 8
		if byteIdx >= uint(len(raw)) {
			dst.Clear(i)
			continue
		}
		bit := raw[byteIdx]&(0x80>>(i%8)) != 0
		if bit {
			dst.Set(i)
		} else {
			dst.Clear(i)
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case m := <-c.sender:
			if err := c.writeMessage(m); err != nil {
				go c.Close("write error: " + err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeMessage(m *peerwire.Message) error {
	if m.ID == peerwire.Piece {
		if err := c.limiter.ReserveEgress(len(m.Block)); err != nil {
			return err
		}
	}
	if _, err := c.stream.Write(m.Encode()); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSend = c.clk.Now()
	if m.ID == peerwire.Piece {
		c.uploadedTotal += int64(len(m.Block))
	}
	c.mu.Unlock()
	if m.ID == peerwire.Piece {
		c.upRate.add(int64(len(m.Block)))
	}
	return nil
}

// monitorLoop sends keep-alives on outbound idle and closes the connection
// when we haven't heard from the peer in config.IdleTimeout.
func (c *Conn) monitorLoop() {
	defer c.wg.Done()
	interval := c.config.KeepAliveInterval / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := c.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.clk.Now()
			c.mu.Lock()
			sinceSend := now.Sub(c.lastSend)
			sinceReceive := now.Sub(c.lastReceive)
			c.mu.Unlock()

			if sinceReceive >= c.config.IdleTimeout {
				go c.Close("idle timeout")
				return
			}
			if sinceSend >= c.config.KeepAliveInterval {
				_ = c.Send(peerwire.NewKeepAlive())
			}
		case <-c.done:
			return
		}
	}
}
