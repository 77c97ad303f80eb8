package conn

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/mse"
	"github.com/dmoreau/gobt/peerwire"
)

// PendingConn is an inbound connection that has completed MSE/PE
// negotiation (if any) and the plain BitTorrent handshake, but has not yet
// been matched to a loaded torrent by its caller. The info hash carried in
// the BitTorrent handshake — not the MSE SKEY trial, which only decrypts
// the stream — is what tells the caller which torrent this is for.
type PendingConn struct {
	nc        net.Conn
	stream    interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
	}
	handshake *peerwire.Handshake
	encrypted bool
}

// PeerID returns the remote peer's id from its handshake.
func (p *PendingConn) PeerID() core.PeerID { return p.handshake.PeerID }

// InfoHash returns the torrent the remote peer asked for.
func (p *PendingConn) InfoHash() core.InfoHash { return p.handshake.InfoHash }

// Close discards a pending connection the caller decided not to establish,
// e.g. because InfoHash() names a torrent we no longer have loaded.
func (p *PendingConn) Close() error { return p.nc.Close() }

// AcceptPending negotiates MSE/PE (if policy allows) and reads the
// BitTorrent handshake off an inbound net.Conn, without yet knowing which
// torrent it's for. Establish completes the session once the caller has
// resolved that torrent's piece count and bitfield.
func AcceptPending(nc net.Conn, skeys mse.SecretKeyIterator, policy mse.Policy, timeout time.Duration) (*PendingConn, error) {
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	stream, encrypted, err := mse.AcceptIncoming(nc, skeys, policy)
	if err != nil {
		nc.Close()
		return nil, err
	}
	hs, err := peerwire.ReadHandshake(stream)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &PendingConn{nc: nc, stream: stream, handshake: hs, encrypted: encrypted}, nil
}

// Establish completes a pending inbound connection: sends our own
// handshake and bitfield, clears the handshake deadline and starts the
// session's read/write loops.
func Establish(
	p *PendingConn,
	localPeerID core.PeerID,
	numPieces int,
	localBitfield []byte,
	pieces PieceSource,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events,
) (*Conn, error) {
	reply := peerwire.NewHandshake(p.InfoHash(), localPeerID, true)
	if err := peerwire.WriteHandshake(p.stream, reply); err != nil {
		p.nc.Close()
		return nil, err
	}
	if err := p.nc.SetDeadline(time.Time{}); err != nil {
		p.nc.Close()
		return nil, err
	}

	c := newConn(p.nc, p.stream, localPeerID, p.PeerID(), p.InfoHash(),
		p.encrypted, true, numPieces, pieces, config, clk, stats, logger, events)
	c.Start()
	if err := c.Send(peerwire.NewBitfield(localBitfield)); err != nil {
		logger.Warnw("failed to send initial bitfield", "peer", p.PeerID(), "error", err)
	}
	return c, nil
}

// Dial opens an outbound connection to addr, negotiates MSE/PE and the
// BitTorrent handshake, and returns an established, running Conn.
func Dial(
	addr string,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	numPieces int,
	localBitfield []byte,
	policy mse.Policy,
	pieces PieceSource,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events,
) (*Conn, error) {
	config = config.applyDefaults()

	nc, err := net.DialTimeout("tcp", addr, config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if err := nc.SetDeadline(time.Now().Add(config.HandshakeTimeout)); err != nil {
		nc.Close()
		return nil, err
	}

	stream, encrypted, err := mse.InitiateOutgoing(nc, infoHash, policy)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if err := peerwire.WriteHandshake(stream, peerwire.NewHandshake(infoHash, localPeerID, true)); err != nil {
		nc.Close()
		return nil, err
	}
	hs, err := peerwire.ReadHandshake(stream)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if hs.InfoHash != infoHash {
		nc.Close()
		return nil, violationf("peer %s:%s returned mismatched info hash in handshake", addr, hs.PeerID)
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, err
	}

	c := newConn(nc, stream, localPeerID, hs.PeerID, infoHash, encrypted, false,
		numPieces, pieces, config, clk, stats, logger, events)
	c.Start()
	if err := c.Send(peerwire.NewBitfield(localBitfield)); err != nil {
		logger.Warnw("failed to send initial bitfield", "peer", hs.PeerID, "error", err)
	}
	return c, nil
}
