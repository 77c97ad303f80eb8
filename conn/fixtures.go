package conn

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn, string) {}

type allHavePieces struct{}

func (allHavePieces) HasPiece(int) bool { return true }

// noopDeadline wraps a net.Conn which does not support deadlines (net.Pipe,
// used throughout this package's tests) so Dial/Establish's deadline calls
// don't fail outright.
type noopDeadline struct {
	net.Conn
}

func (noopDeadline) SetDeadline(time.Time) error      { return nil }
func (noopDeadline) SetReadDeadline(time.Time) error  { return nil }
func (noopDeadline) SetWriteDeadline(time.Time) error { return nil }

// ConfigFixture returns a Config for testing.
func ConfigFixture() Config {
	return Config{}.applyDefaults()
}

// PairFixture returns a connected pair of established Conns over an
// in-memory pipe, skipping the MSE/handshake dance since the two ends
// never actually speak BEP 3 bytes to each other here.
func PairFixture(config Config) (local, remote *Conn, cleanup func()) {
	nc1, nc2 := net.Pipe()

	infoHash := core.InfoHashFixture()
	localID := core.PeerIDFixture()
	remoteID := core.PeerIDFixture()

	local = newConn(noopDeadline{nc1}, noopDeadline{nc1}, localID, remoteID, infoHash,
		false, false, 8, allHavePieces{}, config, clock.New(),
		tally.NewTestScope("", nil), zap.NewNop().Sugar(), noopEvents{})
	remote = newConn(noopDeadline{nc2}, noopDeadline{nc2}, remoteID, localID, infoHash,
		false, true, 8, allHavePieces{}, config, clock.New(),
		tally.NewTestScope("", nil), zap.NewNop().Sugar(), noopEvents{})

	local.Start()
	remote.Start()

	return local, remote, func() {
		local.Close("test cleanup")
		remote.Close("test cleanup")
	}
}
