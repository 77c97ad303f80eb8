package announceclient

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/dmoreau/gobt/core"
)

// Event is the BEP 3 announce `event` parameter.
type Event int

const (
	// EventNone is a regular, non-lifecycle announce: omit the event param.
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// PeerEndpoint is one peer returned by a tracker's compact or dictionary
// peer list.
type PeerEndpoint struct {
	IP   net.IP
	Port uint16
}

func (p PeerEndpoint) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Request is the set of parameters BEP 3 defines for an announce, common to
// both HTTP and UDP trackers.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Result is a tracker's response to a single announce.
type Result struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int // seeders
	Incomplete  int // leechers
	Peers       []PeerEndpoint
}

func secondsToDuration(n int64) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

// Client announces to a single tracker URL. Concrete implementations exist
// per transport (HTTP/HTTPS here, UDP in the sibling tracker/udptracker package);
// Dispatcher routes by URL scheme so callers only depend on this interface.
type Client interface {
	Announce(ctx context.Context, url string, req Request) (*Result, error)
}
