package eventbus

import (
	"time"

	"github.com/dmoreau/gobt/core"
)

// Event consolidates all possible event fields. Only the fields relevant
// to Topic are populated; the rest are left at their zero value.
type Event struct {
	Topic Topic     `json:"topic"`
	Time  time.Time `json:"ts"`

	Torrent core.InfoHash `json:"torrent"`

	// Optional fields, populated per Topic.
	Peer     core.PeerID `json:"peer,omitempty"`
	Piece    int         `json:"piece,omitempty"`
	Error    string      `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
	Progress Progress    `json:"progress,omitempty"`
}

// Progress is the payload of a throttled TorrentProgress event.
type Progress struct {
	Downloaded int64   `json:"downloaded"`
	Uploaded   int64   `json:"uploaded"`
	Total      int64   `json:"total"`
	Fraction   float64 `json:"fraction"`
}

func baseEvent(topic Topic, h core.InfoHash) Event {
	return Event{Topic: topic, Torrent: h, Time: time.Now()}
}

// EngineEvent builds an engine-lifecycle event, which has no torrent or
// peer association.
func EngineEvent(topic Topic) Event {
	return Event{Topic: topic, Time: time.Now()}
}

// EngineErrorEvent builds an engine:error event carrying the failure.
func EngineErrorEvent(err error) Event {
	e := EngineEvent(EngineError)
	e.Error = err.Error()
	return e
}

// TorrentEvent builds a bare torrent-lifecycle event (added, removed,
// started, paused, resumed, completed).
func TorrentEvent(topic Topic, h core.InfoHash) Event {
	return baseEvent(topic, h)
}

// TorrentErrorEvent builds a torrent:error event carrying the failure.
func TorrentErrorEvent(h core.InfoHash, err error) Event {
	e := baseEvent(TorrentError, h)
	e.Error = err.Error()
	return e
}

// TorrentProgressEvent builds a torrent:progress event. Callers should
// route these through Bus.PublishProgress rather than Publish directly, so
// the per-torrent throttle applies.
func TorrentProgressEvent(h core.InfoHash, p Progress) Event {
	e := baseEvent(TorrentProgress, h)
	e.Progress = p
	return e
}

// PieceEvent builds a piece:verified or piece:failed event.
func PieceEvent(topic Topic, h core.InfoHash, piece int) Event {
	e := baseEvent(topic, h)
	e.Piece = piece
	return e
}

// PeerEvent builds a peer:connected or peer:disconnected event.
func PeerEvent(topic Topic, h core.InfoHash, peer core.PeerID) Event {
	e := baseEvent(topic, h)
	e.Peer = peer
	return e
}

// TrackerAnnounceEvent builds a tracker:announce event.
func TrackerAnnounceEvent(h core.InfoHash, message string) Event {
	e := baseEvent(TrackerAnnounce, h)
	e.Message = message
	return e
}

// TrackerErrorEvent builds a tracker:error event carrying the failure.
func TrackerErrorEvent(h core.InfoHash, err error) Event {
	e := baseEvent(TrackerError, h)
	e.Error = err.Error()
	return e
}
