package eventbus

// Topic names an event kind. Subscribers register against one Topic at a
// time; the bus does no wildcard or prefix matching.
type Topic string

// The full event taxonomy. Names mirror the component that raises them:
// engine-level lifecycle, per-torrent lifecycle, per-piece verification
// outcomes, per-peer connectivity, and tracker announce results.
const (
	EngineReady   Topic = "engine:ready"
	EngineStarted Topic = "engine:started"
	EngineStopped Topic = "engine:stopped"
	EngineError   Topic = "engine:error"

	TorrentAdded     Topic = "torrent:added"
	TorrentRemoved   Topic = "torrent:removed"
	TorrentStarted   Topic = "torrent:started"
	TorrentPaused    Topic = "torrent:paused"
	TorrentResumed   Topic = "torrent:resumed"
	TorrentCompleted Topic = "torrent:completed"
	TorrentError     Topic = "torrent:error"
	TorrentProgress  Topic = "torrent:progress"

	PieceVerified Topic = "piece:verified"
	PieceFailed   Topic = "piece:failed"

	PeerConnected    Topic = "peer:connected"
	PeerDisconnected Topic = "peer:disconnected"

	TrackerAnnounce Topic = "tracker:announce"
	TrackerError    Topic = "tracker:error"
)
