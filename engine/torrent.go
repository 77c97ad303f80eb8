package engine

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/choke"
	"github.com/dmoreau/gobt/conn"
	"github.com/dmoreau/gobt/conn/bandwidth"
	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/discovery"
	"github.com/dmoreau/gobt/diskio"
	"github.com/dmoreau/gobt/eventbus"
	"github.com/dmoreau/gobt/persistence"
	"github.com/dmoreau/gobt/piecemap"
	"github.com/dmoreau/gobt/scheduler"
	"github.com/dmoreau/gobt/tracker/announceclient"
	"github.com/dmoreau/gobt/tracker/udptracker"
)

// Torrent is the per-torrent aggregate spec §2 describes: it owns the
// Metainfo, PieceMap, DiskIO, peer set (via Scheduler) and tracker set (via
// Announcer) for exactly one info hash, and drives its own Queued ->
// Checking -> {Downloading, Seeding, Paused, Error} lifecycle.
//
// Torrent satisfies a handful of small collaborator interfaces from
// packages built earlier — scheduler.Events/PieceVerifier/BlockReader,
// announceclient.Events, conn.Events/PieceSource, choke.Events,
// persistence.Snapshotter — the way kraken's dispatch.Dispatcher type is
// the single hub every one of its scheduler's callbacks routes through.
type Torrent struct {
	meta         *core.Metainfo
	infoHash     core.InfoHash
	downloadPath string
	localPeerID  core.PeerID
	listenPort   uint16
	config       Config

	pieces *piecemap.PieceMap
	disk   *diskio.DiskIO
	sched  *scheduler.Scheduler
	choker *choke.Choker

	dispatcher *announceclient.Dispatcher
	announcer  *announceclient.Announcer
	queue      *discovery.Queue
	sources    []discovery.Source

	bus    *eventbus.Bus
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	downloaded *atomic.Int64
	uploaded   *atomic.Int64

	mu          sync.Mutex
	state       State
	addedAt     time.Time
	completedAt time.Time
	lastErr     string
	peerConns   map[core.PeerID]*conn.Conn
	mismatches  []time.Time
	// resumedStale is true until the first Start after loading from a
	// persisted resume file: the bitfield it restored might not reflect
	// what's actually on disk (the prior process may not have shut down
	// cleanly), so exactly one Checking pass is forced before trusting it.
	resumedStale bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTorrent assembles every subsystem a single torrent needs. If resume
// is non-nil its bitfield seeds the PieceMap instead of starting empty, and
// its recorded State becomes the torrent's initial state (Paused rather
// than Queued, typically) once staleness is decided by the caller via
// Start.
func NewTorrent(
	meta *core.Metainfo,
	downloadPath string,
	localPeerID core.PeerID,
	listenPort uint16,
	config Config,
	bus *eventbus.Bus,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	resume *persistence.ResumeFile,
) (*Torrent, error) {
	info := meta.Info()

	var pieces *piecemap.PieceMap
	if resume != nil {
		bf, err := resume.DecodeBitfield()
		if err != nil {
			return nil, errf("decode resume bitfield: %s", err)
		}
		pieces = piecemap.FromBitfield(bf, info.NumPieces(), info.PieceLength, info.TotalLength())
	} else {
		pieces = piecemap.New(info.NumPieces(), info.PieceLength, info.TotalLength())
	}

	disk := diskio.New(downloadPath, info, config.AllocationStrategy, config.MaxOpenFilesPerTorrent)

	t := &Torrent{
		meta:         meta,
		infoHash:     meta.InfoHash(),
		downloadPath: downloadPath,
		localPeerID:  localPeerID,
		listenPort:   listenPort,
		config:       config,
		pieces:       pieces,
		disk:         disk,
		bus:          bus,
		clk:          clk,
		stats:        stats,
		logger:       logger,
		downloaded:   atomic.NewInt64(0),
		uploaded:     atomic.NewInt64(0),
		state:        Queued,
		addedAt:      clk.Now(),
		peerConns:    make(map[core.PeerID]*conn.Conn),
		done:         make(chan struct{}),
	}

	t.recomputeDownloaded()

	t.config.Conn.Limiter = bandwidth.NewLimiter(bandwidth.Config{
		MaxUploadSpeed:   config.MaxUploadSpeed,
		MaxDownloadSpeed: config.MaxDownloadSpeed,
	}, logger)

	t.sched = scheduler.New(pieces, t, t, t, config.Scheduler, clk, logger)
	t.choker = choke.New(t, clk, logger)

	t.dispatcher = &announceclient.Dispatcher{
		HTTP: announceclient.NewHTTPClient(config.Announce),
		UDP:  udptracker.NewClient(),
	}
	t.announcer = announceclient.New(
		config.Announce, t.dispatcher, announceclient.NewTierSet(meta.AnnounceTiers()),
		t.infoHash, localPeerID, listenPort, t, clk, logger)

	t.queue = discovery.NewQueue(3, 30*time.Minute)
	if !info.Private {
		if config.DHTEnabled {
			t.sources = append(t.sources, discovery.NoopDHT{})
		}
		if config.PEXEnabled {
			pex := discovery.NewPEXListener()
			t.sources = append(t.sources, pex)
			t.sched.OnExtended(t.handleExtended(pex))
		}
	}

	if resume != nil {
		t.state = stateFromString(resume.State)
		t.completedAt = resume.CompletedAt
		t.resumedStale = true
	}

	return t, nil
}

func stateFromString(s string) State {
	switch s {
	case "Checking":
		return Checking
	case "Downloading":
		return Downloading
	case "Seeding":
		return Seeding
	case "Error":
		return Error
	default:
		return Paused
	}
}

func (t *Torrent) handleExtended(pex *discovery.PEXListener) func(c *conn.Conn, extendedID byte, payload []byte) {
	return func(c *conn.Conn, extendedID byte, payload []byte) {
		out := make(chan discovery.Candidate, 32)
		if err := pex.HandlePayload(payload, out); err != nil {
			t.logger.Debugw("discarding malformed ut_pex payload", "peer", c.PeerID(), "error", err)
			return
		}
		close(out)
		for cand := range out {
			t.queue.Offer(cand)
		}
	}
}

// InfoHash implements persistence.Snapshotter and identifies this torrent
// to the bus, the discovery queue and the engine's torrent map.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// State returns the torrent's current lifecycle state.
func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Torrent) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Torrent) consumeResumedStale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	stale := t.resumedStale
	t.resumedStale = false
	return stale
}

// Start launches the scheduler, choker and announcer loops, and begins the
// discovery-driven outbound dial loop. Idempotent calls beyond the first
// have no effect beyond the state transition itself.
func (t *Torrent) Start() {
	stale := t.consumeResumedStale()
	to, ok := next(t.State(), TriggerStart, stale, t.pieces.AllComplete())
	if !ok {
		return
	}
	t.setState(to)
	t.bus.Publish(eventbus.TorrentEvent(eventbus.TorrentStarted, t.infoHash))

	t.sched.Start()
	t.choker.Start()
	t.announcer.Start()

	t.runSources()

	t.wg.Add(1)
	go t.dialLoop()

	if to == Checking {
		go t.runVerification()
	}
}

// Pause stops all network activity but keeps PieceMap and disk state
// intact, so a later Start resumes without re-verifying (absent a stale
// bitfield).
func (t *Torrent) Pause() {
	to, ok := next(t.State(), TriggerPause, false, t.pieces.AllComplete())
	if !ok {
		return
	}
	t.stopNetworking()
	t.setState(to)
	t.bus.Publish(eventbus.TorrentEvent(eventbus.TorrentPaused, t.infoHash))
}

// Verify forces a full re-Checking pass regardless of current state,
// matching the engine-level `verify(info_hash)` API call.
func (t *Torrent) Verify() {
	t.setState(Checking)
	go t.runVerification()
}

// ClearError transitions an Error torrent back to Checking, per spec
// §4.13's "Error -> Checking (user clear)".
func (t *Torrent) ClearError() {
	to, ok := next(t.State(), TriggerUserClear, false, false)
	if !ok {
		return
	}
	t.setState(to)
	go t.runVerification()
}

// Stop halts every background task. Safe to call multiple times.
func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		t.stopNetworking()
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Torrent) stopNetworking() {
	t.sched.Stop()
	t.choker.Stop()
	t.announcer.Stop()
}

// runVerification re-reads every piece from disk and compares its hash
// against the torrent's metadata, per spec §4.13's "Checking" semantics.
// On completion it fires the same triggers a live piece verification would:
// all-pieces-match moves to Seeding, any persistent disk error moves to
// Error.
func (t *Torrent) runVerification() {
	info := t.meta.Info()
	for i := 0; i < info.NumPieces(); i++ {
		data, complete, err := t.disk.ReadPiece(i)
		if err != nil {
			t.fail(err)
			return
		}
		if !complete {
			t.pieces.MarkFailed(i)
			continue
		}
		sum := sha1.Sum(data)
		if string(sum[:]) == string(info.PieceHash(i)) {
			t.pieces.MarkComplete(i)
			t.bus.Publish(eventbus.PieceEvent(eventbus.PieceVerified, t.infoHash, i))
		} else {
			t.pieces.MarkFailed(i)
		}
	}

	t.recomputeDownloaded()

	if t.pieces.AllComplete() {
		t.onAllVerified()
		return
	}

	// §4.13's table has no dedicated cell for "Checking concludes
	// incomplete": it's the natural end of the Checking state itself, not
	// a triggered transition, so it's applied directly rather than
	// through next().
	t.setState(Downloading)
	t.bus.PublishProgress(t.infoHash, t.progress())
}

func (t *Torrent) recomputeDownloaded() {
	info := t.meta.Info()
	var sum int64
	for i := 0; i < info.NumPieces(); i++ {
		if t.pieces.IsComplete(i) {
			sum += info.ActualPieceLength(i)
		}
	}
	t.downloaded.Store(sum)
}

func (t *Torrent) onAllVerified() {
	t.setState(Seeding)
	t.mu.Lock()
	if t.completedAt.IsZero() {
		t.completedAt = t.clk.Now()
	}
	t.mu.Unlock()
	t.announcer.NotifyCompleted()
	t.bus.Publish(eventbus.TorrentEvent(eventbus.TorrentCompleted, t.infoHash))
}

func (t *Torrent) fail(err error) {
	t.setState(Error)
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
	t.bus.Publish(eventbus.TorrentErrorEvent(t.infoHash, err))
}

func (t *Torrent) progress() eventbus.Progress {
	total := t.meta.Info().TotalLength()
	d := t.downloaded.Load()
	var frac float64
	if total > 0 {
		frac = float64(d) / float64(total)
	}
	return eventbus.Progress{
		Downloaded: d,
		Uploaded:   t.uploaded.Load(),
		Total:      total,
		Fraction:   frac,
	}
}

// Resume implements persistence.Snapshotter, building the snapshot the
// Autosaver and graceful-shutdown path persist to disk.
func (t *Torrent) Resume() *persistence.ResumeFile {
	info := t.meta.Info()
	t.mu.Lock()
	state := t.state
	completedAt := t.completedAt
	lastErr := t.lastErr
	t.mu.Unlock()

	r := persistence.NewResumeFile(t.infoHash, info.Name, state.String(), t.downloadPath)
	r.SetBitfield(t.pieces.Bitfield())
	r.Downloaded = t.downloaded.Load()
	r.Uploaded = t.uploaded.Load()
	r.TotalLength = info.TotalLength()
	r.PieceLength = info.PieceLength
	r.PieceCount = info.NumPieces()
	r.AddedAt = t.addedAt
	r.CompletedAt = completedAt
	r.Error = lastErr
	r.SetRawTorrentData(t.meta.Raw())
	return r
}

// --- scheduler.PieceVerifier ---

// VerifyAndStore implements scheduler.PieceVerifier: it checks a
// candidate-complete piece's SHA-1 against the torrent's metadata and, on a
// match, persists it via DiskIO (spec §4.7's verify-then-store-then-
// broadcast sequence; the broadcast itself is the scheduler's job once
// this returns true).
func (t *Torrent) VerifyAndStore(index int, data []byte) (bool, error) {
	sum := sha1.Sum(data)
	if string(sum[:]) != string(t.meta.Info().PieceHash(index)) {
		return false, nil
	}
	if err := t.disk.WritePiece(index, data); err != nil {
		if _, ok := err.(*diskio.DiskFull); ok {
			t.fail(err)
		}
		return false, err
	}
	t.downloaded.Add(t.meta.Info().ActualPieceLength(index))
	return true, nil
}

// --- scheduler.BlockReader ---

// ReadBlock implements scheduler.BlockReader, additionally accounting the
// served bytes toward this torrent's upload total.
func (t *Torrent) ReadBlock(index, begin, length int) ([]byte, error) {
	data, err := t.disk.ReadBlock(index, begin, length)
	if err != nil {
		return nil, err
	}
	t.uploaded.Add(int64(len(data)))
	return data, nil
}

// --- scheduler.Events ---

// PieceVerified implements scheduler.Events: publishes piece:verified and,
// once every piece has verified, drives the Downloading/Checking ->
// Seeding transition and the one-time tracker "completed" announce.
func (t *Torrent) PieceVerified(index int) {
	t.bus.Publish(eventbus.PieceEvent(eventbus.PieceVerified, t.infoHash, index))
	t.bus.PublishProgress(t.infoHash, t.progress())
	if t.pieces.AllComplete() {
		if _, ok := next(t.State(), TriggerPieceVerifiedAll, false, true); ok {
			t.onAllVerified()
		}
	}
}

// PieceFailed implements scheduler.Events: publishes piece:failed and
// tracks a per-torrent hash-mismatch rate. scheduler.Events carries no
// peer attribution (see DESIGN.md), so the per-peer blacklist spec §7
// describes is approximated here as a per-torrent safety cutoff: too many
// mismatches in too short a window fire the hash-mismatch trigger, which
// moves a Checking torrent to Error. The transition table has no such cell
// for Downloading or Seeding, so in those states the torrent keeps its state.
func (t *Torrent) PieceFailed(index int) {
	t.bus.Publish(eventbus.PieceEvent(eventbus.PieceFailed, t.infoHash, index))

	now := t.clk.Now()
	t.mu.Lock()
	cutoff := now.Add(-t.config.HashMismatchWindow)
	recent := t.mismatches[:0]
	for _, ts := range t.mismatches {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	t.mismatches = recent
	exceeded := len(t.mismatches) >= t.config.HashMismatchThreshold
	t.mu.Unlock()

	if exceeded {
		to, ok := next(t.State(), TriggerHashMismatchThreshold, false, false)
		if ok {
			t.setState(to)
			t.bus.Publish(eventbus.TorrentErrorEvent(t.infoHash,
				errf("too many hash mismatches for torrent %s", t.infoHash)))
		}
	}
}

// --- announceclient.Events ---

// Announced implements announceclient.Events, publishing tracker:announce.
func (t *Torrent) Announced(url string, result *announceclient.Result) {
	t.bus.Publish(eventbus.TrackerAnnounceEvent(t.infoHash, url))
	for _, p := range result.Peers {
		t.queue.Offer(discovery.Candidate{Endpoint: p, Source: discovery.Tracker})
	}
}

// AnnounceFailed implements announceclient.Events, publishing
// tracker:error.
func (t *Torrent) AnnounceFailed(url string, reason string) {
	t.bus.Publish(eventbus.TrackerErrorEvent(t.infoHash, errf("%s: %s", url, reason)))
}

// --- conn.Events ---

// ConnClosed implements conn.Events. The scheduler itself detects
// disconnection via Conn.Done()/Receiver() directly (it doesn't wait on
// this callback to remove a peer from its own bookkeeping); this hook is
// the secondary path for the state this Torrent, not the scheduler, owns:
// the choker's peer set, the connection registry used for capacity checks,
// and the peer:disconnected event.
func (t *Torrent) ConnClosed(c *conn.Conn, reason string) {
	t.mu.Lock()
	delete(t.peerConns, c.PeerID())
	t.mu.Unlock()

	t.choker.RemovePeer(c.PeerID())
	t.bus.Publish(eventbus.PeerEvent(eventbus.PeerDisconnected, t.infoHash, c.PeerID()))
}

// --- conn.PieceSource ---

// HasPiece implements conn.PieceSource.
func (t *Torrent) HasPiece(index int) bool {
	return t.pieces.IsComplete(index)
}

// --- choke.Events ---

func (t *Torrent) Unchoked(peer core.PeerID) {
	t.logger.Debugw("unchoked peer", "torrent", t.infoHash, "peer", peer)
}

func (t *Torrent) Choked(peer core.PeerID) {
	t.logger.Debugw("choked peer", "torrent", t.infoHash, "peer", peer)
}

func (t *Torrent) Snubbed(peer core.PeerID) {
	t.logger.Debugw("snubbed peer", "torrent", t.infoHash, "peer", peer)
}

// --- peer connection plumbing ---

func (t *Torrent) numPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peerConns)
}

func (t *Torrent) atCapacity() bool {
	return t.numPeers() >= t.config.MaxConnectionsPerTorrent
}

func (t *Torrent) addConn(c *conn.Conn) {
	t.mu.Lock()
	t.peerConns[c.PeerID()] = c
	t.mu.Unlock()

	t.sched.AddPeer(c)
	t.choker.AddPeer(c)
	t.bus.Publish(eventbus.PeerEvent(eventbus.PeerConnected, t.infoHash, c.PeerID()))
}

// HandleInbound completes an inbound handshake the engine's shared
// listener has already matched to this torrent's info hash, then wires the
// resulting Conn into the scheduler and choker the same way an outbound
// Dial does.
func (t *Torrent) HandleInbound(pending *conn.PendingConn) {
	if t.atCapacity() {
		pending.Close()
		return
	}
	info := t.meta.Info()
	c, err := conn.Establish(
		pending, t.localPeerID, info.NumPieces(), t.pieces.Bitfield(),
		t, t.config.Conn, t.clk, t.stats, t.logger, t)
	if err != nil {
		t.logger.Warnw("failed to establish inbound connection", "torrent", t.infoHash, "error", err)
		return
	}
	t.addConn(c)
}

// dialOutbound attempts one outbound connection to c's endpoint, using
// whatever encryption policy the engine is configured with.
func (t *Torrent) dialOutbound(c discovery.Candidate) {
	info := t.meta.Info()
	pc, err := conn.Dial(
		c.Endpoint.String(), t.localPeerID, t.infoHash, info.NumPieces(), t.pieces.Bitfield(),
		t.config.EncryptionPolicy, t, t.config.Conn, t.clk, t.stats, t.logger, t)
	if err != nil {
		t.queue.RecordFailure(c.Endpoint)
		t.logger.Debugw("outbound dial failed", "torrent", t.infoHash, "endpoint", c.Endpoint, "error", err)
		return
	}
	t.queue.RecordSuccess(c.Endpoint)
	t.addConn(pc)
}

// runSources launches each configured discovery.Source's Run loop (DHT,
// and any future real implementation taking NoopDHT's place), fanning
// their candidates into the shared queue alongside tracker and PEX
// offers. NoopDHT/NoopPEX and PEXListener all implement Run as a no-op, so
// today this only matters once a real DHT source is wired in; the plumbing
// is here so that swap requires no change to Torrent.
func (t *Torrent) runSources() {
	if len(t.sources) == 0 {
		return
	}
	out := make(chan discovery.Candidate, 64)
	for _, src := range t.sources {
		t.wg.Add(1)
		go func(s discovery.Source) {
			defer t.wg.Done()
			s.Run(t.infoHash, out, t.done)
		}(src)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case c, ok := <-out:
				if !ok {
					return
				}
				t.queue.Offer(c)
			case <-t.done:
				return
			}
		}
	}()
}

// dialLoop periodically pops discovery candidates and attempts outbound
// connections until capacity or the queue runs dry, mirroring the teacher
// scheduler's separate "I/O task per active peer" versus its own
// housekeeping tick (spec §5).
func (t *Torrent) dialLoop() {
	defer t.wg.Done()
	ticker := t.clk.Ticker(t.config.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for !t.atCapacity() {
				cand, ok := t.queue.Pop()
				if !ok {
					break
				}
				go t.dialOutbound(cand)
			}
		case <-t.done:
			return
		}
	}
}
