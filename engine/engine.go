// Package engine is the top-level coordinator of spec §4.13: it owns the
// Engine-wide collaborator-facing API (add/remove/start/pause/verify/get/
// list/on/start_engine/stop_engine), the one TCP listener shared across
// every torrent (spec's sole cross-torrent singleton, "not in core scope"
// as a feature but still required wiring), and the Autosaver that
// periodically snapshots every torrent to disk.
package engine

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmoreau/gobt/conn"
	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/eventbus"
	"github.com/dmoreau/gobt/persistence"
)

// AddOptions customizes a single torrent's Add call, independent of the
// engine-wide Config it's otherwise built from.
type AddOptions struct {
	// DownloadPath overrides Config.DownloadDir for this torrent alone. A
	// relative path is resolved against DownloadDir.
	DownloadPath string
}

// Engine is the in-process collaborator-facing API of spec §6. It is safe
// for concurrent use.
type Engine struct {
	config      Config
	localPeerID core.PeerID
	bus         *eventbus.Bus
	clk         clock.Clock
	stats       tally.Scope
	logger      *zap.SugaredLogger
	autosaver   *persistence.Autosaver

	listener net.Listener
	skeys    func(f func(skey []byte) bool)

	mu       sync.RWMutex
	torrents map[core.InfoHash]*Torrent

	group    *errgroup.Group
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New assembles an Engine from config without starting any network
// activity; call StartEngine to begin listening and accept inbound peers.
func New(config Config, stats tally.Scope, logger *zap.SugaredLogger) (*Engine, error) {
	config = config.applyDefaults()

	localPeerID, err := core.GeneratePeerID()
	if err != nil {
		return nil, errf("generate local peer id: %s", err)
	}

	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	e := &Engine{
		config:      config,
		localPeerID: localPeerID,
		bus:         eventbus.New(logger),
		clk:         clock.New(),
		stats:       stats,
		logger:      logger,
		torrents:    make(map[core.InfoHash]*Torrent),
		stopCh:      make(chan struct{}),
	}
	e.skeys = e.torrentSecretKeys

	e.autosaver = persistence.NewAutosaver(
		filepath.Join(config.ResumeDir, "torrents"), e.clk, logger, e.snapshotters)

	return e, nil
}

// torrentSecretKeys implements mse.SecretKeyIterator across every loaded
// torrent's info hash, so an inbound connection's SKEY trial can match
// whichever torrent it's addressed to before the BitTorrent handshake even
// names it.
func (e *Engine) torrentSecretKeys(f func(skey []byte) bool) {
	e.mu.RLock()
	hashes := make([]core.InfoHash, 0, len(e.torrents))
	for h := range e.torrents {
		hashes = append(hashes, h)
	}
	e.mu.RUnlock()

	for _, h := range hashes {
		if !f(h.Bytes()) {
			return
		}
	}
}

func (e *Engine) snapshotters() []persistence.Snapshotter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]persistence.Snapshotter, 0, len(e.torrents))
	for _, t := range e.torrents {
		out = append(out, t)
	}
	return out
}

// StartEngine loads persisted state, opens the shared listen acceptor and
// begins autosaving. It fires engine:started on success, engine:error (and
// returns the error) if the listener can't be opened.
func (e *Engine) StartEngine() error {
	if err := e.loadPersisted(); err != nil {
		e.logger.Warnw("failed to load persisted state, starting with no torrents", "error", err)
	}

	ln, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		e.bus.Publish(eventbus.EngineErrorEvent(err))
		return errf("listen on %s: %s", e.config.ListenAddr, err)
	}
	e.listener = ln

	e.autosaver.Start()

	g := new(errgroup.Group)
	g.Go(func() error {
		e.acceptLoop()
		return nil
	})
	e.group = g

	e.bus.Publish(eventbus.EngineEvent(eventbus.EngineReady))
	e.bus.Publish(eventbus.EngineEvent(eventbus.EngineStarted))
	return nil
}

// loadPersisted reads every file under ResumeDir/torrents as a resume
// file, reconstructing a Torrent for each one that loads; config.json is
// not read. A torrent whose .torrent bytes weren't captured in its resume file (or
// whose metadata fails to parse) is skipped and logged, rather than
// failing the whole engine start.
func (e *Engine) loadPersisted() error {
	dir := filepath.Join(e.config.ResumeDir, "torrents")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		resume, err := persistence.LoadResumeFile(filepath.Join(dir, entry.Name()), e.logger)
		if err != nil || resume == nil {
			continue
		}
		raw, err := resume.DecodeRawTorrentData()
		if err != nil || len(raw) == 0 {
			e.logger.Warnw("resume file has no recoverable torrent bytes, skipping", "file", entry.Name())
			continue
		}
		meta, err := core.ParseMetainfo(raw)
		if err != nil {
			e.logger.Warnw("resume file's torrent bytes no longer parse, skipping", "file", entry.Name(), "error", err)
			continue
		}
		t, err := NewTorrent(meta, resume.DownloadPath, e.localPeerID, e.listenPort(),
			e.config, e.bus, e.clk, e.stats, e.logger, resume)
		if err != nil {
			e.logger.Warnw("failed to reconstruct torrent from resume file", "file", entry.Name(), "error", err)
			continue
		}
		e.mu.Lock()
		e.torrents[meta.InfoHash()] = t
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) listenPort() uint16 {
	if e.listener == nil {
		return uint16(e.config.port())
	}
	if tcpAddr, ok := e.listener.Addr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return uint16(e.config.port())
}

// acceptLoop is the Engine's one shared listen acceptor: every inbound
// connection, regardless of which torrent it turns out to be for, is
// negotiated here and routed to the matching Torrent by info hash.
func (e *Engine) acceptLoop() {
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Warnw("accept failed", "error", err)
				return
			}
		}
		go e.handleInbound(nc)
	}
}

func (e *Engine) handleInbound(nc net.Conn) {
	pending, err := conn.AcceptPending(nc, e.skeys, e.config.EncryptionPolicy, e.config.Conn.HandshakeTimeout)
	if err != nil {
		e.logger.Debugw("rejecting inbound connection", "error", err)
		return
	}
	e.mu.RLock()
	t, ok := e.torrents[pending.InfoHash()]
	e.mu.RUnlock()
	if !ok {
		pending.Close()
		return
	}
	t.HandleInbound(pending)
}

// StopEngine halts every torrent, flushes a final autosave, closes the
// listener and fires engine:stopped.
func (e *Engine) StopEngine() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.listener != nil {
			e.listener.Close()
		}
		if e.group != nil {
			e.group.Wait()
		}

		e.mu.RLock()
		torrents := make([]*Torrent, 0, len(e.torrents))
		for _, t := range e.torrents {
			torrents = append(torrents, t)
		}
		e.mu.RUnlock()
		for _, t := range torrents {
			t.Stop()
		}

		e.autosaver.Stop()
		e.bus.Publish(eventbus.EngineEvent(eventbus.EngineStopped))
	})
}

// Add parses source as a .torrent file's bytes, registers a new Torrent in
// Queued state, persists its resume file immediately (so a crash right
// after Add doesn't lose it) and returns its info hash.
func (e *Engine) Add(source []byte, opts AddOptions) (core.InfoHash, error) {
	meta, err := core.ParseMetainfo(source)
	if err != nil {
		return core.InfoHash{}, errf("parse torrent: %s", err)
	}

	h := meta.InfoHash()
	e.mu.Lock()
	if _, exists := e.torrents[h]; exists {
		e.mu.Unlock()
		return h, errf("torrent %s already added", h)
	}
	e.mu.Unlock()

	downloadPath := opts.DownloadPath
	if downloadPath == "" {
		downloadPath = filepath.Join(e.config.DownloadDir, h.Hex())
	} else if !filepath.IsAbs(downloadPath) {
		downloadPath = filepath.Join(e.config.DownloadDir, downloadPath)
	}

	t, err := NewTorrent(meta, downloadPath, e.localPeerID, e.listenPort(),
		e.config, e.bus, e.clk, e.stats, e.logger, nil)
	if err != nil {
		return core.InfoHash{}, err
	}

	e.mu.Lock()
	e.torrents[h] = t
	e.mu.Unlock()

	e.bus.Publish(eventbus.TorrentEvent(eventbus.TorrentAdded, h))
	if err := persistence.Save(persistence.ResumeFilePath(e.resumeDir(), h.Hex()), t.Resume()); err != nil {
		e.logger.Warnw("failed to persist newly added torrent", "torrent", h, "error", err)
	}

	if e.config.VerifyOnAdd {
		t.Verify()
	}
	if e.config.StartOnAdd {
		t.Start()
	}
	return h, nil
}

func (e *Engine) resumeDir() string {
	return filepath.Join(e.config.ResumeDir, "torrents")
}

// Remove stops and forgets a torrent and deletes its resume file; with
// deleteFiles it also deletes the torrent's downloaded files.
func (e *Engine) Remove(h core.InfoHash, deleteFiles bool) error {
	e.mu.Lock()
	t, ok := e.torrents[h]
	if ok {
		delete(e.torrents, h)
	}
	e.mu.Unlock()
	if !ok {
		return errf("unknown torrent %s", h)
	}

	t.Stop()
	e.bus.ForgetTorrent(h)

	if deleteFiles {
		if err := t.disk.DeleteAll(); err != nil {
			e.logger.Warnw("failed to delete torrent files", "torrent", h, "error", err)
		}
	}
	os.Remove(persistence.ResumeFilePath(e.resumeDir(), h.Hex()))

	e.bus.Publish(eventbus.TorrentEvent(eventbus.TorrentRemoved, h))
	return nil
}

// Start transitions a Queued or Paused torrent into active operation, per
// spec §4.13. A torrent in Error keeps its state: Start does not clear the
// error.
func (e *Engine) Start(h core.InfoHash) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	t.Start()
	return nil
}

// Pause halts a torrent's network activity without discarding progress.
func (e *Engine) Pause(h core.InfoHash) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

// Verify forces a full Checking pass against disk, per the collaborator-
// facing `verify(info_hash)` API.
func (e *Engine) Verify(h core.InfoHash) error {
	t, err := e.get(h)
	if err != nil {
		return err
	}
	t.Verify()
	return nil
}

// Get returns the Torrent for h, or an error if it isn't loaded.
func (e *Engine) Get(h core.InfoHash) (*Torrent, error) {
	return e.get(h)
}

func (e *Engine) get(h core.InfoHash) (*Torrent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.torrents[h]
	if !ok {
		return nil, errf("unknown torrent %s", h)
	}
	return t, nil
}

// List returns every currently loaded torrent's info hash.
func (e *Engine) List() []core.InfoHash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.InfoHash, 0, len(e.torrents))
	for h := range e.torrents {
		out = append(out, h)
	}
	return out
}

// On subscribes to topic, returning the same handle/channel pair as
// eventbus.Bus.Subscribe — the engine's `on(event, handler)` API is
// channel-based rather than callback-based, matching this module's
// synchronous, non-blocking-publish EventBus throughout.
func (e *Engine) On(topic eventbus.Topic) (func(), <-chan eventbus.Event) {
	id, ch := e.bus.Subscribe(topic)
	return func() { e.bus.Unsubscribe(id) }, ch
}
