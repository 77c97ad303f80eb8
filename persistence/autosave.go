package persistence

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
)

// autosaveInterval is how often the Autosaver wakes up to consider saving
// every tracked torrent (spec §4.12: "a timer every 30 s").
const autosaveInterval = 30 * time.Second

// Snapshotter is implemented by anything the Autosaver can persist: the
// Engine's live per-torrent state. Resume must return a fresh, complete
// ResumeFile reflecting current state every time it's called.
type Snapshotter interface {
	InfoHash() core.InfoHash
	Resume() *ResumeFile
}

// Autosaver periodically saves resume files for torrents that have made
// enough progress (or changed state) to be worth persisting again, so a
// crash loses only the progress made since the last save rather than the
// whole torrent's progress.
type Autosaver struct {
	dir    string
	clock  clock.Clock
	logger *zap.SugaredLogger

	torrents func() []Snapshotter

	mu         sync.Mutex
	lastSaved  map[core.InfoHash]int64  // downloaded bytes as of last save
	lastState  map[core.InfoHash]string // state as of last save

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAutosaver creates an Autosaver that writes resume files under dir.
// torrents is called on every tick to get the current set of live
// torrents to consider.
func NewAutosaver(dir string, clk clock.Clock, logger *zap.SugaredLogger, torrents func() []Snapshotter) *Autosaver {
	if clk == nil {
		clk = clock.New()
	}
	return &Autosaver{
		dir:       dir,
		clock:     clk,
		logger:    logger,
		torrents:  torrents,
		lastSaved: make(map[core.InfoHash]int64),
		lastState: make(map[core.InfoHash]string),
		stop:      make(chan struct{}),
	}
}

// Start begins the autosave loop in a background goroutine.
func (a *Autosaver) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop halts the autosave loop and performs one final SaveAll, so a
// graceful shutdown never loses progress made since the last tick.
func (a *Autosaver) Stop() {
	close(a.stop)
	a.wg.Wait()
	if a.logger != nil {
		if err := a.SaveAll(); err != nil {
			a.logger.Warnw("final autosave failed", "error", err)
		}
	} else {
		a.SaveAll()
	}
}

func (a *Autosaver) loop() {
	defer a.wg.Done()
	ticker := a.clock.Ticker(autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.tick()
		case <-a.stop:
			return
		}
	}
}

func (a *Autosaver) tick() {
	for _, t := range a.torrents() {
		if err := a.maybeSave(t); err != nil && a.logger != nil {
			a.logger.Warnw("autosave failed", "torrent", t.InfoHash(), "error", err)
		}
	}
}

// maybeSave saves t's resume file if it advanced by at least one
// piece_length since the last save, or its state changed to something
// other than Downloading (e.g. it just finished, paused, or errored).
func (a *Autosaver) maybeSave(t Snapshotter) error {
	h := t.InfoHash()
	snap := t.Resume()

	a.mu.Lock()
	last := a.lastSaved[h]
	lastState := a.lastState[h]
	a.mu.Unlock()

	advanced := snap.PieceLength > 0 && snap.Downloaded-last >= snap.PieceLength
	stateChanged := snap.State != lastState && snap.State != "Downloading"
	if !advanced && !stateChanged {
		return nil
	}

	if err := a.save(h, snap); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastSaved[h] = snap.Downloaded
	a.lastState[h] = snap.State
	a.mu.Unlock()
	return nil
}

func (a *Autosaver) save(h core.InfoHash, snap *ResumeFile) error {
	snap.SavedAt = a.clock.Now()
	return Save(ResumeFilePath(a.dir, h.String()), snap)
}

// SaveAll unconditionally saves every tracked torrent's resume file,
// bypassing the progress/state throttle. Intended for graceful shutdown.
func (a *Autosaver) SaveAll() error {
	var firstErr error
	for _, t := range a.torrents() {
		h := t.InfoHash()
		snap := t.Resume()
		if err := a.save(h, snap); err != nil && firstErr == nil {
			firstErr = err
		} else {
			a.mu.Lock()
			a.lastSaved[h] = snap.Downloaded
			a.lastState[h] = snap.State
			a.mu.Unlock()
		}
	}
	return firstErr
}
