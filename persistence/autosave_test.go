package persistence

import (
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/core"
)

type fakeTorrent struct {
	mu         sync.Mutex
	h          core.InfoHash
	downloaded int64
	state      string
}

func (f *fakeTorrent) InfoHash() core.InfoHash { return f.h }

func (f *fakeTorrent) Resume() *ResumeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := NewResumeFile(f.h, "test.torrent", f.state, "")
	r.Downloaded = f.downloaded
	r.PieceLength = 16384
	r.PieceCount = 10
	return r
}

func (f *fakeTorrent) setDownloaded(n int64) {
	f.mu.Lock()
	f.downloaded = n
	f.mu.Unlock()
}

func (f *fakeTorrent) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func TestAutosaverSavesOnceProgressCrossesOnePieceLength(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	ft := &fakeTorrent{h: core.InfoHashFixture(), state: "Downloading"}

	a := NewAutosaver(dir, clk, nil, func() []Snapshotter { return []Snapshotter{ft} })
	a.Start()
	defer a.Stop()

	ft.setDownloaded(16384)
	clk.Add(autosaveInterval)

	require.Eventually(t, func() bool {
		loaded, err := LoadResumeFile(ResumeFilePath(dir, ft.h.String()), nil)
		return err == nil && loaded != nil && loaded.Downloaded == 16384
	}, time.Second, 10*time.Millisecond)
}

func TestAutosaverSkipsWhenProgressBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	ft := &fakeTorrent{h: core.InfoHashFixture(), state: "Downloading"}

	a := NewAutosaver(dir, clk, nil, func() []Snapshotter { return []Snapshotter{ft} })
	a.Start()
	defer a.Stop()

	ft.setDownloaded(100) // well below one piece_length
	clk.Add(autosaveInterval)

	time.Sleep(50 * time.Millisecond)
	loaded, err := LoadResumeFile(ResumeFilePath(dir, ft.h.String()), nil)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestAutosaverSavesOnNonDownloadingStateRegardlessOfProgress(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	ft := &fakeTorrent{h: core.InfoHashFixture(), state: "Downloading"}

	a := NewAutosaver(dir, clk, nil, func() []Snapshotter { return []Snapshotter{ft} })
	a.Start()
	defer a.Stop()

	ft.setState("Paused")
	clk.Add(autosaveInterval)

	require.Eventually(t, func() bool {
		loaded, err := LoadResumeFile(ResumeFilePath(dir, ft.h.String()), nil)
		return err == nil && loaded != nil && loaded.State == "Paused"
	}, time.Second, 10*time.Millisecond)
}

func TestAutosaverSaveAllIgnoresThrottle(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	ft := &fakeTorrent{h: core.InfoHashFixture(), state: "Downloading"}

	a := NewAutosaver(dir, clk, nil, func() []Snapshotter { return []Snapshotter{ft} })

	ft.setDownloaded(10) // far below threshold
	require.NoError(t, a.SaveAll())

	loaded, err := LoadResumeFile(ResumeFilePath(dir, ft.h.String()), nil)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(10), loaded.Downloaded)
}
