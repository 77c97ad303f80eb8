package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dmoreau/gobt/core"
)

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	config := Config{
		DownloadDir: dir + "/downloads",
		ResumeDir:   dir + "/state",
		ListenAddr:  "127.0.0.1:0",
	}
	e, err := New(config, tally.NewTestScope("", nil), zap.NewNop().Sugar())
	require.NoError(t, err)
	return e
}

func TestEngineAddGetListRemove(t *testing.T) {
	e := newTestEngine(t)
	meta := core.SingleFileMetainfoFixture(1024, 256)

	h, err := e.Add(meta.Raw(), AddOptions{})
	require.NoError(t, err)
	require.Equal(t, meta.InfoHash(), h)

	tor, err := e.Get(h)
	require.NoError(t, err)
	require.Equal(t, Queued, tor.State())

	list := e.List()
	require.Len(t, list, 1)
	require.Equal(t, h, list[0])

	require.NoError(t, e.Remove(h, false))
	_, err = e.Get(h)
	require.Error(t, err)
}

func TestEngineAddRejectsDuplicate(t *testing.T) {
	e := newTestEngine(t)
	meta := core.SingleFileMetainfoFixture(1024, 256)

	_, err := e.Add(meta.Raw(), AddOptions{})
	require.NoError(t, err)
	_, err = e.Add(meta.Raw(), AddOptions{})
	require.Error(t, err)
}

func TestEngineStartPauseVerify(t *testing.T) {
	e := newTestEngine(t)
	meta := core.SingleFileMetainfoFixture(1024, 256)
	h, err := e.Add(meta.Raw(), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Start(h))
	tor, _ := e.Get(h)
	require.Equal(t, Checking, tor.State())

	require.NoError(t, e.Pause(h))
	require.Equal(t, Paused, tor.State())

	tor.Stop()
}

func TestEngineUnknownTorrentOperationsError(t *testing.T) {
	e := newTestEngine(t)
	var missing core.InfoHash
	require.Error(t, e.Start(missing))
	require.Error(t, e.Pause(missing))
	require.Error(t, e.Verify(missing))
	require.Error(t, e.Remove(missing, false))
}

func TestEngineStartStopEngineOpensAndClosesListener(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.StartEngine())
	require.NotNil(t, e.listener)
	e.StopEngine()
}

func TestEngineSecretKeyIteratorCoversLoadedTorrents(t *testing.T) {
	e := newTestEngine(t)
	meta := core.SingleFileMetainfoFixture(1024, 256)
	h, err := e.Add(meta.Raw(), AddOptions{})
	require.NoError(t, err)

	var seen [][]byte
	e.skeys(func(skey []byte) bool {
		seen = append(seen, skey)
		return true
	})
	require.Len(t, seen, 1)
	require.Equal(t, h.Bytes(), seen[0])
}
