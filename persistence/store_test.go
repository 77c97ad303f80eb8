package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/core"
)

func TestSaveThenLoadResumeFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	h := core.InfoHashFixture()

	r := NewResumeFile(h, "some.torrent", "Downloading", dir)
	r.SetBitfield([]byte{0xff, 0x00})
	r.Downloaded = 1234
	r.TotalLength = 9999
	r.PieceLength = 16384
	r.PieceCount = 1

	path := ResumeFilePath(dir, h.String())
	require.NoError(t, Save(path, r))

	loaded, err := LoadResumeFile(path, nil)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, h.String(), loaded.InfoHash)
	assert.Equal(t, "Downloading", loaded.State)
	assert.Equal(t, int64(1234), loaded.Downloaded)

	bf, err := loaded.DecodeBitfield()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, bf)
}

func TestLoadResumeFileMissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadResumeFile(filepath.Join(dir, "nope.resume.json"), nil)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadResumeFileRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.resume.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 999}`), 0644))

	loaded, err := LoadResumeFile(path, nil)
	require.NoError(t, err)
	assert.Nil(t, loaded, "mismatched schema version should be treated as absent, not an error")
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	h := core.InfoHashFixture()
	r := NewResumeFile(h, "x", "Queued", dir)
	path := ResumeFilePath(dir, h.String())
	require.NoError(t, Save(path, r))

	_, err := os.Stat(path + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "tmp file should have been renamed away")
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := &EngineConfig{DefaultDownloadDir: "/downloads", MaxPeersPerTorrent: 50, ListenPort: 6881}
	require.NoError(t, SaveConfig(dir, cfg))

	loaded, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, &EngineConfig{}, loaded)
}
