package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// EngineConfig holds engine-wide options that aren't per-torrent: where
// downloads land by default, how many peers to keep per torrent, etc.
// Saved through the same atomic-rename protocol as resume files (spec
// §4.12: "a separate config.json holds engine-wide options through the
// same atomic-rename pattern").
type EngineConfig struct {
	DefaultDownloadDir string `json:"default_download_dir"`
	MaxPeersPerTorrent int    `json:"max_peers_per_torrent"`
	ListenPort         int    `json:"listen_port"`
}

// ConfigPath returns the conventional config.json path under dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.json")
}

// SaveConfig atomically writes cfg to ConfigPath(dir).
func SaveConfig(dir string, cfg *EngineConfig) error {
	return Save(ConfigPath(dir), cfg)
}

// LoadConfig reads config.json from dir. A missing file is not an error:
// it returns a zero-value EngineConfig, letting the caller apply its own
// defaults on first run.
func LoadConfig(dir string) (*EngineConfig, error) {
	b, err := os.ReadFile(ConfigPath(dir))
	if os.IsNotExist(err) {
		return &EngineConfig{}, nil
	}
	if err != nil {
		return nil, errf("read config: %s", err)
	}
	var cfg EngineConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errf("unmarshal config: %s", err)
	}
	return &cfg, nil
}
