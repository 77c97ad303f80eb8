package persistence

import (
	"encoding/base64"
	"time"

	"github.com/dmoreau/gobt/core"
)

// schemaVersion is bumped whenever ResumeFile's on-disk shape changes in a
// way old readers can't tolerate. Load rejects any file whose
// SchemaVersion doesn't match.
const schemaVersion = 1

// ResumeFile is the per-torrent state snapshot persisted to
// "<info_hash>.resume.json" (spec §4.12). It round-trips the bitfield,
// transfer totals, lifecycle state and original .torrent bytes needed to
// rebuild a torrent after a restart; the engine still re-checks pieces
// against disk on the first Start after loading one.
type ResumeFile struct {
	SchemaVersion int    `json:"schema_version"`
	InfoHash      string `json:"info_hash"`
	Name          string `json:"name"`
	State         string `json:"state"`
	DownloadPath  string `json:"download_path"`

	// Bitfield is the base64 encoding of PieceMap.Bitfield(): a packed,
	// MSB-first array of completed-piece bits.
	Bitfield string `json:"bitfield"`

	Downloaded  int64 `json:"downloaded"`
	Uploaded    int64 `json:"uploaded"`
	TotalLength int64 `json:"total_length"`
	PieceLength int64 `json:"piece_length"`
	PieceCount  int   `json:"piece_count"`

	AddedAt     time.Time `json:"added_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	SavedAt     time.Time `json:"saved_at"`

	Error string `json:"error,omitempty"`

	// RawTorrentData is the original .torrent file bytes, base64-encoded,
	// kept so a resumed torrent doesn't need the file to still exist on
	// disk. Exactly one of RawTorrentData or MagnetURI should be set.
	RawTorrentData string `json:"raw_torrent_data,omitempty"`
	MagnetURI      string `json:"magnet_uri,omitempty"`
}

// NewResumeFile builds a ResumeFile for h, stamping SchemaVersion and
// SavedAt. Callers fill in the remaining fields (or use the Snapshot
// helpers on a live torrent) before calling Save.
func NewResumeFile(h core.InfoHash, name, state, downloadPath string) *ResumeFile {
	return &ResumeFile{
		SchemaVersion: schemaVersion,
		InfoHash:      h.String(),
		Name:          name,
		State:         state,
		DownloadPath:  downloadPath,
		SavedAt:       time.Now(),
	}
}

// SetBitfield base64-encodes b into the resume file.
func (r *ResumeFile) SetBitfield(b []byte) {
	r.Bitfield = base64.StdEncoding.EncodeToString(b)
}

// DecodeBitfield reverses SetBitfield.
func (r *ResumeFile) DecodeBitfield() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.Bitfield)
	if err != nil {
		return nil, errf("decode bitfield: %s", err)
	}
	return b, nil
}

// SetRawTorrentData base64-encodes the original .torrent bytes.
func (r *ResumeFile) SetRawTorrentData(b []byte) {
	r.RawTorrentData = base64.StdEncoding.EncodeToString(b)
}

// DecodeRawTorrentData reverses SetRawTorrentData. Returns nil, nil if no
// raw torrent data was stored (e.g. the torrent was added from a magnet
// link).
func (r *ResumeFile) DecodeRawTorrentData() ([]byte, error) {
	if r.RawTorrentData == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(r.RawTorrentData)
	if err != nil {
		return nil, errf("decode raw torrent data: %s", err)
	}
	return b, nil
}
