package core

import (
	"fmt"

	"github.com/dmoreau/gobt/bencode"
)

// Metainfo is the fully parsed, validated contents of a .torrent file: the
// Info dictionary plus the tracker tiers and info hash derived from it.
// Metainfo is immutable after ParseMetainfo returns.
type Metainfo struct {
	info     Info
	infoHash InfoHash

	// Announce is the primary tracker URL (the "announce" key).
	Announce string
	// AnnounceList holds BEP 12 tracker tiers: outer slice is ordered by
	// tier preference, inner slice is the (initially ordered, rotated on
	// success) trackers within a tier. Empty if the torrent has only a
	// flat "announce" key.
	AnnounceList [][]string

	// raw is the original .torrent blob, retained so resume files can
	// optionally embed it (spec §4.12 "optional raw torrent data").
	raw []byte
}

// Info returns the parsed info dictionary.
func (m *Metainfo) Info() *Info { return &m.info }

// InfoHash returns the torrent's info hash.
func (m *Metainfo) InfoHash() InfoHash { return m.infoHash }

// Raw returns the original bytes ParseMetainfo was given.
func (m *Metainfo) Raw() []byte { return m.raw }

// AnnounceTiers returns AnnounceList if present, else a single tier
// containing just Announce (or no tiers at all if neither is set).
func (m *Metainfo) AnnounceTiers() [][]string {
	if len(m.AnnounceList) > 0 {
		return m.AnnounceList
	}
	if m.Announce != "" {
		return [][]string{{m.Announce}}
	}
	return nil
}

// ParseMetainfo decodes and validates a .torrent blob into a Metainfo,
// computing the info hash as SHA-1 of the exact bencoded info dictionary
// bytes (spec §4.1, §4.2, §8 invariant 1).
func ParseMetainfo(data []byte) (*Metainfo, error) {
	top, consumed, err := bencode.Decode(data)
	if err != nil {
		return nil, errMetadata("decode: %s", err)
	}
	if consumed != len(data) {
		return nil, errMetadata("trailing garbage after top-level dictionary")
	}
	if top.Kind != bencode.KindDict {
		return nil, errMetadata("top-level value is not a dictionary")
	}

	infoVal := top.Get("info")
	if infoVal == nil {
		return nil, errMetadata("missing key %q", "info")
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, errMetadata("key %q is not a dictionary", "info")
	}

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		info:     *info,
		infoHash: ComputeInfoHash(infoVal.Raw()),
		raw:      data,
	}

	if v := top.Get("announce"); v != nil {
		s, err := v.Str()
		if err != nil {
			return nil, errMetadata("announce: %s", err)
		}
		m.Announce = s
	}
	if v := top.Get("announce-list"); v != nil {
		tiers, err := parseAnnounceList(v)
		if err != nil {
			return nil, err
		}
		m.AnnounceList = tiers
	}

	return m, nil
}

func parseAnnounceList(v *bencode.Value) ([][]string, error) {
	if v.Kind != bencode.KindList {
		return nil, errMetadata("announce-list is not a list")
	}
	var tiers [][]string
	for _, tierVal := range v.List {
		if tierVal.Kind != bencode.KindList {
			return nil, errMetadata("announce-list tier is not a list")
		}
		var tier []string
		for _, urlVal := range tierVal.List {
			s, err := urlVal.Str()
			if err != nil {
				return nil, errMetadata("announce-list entry: %s", err)
			}
			tier = append(tier, s)
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

func parseInfo(infoVal *bencode.Value) (*Info, error) {
	name, err := requireString(infoVal, "name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errMetadata("name must not be empty")
	}

	pieceLength, err := requireInt(infoVal, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, errMetadata("piece length must be positive, got %d", pieceLength)
	}

	piecesVal := infoVal.Get("pieces")
	if piecesVal == nil {
		return nil, errMetadata("missing key %q", "pieces")
	}
	pieces, err := piecesVal.Bytes()
	if err != nil {
		return nil, errMetadata("pieces: %s", err)
	}
	if len(pieces)%20 != 0 {
		return nil, errMetadata("pieces length %d is not a multiple of 20", len(pieces))
	}

	private := false
	if v := infoVal.Get("private"); v != nil {
		n, err := v.Int64()
		if err != nil {
			return nil, errMetadata("private: %s", err)
		}
		private = n == 1
	}

	var files []FileInfo
	if lengthVal := infoVal.Get("length"); lengthVal != nil {
		// Single-file torrent.
		if infoVal.Get("files") != nil {
			return nil, errMetadata("info has both %q and %q", "length", "files")
		}
		length, err := lengthVal.Int64()
		if err != nil {
			return nil, errMetadata("length: %s", err)
		}
		if length < 0 {
			return nil, errMetadata("length must not be negative")
		}
		files = []FileInfo{{Path: nil, Length: length, Offset: 0}}
	} else {
		filesVal := infoVal.Get("files")
		if filesVal == nil {
			return nil, errMetadata("info has neither %q nor %q", "length", "files")
		}
		if filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
			return nil, errMetadata("files must be a non-empty list")
		}
		var offset int64
		for i, fv := range filesVal.List {
			if fv.Kind != bencode.KindDict {
				return nil, errMetadata("files[%d] is not a dictionary", i)
			}
			length, err := requireInt(fv, "length")
			if err != nil {
				return nil, errMetadata("files[%d]: %s", i, err)
			}
			if length < 0 {
				return nil, errMetadata("files[%d]: length must not be negative", i)
			}
			pathVal := fv.Get("path")
			if pathVal == nil || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
				return nil, errMetadata("files[%d]: missing or empty path", i)
			}
			path := make([]string, len(pathVal.List))
			for j, pv := range pathVal.List {
				s, err := pv.Str()
				if err != nil {
					return nil, errMetadata("files[%d].path[%d]: %s", i, j, err)
				}
				if err := validatePathComponent(s); err != nil {
					return nil, errMetadata("files[%d].path[%d]: %s", i, j, err)
				}
				path[j] = s
			}
			files = append(files, FileInfo{Path: path, Length: length, Offset: offset})
			offset += length
		}
	}

	info := &Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		Private:     private,
	}

	if err := validatePieceCount(info); err != nil {
		return nil, err
	}
	return info, nil
}

func validatePathComponent(s string) error {
	switch s {
	case "", ".", "..":
		return fmt.Errorf("invalid path component %q", s)
	}
	for _, r := range s {
		if r == '/' || r == '\\' {
			return fmt.Errorf("path component %q contains a separator", s)
		}
	}
	return nil
}

// validatePieceCount cross-checks the declared piece hashes against
// ceil(total_length / piece_length), per spec §4.2 and §3 invariants.
func validatePieceCount(info *Info) error {
	total := info.TotalLength()
	numPieces := info.NumPieces()
	expected := (total + info.PieceLength - 1) / info.PieceLength
	if total == 0 {
		expected = 0
	}
	if int64(numPieces) != expected {
		return errMetadata(
			"piece count mismatch: have %d piece hashes, expected %d for total length %d at piece length %d",
			numPieces, expected, total, info.PieceLength)
	}
	if numPieces > 0 {
		lastLen := total - info.PieceLength*int64(numPieces-1)
		if lastLen <= 0 || lastLen > info.PieceLength {
			return errMetadata("invalid final piece length %d", lastLen)
		}
	}
	return nil
}

func requireString(v *bencode.Value, key string) (string, error) {
	val := v.Get(key)
	if val == nil {
		return "", errMetadata("missing key %q", key)
	}
	s, err := val.Str()
	if err != nil {
		return "", errMetadata("%s: %s", key, err)
	}
	return s, nil
}

func requireInt(v *bencode.Value, key string) (int64, error) {
	val := v.Get(key)
	if val == nil {
		return 0, errMetadata("missing key %q", key)
	}
	n, err := val.Int64()
	if err != nil {
		return 0, errMetadata("%s: %s", key, err)
	}
	return n, nil
}
