package core

import (
	"strings"
)

// FileInfo describes one file within a torrent, in the order it appears in
// the info dictionary's "files" list (or a single synthetic entry for a
// single-file torrent).
type FileInfo struct {
	// Path is the file's path components, relative to the torrent's name
	// directory for multi-file torrents (empty for single-file torrents,
	// where the file's name *is* the torrent name).
	Path []string
	// Length is the file's length in bytes.
	Length int64
	// Offset is the file's absolute byte offset within the concatenation
	// of all files: Offset[i] = sum(Length[0..i)).
	Offset int64
}

// RelPath joins Path with "/" into a single relative path, rooted at the
// torrent's name directory for multi-file torrents.
func (f FileInfo) RelPath() string {
	return strings.Join(f.Path, "/")
}

// Info is the immutable, parsed form of a torrent's info dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes, len == NumPieces()*20
	Files       []FileInfo
	Private     bool
}

// NumPieces returns the number of pieces described by Pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	if len(info.Files) == 0 {
		return 0
	}
	last := info.Files[len(info.Files)-1]
	return last.Offset + last.Length
}

// PieceHash returns the 20-byte SHA-1 hash piece i is expected to have.
// Panics if i is out of bounds; callers are expected to validate i against
// NumPieces() first, as with any other indexing operation.
func (info *Info) PieceHash(i int) []byte {
	return info.Pieces[i*20 : i*20+20]
}

// ActualPieceLength returns the real length of piece i: PieceLength for
// every piece but the last, whose length is whatever remains of
// TotalLength.
func (info *Info) ActualPieceLength(i int) int64 {
	if i < 0 || i >= info.NumPieces() {
		return 0
	}
	if i == info.NumPieces()-1 {
		rem := info.TotalLength() - info.PieceLength*int64(i)
		if rem > 0 {
			return rem
		}
		return info.PieceLength
	}
	return info.PieceLength
}

// FileSegment is one file's contribution to a piece's byte range.
type FileSegment struct {
	FileIndex    int
	FileOffset   int64 // offset within the file
	PieceOffset  int64 // offset within the piece this segment starts at
	Length       int64
}

// FilesForPiece returns, in file order, every file segment that piece i
// spans. The segments' Lengths sum to ActualPieceLength(i), and
// concatenating them in order reproduces the piece's absolute byte range
// [i*PieceLength, i*PieceLength+ActualPieceLength(i)).
func (info *Info) FilesForPiece(i int) []FileSegment {
	pieceStart := int64(i) * info.PieceLength
	pieceEnd := pieceStart + info.ActualPieceLength(i)

	var segments []FileSegment
	for idx, f := range info.Files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length
		if fileEnd <= pieceStart || fileStart >= pieceEnd {
			continue
		}
		segStart := max64(pieceStart, fileStart)
		segEnd := min64(pieceEnd, fileEnd)
		if segEnd <= segStart {
			continue
		}
		segments = append(segments, FileSegment{
			FileIndex:   idx,
			FileOffset:  segStart - fileStart,
			PieceOffset: segStart - pieceStart,
			Length:      segEnd - segStart,
		})
	}
	return segments
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
