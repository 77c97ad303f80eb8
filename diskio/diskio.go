// Package diskio maps torrent piece operations onto the file ranges
// described by a torrent's metadata, per spec §4.4. It is the sole owner of
// the torrent's open file descriptors; PeerSessions and the Scheduler never
// touch disk directly.
package diskio

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dmoreau/gobt/core"
)

// AllocationStrategy controls how a file is sized the first time DiskIO
// writes to it.
type AllocationStrategy int

// Allocation strategies.
const (
	// Sparse creates the file at its full length without writing any bytes,
	// leaving the filesystem to allocate blocks lazily as data lands.
	Sparse AllocationStrategy = iota
	// Compact truncates (or fallocates, where supported) the file to its
	// full length up front without zero-filling it.
	Compact
	// Full zero-fills the entire file immediately, guaranteeing the space
	// is committed before any piece data arrives.
	Full
)

const fullAllocationChunk = 1 << 20 // 1 MiB

// DiskIO implements the torrent's piece <-> file mapping described in spec
// §4.4.
type DiskIO struct {
	mu       sync.Mutex
	root     string
	info     *core.Info
	strategy AllocationStrategy
	fds      *fdCache

	allocated map[string]bool
}

// New creates a DiskIO rooted at root for the given torrent layout. Files
// are created under root the first time a piece touching them is written.
func New(root string, info *core.Info, strategy AllocationStrategy, maxOpenFiles int) *DiskIO {
	return &DiskIO{
		root:      root,
		info:      info,
		strategy:  strategy,
		fds:       newFDCache(maxOpenFiles),
		allocated: make(map[string]bool),
	}
}

// filePath returns the absolute on-disk path of file idx.
func (d *DiskIO) filePath(idx int) string {
	f := d.info.Files[idx]
	if len(f.Path) == 0 {
		return filepath.Join(d.root, d.info.Name)
	}
	return filepath.Join(append([]string{d.root, d.info.Name}, f.Path...)...)
}

// WritePiece writes a complete, already-verified piece to disk, segmenting
// it across whichever files it spans.
func (d *DiskIO) WritePiece(index int, data []byte) error {
	expected := d.info.ActualPieceLength(index)
	if int64(len(data)) != expected {
		return errf(d.root, errLengthf("piece %d: expected %d bytes, got %d", index, expected, len(data)))
	}

	for _, seg := range d.info.FilesForPiece(index) {
		path := d.filePath(seg.FileIndex)
		if err := d.ensureAllocated(path, d.info.Files[seg.FileIndex].Length); err != nil {
			return err
		}
		f, err := d.openFile(path, modeWrite)
		if err != nil {
			return errf(path, err)
		}
		chunk := data[seg.PieceOffset : seg.PieceOffset+seg.Length]
		if _, err := f.WriteAt(chunk, seg.FileOffset); err != nil {
			if isDiskFull(err) {
				avail, _ := d.AvailableSpace(path)
				return &DiskFull{Path: path, Needed: int64(len(chunk)), Available: avail}
			}
			return errf(path, err)
		}
	}
	return nil
}

// ReadPiece reads the full contents of piece index. Bytes belonging to
// files that don't exist yet (or are shorter than expected) are left zero,
// and complete is reported false.
func (d *DiskIO) ReadPiece(index int) (data []byte, complete bool, err error) {
	length := d.info.ActualPieceLength(index)
	buf := make([]byte, length)
	complete = true

	for _, seg := range d.info.FilesForPiece(index) {
		ok, err := d.readSegment(seg, buf, seg.PieceOffset)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			complete = false
		}
	}
	return buf, complete, nil
}

// ReadBlock reads length bytes starting at offset begin within piece index,
// for serving Request messages without materializing the whole piece.
func (d *DiskIO) ReadBlock(index, begin, length int) ([]byte, error) {
	pieceLen := d.info.ActualPieceLength(index)
	if int64(begin) < 0 || int64(begin+length) > pieceLen {
		return nil, errf(d.root, errLengthf("block [%d,%d) out of bounds for piece %d of length %d",
			begin, begin+length, index, pieceLen))
	}

	buf := make([]byte, length)
	for _, seg := range clipToRange(d.info.FilesForPiece(index), int64(begin), int64(begin+length)) {
		if _, err := d.readSegment(seg, buf, seg.PieceOffset-int64(begin)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// readSegment reads one file segment into dst at dstOffset, returning
// whether the full segment was available.
func (d *DiskIO) readSegment(seg core.FileSegment, dst []byte, dstOffset int64) (bool, error) {
	path := d.filePath(seg.FileIndex)

	f, err := d.openFile(path, modeRead)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errf(path, err)
	}

	n, err := f.ReadAt(dst[dstOffset:dstOffset+seg.Length], seg.FileOffset)
	if err != nil && err != io.EOF {
		return false, errf(path, err)
	}
	return int64(n) == seg.Length, nil
}

// clipToRange restricts segs (offsets relative to a piece) to the relative
// byte range [begin, end), dropping or shortening segments as needed.
func clipToRange(segs []core.FileSegment, begin, end int64) []core.FileSegment {
	var out []core.FileSegment
	for _, s := range segs {
		segStart := s.PieceOffset
		segEnd := s.PieceOffset + s.Length
		if segEnd <= begin || segStart >= end {
			continue
		}
		clippedStart := maxInt64(segStart, begin)
		clippedEnd := minInt64(segEnd, end)
		out = append(out, core.FileSegment{
			FileIndex:   s.FileIndex,
			FileOffset:  s.FileOffset + (clippedStart - segStart),
			PieceOffset: clippedStart,
			Length:      clippedEnd - clippedStart,
		})
	}
	return out
}

// VerifyFiles reports which of the torrent's files are missing or shorter
// than their expected length, by path existence and size alone (no hash
// check — that's the Engine's job per piece).
func (d *DiskIO) VerifyFiles() ([]string, error) {
	var incomplete []string
	for idx, f := range d.info.Files {
		path := d.filePath(idx)
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				incomplete = append(incomplete, path)
				continue
			}
			return nil, errf(path, err)
		}
		if fi.Size() < f.Length {
			incomplete = append(incomplete, path)
		}
	}
	return incomplete, nil
}

// AvailableSpace returns the free space on the filesystem backing path (or
// root, if path doesn't exist yet).
func (d *DiskIO) AvailableSpace(path string) (int64, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		dir = d.root
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, errf(dir, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// RequiredSpace returns the total bytes info's files will occupy on disk.
func RequiredSpace(info *core.Info) int64 {
	return info.TotalLength()
}

// DeleteAll closes every open handle and removes the torrent's entire file
// tree from disk.
func (d *DiskIO) DeleteAll() error {
	d.fds.closeAll()

	root := d.root
	if d.info.Name != "" && len(d.info.Files) > 0 && len(d.info.Files[0].Path) > 0 {
		root = filepath.Join(d.root, d.info.Name)
	} else if len(d.info.Files) == 1 {
		root = d.filePath(0)
	}
	if err := os.RemoveAll(root); err != nil {
		return errf(root, err)
	}
	return nil
}

func (d *DiskIO) openFile(path string, mode fdMode) (*os.File, error) {
	key := fdKey{path: path, mode: mode}
	return d.fds.open(key, func() (*os.File, error) {
		flag := os.O_RDONLY
		if mode == modeWrite {
			flag = os.O_RDWR | os.O_CREATE
		}
		return os.OpenFile(path, flag, 0644)
	})
}

// ensureAllocated creates path's parent directories and, on first touch,
// sizes the file according to d.strategy.
func (d *DiskIO) ensureAllocated(path string, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.allocated[path] {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errf(path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errf(path, err)
	}
	defer f.Close()

	switch d.strategy {
	case Sparse:
		if err := f.Truncate(length); err != nil {
			return errf(path, err)
		}
	case Compact:
		if err := fallocate(f, length); err != nil {
			if err := f.Truncate(length); err != nil {
				return errf(path, err)
			}
		}
	case Full:
		if err := zeroFill(f, length); err != nil {
			if isDiskFull(err) {
				return &DiskFull{Path: path, Needed: length}
			}
			return errf(path, err)
		}
	}

	d.allocated[path] = true
	return nil
}

func fallocate(f *os.File, length int64) error {
	return syscall.Fallocate(int(f.Fd()), 0, 0, length)
}

func zeroFill(f *os.File, length int64) error {
	chunk := make([]byte, fullAllocationChunk)
	var written int64
	for written < length {
		n := int64(len(chunk))
		if remaining := length - written; remaining < n {
			n = remaining
		}
		if _, err := f.WriteAt(chunk[:n], written); err != nil {
			return err
		}
		written += n
	}
	return nil
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
