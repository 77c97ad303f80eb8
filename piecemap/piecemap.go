// Package piecemap tracks which pieces and blocks of a torrent are missing,
// requested, received or verified-complete, and projects that state as a
// BEP 3 bitfield. Exactly one goroutine mutates a given PieceMap; callers
// that share one across peer tasks must serialize through the Engine's own
// single-writer discipline (spec §5) rather than relying on internal
// locking for anything beyond read/write safety of individual calls.
package piecemap

import (
	"sync"

	"github.com/willf/bitset"
)

// BlockSize is the standard request granularity: 16 KiB. The final block of
// the final piece may be shorter.
const BlockSize = 16384

// BlockState is the lifecycle of one block within an in-progress piece.
type BlockState int

// Block states.
const (
	Missing BlockState = iota
	Requested
	Received
)

// PieceState is the mutable state of a piece that is neither untouched nor
// complete: which of its blocks have arrived, and the partial buffer
// accumulated so far.
type PieceState struct {
	Blocks []BlockState
	Buffer []byte // nil until the first block is received
}

// AllReceived reports whether every block of the piece has arrived, i.e.
// the piece is a candidate for hash verification.
func (p *PieceState) AllReceived() bool {
	for _, b := range p.Blocks {
		if b != Received {
			return false
		}
	}
	return true
}

// PieceMap is the per-torrent block/piece state tracker described in
// spec §4.3. It holds redundant copies of piece_count/piece_length/
// total_length purely for bounds checking, as spec §3 requires.
type PieceMap struct {
	mu sync.Mutex

	pieceCount  int
	pieceLength int64
	totalLength int64

	completed  map[int]struct{}
	inProgress map[int]*PieceState
}

// New creates a PieceMap for a torrent with the given shape. All pieces
// start untouched (neither completed nor in progress).
func New(pieceCount int, pieceLength, totalLength int64) *PieceMap {
	return &PieceMap{
		pieceCount:  pieceCount,
		pieceLength: pieceLength,
		totalLength: totalLength,
		completed:   make(map[int]struct{}),
		inProgress:  make(map[int]*PieceState),
	}
}

// PieceCount returns the total number of pieces.
func (pm *PieceMap) PieceCount() int { return pm.pieceCount }

// ActualPieceLength returns the real length of piece i, accounting for a
// shorter final piece.
func (pm *PieceMap) ActualPieceLength(i int) int64 {
	if i < 0 || i >= pm.pieceCount {
		return 0
	}
	if i == pm.pieceCount-1 {
		rem := pm.totalLength - pm.pieceLength*int64(i)
		if rem > 0 {
			return rem
		}
	}
	return pm.pieceLength
}

// NumBlocks returns how many blocks piece i is divided into.
func (pm *PieceMap) NumBlocks(i int) int {
	length := pm.ActualPieceLength(i)
	return int((length + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of block b of piece i (BlockSize, except
// possibly the last block of the last piece).
func (pm *PieceMap) BlockLength(i, b int) int64 {
	pieceLen := pm.ActualPieceLength(i)
	start := int64(b) * BlockSize
	if start >= pieceLen {
		return 0
	}
	end := start + BlockSize
	if end > pieceLen {
		end = pieceLen
	}
	return end - start
}

func (pm *PieceMap) checkBounds(i int) error {
	if i < 0 || i >= pm.pieceCount {
		return errf("piece %d out of bounds [0,%d)", i, pm.pieceCount)
	}
	return nil
}

// IsComplete reports whether piece i has been marked complete.
func (pm *PieceMap) IsComplete(i int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, ok := pm.completed[i]
	return ok
}

// AllComplete reports whether every piece in the torrent is complete.
func (pm *PieceMap) AllComplete() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.completed) == pm.pieceCount
}

// NumComplete returns the count of completed pieces.
func (pm *PieceMap) NumComplete() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.completed)
}

// GetOrInit returns the in-progress state for piece i, lazily allocating its
// block slice on first access. Fails if the piece is already completed.
func (pm *PieceMap) GetOrInit(i int) (*PieceState, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.getOrInitLocked(i)
}

func (pm *PieceMap) getOrInitLocked(i int) (*PieceState, error) {
	if err := pm.checkBounds(i); err != nil {
		return nil, err
	}
	if _, ok := pm.completed[i]; ok {
		return nil, errf("piece %d is already completed", i)
	}
	ps, ok := pm.inProgress[i]
	if !ok {
		ps = &PieceState{Blocks: make([]BlockState, pm.NumBlocks(i))}
		pm.inProgress[i] = ps
	}
	return ps, nil
}

// MarkRequested transitions block b of piece i from Missing to Requested.
func (pm *PieceMap) MarkRequested(i, b int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ps, err := pm.getOrInitLocked(i)
	if err != nil {
		return err
	}
	if b < 0 || b >= len(ps.Blocks) {
		return errf("block %d out of bounds for piece %d", b, i)
	}
	if ps.Blocks[b] == Missing {
		ps.Blocks[b] = Requested
	}
	return nil
}

// WriteBlock records the arrival of block b's data for piece i. It
// allocates the piece's buffer lazily on first call. Returns whether every
// block of the piece has now been received (a "candidate-complete" piece
// whose hash still needs verification).
func (pm *PieceMap) WriteBlock(i, b int, data []byte) (candidateComplete bool, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	ps, err := pm.getOrInitLocked(i)
	if err != nil {
		return false, err
	}
	if b < 0 || b >= len(ps.Blocks) {
		return false, errf("block %d out of bounds for piece %d", b, i)
	}
	expected := pm.BlockLength(i, b)
	if int64(len(data)) != expected {
		return false, errf("block %d of piece %d: expected %d bytes, got %d", b, i, expected, len(data))
	}
	if ps.Buffer == nil {
		ps.Buffer = make([]byte, pm.ActualPieceLength(i))
	}
	copy(ps.Buffer[int64(b)*BlockSize:], data)
	ps.Blocks[b] = Received
	return ps.AllReceived(), nil
}

// MarkComplete moves piece i from in-progress (or untouched) to completed.
// Idempotent.
func (pm *PieceMap) MarkComplete(i int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.checkBounds(i); err != nil {
		return err
	}
	delete(pm.inProgress, i)
	pm.completed[i] = struct{}{}
	return nil
}

// MarkFailed resets every block of piece i back to Missing and drops its
// buffer, used after a hash verification mismatch.
func (pm *PieceMap) MarkFailed(i int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.checkBounds(i); err != nil {
		return err
	}
	if _, ok := pm.completed[i]; ok {
		return errf("piece %d is already completed, cannot mark failed", i)
	}
	delete(pm.inProgress, i)
	return nil
}

// Piece returns a copy of piece i's in-progress state for read-only
// inspection (e.g. the scheduler deciding which blocks still need
// requesting), or nil if the piece isn't in progress.
func (pm *PieceMap) Piece(i int) *PieceState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ps, ok := pm.inProgress[i]
	if !ok {
		return nil
	}
	cp := &PieceState{Blocks: append([]BlockState{}, ps.Blocks...)}
	return cp
}

// InProgressPieces returns the indices of pieces with at least one block
// requested or received but not yet verified complete, used by the
// scheduler's strict-priority rule (spec §4.7: finish in-progress pieces
// before starting new ones).
func (pm *PieceMap) InProgressPieces() []int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]int, 0, len(pm.inProgress))
	for i := range pm.inProgress {
		out = append(out, i)
	}
	return out
}

// Buffer returns the accumulated bytes of a candidate-complete piece, for
// hash verification and disk writes. Returns nil if the piece has no
// buffer yet (no blocks received).
func (pm *PieceMap) Buffer(i int) []byte {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ps, ok := pm.inProgress[i]
	if !ok || ps.Buffer == nil {
		return nil
	}
	return ps.Buffer
}

// Bitfield projects the completed set as a packed, MSB-first byte array of
// length ceil(pieceCount/8), per spec §3/§8 invariant 3. Padding bits in
// the final byte are always 0.
func (pm *PieceMap) Bitfield() []byte {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	bs := bitset.New(uint(pm.pieceCount))
	for i := range pm.completed {
		bs.Set(uint(i))
	}
	return toMSBBytes(bs, pm.pieceCount)
}

// toMSBBytes packs a bitset into BEP 3's MSB-first-per-byte convention,
// which is the opposite bit order from bitset's own MarshalBinary.
func toMSBBytes(bs *bitset.BitSet, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if bs.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// FromBitfield restores a completed set from a packed MSB-first bitfield,
// used when loading resume data (spec §4.12).
func FromBitfield(b []byte, pieceCount int, pieceLength, totalLength int64) *PieceMap {
	pm := New(pieceCount, pieceLength, totalLength)
	for i := 0; i < pieceCount; i++ {
		byteIdx := i / 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(1<<uint(7-i%8)) != 0 {
			pm.completed[i] = struct{}{}
		}
	}
	return pm
}
