package scheduler

import (
	"math/rand"
	"sync"

	"github.com/willf/bitset"
)

// Availability is the rarest-first input described in spec §4.7: for each
// piece, how many currently-connected peers have advertised it. Updated on
// every Bitfield, Have and peer disconnect.
type Availability struct {
	mu     sync.Mutex
	counts map[int]int
}

// NewAvailability returns an Availability tracker with all counts at zero.
func NewAvailability() *Availability {
	return &Availability{counts: make(map[int]int)}
}

// Add increments the count of every piece set in bf, called when a peer's
// Bitfield arrives (or a new peer is added with a known bitfield).
func (a *Availability) Add(bf *bitset.BitSet) {
	if bf == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := bf.NextSet(0); e; i, e = bf.NextSet(i + 1) {
		a.counts[int(i)]++
	}
}

// Remove decrements the count of every piece set in bf, called when a peer
// disconnects.
func (a *Availability) Remove(bf *bitset.BitSet) {
	if bf == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := bf.NextSet(0); e; i, e = bf.NextSet(i + 1) {
		a.dec(int(i))
	}
}

// Inc records a single Have message from a peer.
func (a *Availability) Inc(piece int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[piece]++
}

// Dec reverses a single Have, used when unwinding a peer's contribution on
// disconnect without a full bitfield snapshot.
func (a *Availability) Dec(piece int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dec(piece)
}

func (a *Availability) dec(piece int) {
	if a.counts[piece] <= 1 {
		delete(a.counts, piece)
		return
	}
	a.counts[piece]--
}

// Count returns how many known peers have piece i.
func (a *Availability) Count(i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[i]
}

// Rarest returns the index (into candidates) of the piece with the lowest
// availability count, breaking ties uniformly at random. candidates must be
// non-empty.
func (a *Availability) Rarest(candidates []int) int {
	a.mu.Lock()
	counts := make([]int, len(candidates))
	for i, p := range candidates {
		counts[i] = a.counts[p]
	}
	a.mu.Unlock()

	best := counts[0]
	ties := []int{0}
	for i := 1; i < len(counts); i++ {
		switch {
		case counts[i] < best:
			best = counts[i]
			ties = ties[:0]
			ties = append(ties, i)
		case counts[i] == best:
			ties = append(ties, i)
		}
	}
	return ties[rand.Intn(len(ties))]
}
