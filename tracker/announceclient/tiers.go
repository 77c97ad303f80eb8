package announceclient

import "sync"

// TierSet holds a torrent's announce tiers (BEP 12) and rotates within a
// tier on success: the tracker that answered moves to the front of its
// tier, so it's tried first next time. Tiers themselves never reorder
// relative to each other.
type TierSet struct {
	mu    sync.Mutex
	tiers [][]string
}

// NewTierSet copies tiers into a fresh TierSet. An empty tiers means no
// trackers are configured; Candidates then returns nothing.
func NewTierSet(tiers [][]string) *TierSet {
	cp := make([][]string, len(tiers))
	for i, tier := range tiers {
		cp[i] = append([]string(nil), tier...)
	}
	return &TierSet{tiers: cp}
}

// Candidates flattens the tiers into a single try-in-order list: every
// tracker in tier 0 (in its current, possibly-rotated order), then tier 1,
// and so on.
func (t *TierSet) Candidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, tier := range t.tiers {
		out = append(out, tier...)
	}
	return out
}

// Promote moves url to the front of whichever tier contains it. A no-op if
// url isn't present.
func (t *TierSet) Promote(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tier := range t.tiers {
		for i, u := range tier {
			if u != url {
				continue
			}
			if i == 0 {
				return
			}
			copy(tier[1:i+1], tier[0:i])
			tier[0] = url
			return
		}
	}
}
