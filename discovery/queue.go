package discovery

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/dmoreau/gobt/tracker/announceclient"
)

// endpointKey hashes an endpoint's "ip:port" string with murmur3, the same
// hash function the teacher's lib/hrw rendezvous hashing builds on, used
// here simply as a cheap, well-distributed dedup/blacklist key rather than
// for any weighted-node selection.
func endpointKey(ep announceclient.PeerEndpoint) uint64 {
	return murmur3.Sum64([]byte(ep.String()))
}

// Queue is the Engine's candidate queue (spec §4.10): it accepts Candidates
// from any number of discovery sources, deduplicates by endpoint regardless
// of which source offered it, and blacklists an endpoint for a cooldown
// period once it has failed to complete a handshake too many times.
type Queue struct {
	mu sync.Mutex

	maxFailures       int
	blacklistDuration time.Duration

	pending   []Candidate
	known     map[uint64]struct{}
	failures  map[uint64]int
	blacklist map[uint64]time.Time

	now func() time.Time
}

// NewQueue builds a Queue. maxFailures is the number of consecutive
// handshake failures (per endpoint) before it is temporarily blacklisted
// for blacklistDuration.
func NewQueue(maxFailures int, blacklistDuration time.Duration) *Queue {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if blacklistDuration <= 0 {
		blacklistDuration = 30 * time.Minute
	}
	return &Queue{
		maxFailures:       maxFailures,
		blacklistDuration: blacklistDuration,
		known:             make(map[uint64]struct{}),
		failures:          make(map[uint64]int),
		blacklist:         make(map[uint64]time.Time),
		now:               time.Now,
	}
}

// Offer adds a candidate to the queue, returning false if it was dropped
// because it's already known (from any source) or currently blacklisted.
func (q *Queue) Offer(c Candidate) bool {
	key := endpointKey(c.Endpoint)

	q.mu.Lock()
	defer q.mu.Unlock()

	if until, blacklisted := q.blacklist[key]; blacklisted {
		if q.now().Before(until) {
			return false
		}
		delete(q.blacklist, key)
		delete(q.failures, key)
	}
	if _, ok := q.known[key]; ok {
		return false
	}
	q.known[key] = struct{}{}
	q.pending = append(q.pending, c)
	return true
}

// Pop removes and returns the oldest pending candidate, FIFO. The
// candidate's endpoint leaves the "known" set on Pop (not Offer), so once
// it's handed off for a connection attempt a later re-discovery of the
// same endpoint (e.g. the next tracker announce) can be queued again
// rather than being silently deduplicated away while it's in flight.
func (q *Queue) Pop() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Candidate{}, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.known, endpointKey(c.Endpoint))
	return c, true
}

// Len reports how many candidates are waiting to be popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RecordFailure registers a failed handshake attempt against ep. Once an
// endpoint accumulates maxFailures consecutive failures it is blacklisted
// for blacklistDuration and also dropped from the known set, so it can be
// re-offered (and re-tried) once the blacklist expires.
func (q *Queue) RecordFailure(ep announceclient.PeerEndpoint) {
	key := endpointKey(ep)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.failures[key]++
	if q.failures[key] >= q.maxFailures {
		q.blacklist[key] = q.now().Add(q.blacklistDuration)
		delete(q.known, key)
	}
}

// RecordSuccess clears an endpoint's failure count after a successful
// handshake, so a single stale failure doesn't count toward a future
// blacklist threshold.
func (q *Queue) RecordSuccess(ep announceclient.PeerEndpoint) {
	key := endpointKey(ep)
	q.mu.Lock()
	delete(q.failures, key)
	q.mu.Unlock()
}
