package discovery

import (
	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/tracker/announceclient"
)

// Tag identifies which discovery source produced a Candidate. Queue
// deduplicates and blacklists by endpoint alone; the tag travels with the
// Candidate but is not part of that key.
type Tag string

const (
	Tracker Tag = "tracker"
	DHT     Tag = "dht"
	PEX     Tag = "pex"
	Manual  Tag = "manual"
)

// Candidate is one peer endpoint offered by a discovery source.
type Candidate struct {
	Endpoint announceclient.PeerEndpoint
	Source   Tag
}

// Source is a pluggable peer discovery backend. Run searches for peers of
// infoHash, emitting Candidates on out until done is closed; it must not
// block past done being closed, and must not close out (the caller may be
// fanning in from multiple sources onto the same channel).
//
// DHT and PEX are spec'd as interface-only integration points (§4.10);
// NoopDHT and NoopPEX satisfy this interface without performing a real
// lookup, letting Engine wire the full candidate-queue path (dedup,
// blacklist-after-failures) in tests without a live Kademlia table.
type Source interface {
	Tag() Tag
	Run(infoHash core.InfoHash, out chan<- Candidate, done <-chan struct{})
}

// NoopDHT is a Source that never produces candidates. Mainline DHT lookup
// is out of scope for this implementation; private torrents must not be
// given a DHT source at all (spec's "private" flag excludes DHT/PEX/LSD).
type NoopDHT struct{}

func (NoopDHT) Tag() Tag { return DHT }

func (NoopDHT) Run(core.InfoHash, chan<- Candidate, <-chan struct{}) {}

// NoopPEX is a Source placeholder satisfying the same interface as
// PEXListener, for callers that want a uniform source list without
// wiring up the real extended-message listener (e.g. tests, or a peer
// that never advertised ut_pex support).
type NoopPEX struct{}

func (NoopPEX) Tag() Tag { return PEX }

func (NoopPEX) Run(core.InfoHash, chan<- Candidate, <-chan struct{}) {}
