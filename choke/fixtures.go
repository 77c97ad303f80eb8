package choke

import (
	"time"

	"github.com/dmoreau/gobt/core"
)

// fakePeer is a minimal Peer test double: no network, just the fields the
// choker reads and mutates.
type fakePeer struct {
	id            core.PeerID
	createdAt     time.Time
	interested    bool
	peerChoking   bool
	amInterested  bool
	choking       bool
	downRate      float64
	upRate        float64
	setChokeCalls int
}

func newFakePeer(createdAt time.Time) *fakePeer {
	return &fakePeer{
		id:          core.PeerIDFixture(),
		createdAt:   createdAt,
		choking:     true,
		peerChoking: true,
	}
}

func (p *fakePeer) PeerID() core.PeerID      { return p.id }
func (p *fakePeer) CreatedAt() time.Time     { return p.createdAt }
func (p *fakePeer) PeerInterested() bool     { return p.interested }
func (p *fakePeer) PeerChoking() bool        { return p.peerChoking }
func (p *fakePeer) AmInterested() bool       { return p.amInterested }
func (p *fakePeer) AmChoking() bool          { return p.choking }
func (p *fakePeer) DownloadRate() float64    { return p.downRate }
func (p *fakePeer) UploadRate() float64      { return p.upRate }

func (p *fakePeer) SetAmChoking(choking bool) error {
	p.choking = choking
	p.setChokeCalls++
	return nil
}

// noopEvents discards every choke-state transition.
type noopEvents struct{}

func (noopEvents) Unchoked(core.PeerID) {}
func (noopEvents) Choked(core.PeerID)   {}
func (noopEvents) Snubbed(core.PeerID)  {}

// recordingEvents captures transitions in order for assertions.
type recordingEvents struct {
	unchoked []core.PeerID
	choked   []core.PeerID
	snubbed  []core.PeerID
}

func (r *recordingEvents) Unchoked(id core.PeerID) { r.unchoked = append(r.unchoked, id) }
func (r *recordingEvents) Choked(id core.PeerID)   { r.choked = append(r.choked, id) }
func (r *recordingEvents) Snubbed(id core.PeerID)  { r.snubbed = append(r.snubbed, id) }
