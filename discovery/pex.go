package discovery

import (
	"encoding/binary"
	"net"

	"github.com/dmoreau/gobt/bencode"
	"github.com/dmoreau/gobt/core"
	"github.com/dmoreau/gobt/tracker/announceclient"
)

// ExtensionName is the BEP 11 extension identifier PEXListener registers
// under in a peer's BEP 10 "m" table.
const ExtensionName = "ut_pex"

// PEXListener decodes BEP 11 ut_pex payloads carried over the wire
// protocol's Extended message (BEP 10) and turns the "added" peers into
// discovery Candidates. Unlike NoopDHT/NoopPEX, this is a real
// implementation: the wire protocol's extended channel already exists
// (peerwire.ExtendedHandshake), so PEX needs no external dependency to
// work, just a feed of each peer's inbound Extended payloads.
type PEXListener struct{}

// NewPEXListener builds a PEXListener.
func NewPEXListener() *PEXListener { return &PEXListener{} }

// Tag implements Source.
func (p *PEXListener) Tag() Tag { return PEX }

// Run implements Source as a no-op: PEXListener has no self-driven lookup
// loop. It is fed per-message via HandlePayload, wired from each
// connection's BEP 10 extension table (scheduler.OnExtended in this
// module's case).
func (p *PEXListener) Run(core.InfoHash, chan<- Candidate, <-chan struct{}) {}

// HandlePayload decodes one ut_pex message body and offers its "added"
// peers on out. The send is non-blocking: a full channel drops the
// candidates for this message rather than stalling the caller's read loop.
func (p *PEXListener) HandlePayload(payload []byte, out chan<- Candidate) error {
	v, _, err := bencode.Decode(payload)
	if err != nil {
		return errf("decode ut_pex payload: %s", err)
	}
	if v.Kind != bencode.KindDict {
		return errf("ut_pex payload is not a dictionary")
	}

	added := v.Get("added")
	if added == nil || added.Kind != bencode.KindString {
		return nil
	}
	peers, err := parseCompactPeers(added.String)
	if err != nil {
		return err
	}
	for _, ep := range peers {
		c := Candidate{Endpoint: ep, Source: PEX}
		select {
		case out <- c:
		default:
		}
	}
	return nil
}

func parseCompactPeers(data []byte) ([]announceclient.PeerEndpoint, error) {
	if len(data)%6 != 0 {
		return nil, errf("compact peers length %d is not a multiple of 6", len(data))
	}
	peers := make([]announceclient.PeerEndpoint, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := net.IP(append([]byte(nil), data[i:i+4]...))
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, announceclient.PeerEndpoint{IP: ip, Port: port})
	}
	return peers, nil
}
