package udptracker

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/dmoreau/gobt/tracker/announceclient"
)

// BEP 15 magic constant and action codes.
const (
	protocolID = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// connectRequest builds the 16-byte connect datagram.
func connectRequest(transactionID uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(protocolID))
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

// parseConnectResponse validates a connect reply and extracts the
// connection id the tracker assigned for the following announce.
func parseConnectResponse(data []byte, transactionID uint32) (uint64, error) {
	if len(data) < 16 {
		return 0, errf("connect response too short: %d bytes", len(data))
	}
	action := binary.BigEndian.Uint32(data[0:4])
	gotTxID := binary.BigEndian.Uint32(data[4:8])
	if gotTxID != transactionID {
		return 0, errf("connect transaction id mismatch")
	}
	if action == actionError {
		return 0, errf("tracker error: %s", string(data[8:]))
	}
	if action != actionConnect {
		return 0, errf("unexpected connect action %d", action)
	}
	return binary.BigEndian.Uint64(data[8:16]), nil
}

// bep15Event maps the shared announceclient.Event enum onto BEP 15's wire
// event codes (0=none, 1=completed, 2=started, 3=stopped).
func bep15Event(e announceclient.Event) uint32 {
	switch e {
	case announceclient.EventCompleted:
		return 1
	case announceclient.EventStarted:
		return 2
	case announceclient.EventStopped:
		return 3
	default:
		return 0
	}
}

// announceRequest builds the 98-byte BEP 15 announce datagram.
func announceRequest(connectionID uint64, transactionID uint32, req announceclient.Request) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)

	copy(buf[16:36], req.InfoHash.Bytes())
	copy(buf[36:56], req.PeerID.Bytes())

	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))

	binary.BigEndian.PutUint32(buf[80:84], bep15Event(req.Event))
	// buf[84:88] is the IP override field; zero means "use the packet's
	// source address", which is what every client wants.
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32()) // key

	numWant := int32(req.NumWant)
	if numWant == 0 {
		numWant = -1 // -1 asks the tracker for its own default
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	return buf
}

// parseAnnounceResponse validates an announce reply and extracts the
// interval, swarm counts and compact peer list.
func parseAnnounceResponse(data []byte, transactionID uint32) (*announceclient.Result, error) {
	if len(data) < 20 {
		return nil, errf("announce response too short: %d bytes", len(data))
	}
	action := binary.BigEndian.Uint32(data[0:4])
	gotTxID := binary.BigEndian.Uint32(data[4:8])
	if gotTxID != transactionID {
		return nil, errf("announce transaction id mismatch")
	}
	if action == actionError {
		return nil, errf("tracker error: %s", string(data[8:]))
	}
	if action != actionAnnounce {
		return nil, errf("unexpected announce action %d", action)
	}

	interval := binary.BigEndian.Uint32(data[8:12])
	leechers := binary.BigEndian.Uint32(data[12:16])
	seeders := binary.BigEndian.Uint32(data[16:20])

	peerBytes := data[20:]
	if len(peerBytes)%6 != 0 {
		return nil, errf("compact peers length %d is not a multiple of 6", len(peerBytes))
	}
	peers := make([]announceclient.PeerEndpoint, 0, len(peerBytes)/6)
	for i := 0; i < len(peerBytes); i += 6 {
		ip := append([]byte(nil), peerBytes[i:i+4]...)
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		peers = append(peers, announceclient.PeerEndpoint{IP: ip, Port: port})
	}

	return &announceclient.Result{
		Interval:   time.Duration(interval) * time.Second,
		Complete:   int(seeders),
		Incomplete: int(leechers),
		Peers:      peers,
	}, nil
}
