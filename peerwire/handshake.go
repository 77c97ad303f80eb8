// Package peerwire implements the BitTorrent v1 peer wire protocol: the
// fixed handshake and the length-prefixed message frames described in spec
// §4.6. It has no notion of sessions or state machines -- that lives in the
// conn package, which uses peerwire as its codec.
package peerwire

import (
	"io"

	"github.com/dmoreau/gobt/core"
)

// Pstr is the fixed protocol string sent in every handshake.
const Pstr = "BitTorrent protocol"

// HandshakeLen is the total length of a handshake frame: 1 (pstrlen) + 19
// (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeLen = 1 + len(Pstr) + 8 + 20 + 20

// ExtendedBit is reserved byte 5's bit 0x10, which BEP 10 uses to advertise
// support for the Extended message (id 20).
const ExtendedBit = 0x10

// Handshake is the 68-byte BEP 3 handshake frame.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// NewHandshake builds a Handshake for infoHash/peerID, setting the BEP 10
// extended-messaging bit if extended is true.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, extended bool) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	if extended {
		h.Reserved[5] |= ExtendedBit
	}
	return h
}

// SupportsExtended reports whether the peer that sent h advertised BEP 10
// extended messaging support.
func (h *Handshake) SupportsExtended() bool {
	return h.Reserved[5]&ExtendedBit != 0
}

// Encode serializes h into its 68-byte wire form.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(Pstr)))
	buf = append(buf, Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	return buf
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadHandshake reads and validates a 68-byte handshake frame from r,
// rejecting a mismatched pstr. The caller is responsible for comparing the
// decoded InfoHash against the torrent it expects.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	pstrlen := int(buf[0])
	if pstrlen != len(Pstr) {
		return nil, errf("unexpected pstrlen %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != Pstr {
		return nil, errf("unexpected protocol string %q", buf[1:1+pstrlen])
	}

	off := 1 + pstrlen
	var h Handshake
	copy(h.Reserved[:], buf[off:off+8])
	off += 8

	ih, err := core.NewInfoHashFromBytes(buf[off : off+20])
	if err != nil {
		return nil, err
	}
	h.InfoHash = ih
	off += 20

	pid, err := core.NewPeerIDFromBytes(buf[off : off+20])
	if err != nil {
		return nil, err
	}
	h.PeerID = pid

	return &h, nil
}
