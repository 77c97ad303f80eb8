package peerwire

import (
	"encoding/binary"
	"io"
)

// ID identifies a peer wire message type, per spec §4.6's message table.
type ID int16

// Message ids. KeepAlive has no id of its own -- it's the empty frame.
const (
	KeepAlive     ID = -1
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	Extended      ID = 20
)

// MaxMessageSize bounds a single frame's length-prefix value: a 128 KiB
// block plus header overhead. Anything larger is a protocol violation.
const MaxMessageSize = 128*1024 + 32

// Message is a decoded peer wire frame. Only the fields relevant to ID are
// populated.
type Message struct {
	ID ID

	// Have
	Index uint32

	// Bitfield
	BitfieldBytes []byte

	// Request, Cancel: Index, Begin, Length
	// Piece: Index, Begin, Block
	Begin  uint32
	Length uint32
	Block  []byte

	// Port
	Port uint16

	// Extended: ExtendedID identifies the sub-message (0 = handshake);
	// Payload is the remaining bencoded dict (+ trailing bytes for ut_metadata/ut_pex).
	ExtendedID byte
	Payload    []byte
}

// NewChoke, NewUnchoke, NewInterested and NewNotInterested build the four
// fixed-length state messages.
func NewKeepAlive() *Message     { return &Message{ID: KeepAlive} }
func NewChoke() *Message         { return &Message{ID: Choke} }
func NewUnchoke() *Message       { return &Message{ID: Unchoke} }
func NewInterested() *Message    { return &Message{ID: Interested} }
func NewNotInterested() *Message { return &Message{ID: NotInterested} }

// NewHave builds a Have message announcing piece index.
func NewHave(index uint32) *Message {
	return &Message{ID: Have, Index: index}
}

// NewBitfield builds a Bitfield message carrying the packed completed-piece
// bitfield bits.
func NewBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, BitfieldBytes: bits}
}

// NewRequest builds a Request message for one block.
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel builds a Cancel message for an outstanding Request.
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece builds a Piece message carrying block data.
func NewPiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// NewPort builds a Port message advertising a DHT node's listening port.
func NewPort(port uint16) *Message {
	return &Message{ID: Port, Port: port}
}

// NewExtended builds an Extended (BEP 10) message.
func NewExtended(extendedID byte, payload []byte) *Message {
	return &Message{ID: Extended, ExtendedID: extendedID, Payload: payload}
}

// Encode serializes m into a length-prefixed wire frame, including the
// KeepAlive empty frame.
func (m *Message) Encode() []byte {
	if m == nil || m.ID == KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var body []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		body = []byte{byte(m.ID)}
	case Have:
		body = make([]byte, 5)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:], m.Index)
	case Bitfield:
		body = make([]byte, 1+len(m.BitfieldBytes))
		body[0] = byte(m.ID)
		copy(body[1:], m.BitfieldBytes)
	case Request, Cancel:
		body = make([]byte, 13)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		binary.BigEndian.PutUint32(body[9:13], m.Length)
	case Piece:
		body = make([]byte, 9+len(m.Block))
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		copy(body[9:], m.Block)
	case Port:
		body = make([]byte, 3)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint16(body[1:], m.Port)
	case Extended:
		body = make([]byte, 2+len(m.Payload))
		body[0] = byte(m.ID)
		body[1] = m.ExtendedID
		copy(body[2:], m.Payload)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// ReadMessage reads one frame from r. A nil Message with a nil error
// indicates a keep-alive frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, errf("message exceeds max size: %d > %d", length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*Message, error) {
	id := ID(body[0])
	payload := body[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return nil, errf("message id %d: expected empty payload, got %d bytes", id, len(payload))
		}
		return &Message{ID: id}, nil
	case Have:
		if len(payload) != 4 {
			return nil, errf("have: expected 4-byte payload, got %d", len(payload))
		}
		return &Message{ID: id, Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return &Message{ID: id, BitfieldBytes: append([]byte{}, payload...)}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, errf("request/cancel: expected 12-byte payload, got %d", len(payload))
		}
		return &Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, errf("piece: payload too short: %d bytes", len(payload))
		}
		return &Message{
			ID:    id,
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: append([]byte{}, payload[8:]...),
		}, nil
	case Port:
		if len(payload) != 2 {
			return nil, errf("port: expected 2-byte payload, got %d", len(payload))
		}
		return &Message{ID: id, Port: binary.BigEndian.Uint16(payload)}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, errf("extended: missing extended-message id")
		}
		return &Message{ID: id, ExtendedID: payload[0], Payload: append([]byte{}, payload[1:]...)}, nil
	default:
		return nil, errf("unknown message id %d", id)
	}
}
