package peerwire

import "github.com/dmoreau/gobt/bencode"

// ExtendedHandshakeID is the reserved sub-message id (BEP 10) for the
// handshake itself; every other extension id is whatever the peer
// advertised for it in the handshake's "m" dict.
const ExtendedHandshakeID byte = 0

// ExtendedHandshake is the BEP 10 extended handshake payload: a table
// mapping extension name (e.g. "ut_pex") to the local message id the peer
// wants used for that extension, plus a handful of informational fields
// other extensions key off of.
type ExtendedHandshake struct {
	// M maps extension name to the id the sender uses for it. An absent
	// entry means the peer doesn't support that extension.
	M map[string]byte

	// V is the peer's client version string, if advertised.
	V string

	// Port is the peer's DHT node listening port (BEP 5), if advertised.
	Port int
}

// NewExtendedHandshake builds the Message carrying our own handshake: the
// extension ids we advertise under m, keyed by extension name.
func NewExtendedHandshake(m map[string]byte, port int) *Message {
	d := bencode.NewDict()
	md := bencode.NewDict()
	for name, id := range m {
		md.Set(name, bencode.NewInt(int64(id)))
	}
	d.Set("m", md)
	if port != 0 {
		d.Set("p", bencode.NewInt(int64(port)))
	}
	return NewExtended(ExtendedHandshakeID, bencode.Encode(d))
}

// ParseExtendedHandshake decodes an Extended message's payload into an
// ExtendedHandshake. Callers must first check ExtendedID == ExtendedHandshakeID.
func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	v, _, err := bencode.Decode(payload)
	if err != nil {
		return nil, errf("decode extended handshake: %s", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, errf("extended handshake is not a dictionary")
	}

	h := &ExtendedHandshake{M: make(map[string]byte)}

	if mv := v.Get("m"); mv != nil && mv.Kind == bencode.KindDict {
		for _, name := range mv.DictKeys {
			idv := mv.Dict[name]
			n, err := idv.Int64()
			if err != nil {
				continue
			}
			h.M[name] = byte(n)
		}
	}
	if vv := v.Get("v"); vv != nil {
		if s, err := vv.Str(); err == nil {
			h.V = s
		}
	}
	if pv := v.Get("p"); pv != nil {
		if n, err := pv.Int64(); err == nil {
			h.Port = int(n)
		}
	}
	return h, nil
}

// SupportsExtension reports whether the handshake advertised an id for the
// named extension (e.g. "ut_pex").
func (h *ExtendedHandshake) SupportsExtension(name string) (byte, bool) {
	id, ok := h.M[name]
	return id, ok
}
