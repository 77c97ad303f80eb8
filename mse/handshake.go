// Package mse negotiates the optional MSE/PE stream-obfuscation layer
// described in spec §4.5, ahead of the plain BitTorrent handshake. The
// Diffie-Hellman exchange and RC4 keystream setup (768-bit prime, G=2,
// 1024-byte discard) are delegated to anacrolix/torrent's mse package,
// which the pack's other example torrent clients reach for instead of
// hand-rolling the exchange themselves; this package adapts it to gobt's
// info-hash type and policy knobs.
package mse

import (
	"errors"
	"io"

	anaclmse "github.com/anacrolix/torrent/mse"

	"github.com/dmoreau/gobt/core"
)

// SecretKeyIterator calls f with the raw bytes of each info hash this
// process knows about (i.e. every torrent currently loaded), stopping early
// if f returns false. It lets the MSE receiver try each candidate SKEY
// without the caller needing to know which torrent an incoming peer wants.
type SecretKeyIterator func(f func(skey []byte) bool)

// InitiateOutgoing performs the initiator side of an MSE/PE negotiation
// over rw, returning the (possibly RC4-wrapped) stream to use for the
// subsequent BitTorrent handshake and whether encryption was negotiated.
// A Forbid policy skips negotiation entirely and returns rw unchanged.
func InitiateOutgoing(rw io.ReadWriter, infoHash core.InfoHash, policy Policy) (io.ReadWriter, bool, error) {
	if policy == Forbid {
		return rw, false, nil
	}

	out, method, err := anaclmse.InitiateHandshake(rw, infoHash.Bytes(), nil, policy.provides())
	if err != nil {
		return nil, false, &EncryptionError{Stage: "initiate", Cause: err}
	}
	if policy == Require && method != anaclmse.CryptoMethodRC4 {
		return nil, false, &EncryptionError{Stage: "negotiate", Cause: errors.New("peer did not select RC4")}
	}
	return out, method == anaclmse.CryptoMethodRC4, nil
}

// AcceptIncoming performs the receiver side of an MSE/PE negotiation over
// rw, trying each of skeys' info hashes as the candidate SKEY. A Forbid
// policy skips negotiation entirely and returns rw unchanged, leaving the
// caller to read a plain BitTorrent handshake directly.
func AcceptIncoming(rw io.ReadWriter, skeys SecretKeyIterator, policy Policy) (io.ReadWriter, bool, error) {
	if policy == Forbid {
		return rw, false, nil
	}

	out, method, err := anaclmse.ReceiveHandshake(rw, anaclmse.SecretKeyIterator(skeys), policy.selects)
	if err != nil {
		if errors.Is(err, anaclmse.ErrNoSecretKeyMatch) {
			return nil, false, &EncryptionError{Stage: "skey", Cause: err}
		}
		return nil, false, &EncryptionError{Stage: "accept", Cause: err}
	}
	return out, method == anaclmse.CryptoMethodRC4, nil
}
