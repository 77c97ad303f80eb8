package mse

import anaclmse "github.com/anacrolix/torrent/mse"

// Policy controls how a peer connection negotiates MSE/PE obfuscation, per
// spec §4.5's `encryption_policy` configuration knob.
type Policy int

// Encryption policies.
const (
	// Require rejects any negotiation that resolves to plaintext.
	Require Policy = iota
	// Prefer offers RC4 first but accepts a plaintext fallback.
	Prefer
	// Allow offers both RC4 and plaintext with no preference enforced.
	Allow
	// Forbid skips MSE/PE negotiation entirely and speaks plain TCP.
	Forbid
)

// provides is what we offer as the initiator's crypto_provide bitset.
func (p Policy) provides() anaclmse.CryptoMethod {
	switch p {
	case Require:
		return anaclmse.CryptoMethodRC4
	case Forbid:
		return anaclmse.CryptoMethodPlaintext
	default:
		return anaclmse.AllSupportedCrypto
	}
}

// selects picks crypto_select from a peer's crypto_provide bitset, for when
// we're the connection's receiver.
func (p Policy) selects(provided anaclmse.CryptoMethod) anaclmse.CryptoMethod {
	switch p {
	case Require:
		if provided&anaclmse.CryptoMethodRC4 != 0 {
			return anaclmse.CryptoMethodRC4
		}
		return 0
	case Prefer:
		if provided&anaclmse.CryptoMethodRC4 != 0 {
			return anaclmse.CryptoMethodRC4
		}
		return provided & anaclmse.CryptoMethodPlaintext
	default:
		return provided & anaclmse.AllSupportedCrypto
	}
}
