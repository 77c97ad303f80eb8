// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte identifier a client sends in the handshake and
// tracker announces. Unlike an info hash, a peer id is chosen by the client
// itself and has no required relationship to the data being exchanged.
type PeerID [20]byte

// ClientPrefix is the Azureus-style two-letter + four-digit prefix embedded
// in generated peer ids, e.g. "-GB0100-" identifies "gobt" version 0.1.0.
const ClientPrefix = "-GB0100-"

// NewPeerID parses a PeerID from a hex string, encoding exactly 20 bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parse peer id: %w", err)
	}
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromBytes wraps exactly 20 raw bytes, as received in a handshake.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// GeneratePeerID returns a new Azureus-style peer id: ClientPrefix followed
// by 12 random bytes.
func GeneratePeerID() (PeerID, error) {
	var p PeerID
	copy(p[:], []byte(ClientPrefix))
	if _, err := rand.Read(p[len(ClientPrefix):]); err != nil {
		return PeerID{}, fmt.Errorf("generate peer id: %w", err)
	}
	return p, nil
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte { return p[:] }

// String encodes the PeerID in hexadecimal notation.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// LessThan returns whether p sorts before o, comparing the raw bytes.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) < 0
}
