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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHash is the SHA-1 hash of a torrent's bencoded info dictionary. It is
// the primary identifier for a torrent across metadata, peer handshakes and
// tracker announces.
type InfoHash [20]byte

// NewInfoHashFromHex converts a 40-character hex string into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, fmt.Errorf("invalid info hash: expected 40 hex characters, got %d", len(s))
	}
	var h InfoHash
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if n != 20 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", n)
	}
	return h, nil
}

// NewInfoHashFromBytes wraps exactly 20 raw bytes.
func NewInfoHashFromBytes(b []byte) (InfoHash, error) {
	if len(b) != 20 {
		return InfoHash{}, fmt.Errorf("invalid info hash: expected 20 bytes, got %d", len(b))
	}
	var h InfoHash
	copy(h[:], b)
	return h, nil
}

// ComputeInfoHash returns SHA-1(infoBytes), the info hash of the exact
// bencoded info dictionary bytes.
func ComputeInfoHash(infoBytes []byte) InfoHash {
	var h InfoHash
	sum := sha1.Sum(infoBytes)
	copy(h[:], sum[:])
	return h
}

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte { return h[:] }

// Hex converts h into a hexadecimal string.
func (h InfoHash) Hex() string { return hex.EncodeToString(h[:]) }

func (h InfoHash) String() string { return h.Hex() }
