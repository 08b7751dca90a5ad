// Copyright 2015 The go-probeum Authors
// This file is part of the go-probeum library.
//
// The go-probeum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-probeum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-probeum library. If not, see <http://www.gnu.org/licenses/>.

package common

import (
	"encoding/hex"
	"fmt"
)

const (
	// HashLength is the expected length of a consensus hash, matching the
	// burn chain's block and consensus hash digests.
	HashLength = 32
	// AddressLength is the expected length of a routable peer address (an
	// IPv6 address, or an IPv4 address mapped into IPv6).
	AddressLength = 16
)

// Hash represents a 32-byte burn chain consensus hash.
type Hash [HashLength]byte

// BytesToHash sets the left-padded low-order bytes of b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash parses a 0x-prefixed hex string into a Hash.
func HexToHash(s string) Hash {
	b, _ := hex.DecodeString(trimHexPrefix(s))
	return BytesToHash(b)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (h Hash) Bytes() []byte   { return h[:] }
func (h Hash) Hex() string     { return "0x" + hex.EncodeToString(h[:]) }
func (h Hash) String() string  { return h.Hex() }
func (h Hash) IsZero() bool    { return h == Hash{} }
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// Format implements fmt.Formatter so that %v, %x and %s all do something
// sensible with a Hash.
func (h Hash) Format(s fmt.State, c rune) {
	fmt.Fprintf(s, "%"+string(c), h[:])
}

// PeerAddress is a 16-byte routable address (IPv4-mapped or native IPv6),
// the address component of a NeighborKey.
type PeerAddress [AddressLength]byte

// BytesToPeerAddress left-pads b (an IPv4 or IPv6 address) into the fixed
// 16-byte representation used for neighbor identity.
func BytesToPeerAddress(b []byte) PeerAddress {
	var a PeerAddress
	if len(b) == 4 {
		// IPv4-mapped IPv6: ::ffff:a.b.c.d
		a[10] = 0xff
		a[11] = 0xff
		copy(a[12:], b)
		return a
	}
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

func (a PeerAddress) Bytes() []byte  { return a[:] }
func (a PeerAddress) String() string { return "0x" + hex.EncodeToString(a[:]) }
