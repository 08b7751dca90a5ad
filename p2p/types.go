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

// Package p2p implements the peer-to-peer coordination core of the node: a
// single-threaded cooperative reactor that multiplexes neighbor discovery,
// inventory synchronization, block/microblock fetch and inter-thread
// request dispatch over one non-blocking event loop.
package p2p

import (
	"fmt"

	"github.com/probeum/stacksd/common"
)

// EventID is the monotonically assigned identifier of a registered socket.
// Event IDs are stable for the lifetime of a socket and are the primary key
// for in-memory conversation state.
type EventID uint64

// NeighborKey is the identity of a remote peer: protocol version, network
// ID, routable address and port. Equality and hashing run over all four
// fields; two distinct keys can legitimately share a socket address across
// network IDs.
type NeighborKey struct {
	PeerVersion uint32
	NetworkID   uint32
	Addr        common.PeerAddress
	Port        uint16
}

// String renders a NeighborKey the way log lines and error messages want it.
func (nk NeighborKey) String() string {
	return fmt.Sprintf("%s:%d (ver=%#x net=%#x)", nk.Addr, nk.Port, nk.PeerVersion, nk.NetworkID)
}

// HostPort renders the dialable address, ignoring version/network-id.
func (nk NeighborKey) HostPort() string {
	return fmt.Sprintf("%s:%d", ipFromPeerAddress(nk.Addr), nk.Port)
}

func ipFromPeerAddress(a common.PeerAddress) string {
	b := a.Bytes()
	if b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0 && b[5] == 0 &&
		b[6] == 0 && b[7] == 0 && b[8] == 0 && b[9] == 0 && b[10] == 0xff && b[11] == 0xff {
		return fmt.Sprintf("%d.%d.%d.%d", b[12], b[13], b[14], b[15])
	}
	return fmt.Sprintf("%x:%x:%x:%x:%x:%x:%x:%x",
		uint16(b[0])<<8|uint16(b[1]), uint16(b[2])<<8|uint16(b[3]),
		uint16(b[4])<<8|uint16(b[5]), uint16(b[6])<<8|uint16(b[7]),
		uint16(b[8])<<8|uint16(b[9]), uint16(b[10])<<8|uint16(b[11]),
		uint16(b[12])<<8|uint16(b[13]), uint16(b[14])<<8|uint16(b[15]))
}

// AllowState is the tri-state allow/deny marker carried by a Neighbor
// record: negative means permanently allowed, positive is a deadline in
// wall-clock seconds, zero is neutral (neither allowed nor denied).
type AllowState int64

// IsPermanentlyAllowed reports whether the state marks a permanent allow.
func (s AllowState) IsPermanentlyAllowed() bool { return s < 0 }

// IsAllowedAt reports whether the state allows a peer at the given unix time.
func (s AllowState) IsAllowedAt(nowUnix int64) bool {
	return s < 0 || (s > 0 && int64(s) > nowUnix)
}

// Neighbor is the persistent PeerDB record for a remote peer.
type Neighbor struct {
	Key          NeighborKey
	PublicKey    []byte // long-term public key, compressed secp256k1 point
	KeyExpire    uint64 // burn height at which PublicKey must be rotated
	LastContact  int64  // unix seconds of last successful contact
	Allowed      AllowState
	Denied       AllowState
	ASN          uint32 // autonomous system number, used for prune diversity
	InDegree     uint32
	OutDegree    uint32
	DataURL      string
}

// LocalPeer is this node's self-identity.
type LocalPeer struct {
	PrivateKey    []byte // secp256k1 scalar, 32 bytes
	PublicKey     []byte // compressed secp256k1 point
	KeyExpire     uint64 // burn height at which the session key must rotate
	NetworkID     uint32
	PeerVersion   uint32
	DataURL       string
	Port          uint16
}

// BurnchainView is a snapshot of the burn chain tip used to bind p2p
// signatures, plus a sliding window of recent consensus hashes.
type BurnchainView struct {
	BurnBlockHeight      uint64
	BurnConsensusHash    common.Hash
	BurnStableHeight     uint64
	BurnStableConsensusHash common.Hash
	// RecentHashes maps height -> consensus hash for a sliding window behind
	// BurnBlockHeight, used to verify the claimed hash in an incoming
	// envelope actually matches what we believe the chain looked like then.
	RecentHashes map[uint64]common.Hash
}

// HasConsensusHash reports whether the view's window contains the claimed
// consensus hash at the claimed height.
func (v *BurnchainView) HasConsensusHash(height uint64, hash common.Hash) bool {
	if height == v.BurnBlockHeight {
		return v.BurnConsensusHash == hash
	}
	if height == v.BurnStableHeight {
		return v.BurnStableConsensusHash == hash
	}
	if v.RecentHashes == nil {
		return false
	}
	h, ok := v.RecentHashes[height]
	return ok && h == hash
}
