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

package p2p

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec"
	"github.com/probeum/stacksd/common"
	"golang.org/x/crypto/sha3"
)

// PayloadKind enumerates the closed set of message payload kinds the wire
// protocol carries. New kinds are never added at runtime; dispatch over
// this set is a plain switch, not open-ended virtual dispatch.
type PayloadKind uint8

const (
	PayloadHandshake PayloadKind = iota
	PayloadHandshakeAccept
	PayloadHandshakeReject
	PayloadPing
	PayloadPong
	PayloadGetNeighbors
	PayloadNeighbors
	PayloadGetBlocksInv
	PayloadBlocksInv
	PayloadGetBlocks
	PayloadBlocks
	PayloadMicroblocks
	PayloadNack
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadHandshake:
		return "Handshake"
	case PayloadHandshakeAccept:
		return "HandshakeAccept"
	case PayloadHandshakeReject:
		return "HandshakeReject"
	case PayloadPing:
		return "Ping"
	case PayloadPong:
		return "Pong"
	case PayloadGetNeighbors:
		return "GetNeighbors"
	case PayloadNeighbors:
		return "Neighbors"
	case PayloadGetBlocksInv:
		return "GetBlocksInv"
	case PayloadBlocksInv:
		return "BlocksInv"
	case PayloadGetBlocks:
		return "GetBlocks"
	case PayloadBlocks:
		return "Blocks"
	case PayloadMicroblocks:
		return "Microblocks"
	case PayloadNack:
		return "Nack"
	default:
		return "Unknown"
	}
}

// Msg is a single payload carried inside a signed Envelope. Seq correlates
// requests to replies; Payload is the kind-specific encoded body.
type Msg struct {
	Kind    PayloadKind
	Seq     uint32
	Payload []byte
}

// Envelope is the signed, self-describing unit exchanged between peers. It
// binds a Msg to the sender's view of the burn chain and is signed over its
// canonical serialization (every field below except Signature).
type Envelope struct {
	ProtocolVersion      uint32
	NetworkID            uint32
	BurnTipHeight        uint64
	BurnConsensusHash    common.Hash
	BurnStableHeight     uint64
	BurnStableConsHash   common.Hash
	Payload              Msg
	Signature            []byte // compact secp256k1 signature, 65 bytes
}

// signingDigest returns the hash that Signature is computed over: a
// deterministic, version-tagged digest of every field but Signature.
func (e *Envelope) signingDigest() [32]byte {
	h := sha3.New256()

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], e.ProtocolVersion)
	h.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], e.NetworkID)
	h.Write(scratch[:4])
	binary.BigEndian.PutUint64(scratch[:8], e.BurnTipHeight)
	h.Write(scratch[:8])
	h.Write(e.BurnConsensusHash.Bytes())
	binary.BigEndian.PutUint64(scratch[:8], e.BurnStableHeight)
	h.Write(scratch[:8])
	h.Write(e.BurnStableConsHash.Bytes())
	h.Write([]byte{byte(e.Payload.Kind)})
	binary.BigEndian.PutUint32(scratch[:4], e.Payload.Seq)
	h.Write(scratch[:4])
	h.Write(e.Payload.Payload)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignEnvelope produces a signed envelope binding payload to the supplied
// burnchain view and local session key.
func SignEnvelope(view *BurnchainView, priv *btcec.PrivateKey, localPeer *LocalPeer, payload Msg) (*Envelope, error) {
	e := &Envelope{
		ProtocolVersion:    localPeer.PeerVersion,
		NetworkID:          localPeer.NetworkID,
		BurnTipHeight:      view.BurnBlockHeight,
		BurnConsensusHash:  view.BurnConsensusHash,
		BurnStableHeight:   view.BurnStableHeight,
		BurnStableConsHash: view.BurnStableConsensusHash,
		Payload:            payload,
	}
	digest := e.signingDigest()
	sig, err := btcec.SignCompact(btcec.S256(), priv, digest[:], false)
	if err != nil {
		return nil, err
	}
	e.Signature = sig
	return e, nil
}

// ErrBadSignature is returned when an envelope's signature does not verify
// against the claimed or previously-recorded public key.
var ErrBadSignature = errors.New("p2p: envelope signature verification failed")

// ErrViewMismatch is returned when the envelope's claimed consensus hash is
// not present in the receiver's burnchain view window.
var ErrViewMismatch = errors.New("p2p: envelope claims a consensus hash outside our burn view")

// VerifyEnvelope checks the envelope's signature recovers to pubKey (if
// pubKey is non-nil; a nil pubKey means "recover and return whatever key
// signed it", used only during handshake) and that its claimed burn view
// is consistent with ours.
func VerifyEnvelope(e *Envelope, view *BurnchainView, pubKey []byte) ([]byte, error) {
	if !view.HasConsensusHash(e.BurnTipHeight, e.BurnConsensusHash) &&
		!view.HasConsensusHash(e.BurnStableHeight, e.BurnStableConsHash) {
		return nil, ErrViewMismatch
	}
	digest := e.signingDigest()
	recovered, _, err := btcec.RecoverCompact(btcec.S256(), e.Signature, digest[:])
	if err != nil {
		return nil, ErrBadSignature
	}
	recoveredBytes := recovered.SerializeCompressed()
	if pubKey != nil && !bytesEqual(recoveredBytes, pubKey) {
		return nil, ErrBadSignature
	}
	return recoveredBytes, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
