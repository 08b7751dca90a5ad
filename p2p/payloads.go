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
	"encoding/json"

	"github.com/probeum/stacksd/common"
)

// This file holds the small JSON encode/decode helpers for every Msg.Payload
// body the protocol carries. Envelope framing and signing are handled
// elsewhere (envelope.go); these helpers only turn the kind-specific payload
// struct into the bytes that go in Msg.Payload and back.

type neighborsPayload struct {
	Neighbors []NeighborKey
}

func encodeNeighbors(nks []NeighborKey) []byte {
	raw, _ := json.Marshal(neighborsPayload{Neighbors: nks})
	return raw
}

func decodeNeighbors(raw []byte) ([]NeighborKey, error) {
	var p neighborsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p.Neighbors, nil
}

type getBlocksInvPayload struct {
	RewardCycle uint64
}

func encodeGetBlocksInv(cycle uint64) []byte {
	raw, _ := json.Marshal(getBlocksInvPayload{RewardCycle: cycle})
	return raw
}

func decodeGetBlocksInv(raw []byte) (uint64, error) {
	var p getBlocksInvPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, err
	}
	return p.RewardCycle, nil
}

type blocksInvPayload struct {
	RewardCycle uint64
	Blocks      []byte
	Microblocks []byte
}

func encodeBlocksInv(inv *BlockInv) []byte {
	raw, _ := json.Marshal(blocksInvPayload{RewardCycle: inv.RewardCycle, Blocks: inv.Blocks, Microblocks: inv.Microblocks})
	return raw
}

func decodeBlocksInv(raw []byte) (*BlockInv, error) {
	var p blocksInvPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &BlockInv{RewardCycle: p.RewardCycle, Blocks: p.Blocks, Microblocks: p.Microblocks}, nil
}

type getBlocksPayload struct {
	BurnHeaderHash common.Hash
	WantBlock      bool
	WantMicroblock bool
}

func encodeGetBlocks(hash common.Hash, wantBlock, wantMicroblock bool) []byte {
	raw, _ := json.Marshal(getBlocksPayload{BurnHeaderHash: hash, WantBlock: wantBlock, WantMicroblock: wantMicroblock})
	return raw
}

func decodeGetBlocks(raw []byte) (*getBlocksPayload, error) {
	var p getBlocksPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type artifactPayload struct {
	BurnHeaderHash common.Hash
	Data           []byte
}

func encodeArtifact(hash common.Hash, data []byte) []byte {
	raw, _ := json.Marshal(artifactPayload{BurnHeaderHash: hash, Data: data})
	return raw
}

func decodeArtifact(raw []byte) (*artifactPayload, error) {
	var p artifactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type nackPayload struct {
	Reason string
}

func encodeNack(reason string) []byte {
	raw, _ := json.Marshal(nackPayload{Reason: reason})
	return raw
}

func decodeNack(raw []byte) (string, error) {
	var p nackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Reason, nil
}
