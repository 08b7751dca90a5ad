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
	"time"

	"github.com/btcsuite/btcd/btcec"
	lru "github.com/hashicorp/golang-lru"

	"github.com/probeum/stacksd/log"
)

// rewardCycleLength is the number of burn blocks per reward cycle that the
// inventory bitvectors are indexed by.
const rewardCycleLength = 2100

// invRequestTimeout bounds how long a GetBlocksInv request may sit
// unanswered before it fails with ErrRequestTimeout and step reports the
// peer as broken.
const invRequestTimeout = 15 * time.Second

// BlockInv is a per-reward-cycle bitvector: bit i set means block i of that
// cycle (and, in the microblock vector, its microblock stream) is known to
// the peer the vector describes.
type BlockInv struct {
	RewardCycle uint64
	Blocks      []byte
	Microblocks []byte
}

func newBlockInv(cycle uint64, bits int) *BlockInv {
	n := (bits + 7) / 8
	return &BlockInv{RewardCycle: cycle, Blocks: make([]byte, n), Microblocks: make([]byte, n)}
}

// mergeInv ORs src into dst bit-for-bit. It is idempotent (merging the same
// src twice leaves dst unchanged after the first merge) and commutative
// (the merged result does not depend on argument order across calls).
func mergeInv(dst, src *BlockInv) {
	if dst.RewardCycle != src.RewardCycle {
		return
	}
	orInto(dst.Blocks, src.Blocks)
	orInto(dst.Microblocks, src.Microblocks)
}

func orInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] |= src[i]
	}
}

func hasBit(vec []byte, i int) bool {
	idx, bit := i/8, uint(i%8)
	if idx >= len(vec) {
		return false
	}
	return vec[idx]&(1<<bit) != 0
}

func setBit(vec []byte, i int) {
	idx, bit := i/8, uint(i%8)
	if idx >= len(vec) {
		return
	}
	vec[idx] |= 1 << bit
}

// invSync is the per-reactor inventory-sync component: one requested
// reward cycle in flight per outbound, handshake-done peer at a time,
// merging replies into a local per-peer view and remembering recently
// synced (peer, cycle) pairs in an LRU cache.
type invSync struct {
	peerInv  map[EventID]map[uint64]*BlockInv
	seen     *lru.Cache // recently-completed (eid, cycle) pairs, to avoid re-requesting immediately
	inflight map[EventID]*invSyncRequest
	log      log.Logger
}

// invSyncRequest is one outstanding GetBlocksInv request awaiting a reply.
type invSyncRequest struct {
	cycle  uint64
	handle *ReplyHandle
}

func newInvSync() *invSync {
	cache, _ := lru.New(4096)
	return &invSync{
		peerInv:  make(map[EventID]map[uint64]*BlockInv),
		seen:     cache,
		inflight: make(map[EventID]*invSyncRequest),
		log:      log.New("component", "invsync"),
	}
}

// recordReply merges a peer's reported inventory for a cycle into the
// tracked state, and remembers that this (peer, cycle) pair was just
// synced so the work-phase machine does not immediately re-request it.
func (s *invSync) recordReply(eid EventID, inv *BlockInv) {
	cycles, ok := s.peerInv[eid]
	if !ok {
		cycles = make(map[uint64]*BlockInv)
		s.peerInv[eid] = cycles
	}
	cur, ok := cycles[inv.RewardCycle]
	if !ok {
		cur = newBlockInv(inv.RewardCycle, len(inv.Blocks)*8)
		cycles[inv.RewardCycle] = cur
	}
	mergeInv(cur, inv)
	s.seen.Add(invSyncKey{eid, inv.RewardCycle}, true)
}

type invSyncKey struct {
	eid   EventID
	cycle uint64
}

// recentlySynced reports whether (eid, cycle) was merged recently enough
// that a fresh request would be redundant.
func (s *invSync) recentlySynced(eid EventID, cycle uint64) bool {
	_, ok := s.seen.Get(invSyncKey{eid, cycle})
	return ok
}

// forget drops all tracked inventory for a peer, e.g. on disconnect.
func (s *invSync) forget(eid EventID) {
	delete(s.peerInv, eid)
	delete(s.inflight, eid)
}

// nextCycleToRequest picks the lowest reward cycle not yet known for eid,
// up to tip, or -1 if the peer is fully synced through tip.
func (s *invSync) nextCycleToRequest(eid EventID, tip uint64) int64 {
	cycles := s.peerInv[eid]
	for c := uint64(0); c <= tip; c++ {
		if s.recentlySynced(eid, c) {
			continue
		}
		if cycles == nil {
			return int64(c)
		}
		if _, ok := cycles[c]; !ok {
			return int64(c)
		}
	}
	return -1
}

// step runs one bounded unit of the inventory-sync loop: it first polls
// every outstanding GetBlocksInv request, merging replies via recordReply,
// then issues a fresh GetBlocksInv to every outbound, handshake-done peer
// that still needs a cycle and has no request already in flight. It
// returns the event IDs of peers whose request failed outright.
func (s *invSync) step(reg *registry, view *BurnchainView, priv *btcec.PrivateKey, local *LocalPeer, now time.Time) []EventID {
	var broken []EventID
	for eid, req := range s.inflight {
		env, err, ok := req.handle.TryRecv()
		if !ok {
			continue
		}
		delete(s.inflight, eid)
		if err != nil {
			broken = append(broken, eid)
			continue
		}
		inv, derr := decodeBlocksInv(env.Payload.Payload)
		if derr != nil {
			broken = append(broken, eid)
			continue
		}
		s.recordReply(eid, inv)
	}

	if view == nil {
		return broken
	}
	tip := view.BurnBlockHeight / rewardCycleLength

	for eid, convo := range reg.peers {
		if convo.Dir != Outbound || !convo.handshakeDone {
			continue
		}
		if _, busy := s.inflight[eid]; busy {
			continue
		}
		cycle := s.nextCycleToRequest(eid, tip)
		if cycle < 0 {
			continue
		}
		msg := Msg{Kind: PayloadGetBlocksInv, Seq: convo.nextSequence(), Payload: encodeGetBlocksInv(uint64(cycle))}
		env, err := convo.signMessage(view, priv, local, msg)
		if err != nil {
			continue
		}
		handle, err := convo.sendSignedRequest(env, now.Add(invRequestTimeout))
		if err != nil {
			continue
		}
		s.inflight[eid] = &invSyncRequest{cycle: uint64(cycle), handle: handle}
	}
	return broken
}
