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
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/probeum/stacksd/log"
)

// pruner caps inbound and outbound connection counts by evicting the
// least useful conversations, skipping anything the walker has reserved
// mid-walk or that PeerDB marks allow-listed. It only ever runs when the
// work-phase machine hands it control after a walk reports DoPrune.
type pruner struct {
	maxInbound  int
	maxOutbound int

	// pruneCounts is keyed by NeighborKey rather than EventID so a
	// neighbor's eviction history survives across reconnects (a fresh
	// connection gets a fresh EventID every time). A neighbor that keeps
	// getting pruned is judged a weaker long-term frontier member than one
	// that has never been pruned, so higher counts are evicted first —
	// this rotates out chronically unstable neighbors instead of just
	// thrashing the same handful of connections every cycle.
	pruneCounts map[NeighborKey]uint32

	log log.Logger
}

func newPruner(maxInbound, maxOutbound int) *pruner {
	return &pruner{
		maxInbound:  maxInbound,
		maxOutbound: maxOutbound,
		pruneCounts: make(map[NeighborKey]uint32),
		log:         log.New("component", "pruner"),
	}
}

// run evicts over-budget connections and returns the event IDs it decided
// to tear down. reserved lists event IDs the walker currently has
// in-flight; peerdb is additionally consulted so any neighbor currently
// allow-listed (AllowState.IsAllowedAt) is protected too.
func (p *pruner) run(reg *registry, peerdb PeerDB, reserved []EventID, now time.Time) []EventID {
	protect := mapset.NewSet()
	for _, eid := range reserved {
		protect.Add(eid)
	}
	if peerdb != nil {
		for eid, sh := range reg.sockets {
			if sh.key == nil {
				continue
			}
			n, ok, err := peerdb.Get(*sh.key)
			if err != nil || !ok {
				continue
			}
			if n.Allowed.IsAllowedAt(now.Unix()) {
				protect.Add(eid)
			}
		}
	}

	var inbound, outbound []EventID
	for eid, sh := range reg.sockets {
		if protect.Contains(eid) {
			continue
		}
		if sh.inbound {
			inbound = append(inbound, eid)
		} else {
			outbound = append(outbound, eid)
		}
	}

	var evicted []EventID
	evicted = append(evicted, p.evictOverBudget(reg, peerdb, inbound, p.maxInbound)...)
	evicted = append(evicted, p.evictOverBudget(reg, peerdb, outbound, p.maxOutbound)...)

	for _, eid := range evicted {
		if sh, ok := reg.sockets[eid]; ok && sh.key != nil {
			p.pruneCounts[*sh.key]++
		}
	}
	return evicted
}

// prunable is the scoring record evictOverBudget sorts by.
type prunable struct {
	eid    EventID
	key    NeighborKey
	dupASN bool
	count  uint32
	oldest time.Time
}

// evictOverBudget orders candidates by an ASN-diversity bias first (a
// connection that shares an ASN with another candidate in the same set is
// evicted before one that doesn't, since keeping only one connection per
// ASN spreads the frontier across more distinct networks), then by prune
// history (higher count evicted first), then by oldest handshake, and
// drops however many is needed to reach budget.
func (p *pruner) evictOverBudget(reg *registry, peerdb PeerDB, candidates []EventID, budget int) []EventID {
	if budget < 0 || len(candidates) <= budget {
		return nil
	}

	asnOf := make(map[EventID]uint32, len(candidates))
	asnCounts := make(map[uint32]int)
	for _, eid := range candidates {
		asn := p.lookupASN(reg, peerdb, eid)
		asnOf[eid] = asn
		asnCounts[asn]++
	}

	items := make([]prunable, 0, len(candidates))
	for _, eid := range candidates {
		var key NeighborKey
		if sh, ok := reg.sockets[eid]; ok && sh.key != nil {
			key = *sh.key
		}
		var oldest time.Time
		if convo, ok := reg.conversation(eid); ok {
			oldest = convo.lastHandshake
		}
		asn := asnOf[eid]
		items = append(items, prunable{
			eid:    eid,
			key:    key,
			dupASN: asn != 0 && asnCounts[asn] > 1,
			count:  p.pruneCounts[key],
			oldest: oldest,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.dupASN != b.dupASN {
			return a.dupASN
		}
		if a.count != b.count {
			return a.count > b.count
		}
		return a.oldest.Before(b.oldest)
	})

	cut := len(items) - budget
	out := make([]EventID, cut)
	for i := 0; i < cut; i++ {
		out[i] = items[i].eid
	}
	return out
}

func (p *pruner) lookupASN(reg *registry, peerdb PeerDB, eid EventID) uint32 {
	sh, ok := reg.sockets[eid]
	if !ok || sh.key == nil || peerdb == nil {
		return 0
	}
	n, ok, err := peerdb.Get(*sh.key)
	if err != nil || !ok {
		return 0
	}
	return n.ASN
}
