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
	"fmt"
)

// registry is the arena-plus-index the reactor owns: every datum is keyed
// by EventID, and no datum holds an owning reference to another. Only the
// reactor goroutine ever mutates it.
type registry struct {
	nextEventID EventID

	sockets    map[EventID]*socketHandle // registered, promoted sockets
	peers      map[EventID]*Conversation // conversation state, keyed like sockets
	events     map[NeighborKey]EventID   // neighbor-key -> event id, at most one
	connecting map[EventID]*socketHandle // dialed but not yet promoted
	listeners  map[EventID]bool
}

// socketHandle is the registry's record of a raw socket, independent of
// whether a Conversation has been attached yet.
type socketHandle struct {
	eid       EventID
	inbound   bool
	key       *NeighborKey // known for outbound dials, nil until handshake for inbound
}

func newRegistry() *registry {
	return &registry{
		sockets:    make(map[EventID]*socketHandle),
		peers:      make(map[EventID]*Conversation),
		events:     make(map[NeighborKey]EventID),
		connecting: make(map[EventID]*socketHandle),
		listeners:  make(map[EventID]bool),
	}
}

func (r *registry) allocEventID() EventID {
	r.nextEventID++
	return r.nextEventID
}

// promote moves a connecting socket into the live set, attaching its
// Conversation. Callers must not hold the socket in both connecting and
// sockets simultaneously (invariant 4).
func (r *registry) promote(eid EventID, convo *Conversation) {
	sh, ok := r.connecting[eid]
	if !ok {
		sh = &socketHandle{eid: eid}
	}
	delete(r.connecting, eid)
	r.sockets[eid] = sh
	r.peers[eid] = convo
}

// bindNeighbor records the eid<->neighbor-key mapping once a handshake
// resolves the remote identity, enforcing invariant 3 (at most one eid per
// neighbor key) by evicting any stale prior mapping.
func (r *registry) bindNeighbor(eid EventID, nk NeighborKey) {
	if prior, ok := r.events[nk]; ok && prior != eid {
		delete(r.events, nk)
		if psh, ok := r.sockets[prior]; ok && psh.key != nil && *psh.key == nk {
			psh.key = nil
		}
	}
	r.events[nk] = eid
	if sh, ok := r.sockets[eid]; ok {
		k := nk
		sh.key = &k
	}
}

// deregister removes every trace of eid from the registry. It is the only
// path that may make invariant (1) and (2) momentarily false, and only for
// the duration of this call.
func (r *registry) deregister(eid EventID) {
	delete(r.connecting, eid)
	delete(r.listeners, eid)
	if sh, ok := r.sockets[eid]; ok {
		if sh.key != nil {
			if cur, ok := r.events[*sh.key]; ok && cur == eid {
				delete(r.events, *sh.key)
			}
		}
		delete(r.sockets, eid)
	}
	delete(r.peers, eid)
}

func (r *registry) eventIDFor(nk NeighborKey) (EventID, bool) {
	eid, ok := r.events[nk]
	return eid, ok
}

func (r *registry) conversation(eid EventID) (*Conversation, bool) {
	c, ok := r.peers[eid]
	return c, ok
}

func (r *registry) countInbound() int {
	n := 0
	for eid := range r.sockets {
		if sh := r.sockets[eid]; sh.inbound {
			n++
		}
	}
	return n
}

func (r *registry) countOutbound() int {
	n := 0
	for eid := range r.sockets {
		if sh := r.sockets[eid]; !sh.inbound {
			n++
		}
	}
	return n
}

// checkInvariants re-verifies registry invariants 1-4 from the data model.
// Invariant 5 (every eid is registered with the poller) is not checked
// here, since the registry has no view of the poller. Only the tests call it.
func (r *registry) checkInvariants() error {
	for eid, sh := range r.sockets {
		if _, ok := r.peers[eid]; !ok {
			return fmt.Errorf("registry: eid %d has a socket but no conversation", eid)
		}
		if sh.key != nil {
			if bound, ok := r.events[*sh.key]; !ok || bound != eid {
				return fmt.Errorf("registry: eid %d's neighbor key is not bound to it", eid)
			}
		}
	}
	for eid := range r.peers {
		if _, ok := r.sockets[eid]; !ok {
			return fmt.Errorf("registry: eid %d has a conversation but no socket", eid)
		}
	}
	seen := make(map[EventID]int)
	for nk, eid := range r.events {
		seen[eid]++
		if seen[eid] > 1 {
			return fmt.Errorf("registry: eid %d is bound to more than one neighbor key (last %v)", eid, nk)
		}
		if _, ok := r.peers[eid]; !ok {
			return fmt.Errorf("registry: events[%v]=%d does not have a conversation", nk, eid)
		}
	}
	for eid := range r.connecting {
		if _, ok := r.sockets[eid]; ok {
			return fmt.Errorf("registry: eid %d is both connecting and registered", eid)
		}
	}
	return nil
}
