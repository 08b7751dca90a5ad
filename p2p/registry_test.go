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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probeum/stacksd/common"
)

func testNeighborKey(port uint16) NeighborKey {
	return NeighborKey{
		PeerVersion: 0x12345678,
		NetworkID:   0x9abcdef0,
		Addr:        common.BytesToPeerAddress([]byte{127, 0, 0, 1}),
		Port:        port,
	}
}

func TestRegistryInvariantsAfterPromoteAndBind(t *testing.T) {
	reg := newRegistry()
	nk := testNeighborKey(2100)

	eid := reg.allocEventID()
	reg.connecting[eid] = &socketHandle{eid: eid, key: &nk}
	convo := newConversation(eid, Outbound, 30*time.Second)
	reg.promote(eid, convo)
	reg.bindNeighbor(eid, nk)

	require.NoError(t, reg.checkInvariants())

	got, ok := reg.eventIDFor(nk)
	require.True(t, ok)
	require.Equal(t, eid, got)
}

func TestRegistryBindNeighborEvictsStaleMapping(t *testing.T) {
	reg := newRegistry()
	nk := testNeighborKey(2100)

	eidA := reg.allocEventID()
	reg.promote(eidA, newConversation(eidA, Inbound, time.Second))
	reg.bindNeighbor(eidA, nk)

	eidB := reg.allocEventID()
	reg.promote(eidB, newConversation(eidB, Inbound, time.Second))
	reg.bindNeighbor(eidB, nk)

	got, ok := reg.eventIDFor(nk)
	require.True(t, ok)
	require.Equal(t, eidB, got, "rebinding the same neighbor key must evict the stale mapping")
	require.NoError(t, reg.checkInvariants())
}

func TestRegistryDeregisterRemovesAllTraces(t *testing.T) {
	reg := newRegistry()
	nk := testNeighborKey(2100)

	eid := reg.allocEventID()
	reg.promote(eid, newConversation(eid, Outbound, time.Second))
	reg.bindNeighbor(eid, nk)

	reg.deregister(eid)

	_, ok := reg.conversation(eid)
	require.False(t, ok)
	_, ok = reg.eventIDFor(nk)
	require.False(t, ok)
	require.NoError(t, reg.checkInvariants())
}

func TestRegistryConnectingAndRegisteredAreDisjoint(t *testing.T) {
	reg := newRegistry()
	eid := reg.allocEventID()
	reg.connecting[eid] = &socketHandle{eid: eid}
	require.NoError(t, reg.checkInvariants())

	reg.promote(eid, newConversation(eid, Outbound, time.Second))
	_, stillConnecting := reg.connecting[eid]
	require.False(t, stillConnecting)
	require.NoError(t, reg.checkInvariants())
}
