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

	"github.com/stretchr/testify/require"
)

func TestMergeInvIsIdempotent(t *testing.T) {
	dst := newBlockInv(1, 16)
	src := newBlockInv(1, 16)
	setBit(src.Blocks, 3)
	setBit(src.Blocks, 9)

	mergeInv(dst, src)
	once := append([]byte(nil), dst.Blocks...)

	mergeInv(dst, src)
	require.Equal(t, once, dst.Blocks, "merging the same inventory twice must not change the bitmap")
	require.True(t, hasBit(dst.Blocks, 3))
	require.True(t, hasBit(dst.Blocks, 9))
	require.False(t, hasBit(dst.Blocks, 4))
}

func TestMergeInvIsCommutative(t *testing.T) {
	a := newBlockInv(1, 16)
	setBit(a.Blocks, 1)
	b := newBlockInv(1, 16)
	setBit(b.Blocks, 2)

	left := newBlockInv(1, 16)
	mergeInv(left, a)
	mergeInv(left, b)

	right := newBlockInv(1, 16)
	mergeInv(right, b)
	mergeInv(right, a)

	require.Equal(t, left.Blocks, right.Blocks)
}

func TestInvSyncRecordReplyTracksRecentlySynced(t *testing.T) {
	s := newInvSync()
	inv := newBlockInv(5, 16)
	setBit(inv.Blocks, 0)

	require.False(t, s.recentlySynced(1, 5))
	s.recordReply(1, inv)
	require.True(t, s.recentlySynced(1, 5))

	next := s.nextCycleToRequest(1, 5)
	require.EqualValues(t, 0, next, "cycle 0 was never synced for this peer")
}

func TestInvSyncForgetDropsPeerState(t *testing.T) {
	s := newInvSync()
	inv := newBlockInv(2, 16)
	s.recordReply(7, inv)
	s.forget(7)
	_, ok := s.peerInv[7]
	require.False(t, ok)
}
