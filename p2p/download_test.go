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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probeum/stacksd/common"
)

type fakeChainState struct {
	blocks map[common.Hash]bool
}

func (f *fakeChainState) HasBlock(h common.Hash) bool      { return f.blocks[h] }
func (f *fakeChainState) HasMicroblock(h common.Hash) bool { return false }

func TestDownloaderAssignsInAscendingHeightOrder(t *testing.T) {
	chain := &fakeChainState{blocks: map[common.Hash]bool{}}
	d := newDownloader(chain, nil, 1000, 1000, 8, 8)

	hLow := hashOf("low")
	hHigh := hashOf("high")
	d.enqueue(hHigh, 200, true, false)
	d.enqueue(hLow, 100, true, false)

	now := time.Now()
	task := d.assignNext(context.Background(), 1, now)
	require.NotNil(t, task)
	require.Equal(t, hLow, task.BurnHeaderHash)
}

func TestDownloaderSkipsKnownArtifacts(t *testing.T) {
	known := hashOf("known")
	chain := &fakeChainState{blocks: map[common.Hash]bool{known: true}}
	d := newDownloader(chain, nil, 1000, 1000, 8, 8)

	d.enqueue(known, 1, true, false)
	require.Equal(t, 0, d.pending())
}

func TestDownloaderPoisonsAfterKConsecutiveFailures(t *testing.T) {
	chain := &fakeChainState{blocks: map[common.Hash]bool{}}
	d := newDownloader(chain, nil, 1000, 1000, 8, 8)
	hash := hashOf("flaky")
	d.enqueue(hash, 1, true, false)

	now := time.Now()
	var peer EventID = 9
	for i := 0; i < maxConsecutiveFailures; i++ {
		task := d.assignNext(context.Background(), peer, now)
		require.NotNil(t, task)
		require.False(t, d.isPoisoned(peer, now), "peer must not be poisoned before K failures")
		d.requeue(hash, now)
	}
	require.True(t, d.isPoisoned(peer, now))
}

func TestDownloaderCompleteDedupsArtifacts(t *testing.T) {
	chain := &fakeChainState{blocks: map[common.Hash]bool{}}
	d := newDownloader(chain, nil, 1000, 1000, 8, 8)
	hash := hashOf("artifact")
	d.enqueue(hash, 1, true, false)

	now := time.Now()
	task := d.assignNext(context.Background(), 1, now)
	require.NotNil(t, task)
	require.True(t, d.complete(hash))

	d.enqueue(hash, 1, true, false)
	task2 := d.assignNext(context.Background(), 1, now)
	require.NotNil(t, task2)
	require.False(t, d.complete(hash), "a second delivery of the same artifact must not be reported fresh")
}
