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
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcec"

	"github.com/probeum/stacksd/log"
)

// WorkPhase is the reactor's one-step-per-tick cycle. It always advances
// NeighborWalk -> BlockInvSync -> BlockDownload -> (Prune?) -> NeighborWalk.
// Prune only runs when a completed walk set the do_prune latch; otherwise
// the machine skips straight back to NeighborWalk.
type WorkPhase int

const (
	PhaseNeighborWalk WorkPhase = iota
	PhaseBlockInvSync
	PhaseBlockDownload
	PhasePrune
)

func (p WorkPhase) String() string {
	switch p {
	case PhaseNeighborWalk:
		return "NeighborWalk"
	case PhaseBlockInvSync:
		return "BlockInvSync"
	case PhaseBlockDownload:
		return "BlockDownload"
	case PhasePrune:
		return "Prune"
	default:
		return "Unknown"
	}
}

// workStateMachine holds the do_prune latch and the one sub-component for
// each phase. The latch is consumed (reset to false) the instant the
// machine decides to enter Prune, not when Prune finishes: a walk that
// completes while Prune is already running sets the latch for the *next*
// cycle rather than extending the current one, which keeps each phase's
// duration bounded by a single step regardless of how many walks
// requested a prune.
type workStateMachine struct {
	phase   WorkPhase
	doPrune bool

	walker     *neighborWalker
	invSync    *invSync
	downloader *downloader
	pruner     *pruner

	rng *rand.Rand

	log log.Logger
}

func newWorkStateMachine(chain ChainState, dns DNSClient, maxInbound, maxOutbound int, fetchRate float64, fetchBurst int, maxBlocksInFlight, maxMicroblocksInFlight int64) *workStateMachine {
	return &workStateMachine{
		phase:      PhaseNeighborWalk,
		walker:     newNeighborWalker(),
		invSync:    newInvSync(),
		downloader: newDownloader(chain, dns, fetchRate, fetchBurst, maxBlocksInFlight, maxMicroblocksInFlight),
		pruner:     newPruner(maxInbound, maxOutbound),
		rng:        rand.New(rand.NewSource(1)),
		log:        log.New("component", "workstate"),
	}
}

// stepResult is what a single call to step hands the reactor: event IDs to
// tear down, any artifacts the downloader delivered this tick, and whether
// the phase advanced.
type stepResult struct {
	Broken    []EventID
	Delivered []fetchedArtifact
	Advanced  bool
}

// step performs exactly one bounded unit of work for the current phase and
// decides whether to advance to the next phase.
func (m *workStateMachine) step(reg *registry, peerdb PeerDB, view *BurnchainView, priv *btcec.PrivateKey, local *LocalPeer, now time.Time) *stepResult {
	switch m.phase {
	case PhaseNeighborWalk:
		result, done := m.walker.step(reg, peerdb, view, priv, local, m.rng, now)
		if !done {
			return &stepResult{}
		}
		if result != nil {
			if result.DoPrune {
				m.doPrune = true
			}
			m.phase = PhaseBlockInvSync
			return &stepResult{Broken: result.Broken, Advanced: true}
		}
		m.phase = PhaseBlockInvSync
		return &stepResult{Advanced: true}

	case PhaseBlockInvSync:
		broken := m.invSync.step(reg, view, priv, local, now)
		m.phase = PhaseBlockDownload
		return &stepResult{Broken: broken, Advanced: true}

	case PhaseBlockDownload:
		var delivered []fetchedArtifact
		if m.downloader.dns != nil {
			delivered = m.downloader.step(reg, peerdb, now)
			m.downloader.sweepTimeouts(noopCtx{}, 30*time.Second, now)
		}
		if m.doPrune {
			m.phase = PhasePrune
		} else {
			m.phase = PhaseNeighborWalk
		}
		return &stepResult{Advanced: true, Delivered: delivered}

	case PhasePrune:
		m.doPrune = false
		evicted := m.pruner.run(reg, peerdb, m.walker.reservedEventIDs(), now)
		m.phase = PhaseNeighborWalk
		return &stepResult{Broken: evicted, Advanced: true}
	}
	return &stepResult{}
}

// noopCtx satisfies context.Context for the downloader's sweep without
// pulling in cancellation machinery the reactor doesn't need here.
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}       { return nil }
func (noopCtx) Err() error                  { return nil }
func (noopCtx) Value(key any) any           { return nil }
