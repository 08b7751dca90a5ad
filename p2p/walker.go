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
	mapset "github.com/deckarep/golang-set"

	"github.com/probeum/stacksd/log"
)

// walkRequestTimeout bounds how long a GetNeighbors request may sit
// unanswered before the walker gives up on this step and resets to idle.
const walkRequestTimeout = 10 * time.Second

// walkResetPeriod is how many completed walks accumulate before the walker
// asks the work-phase machine for a prune pass.
const walkResetPeriod = 50

// frontierSampleSize is how many frontier rows the walker samples when
// deciding whether a candidate neighbor should displace one of them.
const frontierSampleSize = 16

// WalkResult is what a completed walker step hands back to the work-phase
// machine: connections to tear down, frontier entries that were replaced,
// and whether a prune pass is due. DoPrune is set once every
// walkResetPeriod completed walks; it does not depend on how much the
// frontier changed.
type WalkResult struct {
	Broken   []EventID
	Replaced []NeighborKey
	DoPrune  bool
}

// walkStage is where the walker's single bounded step currently sits; a
// walk spans several ticks, one stage transition per call to step.
type walkStage int

const (
	walkIdle walkStage = iota
	walkAwaitingNeighbors
	walkApplying
)

// neighborWalker runs the bounded random walk: pick a connected neighbor,
// ask for its neighbor list, probabilistically replace frontier entries
// with a Metropolis-Hastings acceptance rule weighted by in-degree.
type neighborWalker struct {
	stage      walkStage
	reserved   mapset.Set // event IDs that must not be pruned mid-walk
	pendingEID EventID
	handle     *ReplyHandle

	pendingEnv *Envelope
	pendingErr error

	sinceReset int
	log        log.Logger
}

func newNeighborWalker() *neighborWalker {
	return &neighborWalker{reserved: mapset.NewSet(), log: log.New("component", "walker")}
}

// reservedEventIDs returns the event IDs the pruner must treat as safe.
func (w *neighborWalker) reservedEventIDs() []EventID {
	out := make([]EventID, 0, w.reserved.Cardinality())
	for v := range w.reserved.Iter() {
		out = append(out, v.(EventID))
	}
	return out
}

// step advances the walk by exactly one bounded unit of work. It returns
// (result, done) where done means the walk completed this tick (result may
// be nil if nothing changed), or (nil, false) if the walk is still
// in-flight and the phase machine should not advance yet.
func (w *neighborWalker) step(reg *registry, peerdb PeerDB, view *BurnchainView, priv *btcec.PrivateKey, local *LocalPeer, rng *rand.Rand, now time.Time) (*WalkResult, bool) {
	switch w.stage {
	case walkIdle:
		candidates := connectedEventIDs(reg)
		if len(candidates) == 0 {
			return nil, true
		}
		target := candidates[rng.Intn(len(candidates))]
		convo, ok := reg.conversation(target)
		if !ok {
			return nil, true
		}
		msg := Msg{Kind: PayloadGetNeighbors, Seq: convo.nextSequence()}
		env, err := convo.signMessage(view, priv, local, msg)
		if err != nil {
			w.log.Debug("walk: sign GetNeighbors failed", "eid", target, "err", err)
			return nil, true
		}
		handle, err := convo.sendSignedRequest(env, now.Add(walkRequestTimeout))
		if err != nil {
			w.log.Debug("walk: send GetNeighbors failed", "eid", target, "err", err)
			return nil, true
		}
		w.reserved.Add(target)
		w.pendingEID = target
		w.handle = handle
		w.stage = walkAwaitingNeighbors
		return nil, false

	case walkAwaitingNeighbors:
		env, err, ok := w.handle.TryRecv()
		if !ok {
			return nil, false
		}
		w.pendingEnv, w.pendingErr = env, err
		w.stage = walkApplying
		return nil, false

	case walkApplying:
		eid := w.pendingEID
		env, err := w.pendingEnv, w.pendingErr
		w.pendingEnv, w.pendingErr, w.handle = nil, nil, nil
		w.reserved.Remove(eid)
		w.stage = walkIdle
		w.sinceReset++

		result := &WalkResult{}
		if err != nil {
			w.log.Debug("walk: GetNeighbors request failed", "eid", eid, "err", err)
		} else if env != nil {
			if candidates, derr := decodeNeighbors(env.Payload.Payload); derr == nil {
				result.Replaced = w.applyFrontier(peerdb, candidates, rng)
			}
		}
		if w.sinceReset >= walkResetPeriod {
			result.DoPrune = true
			w.sinceReset = 0
		}
		return result, true
	}
	return nil, true
}

// applyFrontier runs the Metropolis-Hastings acceptance test for every
// reported candidate against a sample of the current frontier, inserting or
// updating PeerDB for each accepted candidate.
func (w *neighborWalker) applyFrontier(peerdb PeerDB, candidates []NeighborKey, rng *rand.Rand) []NeighborKey {
	var replaced []NeighborKey
	for _, nk := range candidates {
		existing, _, err := peerdb.Get(nk)
		if err != nil {
			continue
		}
		var candDegree uint32
		if existing != nil {
			candDegree = existing.InDegree
		}

		var incumbentDegree uint32
		if frontier, ferr := peerdb.Frontier(frontierSampleSize); ferr == nil && len(frontier) > 0 {
			incumbentDegree = frontier[rng.Intn(len(frontier))].InDegree
		}

		if !acceptCandidate(rng, candDegree, incumbentDegree) {
			continue
		}
		n := &Neighbor{Key: nk, InDegree: candDegree}
		if existing != nil {
			n = existing
		}
		if err := peerdb.InsertOrUpdate(n); err != nil {
			continue
		}
		replaced = append(replaced, nk)
	}
	return replaced
}

func connectedEventIDs(reg *registry) []EventID {
	out := make([]EventID, 0, len(reg.peers))
	for eid, c := range reg.peers {
		if c.handshakeDone {
			out = append(out, eid)
		}
	}
	return out
}

// acceptCandidate applies the Metropolis-Hastings-style acceptance rule:
// a candidate with higher in-degree than the frontier slot it would
// displace is always accepted; otherwise it is accepted with probability
// proportional to the ratio of in-degrees.
func acceptCandidate(rng *rand.Rand, candidateInDegree, incumbentInDegree uint32) bool {
	if incumbentInDegree == 0 {
		return true
	}
	if candidateInDegree >= incumbentInDegree {
		return true
	}
	ratio := float64(candidateInDegree) / float64(incumbentInDegree)
	return rng.Float64() < ratio
}
