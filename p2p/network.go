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
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec"

	"github.com/probeum/stacksd/common"
	"github.com/probeum/stacksd/log"
)

// rekeySessionBlocks is how many burn blocks a freshly rotated session key
// stays valid for before the next rekey check trips again.
const rekeySessionBlocks = 10000

// neighborReplySize caps how many frontier rows a GetNeighbors reply hands
// back to the requester.
const neighborReplySize = 16

// Config bundles the reactor's tunables. Zero-value fields fall back to
// the defaults DefaultConfig returns.
type Config struct {
	MaxInbound          int
	MaxOutbound         int
	Heartbeat           time.Duration
	RequestTimeout      time.Duration
	PollTimeout         time.Duration
	FetchRatePerSec     float64
	FetchBurst          int
	MaxBlocksInFlight   int64
	MaxMicroblocksInFlight int64
}

func DefaultConfig() Config {
	return Config{
		MaxInbound:          32,
		MaxOutbound:         16,
		Heartbeat:           30 * time.Second,
		RequestTimeout:      15 * time.Second,
		PollTimeout:         250 * time.Millisecond,
		FetchRatePerSec:     8,
		FetchBurst:          16,
		MaxBlocksInFlight:   8,
		MaxMicroblocksInFlight: 8,
	}
}

// PeerNetwork is the single-threaded reactor: it owns the registry,
// poller, work-phase machine and the one handlePair foreign threads submit
// requests through. Every exported method besides Run/Tick/Handle is meant
// to be called only from the goroutine that calls Tick.
type PeerNetwork struct {
	cfg   Config
	local *LocalPeer
	priv  *btcec.PrivateKey

	reg    *registry
	poller Poller
	peerdb PeerDB
	work   *workStateMachine

	view *BurnchainView
	bdb  BurnchainDB

	// rekey tracks in-flight handshake replies from the most recent key
	// rotation sweep, keyed by the event ID each handshake was sent to.
	rekey map[EventID]*ReplyHandle

	handle *handlePair
	public *NetworkHandle

	log log.Logger

	closed bool
}

// NetworkResult is what Tick hands back: newly-arrived blocks, microblocks,
// and any protocol message neither solicited nor handled internally,
// grouped by the event ID of the conversation that produced them.
type NetworkResult struct {
	Blocks      map[EventID][]DownloadedArtifact
	Microblocks map[EventID][]DownloadedArtifact
	Unhandled   map[EventID][]Msg
}

// DownloadedArtifact is one block or microblock the downloader acquired
// this tick.
type DownloadedArtifact struct {
	BurnHeaderHash common.Hash
	Data           []byte
}

func newNetworkResult() *NetworkResult {
	return &NetworkResult{
		Blocks:      make(map[EventID][]DownloadedArtifact),
		Microblocks: make(map[EventID][]DownloadedArtifact),
		Unhandled:   make(map[EventID][]Msg),
	}
}

// NewPeerNetwork wires the reactor's components together. chain backs the
// downloader; bdb is polled once per tick for a fresh BurnchainView.
func NewPeerNetwork(cfg Config, local *LocalPeer, priv *btcec.PrivateKey, peerdb PeerDB, chain ChainState, bdb BurnchainDB) *PeerNetwork {
	public, handle := newHandlePair()
	return &PeerNetwork{
		cfg:    cfg,
		local:  local,
		priv:   priv,
		reg:    newRegistry(),
		poller: NewRelayPoller(),
		peerdb: peerdb,
		work:   newWorkStateMachine(chain, NewResolverDNSClient(), cfg.MaxInbound, cfg.MaxOutbound, cfg.FetchRatePerSec, cfg.FetchBurst, cfg.MaxBlocksInFlight, cfg.MaxMicroblocksInFlight),
		bdb:    bdb,
		view:   &BurnchainView{},
		rekey:  make(map[EventID]*ReplyHandle),
		handle: handle,
		public: public,
		log:    log.New("component", "network"),
	}
}

// Handle returns the NetworkHandle foreign threads use to submit requests.
func (n *PeerNetwork) Handle() *NetworkHandle { return n.public }

// ListenAndServe registers a listening socket the reactor will accept
// inbound connections from on future ticks.
func (n *PeerNetwork) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	eid := n.reg.allocEventID()
	n.reg.listeners[eid] = true
	return n.poller.RegisterListener(eid, ln)
}

// Run drives Tick in a loop until ctx is cancelled.
func (n *PeerNetwork) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return
		default:
		}
		n.Tick(ctx)
	}
}

// Tick performs one bounded iteration of the reactor loop:
//  1. refresh the burnchain view
//  2. reload LocalPeer from PeerDB, picking up a rekey persisted elsewhere
//  3. poll the I/O primitive for a batch of readiness events
//  4. register newly accepted inbound sockets
//  5. resolve completed outbound dials
//  6. drain buffered bytes for every ready socket into its conversation
//  7. run each conversation's chat step, routing surfaced requests to real
//     handlers (GetNeighbors served from PeerDB, GetBlocksInv/GetBlocks
//     Nacked, everything else folded into NetworkResult.Unhandled)
//  8. expire timed-out pending requests
//  9. disconnect peers that have gone silent past their heartbeat window
//  10. queue heartbeat pings to peers that have been quiet on send
//  11. flush each conversation's outbox to its socket
//  12. service exactly one foreign-thread request, if any is queued
//  13. advance the work-phase machine by one bounded step, folding any
//      delivered artifacts into NetworkResult
//  14. rekey the local session if the burn view says it is due, and sweep
//      any handshake replies a prior rekey is still waiting on
//  15. tear down whatever steps 6-13 decided to evict
func (n *PeerNetwork) Tick(ctx context.Context) *NetworkResult {
	result := newNetworkResult()

	n.refreshView(ctx)
	n.reloadLocalPeer()

	ready, err := n.poller.Poll(n.cfg.PollTimeout)
	if err != nil {
		n.log.Warn("poll failed", "err", err)
		return result
	}

	for _, acc := range ready.Accepted {
		n.acceptInbound(acc)
	}
	for _, eid := range ready.Connected {
		n.completeOutbound(eid)
	}
	for eid, err := range ready.ConnectErr {
		n.log.Debug("dial failed", "eid", eid, "err", err)
		n.reg.deregister(eid)
	}

	now := time.Now()
	var toDrop []EventID

	for _, eid := range ready.Ready {
		convo, ok := n.reg.conversation(eid)
		if !ok {
			continue
		}
		raw, sockErr := n.poller.Take(eid)
		if err := convo.recv(raw, sockErr); err != nil {
			toDrop = append(toDrop, eid)
			continue
		}
		msgs, err := convo.chat(n.local, n.priv, n.view)
		if err != nil {
			toDrop = append(toDrop, eid)
			continue
		}
		n.handleSurfaced(eid, convo, msgs, result)
	}

	for eid, convo := range n.reg.peers {
		convo.clearTimeouts(now)
		if convo.isSilentSince(now, n.cfg.RequestTimeout) {
			toDrop = append(toDrop, eid)
			continue
		}
		if convo.needsHeartbeat(now) {
			n.sendHeartbeat(convo)
		}
		if out := convo.send(); len(out) > 0 {
			n.writeOut(eid, out)
			convo.noteFlushed()
		}
	}

	n.serviceOneRequest(now)

	work := n.work.step(n.reg, n.peerdb, n.view, n.priv, n.local, now)
	toDrop = append(toDrop, work.Broken...)
	for _, a := range work.Delivered {
		artifact := DownloadedArtifact{BurnHeaderHash: a.Hash, Data: a.Data}
		if a.Microblock {
			result.Microblocks[a.Source] = append(result.Microblocks[a.Source], artifact)
		} else {
			result.Blocks[a.Source] = append(result.Blocks[a.Source], artifact)
		}
	}

	if n.local.KeyExpire <= n.view.BurnBlockHeight+1 {
		n.beginRekey()
	}
	n.sweepRekey()

	for _, eid := range dedupe(toDrop) {
		n.disconnect(eid)
	}
	return result
}

// handleSurfaced routes messages convo.chat could not resolve internally:
// GetNeighbors is answered for real from PeerDB's frontier, GetBlocksInv
// and GetBlocks are Nacked (ChainState only exposes membership checks, not
// a raw-bytes or per-height inventory surface to serve them from), and
// everything else is hung off the tick's NetworkResult for the caller.
func (n *PeerNetwork) handleSurfaced(eid EventID, convo *Conversation, msgs []Msg, result *NetworkResult) {
	for _, msg := range msgs {
		switch msg.Kind {
		case PayloadGetNeighbors:
			if n.peerdb == nil {
				continue
			}
			frontier, err := n.peerdb.Frontier(neighborReplySize)
			if err != nil {
				n.log.Debug("GetNeighbors: frontier lookup failed", "eid", eid, "err", err)
				continue
			}
			nks := make([]NeighborKey, 0, len(frontier))
			for _, nb := range frontier {
				nks = append(nks, nb.Key)
			}
			if err := convo.queueReply(n.view, n.priv, n.local, PayloadNeighbors, msg.Seq, encodeNeighbors(nks)); err != nil {
				n.log.Debug("GetNeighbors: reply failed", "eid", eid, "err", err)
			}
		case PayloadGetBlocksInv, PayloadGetBlocks:
			if err := convo.queueReply(n.view, n.priv, n.local, PayloadNack, msg.Seq, encodeNack("not served")); err != nil {
				n.log.Debug("Nack reply failed", "eid", eid, "err", err)
			}
		default:
			result.Unhandled[eid] = append(result.Unhandled[eid], msg)
		}
	}
}

// sendHeartbeat queues a signed Ping that does not expect a correlated
// reply; liveness is tracked by isSilentSince regardless of whether a Pong
// ever lands.
func (n *PeerNetwork) sendHeartbeat(convo *Conversation) {
	msg := Msg{Kind: PayloadPing, Seq: convo.nextSequence()}
	env, err := convo.signMessage(n.view, n.priv, n.local, msg)
	if err != nil {
		n.log.Debug("heartbeat: sign failed", "eid", convo.EventID, "err", err)
		return
	}
	if _, err := convo.relaySignedMessage(env); err != nil {
		n.log.Debug("heartbeat: send failed", "eid", convo.EventID, "err", err)
	}
}

// reloadLocalPeer refreshes n.local (and the matching n.priv) from PeerDB,
// so a key rotation recorded by a prior rekey sweep is picked up even if
// this PeerNetwork instance wasn't the one that performed it.
func (n *PeerNetwork) reloadLocalPeer() {
	if n.peerdb == nil {
		return
	}
	lp, ok, err := n.peerdb.GetLocalPeer()
	if err != nil || !ok || len(lp.PrivateKey) == 0 {
		return
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), lp.PrivateKey)
	if priv == nil {
		return
	}
	n.local = lp
	n.priv = priv
}

// beginRekey rotates the local session key, persists it, and sends a fresh
// handshake to every registered conversation, recording a reply handle per
// event ID so sweepRekey can drain the results over following ticks.
func (n *PeerNetwork) beginRekey() {
	if len(n.rekey) > 0 {
		return // a previous rekey sweep is still draining
	}
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		n.log.Warn("rekey: key generation failed", "err", err)
		return
	}

	local := *n.local
	local.PrivateKey = priv.Serialize()
	local.PublicKey = priv.PubKey().SerializeCompressed()
	local.KeyExpire = n.view.BurnBlockHeight + rekeySessionBlocks
	n.local = &local
	n.priv = priv

	if n.peerdb != nil {
		if err := n.peerdb.RekeyLocal(n.local); err != nil {
			n.log.Warn("rekey: persist failed", "err", err)
		}
	}

	for eid, convo := range n.reg.peers {
		msg := Msg{Kind: PayloadHandshake, Seq: convo.nextSequence()}
		env, err := convo.signMessage(n.view, n.priv, n.local, msg)
		if err != nil {
			continue
		}
		handle, err := convo.sendSignedRequest(env, time.Now().Add(n.cfg.RequestTimeout))
		if err != nil {
			continue
		}
		n.rekey[eid] = handle
	}
}

// sweepRekey drains whatever handshake replies have resolved since the
// last rekey sweep: successes are discarded, failures logged as a
// warning, and still-pending handles are left in place for a later tick.
func (n *PeerNetwork) sweepRekey() {
	for eid, handle := range n.rekey {
		_, err, ok := handle.TryRecv()
		if !ok {
			continue
		}
		delete(n.rekey, eid)
		if err != nil {
			n.log.Warn("rekey: handshake rebroadcast failed", "eid", eid, "err", err)
		}
	}
}

func dedupe(in []EventID) []EventID {
	seen := make(map[EventID]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (n *PeerNetwork) refreshView(ctx context.Context) {
	if n.bdb == nil {
		return
	}
	view, err := n.bdb.ReadView(ctx)
	if err != nil {
		n.log.Debug("burnchain view refresh failed", "err", err)
		return
	}
	n.view = view
}

func (n *PeerNetwork) acceptInbound(acc AcceptedConn) {
	if n.reg.countInbound() >= n.cfg.MaxInbound {
		acc.Conn.Close()
		return
	}
	eid := n.reg.allocEventID()
	if err := n.poller.RegisterConn(eid, acc.Conn); err != nil {
		acc.Conn.Close()
		return
	}
	convo := newConversation(eid, Inbound, n.cfg.Heartbeat)
	n.reg.sockets[eid] = &socketHandle{eid: eid, inbound: true}
	n.reg.peers[eid] = convo
}

func (n *PeerNetwork) completeOutbound(eid EventID) {
	sh, ok := n.reg.connecting[eid]
	if !ok {
		return
	}
	convo := newConversation(eid, Outbound, n.cfg.Heartbeat)
	if sh.key != nil {
		convo.NeighborKey = *sh.key
	}
	n.reg.promote(eid, convo)
	if sh.key != nil {
		n.reg.bindNeighbor(eid, *sh.key)
	}
}

func (n *PeerNetwork) writeOut(eid EventID, data []byte) {
	// The relay poller owns the net.Conn directly; writes go straight to the
	// socket rather than through the poller, which only ever relays reads.
	conn := n.connFor(eid)
	if conn == nil {
		return
	}
	_, _ = conn.Write(data)
}

func (n *PeerNetwork) connFor(eid EventID) net.Conn {
	rp, ok := n.poller.(*relayPoller)
	if !ok {
		return nil
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.conns[eid]
}

func (n *PeerNetwork) disconnect(eid EventID) {
	n.poller.Deregister(eid)
	n.work.invSync.forget(eid)
	n.reg.deregister(eid)
}

// serviceOneRequest drains at most one foreign-thread request per tick,
// matching the capacity-1 handle channel: the reactor never falls behind
// by more than one outstanding request before a caller's Submit can
// observe backpressure.
func (n *PeerNetwork) serviceOneRequest(now time.Time) {
	select {
	case req := <-n.handle.reqRx:
		reply := n.dispatch(req, now)
		select {
		case n.handle.replyTx <- reply:
		default:
		}
	default:
	}
}

func (n *PeerNetwork) dispatch(req *NetworkRequest, now time.Time) pendingReply {
	switch req.classify() {
	case reqConnect:
		return n.doConnect(req.Neighbors[0])
	case reqDisconnect:
		eid, ok := n.reg.eventIDFor(req.Neighbors[0])
		if !ok {
			return pendingReply{err: ErrNoSuchNeighbor}
		}
		n.disconnect(eid)
		return pendingReply{}
	case reqSignedRequest:
		return n.doSignedRequest(req.Neighbors[0], *req.Message, now, req.TTL)
	case reqRelay:
		return n.doRelay(req.Neighbors[0], *req.Message)
	case reqBroadcast:
		return n.doBroadcast(req.Neighbors, *req.Message)
	default:
		return pendingReply{err: ErrInvalidRequest}
	}
}

func (n *PeerNetwork) doConnect(nk NeighborKey) pendingReply {
	if _, ok := n.reg.eventIDFor(nk); ok {
		return pendingReply{err: ErrAlreadyConnected}
	}
	if n.reg.countOutbound() >= n.cfg.MaxOutbound {
		return pendingReply{err: ErrTooManyPeers}
	}
	eid := n.reg.allocEventID()
	n.reg.connecting[eid] = &socketHandle{eid: eid, key: &nk}
	addr := nk.HostPort()
	n.poller.RegisterDial(eid, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 10*time.Second)
	})
	return pendingReply{}
}

func (n *PeerNetwork) doSignedRequest(nk NeighborKey, msg Msg, now time.Time, ttl time.Duration) pendingReply {
	eid, ok := n.reg.eventIDFor(nk)
	if !ok {
		return pendingReply{err: ErrNoSuchNeighbor}
	}
	convo, ok := n.reg.conversation(eid)
	if !ok {
		return pendingReply{err: ErrNoSuchNeighbor}
	}
	msg.Seq = convo.nextSequence()
	env, err := convo.signMessage(n.view, n.priv, n.local, msg)
	if err != nil {
		return pendingReply{err: err}
	}
	deadline := now.Add(ttl)
	handle, err := convo.sendSignedRequest(env, deadline)
	return pendingReply{handle: handle, err: err}
}

func (n *PeerNetwork) doRelay(nk NeighborKey, msg Msg) pendingReply {
	eid, ok := n.reg.eventIDFor(nk)
	if !ok {
		return pendingReply{err: ErrNoSuchNeighbor}
	}
	convo, ok := n.reg.conversation(eid)
	if !ok {
		return pendingReply{err: ErrNoSuchNeighbor}
	}
	msg.Seq = convo.nextSequence()
	env, err := convo.signMessage(n.view, n.priv, n.local, msg)
	if err != nil {
		return pendingReply{err: err}
	}
	handle, err := convo.relaySignedMessage(env)
	return pendingReply{handle: handle, err: err}
}

func (n *PeerNetwork) doBroadcast(nks []NeighborKey, msg Msg) pendingReply {
	for _, nk := range nks {
		eid, ok := n.reg.eventIDFor(nk)
		if !ok {
			continue
		}
		convo, ok := n.reg.conversation(eid)
		if !ok {
			continue
		}
		m := msg
		m.Seq = convo.nextSequence()
		env, err := convo.signMessage(n.view, n.priv, n.local, m)
		if err != nil {
			continue
		}
		_, _ = convo.relaySignedMessage(env)
	}
	return pendingReply{}
}

func (n *PeerNetwork) shutdown() {
	if n.closed {
		return
	}
	n.closed = true
	close(n.handle.replyTx)
	n.poller.Close()
}
