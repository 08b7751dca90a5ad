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

import "time"

// NetworkRequest is what a foreign thread enqueues to ask the reactor to do
// something. Exactly one of the shapes in §4.7 of the design is valid;
// classify determines which.
type NetworkRequest struct {
	Neighbors   []NeighborKey
	Message     *Msg
	ExpectReply bool
	TTL         time.Duration
	Connect     bool
}

type requestKind int

const (
	reqInvalid requestKind = iota
	reqConnect
	reqDisconnect
	reqSignedRequest
	reqRelay
	reqBroadcast
)

func (r *NetworkRequest) classify() requestKind {
	switch {
	case len(r.Neighbors) == 0:
		return reqInvalid
	case len(r.Neighbors) == 1 && r.Message == nil && r.Connect:
		return reqConnect
	case len(r.Neighbors) == 1 && r.Message == nil && !r.Connect:
		return reqDisconnect
	case len(r.Neighbors) == 1 && r.Message != nil && r.ExpectReply:
		return reqSignedRequest
	case len(r.Neighbors) == 1 && r.Message != nil && !r.ExpectReply:
		return reqRelay
	case len(r.Neighbors) > 1 && r.Message != nil:
		return reqBroadcast
	default:
		return reqInvalid
	}
}

// pendingReply is what the reactor threads back through the reply channel:
// either an error, or (possibly nil) a ReplyHandle for the caller to poll.
type pendingReply struct {
	handle *ReplyHandle
	err    error
}

// NetworkHandle is what a foreign thread holds: a bounded sender of
// requests and a bounded receiver of replies. Capacity 1 on both sides
// means a thread blocks if the reactor is behind, and the reactor never
// blocks writing a reply into a channel nobody is reading (a reply that
// cannot be sent at once is dropped instead).
type NetworkHandle struct {
	reqTx   chan *NetworkRequest
	replyRx chan pendingReply
}

// Submit sends the request and blocks for the reactor's reply. It returns
// ErrInvalidHandle when the reactor side has gone away.
func (h *NetworkHandle) Submit(req *NetworkRequest) (*ReplyHandle, error) {
	if req.classify() == reqInvalid {
		return nil, ErrInvalidRequest
	}
	h.reqTx <- req
	pr, ok := <-h.replyRx
	if !ok {
		return nil, ErrInvalidHandle
	}
	return pr.handle, pr.err
}

// Connect asks the reactor to dial and register nk, blocking until the
// reactor has acted on the request (not until the dial itself completes).
func (h *NetworkHandle) Connect(nk NeighborKey) error {
	_, err := h.Submit(&NetworkRequest{Neighbors: []NeighborKey{nk}, Connect: true})
	return err
}

// Disconnect asks the reactor to tear down the conversation with nk.
func (h *NetworkHandle) Disconnect(nk NeighborKey) error {
	_, err := h.Submit(&NetworkRequest{Neighbors: []NeighborKey{nk}, Connect: false})
	return err
}

// SendSignedRequest sends msg to nk and returns a handle whose TryRecv
// becomes ready when the matching reply arrives or ttl elapses.
func (h *NetworkHandle) SendSignedRequest(nk NeighborKey, msg Msg, ttl time.Duration) (*ReplyHandle, error) {
	return h.Submit(&NetworkRequest{Neighbors: []NeighborKey{nk}, Message: &msg, ExpectReply: true, TTL: ttl})
}

// RelaySignedMessage sends msg to nk without expecting a correlated reply.
func (h *NetworkHandle) RelaySignedMessage(nk NeighborKey, msg Msg) error {
	_, err := h.Submit(&NetworkRequest{Neighbors: []NeighborKey{nk}, Message: &msg, ExpectReply: false})
	return err
}

// Broadcast sends msg to every neighbor in nks, best-effort: if some
// recipient's outbox is saturated, the others still receive it and this
// call still succeeds.
func (h *NetworkHandle) Broadcast(nks []NeighborKey, msg Msg) error {
	_, err := h.Submit(&NetworkRequest{Neighbors: nks, Message: &msg})
	return err
}

// handlePair is the reactor's mirror of a NetworkHandle: the ends it reads
// requests from and writes replies to.
type handlePair struct {
	reqRx   chan *NetworkRequest
	replyTx chan pendingReply
	closed  bool
}

// newHandlePair creates a connected NetworkHandle/handlePair, both with the
// capacity-1 channels §4.7 specifies.
func newHandlePair() (*NetworkHandle, *handlePair) {
	reqCh := make(chan *NetworkRequest, 1)
	replyCh := make(chan pendingReply, 1)
	return &NetworkHandle{reqTx: reqCh, replyRx: replyCh},
		&handlePair{reqRx: reqCh, replyTx: replyCh}
}
