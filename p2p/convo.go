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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/golang/snappy"

	"github.com/probeum/stacksd/log"
)

// snappyThreshold is the frame size above which the outbound frame body is
// snappy-compressed; large Blocks/Microblocks payloads benefit, small
// control messages do not justify the overhead.
const snappyThreshold = 1024

// frameFlagSnappy marks byte 0 of a frame body as snappy-compressed. It is
// never set on frames at or below snappyThreshold.
const frameFlagSnappy = 0x01

// Direction records whether a conversation originated from an inbound
// accept or an outbound dial.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// ReplyHandle correlates a sent request to its eventual response or flush.
// TryRecv is non-blocking: it reports whether the correlation has resolved
// yet, and if so, with what.
type ReplyHandle struct {
	seq      uint32
	deadline time.Time
	done     bool
	reply    *Envelope
	err      error
}

// TryRecv reports readiness without blocking. ok is false while the
// request is still outstanding.
func (h *ReplyHandle) TryRecv() (env *Envelope, err error, ok bool) {
	if !h.done {
		return nil, nil, false
	}
	return h.reply, h.err, true
}

type pendingRequest struct {
	seq      uint32
	deadline time.Time
	handle   *ReplyHandle
	flushOnly bool
}

// Conversation (ConvoP2P) is the per-peer framed protocol state: direction,
// remote identity (possibly still unknown for a fresh inbound socket),
// inbox/outbox, handshake stage and liveness stats.
type Conversation struct {
	EventID   EventID
	Dir       Direction
	NeighborKey NeighborKey
	remotePubKey []byte // nil until handshake completes

	handshakeDone bool
	rekeying      bool

	recvBuf []byte
	inbox   []*Envelope
	outbox  [][]byte

	lastSend      time.Time
	lastRecv      time.Time
	lastHandshake time.Time
	heartbeat     time.Duration

	nextSeq  uint32
	pending  map[uint32]*pendingRequest

	log log.Logger
}

// newConversation constructs a fresh ConvoP2P for a just-registered socket.
func newConversation(eid EventID, dir Direction, heartbeat time.Duration) *Conversation {
	return &Conversation{
		EventID:   eid,
		Dir:       dir,
		heartbeat: heartbeat,
		pending:   make(map[uint32]*pendingRequest),
		log:       log.New("eid", eid),
	}
}

// recv pulls whatever bytes the poller has queued and parses zero or more
// framed envelopes into the inbox. A length-prefixed JSON frame is used for
// the wire encoding (4-byte big-endian length, a one-byte flags field, then
// the JSON envelope, snappy-compressed when frameFlagSnappy is set); framing
// is the only byte-layout detail the spec mandates, so the codec itself is
// free to be the simplest thing that round-trips correctly.
func (c *Conversation) recv(raw []byte, sockErr error) error {
	if sockErr != nil {
		if isPermanentDrain(sockErr) {
			return &RecvError{Err: ErrPermanentlyDrained, Permanent: true}
		}
		return &RecvError{Err: fmt.Errorf("%w: %v", ErrSocketTemporary, sockErr)}
	}
	c.recvBuf = append(c.recvBuf, raw...)
	for {
		if len(c.recvBuf) < 4 {
			return nil
		}
		n := binary.BigEndian.Uint32(c.recvBuf[:4])
		if uint32(len(c.recvBuf)-4) < n {
			return nil
		}
		frame := c.recvBuf[4 : 4+n]
		c.recvBuf = c.recvBuf[4+n:]

		if len(frame) == 0 {
			return &RecvError{Err: ErrMalformedEnvelope}
		}
		body := frame[1:]
		if frame[0]&frameFlagSnappy != 0 {
			decoded, err := snappy.Decode(nil, body)
			if err != nil {
				return &RecvError{Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
			}
			body = decoded
		}

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return &RecvError{Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
		}
		c.inbox = append(c.inbox, &env)
	}
}

func isPermanentDrain(err error) bool {
	return err.Error() == "EOF"
}

// chat processes inbox messages against the handshake/signature rules,
// queues replies to the outbox, and returns anything neither solicited nor
// protocol-level so the reactor can surface it upward.
func (c *Conversation) chat(local *LocalPeer, priv *btcec.PrivateKey, view *BurnchainView) ([]Msg, error) {
	var surfaced []Msg
	msgs := c.inbox
	c.inbox = nil

	for _, env := range msgs {
		pub, err := VerifyEnvelope(env, view, c.remotePubKey)
		if err != nil {
			return nil, &ChatError{Err: err, Protocol: true}
		}
		if c.remotePubKey == nil {
			c.remotePubKey = pub
		} else if !bytesEqual(pub, c.remotePubKey) {
			return nil, &ChatError{Err: ErrBadSignature, Protocol: true}
		}
		c.lastRecv = time.Now()

		if pr, ok := c.pending[env.Payload.Seq]; ok {
			delete(c.pending, env.Payload.Seq)
			pr.handle.reply = env
			pr.handle.done = true
			continue
		}

		switch env.Payload.Kind {
		case PayloadHandshake:
			c.lastHandshake = time.Now()
			c.handshakeDone = true
			reply, err := SignEnvelope(view, priv, local, Msg{Kind: PayloadHandshakeAccept, Seq: env.Payload.Seq})
			if err != nil {
				return nil, &ChatError{Err: err}
			}
			c.queueOutbound(reply)
		case PayloadPing:
			reply, err := SignEnvelope(view, priv, local, Msg{Kind: PayloadPong, Seq: env.Payload.Seq})
			if err != nil {
				return nil, &ChatError{Err: err}
			}
			c.queueOutbound(reply)
		default:
			surfaced = append(surfaced, env.Payload)
		}
	}
	return surfaced, nil
}

func (c *Conversation) queueOutbound(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var flag byte
	if len(raw) > snappyThreshold {
		raw = snappy.Encode(nil, raw)
		flag = frameFlagSnappy
	}
	body := append([]byte{flag}, raw...)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	c.outbox = append(c.outbox, append(header[:], body...))
	return nil
}

// send drains the outbox, returning the concatenated bytes for the reactor
// to write to the socket. The outbox is emptied whether or not that write
// succeeds; unwritten bytes are not re-queued.
func (c *Conversation) send() []byte {
	if len(c.outbox) == 0 {
		return nil
	}
	var out []byte
	for _, frame := range c.outbox {
		out = append(out, frame...)
	}
	c.outbox = nil
	c.lastSend = time.Now()
	return out
}

// signMessage produces a signed envelope binding payload to view and the
// local identity, without queueing it.
func (c *Conversation) signMessage(view *BurnchainView, priv *btcec.PrivateKey, local *LocalPeer, payload Msg) (*Envelope, error) {
	return SignEnvelope(view, priv, local, payload)
}

// sendSignedRequest records a pending correlation keyed by the message
// sequence and returns a handle that resolves when the matching reply
// arrives or the deadline elapses.
func (c *Conversation) sendSignedRequest(env *Envelope, deadline time.Time) (*ReplyHandle, error) {
	if err := c.queueOutbound(env); err != nil {
		return nil, err
	}
	h := &ReplyHandle{seq: env.Payload.Seq, deadline: deadline}
	c.pending[env.Payload.Seq] = &pendingRequest{seq: env.Payload.Seq, deadline: deadline, handle: h}
	if deadline.Equal(time.Now()) || deadline.Before(time.Now()) {
		h.done, h.err = true, ErrRequestTimeout
	}
	return h, nil
}

// relaySignedMessage is like sendSignedRequest but the handle only tracks
// flush completion (it resolves as soon as the outbox drains, not on a
// correlated reply).
func (c *Conversation) relaySignedMessage(env *Envelope) (*ReplyHandle, error) {
	if err := c.queueOutbound(env); err != nil {
		return nil, err
	}
	h := &ReplyHandle{seq: env.Payload.Seq, done: false}
	c.pending[env.Payload.Seq] = &pendingRequest{seq: env.Payload.Seq, handle: h, flushOnly: true}
	return h, nil
}

// noteFlushed marks any flush-only pending handles as resolved once the
// outbox has actually been written to the socket.
func (c *Conversation) noteFlushed() {
	for seq, pr := range c.pending {
		if pr.flushOnly {
			pr.handle.done = true
			delete(c.pending, seq)
		}
	}
}

// clearTimeouts fails every pending handle whose deadline has elapsed.
func (c *Conversation) clearTimeouts(now time.Time) {
	for seq, pr := range c.pending {
		if pr.flushOnly {
			continue
		}
		if !pr.deadline.IsZero() && !now.Before(pr.deadline) {
			pr.handle.done = true
			pr.handle.err = ErrRequestTimeout
			delete(c.pending, seq)
		}
	}
}

// nextSequence allocates the next outbound message sequence number.
func (c *Conversation) nextSequence() uint32 {
	c.nextSeq++
	return c.nextSeq
}

// isSilentSince reports whether the peer has been quiet past heartbeat+timeout.
func (c *Conversation) isSilentSince(now time.Time, requestTimeout time.Duration) bool {
	last := c.lastRecv
	if c.lastHandshake.After(last) {
		last = c.lastHandshake
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > c.heartbeat+requestTimeout
}

func (c *Conversation) needsHeartbeat(now time.Time) bool {
	if c.lastSend.IsZero() {
		return false
	}
	return now.Sub(c.lastSend) > c.heartbeat
}

// queueReply signs and queues a response carrying the same sequence number
// as the request it answers, so the remote side's own pending-request
// correlation resolves it without a round of surfaced-message plumbing.
func (c *Conversation) queueReply(view *BurnchainView, priv *btcec.PrivateKey, local *LocalPeer, kind PayloadKind, seq uint32, payload []byte) error {
	env, err := SignEnvelope(view, priv, local, Msg{Kind: kind, Seq: seq, Payload: payload})
	if err != nil {
		return err
	}
	return c.queueOutbound(env)
}
