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

import "errors"

// Transport errors: non-fatal for the conversation unless persistent.
var (
	ErrSocketTemporary   = errors.New("p2p: socket temporarily unavailable")
	ErrPermanentlyDrained = errors.New("p2p: remote closed the connection")
)

// Protocol errors: kill the conversation immediately.
var (
	ErrMalformedEnvelope = errors.New("p2p: malformed envelope")
	ErrVersionMismatch   = errors.New("p2p: peer version mismatch")
)

// Timeouts and liveness.
var (
	ErrRequestTimeout = errors.New("p2p: request deadline elapsed")
	ErrPeerSilent     = errors.New("p2p: peer exceeded heartbeat window")
)

// Resource errors, returned synchronously to the foreign thread.
var (
	ErrTooManyPeers    = errors.New("p2p: too many peers")
	ErrNoSuchNeighbor  = errors.New("p2p: no such neighbor")
	ErrAlreadyConnected = errors.New("p2p: already connected")
	ErrInvalidHandle   = errors.New("p2p: handle's reactor has shut down")
	ErrInvalidRequest  = errors.New("p2p: invalid request shape")
)

// RecvError is returned by Conversation.recv.
type RecvError struct {
	Err        error
	Permanent  bool
}

func (e *RecvError) Error() string { return e.Err.Error() }
func (e *RecvError) Unwrap() error { return e.Err }

// ChatError is returned by Conversation.chat.
type ChatError struct {
	Err      error
	Protocol bool // true if the conversation must be killed
}

func (e *ChatError) Error() string { return e.Err.Error() }
func (e *ChatError) Unwrap() error { return e.Err }
