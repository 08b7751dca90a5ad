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

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

func mustTestKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return priv
}

func TestClassifyRequestShapes(t *testing.T) {
	nk := testNeighborKey(2100)
	msg := &Msg{Kind: PayloadPing}

	require.Equal(t, reqInvalid, (&NetworkRequest{}).classify())
	require.Equal(t, reqConnect, (&NetworkRequest{Neighbors: []NeighborKey{nk}, Connect: true}).classify())
	require.Equal(t, reqDisconnect, (&NetworkRequest{Neighbors: []NeighborKey{nk}, Connect: false}).classify())
	require.Equal(t, reqSignedRequest, (&NetworkRequest{Neighbors: []NeighborKey{nk}, Message: msg, ExpectReply: true}).classify())
	require.Equal(t, reqRelay, (&NetworkRequest{Neighbors: []NeighborKey{nk}, Message: msg, ExpectReply: false}).classify())
	require.Equal(t, reqBroadcast, (&NetworkRequest{Neighbors: []NeighborKey{nk, testNeighborKey(2101)}, Message: msg}).classify())
}

func TestSubmitRejectsInvalidRequestWithoutBlocking(t *testing.T) {
	public, _ := newHandlePair()
	_, err := public.Submit(&NetworkRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

// TestSubmitAfterReactorShutdownReturnsInvalidHandle covers the §8
// boundary behavior: a request submitted after the reactor side has
// closed its reply channel must resolve to ErrInvalidHandle rather than
// blocking forever.
func TestSubmitAfterReactorShutdownReturnsInvalidHandle(t *testing.T) {
	public, mirror := newHandlePair()
	done := make(chan struct{})
	go func() {
		<-mirror.reqRx
		close(mirror.replyTx)
		close(done)
	}()

	_, err := public.Submit(&NetworkRequest{Neighbors: []NeighborKey{testNeighborKey(2100)}, Connect: true})
	<-done
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestReplyHandleDeadlineEqualToNowIsExpired(t *testing.T) {
	c := newConversation(1, Outbound, 30*time.Second)
	env, err := SignEnvelope(testView(), mustTestKey(t), testLocalPeer(mustTestKey(t)), Msg{Kind: PayloadPing, Seq: 1})
	require.NoError(t, err)

	now := time.Now()
	handle, err := c.sendSignedRequest(env, now)
	require.NoError(t, err)
	reply, herr, ok := handle.TryRecv()
	require.True(t, ok)
	require.Nil(t, reply)
	require.ErrorIs(t, herr, ErrRequestTimeout)
}
