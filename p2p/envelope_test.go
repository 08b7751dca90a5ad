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

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"

	"github.com/probeum/stacksd/common"
)

func testView() *BurnchainView {
	return &BurnchainView{
		BurnBlockHeight:   100,
		BurnConsensusHash: hashOf("tip"),
		BurnStableHeight:  94,
		BurnStableConsensusHash: hashOf("stable"),
	}
}

func testLocalPeer(priv *btcec.PrivateKey) *LocalPeer {
	return &LocalPeer{
		PrivateKey:  priv.Serialize(),
		PublicKey:   priv.PubKey().SerializeCompressed(),
		NetworkID:   0x9abcdef0,
		PeerVersion: 0x12345678,
	}
}

func TestSignEnvelopeVerifyRoundTrip(t *testing.T) {
	privA, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)

	view := testView()
	local := testLocalPeer(privA)

	env, err := SignEnvelope(view, privA, local, Msg{Kind: PayloadPing, Seq: 1})
	require.NoError(t, err)

	pub, err := VerifyEnvelope(env, view, privA.PubKey().SerializeCompressed())
	require.NoError(t, err)
	require.Equal(t, privA.PubKey().SerializeCompressed(), pub)

	_, err = VerifyEnvelope(env, view, privB.PubKey().SerializeCompressed())
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyEnvelopeRejectsViewMismatch(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	view := testView()
	local := testLocalPeer(priv)

	env, err := SignEnvelope(view, priv, local, Msg{Kind: PayloadPing, Seq: 1})
	require.NoError(t, err)

	otherView := testView()
	otherView.BurnConsensusHash = hashOf("different-tip")
	otherView.BurnStableConsensusHash = hashOf("different-stable")

	_, err = VerifyEnvelope(env, otherView, nil)
	require.ErrorIs(t, err, ErrViewMismatch)
}

func hashOf(s string) common.Hash {
	var h common.Hash
	h.SetBytes([]byte(s))
	return h
}
