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

	"github.com/probeum/stacksd/common"
)

// ChainState is the opaque smart-contract/chainstate evaluator the reactor
// consumes but never implements: it only needs to know whether a block or
// microblock is already known. Newly-acquired artifacts are not passed to
// it; Tick returns them in NetworkResult.
// Analysis, cost accounting and asset semantics all live on the other side
// of this interface.
type ChainState interface {
	HasBlock(hash common.Hash) bool
	HasMicroblock(hash common.Hash) bool
}

// BurnchainDB is the read-only view the reactor opens a short transaction
// against once per tick to refresh BurnchainView. The on-disk chainstate
// and burnchain index themselves are out of scope; this is the whole
// contract the reactor needs from them.
type BurnchainDB interface {
	ReadView(ctx context.Context) (*BurnchainView, error)
}

// SignerCoordinator is the opaque threshold-signature runloop the reactor
// may hand device-specific signing payloads to via a command channel. The
// reactor core never implements the sub-protocol itself.
type SignerCoordinator interface {
	Submit(ctx context.Context, payload []byte) error
}

// DNSClient resolves hostnames for the block downloader's HTTP fetch path.
// It is poll-based and non-blocking to match the reactor's suspension
// rules: Start begins a resolution, Poll reports completion without
// blocking.
type DNSClient interface {
	Start(host string) (token uint64, err error)
	Poll(token uint64) (addrs []string, done bool, err error)
}
