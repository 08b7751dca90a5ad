// Copyright 2019 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PeerDB is the durable key-value index of known neighbors: the frontier.
// The reactor is the only caller; every method is a short, self-contained
// goleveldb read, write, iteration or (for InsertOrUpdate) batch, so no
// lock is held across a tick boundary.
type PeerDB interface {
	Get(nk NeighborKey) (*Neighbor, bool, error)
	InsertOrUpdate(n *Neighbor) error
	SetAllow(nk NeighborKey, state AllowState) error
	SetDeny(nk NeighborKey, state AllowState) error
	RekeyLocal(lp *LocalPeer) error
	GetLocalPeer() (*LocalPeer, bool, error)
	ByASN(asn uint32) ([]*Neighbor, error)
	Frontier(limit int) ([]*Neighbor, error)
	Close() error
}

// levelPeerDB is the concrete PeerDB backed by goleveldb, with a small
// fastcache front for hot neighbor lookups (the walker and pruner reread
// the same handful of records every tick).
type levelPeerDB struct {
	mu    sync.Mutex
	db    *leveldb.DB
	cache *fastcache.Cache
}

const peerCacheBytes = 4 * 1024 * 1024

// OpenPeerDB opens (creating if absent) the leveldb-backed PeerDB rooted at dir.
func OpenPeerDB(dir string) (PeerDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: open peerdb: %w", err)
	}
	return &levelPeerDB{db: db, cache: fastcache.New(peerCacheBytes)}, nil
}

func neighborKeyBytes(nk NeighborKey) []byte {
	var b [27]byte
	b[0] = 'n'
	binary.BigEndian.PutUint32(b[1:5], nk.PeerVersion)
	binary.BigEndian.PutUint32(b[5:9], nk.NetworkID)
	copy(b[9:25], nk.Addr.Bytes())
	binary.BigEndian.PutUint16(b[25:27], nk.Port)
	return b[:]
}

func asnIndexPrefix(asn uint32) []byte {
	b := make([]byte, 5)
	b[0] = 'a'
	binary.BigEndian.PutUint32(b[1:], asn)
	return b
}

func (p *levelPeerDB) Get(nk NeighborKey) (*Neighbor, bool, error) {
	key := neighborKeyBytes(nk)
	if cached, ok := p.cache.HasGet(nil, key); ok {
		var n Neighbor
		if err := json.Unmarshal(cached, &n); err != nil {
			return nil, false, err
		}
		return &n, true, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := p.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var n Neighbor
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}
	p.cache.Set(key, raw)
	return &n, true, nil
}

func (p *levelPeerDB) InsertOrUpdate(n *Neighbor) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	key := neighborKeyBytes(n.Key)

	p.mu.Lock()
	defer p.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Put(key, raw)
	batch.Put(append(asnIndexPrefix(n.ASN), key...), key)
	if err := p.db.Write(batch, nil); err != nil {
		return err
	}
	p.cache.Set(key, raw)
	return nil
}

func (p *levelPeerDB) SetAllow(nk NeighborKey, state AllowState) error {
	n, ok, err := p.Get(nk)
	if err != nil {
		return err
	}
	if !ok {
		n = &Neighbor{Key: nk}
	}
	n.Allowed = state
	return p.InsertOrUpdate(n)
}

func (p *levelPeerDB) SetDeny(nk NeighborKey, state AllowState) error {
	n, ok, err := p.Get(nk)
	if err != nil {
		return err
	}
	if !ok {
		n = &Neighbor{Key: nk}
	}
	n.Denied = state
	return p.InsertOrUpdate(n)
}

// RekeyLocal persists the local node's rotated session key. It is a
// separate row from any Neighbor record (key "local").
func (p *levelPeerDB) RekeyLocal(lp *LocalPeer) error {
	raw, err := json.Marshal(lp)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Put([]byte("local"), raw, nil)
}

// GetLocalPeer reads back the local node's identity row, if one has ever
// been persisted by RekeyLocal.
func (p *levelPeerDB) GetLocalPeer() (*LocalPeer, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := p.db.Get([]byte("local"), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var lp LocalPeer
	if err := json.Unmarshal(raw, &lp); err != nil {
		return nil, false, err
	}
	return &lp, true, nil
}

func (p *levelPeerDB) ByASN(asn uint32) ([]*Neighbor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := asnIndexPrefix(asn)
	iter := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*Neighbor
	for iter.Next() {
		nkey := append([]byte(nil), iter.Value()...)
		raw, err := p.db.Get(nkey, nil)
		if err != nil {
			continue
		}
		var n Neighbor
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, iter.Error()
}

func (p *levelPeerDB) Frontier(limit int) ([]*Neighbor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	iter := p.db.NewIterator(util.BytesPrefix([]byte("n")), nil)
	defer iter.Release()

	var out []*Neighbor
	for iter.Next() && (limit <= 0 || len(out) < limit) {
		var n Neighbor
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, iter.Error()
}

func (p *levelPeerDB) Close() error {
	return p.db.Close()
}
