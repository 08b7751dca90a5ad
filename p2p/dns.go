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
	"sync"
)

// resolverDNSClient is the default DNSClient: each Start spawns one
// goroutine doing a blocking net.Resolver lookup, and Poll checks whether
// it has finished without blocking the caller.
type resolverDNSClient struct {
	resolver *net.Resolver

	mu      sync.Mutex
	nextTok uint64
	results map[uint64]*dnsResult
}

type dnsResult struct {
	done  chan struct{}
	addrs []string
	err   error
}

// NewResolverDNSClient builds a DNSClient backed by the standard resolver.
func NewResolverDNSClient() DNSClient {
	return &resolverDNSClient{resolver: net.DefaultResolver, results: make(map[uint64]*dnsResult)}
}

func (c *resolverDNSClient) Start(host string) (uint64, error) {
	c.mu.Lock()
	c.nextTok++
	tok := c.nextTok
	res := &dnsResult{done: make(chan struct{})}
	c.results[tok] = res
	c.mu.Unlock()

	go func() {
		defer close(res.done)
		addrs, err := c.resolver.LookupHost(context.Background(), host)
		res.addrs, res.err = addrs, err
	}()
	return tok, nil
}

func (c *resolverDNSClient) Poll(tok uint64) ([]string, bool, error) {
	c.mu.Lock()
	res, ok := c.results[tok]
	c.mu.Unlock()
	if !ok {
		return nil, true, nil
	}
	select {
	case <-res.done:
		c.mu.Lock()
		delete(c.results, tok)
		c.mu.Unlock()
		return res.addrs, true, res.err
	default:
		return nil, false, nil
	}
}
