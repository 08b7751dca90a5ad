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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/holiman/bloomfilter/v2"
	"github.com/holiman/uint256"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/probeum/stacksd/common"
	"github.com/probeum/stacksd/log"
)

// httpFetchTimeout bounds how long a single artifact download may take
// once a DNS handle has resolved and the HTTP request is underway.
const httpFetchTimeout = 10 * time.Second

// poisonCooldown is how long a poisoned peer is excluded from future fetch
// scheduling. The design leaves this
// implementation-defined; a fixed cooldown keeps the downloader simple
// without needing an adaptive reputation model.
const poisonCooldown = 2 * time.Minute

// maxConsecutiveFailures is K: once a task has failed K times in a row,
// the peer assigned to the K-th attempt is poisoned for poisonCooldown and
// the task goes back to the front of the queue.
const maxConsecutiveFailures = 3

// downloadTask is one outstanding fetch: either a block or a microblock
// stream, addressed by its containing burn-block hash, ordered by the
// burn height it belongs to.
type downloadTask struct {
	BurnHeaderHash common.Hash
	BurnHeight     *uint256.Int
	WantBlock      bool
	WantMicroblock bool
	AssignedPeer   EventID
	Requested      time.Time
	Failures       int
}

// downloader drives the block/microblock fetch work-phase: it keeps a
// queue of outstanding artifacts ordered by ascending burn height,
// assigns each to a non-poisoned peer within the block/microblock
// in-flight caps, dedups delivered artifacts, and returns completed
// fetches from step for the tick's NetworkResult.
type downloader struct {
	chain   ChainState
	limiter *rate.Limiter

	blockSlots *semaphore.Weighted // caps in-flight block requests at N
	microSlots *semaphore.Weighted // caps in-flight microblock requests at M

	queue    []*downloadTask
	inflight map[common.Hash]*downloadTask
	poisoned map[EventID]time.Time

	delivered *bloomfilter.Filter // dedups artifacts already surfaced this run

	// dns and client drive the two-stage hostname-then-HTTP fetch path. A
	// nil dns means the downloader only does scheduling bookkeeping, which
	// is what the work-phase machine checks to decide whether BlockDownload
	// has anything to run this tick.
	dns     DNSClient
	client  *http.Client
	fetches map[common.Hash]*inFlightFetch

	log log.Logger
}

// inFlightFetch tracks one artifact's progress through DNS resolution and
// the subsequent HTTP GET.
type inFlightFetch struct {
	task     *downloadTask
	dataURL  string
	dnsTok   uint64
	resolved bool
	resultCh chan fetchOutcome
}

type fetchOutcome struct {
	data []byte
	err  error
}

// fetchedArtifact is one block or microblock the downloader acquired over
// HTTP this tick, ready to be handed up into the tick's NetworkResult.
type fetchedArtifact struct {
	Source     EventID
	Hash       common.Hash
	Data       []byte
	Microblock bool
}

// newDownloader builds a downloader. maxBlocks/maxMicroblocks are the N/M
// in-flight caps; perSecond/burst bound the overall fetch-issue rate. dns
// may be nil, in which case the downloader only performs scheduling
// bookkeeping and never attempts a network fetch.
func newDownloader(chain ChainState, dns DNSClient, perSecond float64, burst int, maxBlocks, maxMicroblocks int64) *downloader {
	filter, _ := bloomfilter.New(100000, 8)
	return &downloader{
		chain:      chain,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		blockSlots: semaphore.NewWeighted(maxBlocks),
		microSlots: semaphore.NewWeighted(maxMicroblocks),
		inflight:   make(map[common.Hash]*downloadTask),
		poisoned:   make(map[EventID]time.Time),
		delivered:  filter,
		dns:        dns,
		client:     &http.Client{Timeout: httpFetchTimeout},
		fetches:    make(map[common.Hash]*inFlightFetch),
		log:        log.New("component", "downloader"),
	}
}

// enqueue adds a burn-block hash to the fetch queue if it is not already
// known to chain state or already in flight, keeping the queue sorted by
// ascending burn height as §4.6 requires.
func (d *downloader) enqueue(hash common.Hash, height uint64, wantBlock, wantMicroblock bool) {
	if wantBlock && d.chain.HasBlock(hash) {
		wantBlock = false
	}
	if wantMicroblock && d.chain.HasMicroblock(hash) {
		wantMicroblock = false
	}
	if !wantBlock && !wantMicroblock {
		return
	}
	if _, ok := d.inflight[hash]; ok {
		return
	}
	task := &downloadTask{
		BurnHeaderHash: hash,
		BurnHeight:     uint256.NewInt(height),
		WantBlock:      wantBlock,
		WantMicroblock: wantMicroblock,
	}
	d.queue = append(d.queue, task)
	sort.Slice(d.queue, func(i, j int) bool {
		return d.queue[i].BurnHeight.Lt(d.queue[j].BurnHeight)
	})
}

// poison marks a peer as untrustworthy for the cooldown window, e.g. after
// it served a block that failed validation.
func (d *downloader) poison(eid EventID, now time.Time) {
	d.poisoned[eid] = now.Add(poisonCooldown)
}

func (d *downloader) isPoisoned(eid EventID, now time.Time) bool {
	until, ok := d.poisoned[eid]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(d.poisoned, eid)
		return false
	}
	return true
}

// assignNext pops the lowest-height queued task eligible for peer — not
// poisoned, within rate budget, and with a free in-flight slot for the
// artifact kind it needs. It returns nil if nothing could be assigned.
func (d *downloader) assignNext(ctx context.Context, peer EventID, now time.Time) *downloadTask {
	if d.isPoisoned(peer, now) || !d.limiter.AllowN(now, 1) || len(d.queue) == 0 {
		return nil
	}
	task := d.queue[0]
	if task.WantBlock {
		if !d.blockSlots.TryAcquire(1) {
			return nil
		}
	} else if task.WantMicroblock {
		if !d.microSlots.TryAcquire(1) {
			return nil
		}
	}
	d.queue = d.queue[1:]
	task.AssignedPeer = peer
	task.Requested = now
	d.inflight[task.BurnHeaderHash] = task
	return task
}

// complete releases the in-flight slot a task held and, if the artifact
// has not been surfaced before, reports it as freshly delivered.
func (d *downloader) complete(hash common.Hash) (fresh bool) {
	task, ok := d.inflight[hash]
	if !ok {
		return false
	}
	d.releaseSlot(task)
	delete(d.inflight, hash)

	h := fnvHash64(fnv64a(hash.Bytes()))
	if d.delivered.Contains(h) {
		return false
	}
	d.delivered.Add(h)
	return true
}

func (d *downloader) releaseSlot(task *downloadTask) {
	if task.WantBlock {
		d.blockSlots.Release(1)
	} else if task.WantMicroblock {
		d.microSlots.Release(1)
	}
}

// fnvHash64 adapts a precomputed FNV-1a sum to the hash.Hash64 interface
// bloomfilter.Filter's Add/Contains expect, without recomputing anything.
type fnvHash64 uint64

func (h fnvHash64) Write(p []byte) (int, error) { return len(p), nil }
func (h fnvHash64) Sum(b []byte) []byte         { return b }
func (h fnvHash64) Reset()                      {}
func (h fnvHash64) Size() int                   { return 8 }
func (h fnvHash64) BlockSize() int              { return 8 }
func (h fnvHash64) Sum64() uint64               { return uint64(h) }

func fnv64a(b []byte) uint64 {
	const prime64 = 1099511628211
	h := uint64(14695981039346656037)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}
	return h
}

// requeue puts a timed-out or failed task back on the queue and, after K
// consecutive failures, poisons the peer that failed to deliver it.
func (d *downloader) requeue(hash common.Hash, now time.Time) {
	task, ok := d.inflight[hash]
	if !ok {
		return
	}
	d.releaseSlot(task)
	delete(d.inflight, hash)
	task.Failures++
	if task.Failures >= maxConsecutiveFailures {
		d.poison(task.AssignedPeer, now)
		task.Failures = 0
	}
	task.AssignedPeer = 0
	d.queue = append([]*downloadTask{task}, d.queue...)
}

// sweepTimeouts requeues any inflight task that has exceeded ttl.
func (d *downloader) sweepTimeouts(ctx context.Context, ttl time.Duration, now time.Time) {
	for hash, task := range d.inflight {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if now.Sub(task.Requested) > ttl {
			d.requeue(hash, now)
		}
	}
}

func (d *downloader) pending() int {
	return len(d.queue) + len(d.inflight)
}

// step runs one bounded unit of the downloader's scheduling loop: it
// advances every in-flight HTTP fetch, then assigns newly-queued tasks to
// connected peers that expose a usable DataURL, up to the assignNext caps.
// Callers must not invoke step when dns is nil.
func (d *downloader) step(reg *registry, peerdb PeerDB, now time.Time) []fetchedArtifact {
	delivered := d.pollFetches(now)
	if len(d.queue) == 0 || peerdb == nil {
		return delivered
	}
	for eid, convo := range reg.peers {
		if len(d.queue) == 0 {
			break
		}
		if !convo.handshakeDone || d.isPoisoned(eid, now) {
			continue
		}
		neighbor, ok, err := peerdb.Get(convo.NeighborKey)
		if err != nil || !ok || neighbor.DataURL == "" {
			continue
		}
		task := d.assignNext(context.Background(), eid, now)
		if task == nil {
			continue
		}
		d.startHTTPFetch(task, neighbor.DataURL)
	}
	return delivered
}

// artifactPath builds the resource path for a download task's artifact.
func artifactPath(task *downloadTask) string {
	if task.WantBlock {
		return "/v2/blocks/" + task.BurnHeaderHash.Hex()
	}
	return "/v2/microblocks/" + task.BurnHeaderHash.Hex()
}

func hostOnly(dataURL string) (string, error) {
	u, err := url.Parse(dataURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("p2p: data URL %q has no host", dataURL)
	}
	return u.Hostname(), nil
}

// startHTTPFetch kicks off asynchronous DNS resolution for a task's peer
// data URL. The HTTP GET itself is issued once pollFetches observes the
// resolution complete.
func (d *downloader) startHTTPFetch(task *downloadTask, dataURL string) {
	if d.dns == nil {
		return
	}
	host, err := hostOnly(dataURL)
	if err != nil {
		d.requeue(task.BurnHeaderHash, time.Now())
		return
	}
	tok, err := d.dns.Start(host)
	if err != nil {
		d.requeue(task.BurnHeaderHash, time.Now())
		return
	}
	d.fetches[task.BurnHeaderHash] = &inFlightFetch{task: task, dataURL: dataURL, dnsTok: tok}
}

// pollFetches advances every in-flight fetch by one non-blocking step:
// first DNS resolution, then (once resolved) a non-blocking drain of the
// HTTP GET's result channel. It never blocks the reactor goroutine.
func (d *downloader) pollFetches(now time.Time) []fetchedArtifact {
	var delivered []fetchedArtifact
	for hash, f := range d.fetches {
		if !f.resolved {
			addrs, done, err := d.dns.Poll(f.dnsTok)
			if err != nil {
				delete(d.fetches, hash)
				d.requeue(hash, now)
				continue
			}
			if !done {
				continue
			}
			if len(addrs) == 0 {
				delete(d.fetches, hash)
				d.requeue(hash, now)
				continue
			}
			f.resolved = true
			f.resultCh = make(chan fetchOutcome, 1)
			go d.fetchOverHTTP(f)
		}

		select {
		case outcome := <-f.resultCh:
			delete(d.fetches, hash)
			if outcome.err != nil {
				d.requeue(hash, now)
				continue
			}
			if fresh := d.complete(hash); fresh {
				delivered = append(delivered, fetchedArtifact{
					Source:     f.task.AssignedPeer,
					Hash:       hash,
					Data:       outcome.data,
					Microblock: f.task.WantMicroblock && !f.task.WantBlock,
				})
			}
		default:
		}
	}
	return delivered
}

// fetchOverHTTP performs the blocking GET in its own goroutine and reports
// the outcome over resultCh, the same non-blocking-poll idiom dns.go uses
// for hostname resolution.
func (d *downloader) fetchOverHTTP(f *inFlightFetch) {
	reqURL := f.dataURL + artifactPath(f.task)
	resp, err := d.client.Get(reqURL)
	if err != nil {
		f.resultCh <- fetchOutcome{err: err}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.resultCh <- fetchOutcome{err: fmt.Errorf("p2p: fetch %s: status %d", reqURL, resp.StatusCode)}
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.resultCh <- fetchOutcome{err: err}
		return
	}
	f.resultCh <- fetchOutcome{data: data}
}
