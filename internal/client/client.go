// Package client generates load: each client thread keeps a window of
// outstanding requests in flight against every (server, worker) pair,
// routing each key to the primary of its shard, writing request slots
// one-sidedly, and collecting replies on a datagram endpoint.
package client

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dreamware/herdkv/internal/cluster"
	"github.com/dreamware/herdkv/internal/config"
	"github.com/dreamware/herdkv/internal/fabric"
	"github.com/dreamware/herdkv/internal/master"
	"github.com/dreamware/herdkv/internal/placement"
	"github.com/dreamware/herdkv/internal/region"
	"github.com/dreamware/herdkv/internal/wire"
)

// setupTimeout bounds each rendezvous lookup during connection setup.
const setupTimeout = 10 * time.Second

// idleYieldAfter matches the worker's idle-yield discipline while spinning
// on a full window.
const idleYieldAfter = 4096

// Stats is a snapshot of one client's progress.
type Stats struct {
	Issued    uint64
	Completed uint64
	Rejected  uint64
	PerServer []uint64 // requests issued per server
}

// Client is one load-generating thread.
type Client struct {
	gid    int
	params config.Params
	place  placement.Params
	rcfg   region.Config
	fab    fabric.Fabric

	conns []fabric.Endpoint // one connected endpoint per server
	reply fabric.Endpoint

	keys []wire.Key
	rng  *rand.Rand

	// per (server, worker) window state
	ws          [][]int // next slot index
	outstanding [][]int

	sigCount []uint64 // per-server write signalling counters

	freeBufs [][]byte
	comps    []fabric.RecvComp
	scratch  []byte

	stats     Stats
	lastStamp time.Time
	lastDone  uint64
}

// New connects a client to every server and publishes its reply endpoint.
// The key array is preloaded here; every client derives the same array, so
// keys collide across clients the way a shared workload should.
func New(fab fabric.Fabric, p config.Params, gid int) (*Client, error) {
	rcfg := master.RegionConfig(p)
	if err := rcfg.Validate(); err != nil {
		return nil, err
	}
	if gid < 0 || gid >= p.NumClients {
		return nil, fmt.Errorf("client: gid %d outside [0, %d)", gid, p.NumClients)
	}

	c := &Client{
		gid:      gid,
		params:   p,
		place:    p.Placement(),
		rcfg:     rcfg,
		fab:      fab,
		conns:    make([]fabric.Endpoint, p.NumServers),
		keys:     make([]wire.Key, p.NumKeys),
		rng:      rand.New(rand.NewSource(int64(gid) + 1)),
		sigCount: make([]uint64, p.NumServers),
		comps:    make([]fabric.RecvComp, p.Postlist),
		scratch:  make([]byte, rcfg.SlotSize),
	}
	for i := range c.keys {
		c.keys[i] = wire.KeyFromSeed(uint64(i))
	}
	c.ws = make([][]int, p.NumServers)
	c.outstanding = make([][]int, p.NumServers)
	for t := range c.ws {
		c.ws[t] = make([]int, p.NumWorkers)
		c.outstanding[t] = make([]int, p.NumWorkers)
	}
	c.stats.PerServer = make([]uint64, p.NumServers)

	c.reply = fab.NewEndpoint(fabric.Datagram)
	if err := fab.Publish(cluster.ClientDgramName(gid), c.reply); err != nil {
		return nil, err
	}

	// Each client spreads across server ports by gid.
	port := p.BasePortIndex + gid%p.NumServerPorts
	for t := 0; t < p.NumServers; t++ {
		ep := fab.NewEndpoint(fabric.Connected)
		if err := fab.Publish(cluster.ClientConnName(t, gid), ep); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		peer, err := fab.Lookup(ctx, cluster.MasterEndpointName(t, port, gid))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("client %d: server %d: %w", gid, t, err)
		}
		if err := ep.Connect(peer); err != nil {
			return nil, err
		}
		c.conns[t] = ep
	}

	// One receive buffer per possible outstanding request, plus slack for
	// buffers parked in the completion queue between drains.
	bufCount := p.NumServers*p.NumWorkers*p.WindowSize + p.Postlist
	c.freeBufs = make([][]byte, 0, bufCount)
	for i := 0; i < bufCount; i++ {
		c.freeBufs = append(c.freeBufs, make([]byte, 1+wire.MaxWireValueLen))
	}

	c.lastStamp = time.Now()
	return c, nil
}

// Run issues numOps requests, or runs until stop when numOps is zero.
func (c *Client) Run(numOps uint64, stop *atomic.Bool) (Stats, error) {
	for numOps == 0 || c.stats.Issued < numOps {
		if stop != nil && stop.Load() {
			break
		}
		if err := c.step(); err != nil {
			return c.stats, err
		}
	}
	// Collect the tail so the window accounting ends clean.
	idle := 0
	for c.stats.Completed < c.stats.Issued {
		if stop != nil && stop.Load() {
			break
		}
		if c.drain() == 0 {
			idle++
			if idle >= idleYieldAfter {
				idle = 0
				runtime.Gosched()
			}
		}
	}
	return c.stats, nil
}

// step issues one request: draw, route, wait for a free window slot, post
// the receive for the reply, then write the slot.
func (c *Client) step() error {
	key := c.keys[c.rng.Intn(len(c.keys))]
	req := wire.Request{Op: wire.OpGet, Key: key}
	if c.rng.Intn(100) < c.params.UpdatePercentage {
		req.Op = wire.OpPut
		req.Value = c.putValue(key)
	}

	t := c.place.RouteOf(key.Bucket())
	wn := int(c.stats.Issued % uint64(c.params.NumWorkers))

	// Window invariant: slot ws[t][wn] is reusable only after the reply to
	// its previous occupant has been received.
	idle := 0
	for c.outstanding[t][wn] >= c.params.WindowSize {
		if c.drain() == 0 {
			idle++
			if idle >= idleYieldAfter {
				idle = 0
				runtime.Gosched()
			}
		}
	}

	buf := c.freeBufs[len(c.freeBufs)-1]
	c.freeBufs = c.freeBufs[:len(c.freeBufs)-1]
	if err := c.reply.PostRecv(buf); err != nil {
		return err
	}

	if err := region.PackSlot(c.scratch, req); err != nil {
		return err
	}
	offset := c.rcfg.SlotOffset(wn, c.gid, c.ws[t][wn])

	signalled := c.sigCount[t]&uint64(c.params.UnsigBatch-1) == 0
	if signalled && c.sigCount[t] > 0 {
		for c.conns[t].PollSendCQ(1) == 0 {
		}
	}
	if err := c.conns[t].PostWrite(fabric.WriteWR{
		Offset:    offset,
		Data:      c.scratch,
		Signalled: signalled,
	}); err != nil {
		return err
	}
	c.sigCount[t]++

	c.ws[t][wn] = (c.ws[t][wn] + 1) % c.params.WindowSize
	c.outstanding[t][wn]++
	c.stats.Issued++
	c.stats.PerServer[t]++
	return c.maybeReport()
}

// drain moves completed replies out of the endpoint, releasing window slots
// and recycling receive buffers. Returns the number of completions taken.
func (c *Client) drain() int {
	n := c.reply.PollRecv(c.comps)
	for i := 0; i < n; i++ {
		comp := c.comps[i]
		sid, wn := cluster.SplitReplyImm(comp.Imm)
		c.outstanding[sid][wn]--
		if resp, err := wire.ParseResponse(comp.Buf[:comp.Len]); err == nil && resp.Rejected {
			c.stats.Rejected++
		}
		c.freeBufs = append(c.freeBufs, comp.Buf)
		c.stats.Completed++
	}
	return n
}

// putValue builds a deterministic value for a key so readers can check what
// they get back: the key image truncated or repeated to the configured
// value length.
func (c *Client) putValue(key wire.Key) []byte {
	n := c.params.MaxValueLen
	v := make([]byte, n)
	for i := 0; i < n; i++ {
		v[i] = key[i%wire.KeyLen]
	}
	return v
}

// maybeReport logs throughput and the per-server distribution once per
// statistics batch of completed requests.
func (c *Client) maybeReport() error {
	if c.stats.Completed < c.lastDone+config.StatBatch {
		return nil
	}
	now := time.Now()
	done := c.stats.Completed - c.lastDone
	rate := float64(done) / now.Sub(c.lastStamp).Seconds() / 1e6
	log.Printf("client %d: %.2f Mops, issued per server %v", c.gid, rate, c.stats.PerServer)
	c.lastDone = c.stats.Completed
	c.lastStamp = now
	return nil
}

// Stats returns the client's current counters.
func (c *Client) Stats() Stats { return c.stats }
