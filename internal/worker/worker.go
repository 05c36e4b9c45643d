// Package worker runs the server side of the data plane: each worker owns
// one column of a request region and one engine, polls its slots for
// requests clients have written, executes them in batches, and sends the
// replies over a datagram endpoint.
//
// The loop never blocks. Polling, execution, and completion reaping are all
// busy-wait; the only pauses are scheduler yields after long idle streaks,
// standing in for the pinned cores the production deployment runs on.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dreamware/herdkv/internal/cluster"
	"github.com/dreamware/herdkv/internal/fabric"
	"github.com/dreamware/herdkv/internal/mica"
	"github.com/dreamware/herdkv/internal/region"
	"github.com/dreamware/herdkv/internal/wire"
)

// DefaultMaxEmptyProbes bounds how many idle slots a worker inspects before
// flushing a partial batch. The poller's cursor carries over between
// gathers, so a lone pending request is still reached within one pass over
// the column.
const DefaultMaxEmptyProbes = 64

// maxInline is the largest reply posted with the inline flag.
const maxInline = 60

// idleYieldAfter is the empty-probe streak after which the loop yields the
// processor. Production pins cores and spins forever; under the Go runtime
// an occasional yield keeps co-scheduled loops live without ever sleeping.
const idleYieldAfter = 4096

// lookupTimeout bounds the rendezvous resolution of a client's reply
// endpoint. Failure is fatal, like every other endpoint-setup error.
const lookupTimeout = 5 * time.Second

// Config identifies one worker and fixes its batching discipline.
type Config struct {
	ServerID   int
	Worker     int
	Postlist   int
	UnsigBatch int

	// MaxEmptyProbes overrides DefaultMaxEmptyProbes when positive.
	MaxEmptyProbes int
}

// Worker is one polling loop's state.
type Worker struct {
	cfg    Config
	fab    fabric.Fabric
	seg    fabric.Segment
	poller *region.Poller
	engine *mica.Store
	ep     fabric.Endpoint

	// batch staging, reused across flushes
	ops   []wire.Request
	resps []wire.Response
	clts  []int
	slots [][]byte
	bufs  [][]byte
	wrs   []fabric.SendWR

	addrs     map[int]fabric.Addr
	sendCount uint64
	colSlots  int
}

// New builds a worker over its column of reg, its engine, and its reply
// endpoint.
func New(cfg Config, fab fabric.Fabric, seg fabric.Segment, reg *region.Region, engine *mica.Store, ep fabric.Endpoint) (*Worker, error) {
	if cfg.Postlist < 1 {
		return nil, fmt.Errorf("worker: postlist %d < 1", cfg.Postlist)
	}
	if cfg.UnsigBatch < 1 || cfg.UnsigBatch&(cfg.UnsigBatch-1) != 0 {
		return nil, fmt.Errorf("worker: unsig batch %d not a power of two", cfg.UnsigBatch)
	}
	if cfg.MaxEmptyProbes < 1 {
		cfg.MaxEmptyProbes = DefaultMaxEmptyProbes
	}
	w := &Worker{
		cfg:      cfg,
		fab:      fab,
		seg:      seg,
		poller:   region.NewPoller(reg, cfg.Worker),
		engine:   engine,
		ep:       ep,
		ops:      make([]wire.Request, cfg.Postlist),
		resps:    make([]wire.Response, cfg.Postlist),
		clts:     make([]int, cfg.Postlist),
		slots:    make([][]byte, cfg.Postlist),
		bufs:     make([][]byte, cfg.Postlist),
		wrs:      make([]fabric.SendWR, 0, cfg.Postlist),
		addrs:    make(map[int]fabric.Addr),
		colSlots: reg.Config().Clients * reg.Config().Window,
	}
	for i := range w.bufs {
		w.bufs[i] = make([]byte, 0, 1+wire.MaxWireValueLen)
	}
	return w, nil
}

// Run polls until stop is set. It returns nil on a requested stop and an
// error on any fabric failure; callers treat the error as fatal.
func (w *Worker) Run(stop *atomic.Bool) error {
	idle := 0
	for !stop.Load() {
		w.seg.Refresh()

		n := w.gather()
		if n == 0 {
			idle++
			if idle >= idleYieldAfter {
				idle = 0
				runtime.Gosched()
			}
			continue
		}
		idle = 0
		if err := w.flush(n); err != nil {
			return err
		}
	}
	return nil
}

// gather walks the column until the pending batch is full, the empty-probe
// budget runs out, or one full pass completes, decoding pending slots as it
// goes. The full-pass bound keeps a still-pending slot from being batched
// twice before its reset. Malformed slots are reset and dropped without a
// reply.
func (w *Worker) gather() int {
	n := 0
	empty := 0
	for probes := 0; n < w.cfg.Postlist && empty < w.cfg.MaxEmptyProbes && probes < w.colSlots; probes++ {
		clt, _, slot := w.poller.Next()
		hdr := region.PeekHeader(slot)
		if hdr.State == wire.StateIdle {
			empty++
			continue
		}
		req, err := region.UnpackSlot(slot)
		if err != nil {
			region.ResetSlot(slot)
			continue
		}
		w.ops[n] = req
		w.clts[n] = clt
		w.slots[n] = slot
		n++
	}
	return n
}

// flush executes the pending batch and answers it: engine call, response
// buffers, slot resets, then one chained post of the whole send list.
func (w *Worker) flush(n int) error {
	w.engine.ExecBatch(w.ops[:n], w.resps[:n])

	imm := cluster.ReplyImm(w.cfg.ServerID, w.cfg.Worker)
	w.wrs = w.wrs[:0]
	for i := 0; i < n; i++ {
		addr, err := w.clientAddr(w.clts[i])
		if err != nil {
			return err
		}
		buf := wire.AppendResponse(w.bufs[i][:0], w.resps[i])
		w.bufs[i] = buf

		signalled := w.sendCount&uint64(w.cfg.UnsigBatch-1) == 0
		if signalled && w.sendCount > 0 {
			// Keep at most one signalled send outstanding: reap the prior
			// one before queueing the next.
			for w.ep.PollSendCQ(1) == 0 {
			}
		}
		w.wrs = append(w.wrs, fabric.SendWR{
			To:        addr,
			Data:      buf,
			Imm:       imm,
			Signalled: signalled,
			Inline:    len(buf) <= maxInline,
		})
		w.sendCount++
	}

	for i := 0; i < n; i++ {
		region.ResetSlot(w.slots[i])
	}

	return w.ep.PostSendList(w.wrs)
}

// clientAddr resolves and caches a client's reply address. Rendezvous is off
// the data path for steady state: each client is looked up once.
func (w *Worker) clientAddr(gid int) (fabric.Addr, error) {
	if addr, ok := w.addrs[gid]; ok {
		return addr, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	ep, err := w.fab.Lookup(ctx, cluster.ClientDgramName(gid))
	if err != nil {
		return nil, fmt.Errorf("worker %d: resolving client %d: %w", w.cfg.Worker, gid, err)
	}
	addr := ep.Addr()
	w.addrs[gid] = addr
	return addr, nil
}

// Stats exposes the engine counters for periodic reporting.
func (w *Worker) Stats() mica.Stats {
	return w.engine.Stats()
}
