package worker

import (
	"bytes"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/herdkv/internal/cluster"
	"github.com/dreamware/herdkv/internal/config"
	"github.com/dreamware/herdkv/internal/fabric"
	"github.com/dreamware/herdkv/internal/master"
	"github.com/dreamware/herdkv/internal/mica"
	"github.com/dreamware/herdkv/internal/region"
	"github.com/dreamware/herdkv/internal/wire"
)

// rig is a one-worker test deployment: a region with one client column, the
// worker under test, a connected endpoint to write requests through, and a
// datagram endpoint standing in for the client's reply side.
type rig struct {
	t      *testing.T
	fab    *fabric.Loopback
	params config.Params
	mp     *master.Port
	conn   fabric.Endpoint
	reply  fabric.Endpoint
	stop   atomic.Bool
	done   chan error
}

func newRig(t *testing.T, postlist int) *rig {
	t.Helper()
	p := config.Defaults()
	p.Master = true
	p.ServerID = 0
	p.NumWorkers = 1
	p.NumClients = 1
	p.WindowSize = 4
	p.Postlist = postlist
	p.UnsigBatch = 4

	fab := fabric.NewLoopback()
	mp, err := master.Run(fab, p, 0)
	require.NoError(t, err)

	// Client side: reply endpoint published for the worker's lookup, and a
	// connected endpoint for one-sided slot writes.
	reply := fab.NewEndpoint(fabric.Datagram)
	require.NoError(t, fab.Publish(cluster.ClientDgramName(0), reply))
	conn := fab.NewEndpoint(fabric.Connected)
	require.NoError(t, conn.Connect(mp.Endpoints[0]))

	engine, err := mica.New(mica.Config{NumBuckets: 64, LogBytes: 1 << 16, MaxValueLen: p.MaxValueLen})
	require.NoError(t, err)

	w, err := New(Config{
		ServerID:   0,
		Worker:     0,
		Postlist:   p.Postlist,
		UnsigBatch: p.UnsigBatch,
		// Tight bound so partial batches flush promptly under test.
		MaxEmptyProbes: p.NumClients * p.WindowSize,
	}, fab, mp.Segment, mp.Region, engine, fab.NewEndpoint(fabric.Datagram))
	require.NoError(t, err)

	r := &rig{t: t, fab: fab, params: p, mp: mp, conn: conn, reply: reply, done: make(chan error, 1)}
	go func() { r.done <- w.Run(&r.stop) }()
	t.Cleanup(func() {
		r.stop.Store(true)
		select {
		case err := <-r.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return r
}

// post writes a request into window slot s of the rig's client column.
func (r *rig) post(s int, req wire.Request) {
	r.t.Helper()
	rcfg := r.mp.Region.Config()
	slot := make([]byte, rcfg.SlotSize)
	require.NoError(r.t, region.PackSlot(slot, req))
	require.NoError(r.t, r.conn.PostWrite(fabric.WriteWR{
		Offset: rcfg.SlotOffset(0, 0, s),
		Data:   slot,
	}))
}

// await polls the reply endpoint until n completions arrive.
func (r *rig) await(n int) []fabric.RecvComp {
	r.t.Helper()
	var got []fabric.RecvComp
	comps := make([]fabric.RecvComp, 8)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n {
		if time.Now().After(deadline) {
			r.t.Fatalf("timed out with %d/%d replies", len(got), n)
		}
		k := r.reply.PollRecv(comps)
		if k == 0 {
			runtime.Gosched()
			continue
		}
		got = append(got, comps[:k]...)
	}
	return got
}

// TestWorkerServesRequests drives a PUT then a GET through the full worker
// loop and checks the replies, the slot resets, and the reply immediate
// data.
func TestWorkerServesRequests(t *testing.T) {
	r := newRig(t, 1)
	key := wire.KeyFromSeed(1)
	val := bytes.Repeat([]byte{0xAB}, 16)

	require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	r.post(0, wire.Request{Op: wire.OpPut, Key: key, Value: val})
	comps := r.await(1)

	resp, err := wire.ParseResponse(comps[0].Buf[:comps[0].Len])
	require.NoError(t, err)
	assert.False(t, resp.Rejected)
	assert.Empty(t, resp.Value, "PUT ack is empty")
	sid, wn := cluster.SplitReplyImm(comps[0].Imm)
	assert.Equal(t, 0, sid)
	assert.Equal(t, 0, wn)

	require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	r.post(1, wire.Request{Op: wire.OpGet, Key: key})
	comps = r.await(1)

	resp, err = wire.ParseResponse(comps[0].Buf[:comps[0].Len])
	require.NoError(t, err)
	assert.Equal(t, val, resp.Value, "GET must return the PUT value")

	// Both slots are idle again.
	assert.Eventually(t, func() bool {
		r.mp.Segment.Refresh()
		return region.PeekHeader(r.mp.Region.Slot(0, 0, 0)).State == wire.StateIdle &&
			region.PeekHeader(r.mp.Region.Slot(0, 0, 1)).State == wire.StateIdle
	}, 5*time.Second, time.Millisecond)
}

// TestWorkerMissIsEmpty checks that a GET of an absent key produces the
// empty response, not an error.
func TestWorkerMissIsEmpty(t *testing.T) {
	r := newRig(t, 1)
	require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	r.post(0, wire.Request{Op: wire.OpGet, Key: wire.KeyFromSeed(404)})
	comps := r.await(1)
	resp, err := wire.ParseResponse(comps[0].Buf[:comps[0].Len])
	require.NoError(t, err)
	assert.False(t, resp.Rejected)
	assert.Empty(t, resp.Value)
}

// TestWorkerBatches fills a window with requests and checks a postlist
// worker answers all of them.
func TestWorkerBatches(t *testing.T) {
	r := newRig(t, 4)
	for s := 0; s < 4; s++ {
		require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	}
	for s := 0; s < 4; s++ {
		r.post(s, wire.Request{Op: wire.OpPut, Key: wire.KeyFromSeed(uint64(s)), Value: []byte{byte(s)}})
	}
	comps := r.await(4)
	assert.Len(t, comps, 4)
	for _, comp := range comps {
		resp, err := wire.ParseResponse(comp.Buf[:comp.Len])
		require.NoError(t, err)
		assert.False(t, resp.Rejected)
	}
}

// TestWorkerDropsMalformed checks the silent-drop rule: an opcode outside
// the request range is cleared without a reply, and later requests still
// flow.
func TestWorkerDropsMalformed(t *testing.T) {
	r := newRig(t, 1)
	rcfg := r.mp.Region.Config()

	// A garbage opcode byte in slot 0.
	slot := make([]byte, rcfg.SlotSize)
	slot[rcfg.SlotSize-1] = 200
	require.NoError(t, r.conn.PostWrite(fabric.WriteWR{
		Offset: rcfg.SlotOffset(0, 0, 0),
		Data:   slot,
	}))

	// A legitimate request in slot 1 still gets served.
	require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	r.post(1, wire.Request{Op: wire.OpGet, Key: wire.KeyFromSeed(1)})
	comps := r.await(1)
	require.Len(t, comps, 1)

	// The malformed slot was reset, and no reply was sent for it.
	assert.Eventually(t, func() bool {
		r.mp.Segment.Refresh()
		return region.PeekHeader(r.mp.Region.Slot(0, 0, 0)).State == wire.StateIdle
	}, 5*time.Second, time.Millisecond)
	extra := make([]fabric.RecvComp, 4)
	assert.Zero(t, r.reply.PollRecv(extra))
}

// TestWorkerOversizePut checks the rejection sentinel path end to end.
func TestWorkerOversizePut(t *testing.T) {
	r := newRig(t, 1)
	require.NoError(t, r.reply.PostRecv(make([]byte, 64)))
	r.post(0, wire.Request{
		Op:    wire.OpPut,
		Key:   wire.KeyFromSeed(9),
		Value: bytes.Repeat([]byte{1}, r.params.MaxValueLen+1),
	})
	comps := r.await(1)
	resp, err := wire.ParseResponse(comps[0].Buf[:comps[0].Len])
	require.NoError(t, err)
	assert.True(t, resp.Rejected, "oversize PUT must return the 0xFF sentinel")
}
