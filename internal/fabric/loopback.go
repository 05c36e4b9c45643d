package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultSendQueueDepth is the loopback send queue capacity. Deep enough
// for an UNSIG_BATCH of 64 with headroom, shallow enough that a missing
// signalling discipline is caught quickly.
const DefaultSendQueueDepth = 128

// nameTTL bounds how long a published endpoint stays resolvable without a
// republish. Masters republish on restart, so a stale directory entry ages
// out rather than lingering forever.
const nameTTL = time.Hour

// Loopback is the in-process Fabric used by tests and single-host runs.
// Segments are plain allocations, connected writes are ascending-order byte
// copies into the peer's segment, and datagram sends deliver synchronously
// into the target's posted receive buffers. All endpoint operations are safe
// for use from one goroutine per endpoint, with segments and the directory
// shared across goroutines.
type Loopback struct {
	mu       sync.Mutex
	segments map[uint32]*memSegment
	names    *gocache.Cache
	sqDepth  int
}

// NewLoopback creates an empty in-process fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		segments: make(map[uint32]*memSegment),
		names:    gocache.New(nameTTL, 10*time.Minute),
		sqDepth:  DefaultSendQueueDepth,
	}
}

type memSegment struct {
	key uint32
	buf []byte
	seq atomic.Uint64
}

func (s *memSegment) Key() uint32     { return s.key }
func (s *memSegment) Bytes() []byte   { return s.buf }
func (s *memSegment) Refresh() uint64 { return s.seq.Load() }

// publish is the release fence paired with Refresh: bumped after a write's
// bytes are all stored.
func (s *memSegment) publish() { s.seq.Add(1) }

// CreateRegion returns the segment under key, allocating on first use.
func (f *Loopback) CreateRegion(key uint32, size int) (Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seg, ok := f.segments[key]; ok {
		if len(seg.buf) < size {
			return nil, fmt.Errorf("fabric: region %d exists with %d bytes, need %d",
				key, len(seg.buf), size)
		}
		return seg, nil
	}
	seg := &memSegment{key: key, buf: make([]byte, size)}
	f.segments[key] = seg
	return seg, nil
}

// NewEndpoint creates a loopback endpoint.
func (f *Loopback) NewEndpoint(kind Kind) Endpoint {
	return &memEndpoint{kind: kind, sqCap: f.sqDepth}
}

// Publish registers an endpoint in the name directory.
func (f *Loopback) Publish(name string, ep Endpoint) error {
	f.names.Set(name, ep, gocache.DefaultExpiration)
	return nil
}

// Lookup polls the directory until the name resolves or ctx expires.
func (f *Loopback) Lookup(ctx context.Context, name string) (Endpoint, error) {
	for {
		if v, ok := f.names.Get(name); ok {
			return v.(Endpoint), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %q", ErrLookupTimeout, name)
		case <-time.After(time.Millisecond):
		}
	}
}

type memAddr struct{ ep *memEndpoint }

func (memAddr) fabricAddr() {}

// memEndpoint implements Endpoint over process memory. The mutex guards the
// receive queue, which is the only state touched by remote peers; send-side
// state is only ever touched by the owning goroutine.
type memEndpoint struct {
	kind Kind

	// connected state
	peer *memEndpoint
	mr   *memSegment

	// send queue accounting (owner goroutine only)
	sqCap       int
	outstanding int
	covered     []int // unreaped signalled completions, each covering itself plus prior unsignalled posts
	unsigRun    int

	// receive queue (shared with sending peers)
	mu    sync.Mutex
	free  [][]byte
	comps []RecvComp
}

func (e *memEndpoint) Kind() Kind { return e.kind }
func (e *memEndpoint) Addr() Addr { return memAddr{ep: e} }

func (e *memEndpoint) Connect(peer Endpoint) error {
	if e.kind != Connected {
		return ErrBadKind
	}
	p, ok := peer.(*memEndpoint)
	if !ok || p.kind != Connected {
		return ErrBadKind
	}
	e.peer = p
	p.peer = e
	return nil
}

func (e *memEndpoint) RegisterRegion(seg Segment) error {
	s, ok := seg.(*memSegment)
	if !ok {
		return fmt.Errorf("fabric: foreign segment")
	}
	e.mr = s
	return nil
}

// track accounts one posted send or write against the queue depth.
func (e *memEndpoint) track(signalled bool) error {
	if e.outstanding >= e.sqCap {
		return ErrSendQueueFull
	}
	e.outstanding++
	if signalled {
		e.covered = append(e.covered, e.unsigRun+1)
		e.unsigRun = 0
	} else {
		e.unsigRun++
	}
	return nil
}

// PostWrite copies the payload into the peer's registered segment, lowest
// address first, then publishes the segment sequence so pollers that refresh
// observe the whole write.
func (e *memEndpoint) PostWrite(wr WriteWR) error {
	if e.kind != Connected {
		return ErrBadKind
	}
	if e.peer == nil {
		return ErrNotConnected
	}
	mr := e.peer.mr
	if mr == nil {
		return ErrNoRegion
	}
	if wr.Offset < 0 || wr.Offset+len(wr.Data) > len(mr.buf) {
		return ErrWriteBounds
	}
	if err := e.track(wr.Signalled); err != nil {
		return err
	}
	for i, b := range wr.Data {
		mr.buf[wr.Offset+i] = b
	}
	mr.publish()
	return nil
}

// PostSend delivers one datagram into the target's receive queue, or drops
// it when no receive buffer is posted.
func (e *memEndpoint) PostSend(wr SendWR) error {
	if e.kind != Datagram {
		return ErrBadKind
	}
	to, ok := wr.To.(memAddr)
	if !ok || to.ep == nil {
		return fmt.Errorf("fabric: bad datagram address")
	}
	if err := e.track(wr.Signalled); err != nil {
		return err
	}
	to.ep.deliver(wr)
	return nil
}

// PostSendList posts a chained batch in order.
func (e *memEndpoint) PostSendList(wrs []SendWR) error {
	for i := range wrs {
		if err := e.PostSend(wrs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *memEndpoint) deliver(wr SendWR) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.free) == 0 {
		return // unreliable datagram: no posted recv, silent drop
	}
	buf := e.free[0]
	e.free = e.free[1:]
	n := copy(buf, wr.Data)
	e.comps = append(e.comps, RecvComp{Buf: buf, Len: n, Imm: wr.Imm})
}

func (e *memEndpoint) PostRecv(buf []byte) error {
	if e.kind != Datagram {
		return ErrBadKind
	}
	e.mu.Lock()
	e.free = append(e.free, buf)
	e.mu.Unlock()
	return nil
}

func (e *memEndpoint) PollRecv(comps []RecvComp) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := copy(comps, e.comps)
	e.comps = e.comps[n:]
	if len(e.comps) == 0 {
		e.comps = nil
	}
	return n
}

// PollSendCQ reaps up to max signalled completions. The loopback completes
// work at post time, so anything signalled is immediately reapable.
func (e *memEndpoint) PollSendCQ(max int) int {
	n := 0
	for n < max && len(e.covered) > 0 {
		e.outstanding -= e.covered[0]
		e.covered = e.covered[1:]
		n++
	}
	return n
}
