// Package fabric is the boundary to the RDMA-capable interconnect. The core
// never talks to a verbs library directly; it talks to the small interface
// set here: create a memory segment, create an endpoint, publish it under a
// name, look a name up, connect, post write/send/recv, poll completions.
//
// Two endpoint flavors exist, mirroring the queue-pair types the data plane
// uses:
//
//   - Connected endpoints carry one-sided writes into a peer's registered
//     segment. Writes on one endpoint land in issue order, and the payload
//     bytes become visible to the peer in ascending address order.
//   - Datagram endpoints carry unreliable sends. A send addressed to a peer
//     that has no receive buffer posted is silently dropped, as on the wire.
//
// Sends and writes may be marked signalled; only signalled work generates a
// completion, and one signalled completion retires every unsignalled post
// issued since the previous signalled one. The send queue has finite depth:
// callers that outrun their signalling discipline get ErrSendQueueFull,
// which the data plane treats as fatal.
package fabric

import (
	"context"
	"errors"
)

// Kind selects the queue-pair flavor of an endpoint.
type Kind int

const (
	// Connected endpoints pair with exactly one peer and carry one-sided
	// writes into the peer's registered segment.
	Connected Kind = iota
	// Datagram endpoints carry unreliable, addressed sends.
	Datagram
)

var (
	// ErrSendQueueFull reports a post beyond the send queue depth. The
	// signalling discipline exists to keep this from ever firing.
	ErrSendQueueFull = errors.New("fabric: send queue full")
	// ErrNotConnected reports a write on an unconnected endpoint.
	ErrNotConnected = errors.New("fabric: endpoint not connected")
	// ErrNoRegion reports a write at a peer with no registered segment.
	ErrNoRegion = errors.New("fabric: peer has no registered region")
	// ErrBadKind reports an operation unsupported by the endpoint kind.
	ErrBadKind = errors.New("fabric: wrong endpoint kind")
	// ErrLookupTimeout reports an unresolved rendezvous name.
	ErrLookupTimeout = errors.New("fabric: lookup timed out")
	// ErrWriteBounds reports a one-sided write outside the registered segment.
	ErrWriteBounds = errors.New("fabric: write outside registered region")
)

// Addr is an opaque peer handle for datagram sends, obtained from
// Endpoint.Addr or from a looked-up endpoint.
type Addr interface {
	fabricAddr()
}

// WriteWR describes a one-sided write: Data lands at byte Offset of the
// peer's registered segment.
type WriteWR struct {
	Offset    int
	Data      []byte
	Signalled bool
}

// SendWR describes a datagram send. Imm travels with the payload as
// immediate data and surfaces in the receiver's completion. Inline asks the
// transport to copy the payload at post time so the buffer is reusable
// immediately; the loopback always copies, so Inline is advisory.
type SendWR struct {
	To        Addr
	Data      []byte
	Imm       uint64
	Signalled bool
	Inline    bool
}

// RecvComp is one completed receive.
type RecvComp struct {
	Buf []byte // the posted buffer
	Len int    // payload bytes written into Buf
	Imm uint64
}

// Segment is a registered memory region. Bytes is the raw slab; remote
// writes mutate it from outside the caller's control flow. Refresh is the
// acquire fence a poller issues before a scan pass: any write published
// before the returned sequence number is visible to subsequent loads.
type Segment interface {
	Key() uint32
	Bytes() []byte
	Refresh() uint64
}

// Endpoint is one queue pair.
type Endpoint interface {
	Kind() Kind
	Addr() Addr

	// Connect pairs two connected endpoints. Datagram endpoints never
	// connect.
	Connect(peer Endpoint) error
	// RegisterRegion attaches a segment as the target of inbound writes.
	RegisterRegion(seg Segment) error

	// PostWrite issues a one-sided write to the connected peer's segment.
	PostWrite(wr WriteWR) error
	// PostSend issues one datagram send.
	PostSend(wr SendWR) error
	// PostSendList issues a chained batch of datagram sends in order.
	PostSendList(wrs []SendWR) error
	// PostRecv hands the endpoint a receive buffer.
	PostRecv(buf []byte) error
	// PollRecv drains up to len(comps) completed receives; never blocks.
	PollRecv(comps []RecvComp) int
	// PollSendCQ reaps up to max signalled send completions; never blocks.
	PollSendCQ(max int) int
}

// Fabric creates segments and endpoints and runs the rendezvous directory.
type Fabric interface {
	// CreateRegion returns the segment under a stable numeric key,
	// allocating it on first use. A second creation under the same key
	// returns the same memory, which is what lets a restarted master find
	// its region again.
	CreateRegion(key uint32, size int) (Segment, error)
	// NewEndpoint creates an endpoint of the given kind.
	NewEndpoint(kind Kind) Endpoint
	// Publish registers an endpoint under a rendezvous name.
	Publish(name string, ep Endpoint) error
	// Lookup resolves a name, waiting until the context expires. Rendezvous
	// is off the data path and may block.
	Lookup(ctx context.Context, name string) (Endpoint, error)
}
