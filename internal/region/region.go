// Package region implements the request region: the contiguous,
// remotely-writable memory segment a server exposes to its clients.
//
// The region is laid out as workers × clients × window fixed-width slots.
// A client claims slot (w, c, s) by writing a whole slot image in one
// one-sided write; the owning worker polls its column, consumes pending
// slots, and resets them. The region is memory the fabric mutates from
// outside the process, so it is handled strictly as a byte slab: slots are
// byte windows, never typed pointers.
//
// Layout contract per slot (see PackSlot): key bytes first, then the value
// length and value, zero padding, and the opcode byte at the highest address
// of the slot. A writer that delivers bytes in ascending address order
// therefore makes the opcode visible only after everything the opcode
// promises is already in place.
package region

import (
	"fmt"

	"github.com/dreamware/herdkv/internal/wire"
)

// CacheLine is the slot alignment unit. A slot occupies an integral number
// of cache lines and, at the default value size, exactly one: the client
// writes the whole slot in a single write and the worker must be able to
// read it with plain loads that see the opcode byte last.
const CacheLine = 64

// Config fixes a region's geometry.
type Config struct {
	Workers  int
	Clients  int
	Window   int
	SlotSize int
}

// SlotSizeFor returns the slot size for a deployment's maximum value
// length: opcode + key + val_len + value, rounded up to a cache line.
func SlotSizeFor(maxValueLen int) int {
	raw := 1 + wire.KeyLen + 1 + maxValueLen
	return (raw + CacheLine - 1) &^ (CacheLine - 1)
}

// Validate reports the first geometry error, or nil.
func (c Config) Validate() error {
	if c.Workers < 1 || c.Clients < 1 || c.Window < 1 {
		return fmt.Errorf("region: bad geometry %dx%dx%d", c.Workers, c.Clients, c.Window)
	}
	if c.SlotSize < 1+wire.KeyLen+1 || c.SlotSize%CacheLine != 0 {
		return fmt.Errorf("region: bad slot size %d", c.SlotSize)
	}
	return nil
}

// SlotIndex returns the flat index of slot (w, c, s).
func (c Config) SlotIndex(w, clt, s int) int {
	return w*c.Clients*c.Window + clt*c.Window + s
}

// SlotOffset returns the byte offset of slot (w, c, s) from the region base.
func (c Config) SlotOffset(w, clt, s int) int {
	return c.SlotIndex(w, clt, s) * c.SlotSize
}

// Size returns the region size in bytes.
func (c Config) Size() int {
	return c.Workers * c.Clients * c.Window * c.SlotSize
}

// Region is a byte-level view over a request region segment. The memory is
// owned elsewhere (a shared segment registered with the fabric); Region only
// does the slot arithmetic.
type Region struct {
	cfg Config
	buf []byte
}

// New wraps a segment in a Region view.
func New(cfg Config, buf []byte) (*Region, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(buf) < cfg.Size() {
		return nil, fmt.Errorf("region: segment %d bytes, need %d", len(buf), cfg.Size())
	}
	return &Region{cfg: cfg, buf: buf}, nil
}

// Config returns the region geometry.
func (r *Region) Config() Config { return r.cfg }

// Slot returns the byte window of slot (w, c, s).
func (r *Region) Slot(w, clt, s int) []byte {
	off := r.cfg.SlotOffset(w, clt, s)
	return r.buf[off : off+r.cfg.SlotSize : off+r.cfg.SlotSize]
}

// PackSlot writes the slot image of req into dst (a full slot window):
// key, value length, value, zero padding, opcode last. dst must be slot
// sized. The returned error is the only rejection path; a packed slot is
// always decodable.
func PackSlot(dst []byte, req wire.Request) error {
	if req.Op != wire.OpGet && req.Op != wire.OpPut {
		return wire.ErrBadOpcode
	}
	if len(req.Value) > len(dst)-(1+wire.KeyLen+1) {
		return wire.ErrValueTooLong
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[0:wire.KeyLen], req.Key[:])
	if req.Op == wire.OpPut {
		dst[wire.KeyLen] = uint8(len(req.Value))
		copy(dst[wire.KeyLen+1:], req.Value)
	}
	dst[len(dst)-1] = wire.EncodeOpcode(wire.SlotHeader{State: wire.StatePending, Op: req.Op})
	return nil
}

// PeekHeader decodes just the opcode byte of a slot.
func PeekHeader(slot []byte) wire.SlotHeader {
	return wire.DecodeOpcode(slot[len(slot)-1])
}

// UnpackSlot decodes a pending slot image. The caller has already observed a
// pending header; an idle or out-of-range opcode here is malformed.
func UnpackSlot(slot []byte) (wire.Request, error) {
	hdr := PeekHeader(slot)
	if hdr.State != wire.StatePending || (hdr.Op != wire.OpGet && hdr.Op != wire.OpPut) {
		return wire.Request{}, wire.ErrBadOpcode
	}
	var req wire.Request
	req.Op = hdr.Op
	copy(req.Key[:], slot[0:wire.KeyLen])
	if req.Op == wire.OpPut {
		vlen := int(slot[wire.KeyLen])
		if vlen > len(slot)-(1+wire.KeyLen+1) {
			return wire.Request{}, wire.ErrShortRecord
		}
		req.Value = append([]byte(nil), slot[wire.KeyLen+1:wire.KeyLen+1+vlen]...)
	}
	return req, nil
}

// ResetSlot marks a slot idle. Only the opcode byte is cleared; the next
// client write replaces the rest of the slot wholesale.
func ResetSlot(slot []byte) {
	slot[len(slot)-1] = wire.OpIdle
}

// Poller walks one worker's column of slots in the fixed round-robin order:
// all window positions of client 0, then client 1, and so on, wrapping. Each
// call to Next visits exactly one slot, so a full pass of clients × window
// calls touches every slot in the column exactly once.
type Poller struct {
	region *Region
	worker int
	clt    int
	slot   int
}

// NewPoller returns a poller positioned at (client 0, slot 0) of a worker's
// column.
func NewPoller(r *Region, worker int) *Poller {
	return &Poller{region: r, worker: worker}
}

// Next returns the current slot's coordinates and byte window, then advances
// the cursor.
func (p *Poller) Next() (clt, slot int, b []byte) {
	clt, slot = p.clt, p.slot
	b = p.region.Slot(p.worker, p.clt, p.slot)

	cfg := p.region.Config()
	p.slot++
	if p.slot == cfg.Window {
		p.slot = 0
		p.clt = (p.clt + 1) % cfg.Clients
	}
	return clt, slot, b
}
