// Package mica implements the per-worker key-value engine: a bucket-chained
// hash index over a circular byte log.
//
// One engine instance belongs to exactly one worker and is strictly
// single-threaded; there are no locks anywhere in this package. Values live
// in a single contiguous log that wraps at a power-of-two capacity, and the
// index stores (tag, log offset) pairs in fixed-size buckets. Nothing is
// ever deleted eagerly: when the log head laps an old record, the index
// entry pointing at it is detected as stale on the next lookup and treated
// as a miss.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                   Store                      │
//	├──────────────────────────────────────────────┤
//	│  buckets: B × 8 slots of (tag, offset)       │
//	│  log:     L bytes, head grows monotonically  │
//	├──────────────────────────────────────────────┤
//	│  key → bucket(key) mod B → tag match → p     │
//	│  p valid iff head−L ≤ p < head               │
//	│  record at p mod L: val_len:u8 | val bytes   │
//	└──────────────────────────────────────────────┘
package mica

import (
	"fmt"

	"github.com/dreamware/herdkv/internal/wire"
)

// SlotsPerBucket is the associativity of each index bucket.
const SlotsPerBucket = 8

// Default sizing, matching the production shape. Tests shrink both.
const (
	DefaultNumBuckets = 2 * 1024 * 1024
	DefaultLogBytes   = 1024 * 1024 * 1024
)

// Config sizes an engine instance.
type Config struct {
	NumBuckets  int // power of two
	LogBytes    int // power of two, > MaxValueLen+1
	MaxValueLen int // longest value accepted on PUT
}

// Validate reports the first sizing error, or nil.
func (c Config) Validate() error {
	if c.NumBuckets < 1 || c.NumBuckets&(c.NumBuckets-1) != 0 {
		return fmt.Errorf("mica: num buckets %d not a power of two", c.NumBuckets)
	}
	if c.LogBytes < 1 || c.LogBytes&(c.LogBytes-1) != 0 {
		return fmt.Errorf("mica: log bytes %d not a power of two", c.LogBytes)
	}
	if c.MaxValueLen < 0 || c.MaxValueLen > wire.MaxWireValueLen {
		return fmt.Errorf("mica: max value len %d outside [0, %d]", c.MaxValueLen, wire.MaxWireValueLen)
	}
	if c.LogBytes <= c.MaxValueLen+1 {
		return fmt.Errorf("mica: log bytes %d too small for value len %d", c.LogBytes, c.MaxValueLen)
	}
	return nil
}

// indexEntry is one (tag, offset) slot. The used bit distinguishes an empty
// slot from a legitimately zero tag.
type indexEntry struct {
	tag    uint64
	offset uint64
	used   bool
}

// bucket is a fixed-associativity index row with a FIFO replacement cursor.
type bucket struct {
	slots [SlotsPerBucket]indexEntry
	fifo  uint8
}

// Stats counts engine operations since construction.
type Stats struct {
	Gets      uint64 // GET operations executed
	Puts      uint64 // PUT operations executed
	Hits      uint64 // GETs that returned a value
	Lapsed    uint64 // index hits invalidated by log wrap
	Evictions uint64 // index slots recycled by bucket FIFO
	Rejected  uint64 // PUTs refused for oversize values
}

// Store is one worker's engine. Not safe for concurrent use; each worker
// owns its Store exclusively.
type Store struct {
	cfg     Config
	buckets []bucket
	log     []byte
	head    uint64 // monotonically increasing; position in the log is head mod L
	stats   Stats
}

// New allocates an engine.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		cfg:     cfg,
		buckets: make([]bucket, cfg.NumBuckets),
		log:     make([]byte, cfg.LogBytes),
	}, nil
}

// Stats returns a snapshot of the operation counters.
func (s *Store) Stats() Stats { return s.stats }

// bucketFor selects the index bucket for a key.
func (s *Store) bucketFor(key wire.Key) *bucket {
	return &s.buckets[key.Bucket()&uint32(s.cfg.NumBuckets-1)]
}

// reserve claims n contiguous log bytes and returns their logical offset.
// A record never straddles the wrap point: if the tail of the log cannot
// hold the record, the tail is burned as padding and the record starts at
// the next wrap. head accounts for the padding so staleness arithmetic
// stays uniform.
func (s *Store) reserve(n int) uint64 {
	capL := uint64(s.cfg.LogBytes)
	if pos := s.head % capL; pos+uint64(n) > capL {
		s.head += capL - pos
	}
	p := s.head
	s.head += uint64(n)
	return p
}

// Put stores a value under a key. Oversize values are refused and the store
// is untouched. Zero-length values are legal.
func (s *Store) Put(key wire.Key, val []byte) wire.Response {
	s.stats.Puts++
	if len(val) > s.cfg.MaxValueLen {
		s.stats.Rejected++
		return wire.Response{Rejected: true}
	}

	p := s.reserve(1 + len(val))
	pos := p % uint64(s.cfg.LogBytes)
	s.log[pos] = uint8(len(val))
	copy(s.log[pos+1:], val)

	b := s.bucketFor(key)
	tag := key.Tag()
	for i := range b.slots {
		if b.slots[i].used && b.slots[i].tag == tag {
			b.slots[i].offset = p
			return wire.Response{}
		}
	}
	for i := range b.slots {
		if !b.slots[i].used {
			b.slots[i] = indexEntry{tag: tag, offset: p, used: true}
			return wire.Response{}
		}
	}
	// Bucket full: recycle the FIFO-oldest slot.
	s.stats.Evictions++
	b.slots[b.fifo] = indexEntry{tag: tag, offset: p, used: true}
	b.fifo = (b.fifo + 1) % SlotsPerBucket
	return wire.Response{}
}

// Get looks a key up. A miss, including a lapsed entry, is a successful
// empty response.
func (s *Store) Get(key wire.Key) wire.Response {
	s.stats.Gets++
	b := s.bucketFor(key)
	tag := key.Tag()
	for i := range b.slots {
		if !b.slots[i].used || b.slots[i].tag != tag {
			continue
		}
		p := b.slots[i].offset
		capL := uint64(s.cfg.LogBytes)
		if s.head > capL && p < s.head-capL {
			// The log has lapped this record; drop the dangling entry.
			b.slots[i].used = false
			s.stats.Lapsed++
			return wire.Response{}
		}
		pos := p % capL
		vlen := int(s.log[pos])
		s.stats.Hits++
		var v []byte
		if vlen > 0 {
			v = append([]byte(nil), s.log[pos+1:pos+1+uint64(vlen)]...)
		}
		return wire.Response{Value: v}
	}
	return wire.Response{}
}

// Exec runs one decoded request.
func (s *Store) Exec(req wire.Request) wire.Response {
	if req.Op == wire.OpPut {
		return s.Put(req.Key, req.Value)
	}
	return s.Get(req.Key)
}

// ExecBatch runs a batch in order, writing responses into resps, which must
// be at least len(ops) long. Batches amortize the worker's completion
// bookkeeping; there is no cross-op atomicity.
func (s *Store) ExecBatch(ops []wire.Request, resps []wire.Response) {
	for i := range ops {
		resps[i] = s.Exec(ops[i])
	}
}
