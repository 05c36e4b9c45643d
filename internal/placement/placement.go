// Package placement maps keys to shards and shards to servers.
//
// Everything here is a pure function of the cluster parameters
// (numServers, numShards, replicationFactor) and a key's bucket field.
// There is no registry and no state: two processes configured identically
// compute identical placements, which is what lets clients route with no
// out-of-band coordination.
//
// Replica sets are ring segments: shard s is owned by servers
// s mod N, (s+1) mod N, ..., (s+R-1) mod N. The first of those is the
// primary, and clients route to the primary only. Replica reads are a
// documented future extension; the routing tie-break is deliberate so that
// traffic distribution stays deterministic and testable.
package placement

import "fmt"

// MaxServers bounds the cluster size.
const MaxServers = 16

// Params is a validated placement configuration.
type Params struct {
	NumServers        int
	NumShards         int
	ReplicationFactor int
}

// Validate reports the first configuration error, or nil.
func (p Params) Validate() error {
	if p.NumServers < 1 || p.NumServers > MaxServers {
		return fmt.Errorf("placement: num_servers %d outside [1, %d]", p.NumServers, MaxServers)
	}
	if p.NumShards < 1 {
		return fmt.Errorf("placement: num_shards %d < 1", p.NumShards)
	}
	if p.ReplicationFactor < 1 || p.ReplicationFactor > p.NumServers {
		return fmt.Errorf("placement: replication_factor %d outside [1, %d]",
			p.ReplicationFactor, p.NumServers)
	}
	return nil
}

// ShardOf returns the shard owning a key bucket.
func (p Params) ShardOf(bucket uint32) int {
	return int(bucket % uint32(p.NumShards))
}

// PrimaryOf returns the primary server for a shard.
func (p Params) PrimaryOf(shard int) int {
	return shard % p.NumServers
}

// ReplicasOf returns the ring segment of servers owning a shard: R distinct
// servers starting at the shard's position on the ring.
func (p Params) ReplicasOf(shard int) []int {
	servers := make([]int, p.ReplicationFactor)
	for i := range servers {
		servers[i] = (shard + i) % p.NumServers
	}
	return servers
}

// Owns reports whether a server is in a shard's replica set.
func (p Params) Owns(server, shard int) bool {
	for i := 0; i < p.ReplicationFactor; i++ {
		if (shard+i)%p.NumServers == server {
			return true
		}
	}
	return false
}

// KeyBelongsTo reports whether a server owns the shard a key bucket maps to.
func (p Params) KeyBelongsTo(bucket uint32, server int) bool {
	return p.Owns(server, p.ShardOf(bucket))
}

// RouteOf returns the server a client must send a key to. Primary-only.
func (p Params) RouteOf(bucket uint32) int {
	return p.PrimaryOf(p.ShardOf(bucket))
}

// Table returns the full shard to replica-set map. Operators and tests use
// it to eyeball or assert the cluster layout.
func (p Params) Table() map[int][]int {
	t := make(map[int][]int, p.NumShards)
	for sh := 0; sh < p.NumShards; sh++ {
		t[sh] = p.ReplicasOf(sh)
	}
	return t
}
