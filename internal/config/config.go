// Package config carries the process parameter set and its startup
// validation. Configuration errors are never recovered: a bad parameter set
// aborts the process before any endpoint is registered.
package config

import (
	"fmt"
	"os"

	"github.com/dreamware/herdkv/internal/placement"
)

// Deployment defaults. These mirror the production shape; tests and small
// deployments override them.
const (
	DefaultNumWorkers  = 12
	DefaultNumClients  = 70
	DefaultWindowSize  = 32
	DefaultUnsigBatch  = 64
	DefaultPostlist    = 16
	DefaultMaxValueLen = 32

	DefaultNumServers  = 4
	DefaultNumShards   = 4
	DefaultReplication = 3

	// MasterShmKey is the region key of the first server port; port i uses
	// MasterShmKey + i.
	MasterShmKey = 24

	// StatBatch is the completion count between client statistics reports.
	StatBatch = 524288

	// DefaultNumKeys is the size of a client's preloaded key array.
	DefaultNumKeys = 8 * 1024 * 1024
)

// Params is the full parameter surface of one process, covering the master,
// worker, and client roles. Role flags decide which fields matter.
type Params struct {
	Master   bool
	IsClient bool

	BasePortIndex  int
	NumServerPorts int
	NumClientPorts int

	Postlist         int
	UpdatePercentage int

	MachineID  int
	NumThreads int

	NumServers        int
	NumShards         int
	ReplicationFactor int
	ServerID          int

	NumWorkers  int
	NumClients  int
	WindowSize  int
	UnsigBatch  int
	MaxValueLen int
	NumKeys     int

	// Per-worker engine sizing.
	NumBuckets int
	LogBytes   int

	RegistryIP string
}

// Defaults returns a Params with the deployment defaults filled in.
func Defaults() Params {
	return Params{
		NumServerPorts:    1,
		NumClientPorts:    1,
		Postlist:          DefaultPostlist,
		NumThreads:        1,
		NumServers:        DefaultNumServers,
		NumShards:         DefaultNumShards,
		ReplicationFactor: DefaultReplication,
		NumWorkers:        DefaultNumWorkers,
		NumClients:        DefaultNumClients,
		WindowSize:        DefaultWindowSize,
		UnsigBatch:        DefaultUnsigBatch,
		MaxValueLen:       DefaultMaxValueLen,
		NumKeys:           DefaultNumKeys,
		NumBuckets:        2 * 1024 * 1024,
		LogBytes:          1024 * 1024 * 1024,
		RegistryIP:        Getenv("REGISTRY_IP", "127.0.0.1"),
	}
}

// Placement returns the placement parameters embedded in p.
func (p Params) Placement() placement.Params {
	return placement.Params{
		NumServers:        p.NumServers,
		NumShards:         p.NumShards,
		ReplicationFactor: p.ReplicationFactor,
	}
}

// Validate reports the first configuration error, or nil. Callers abort on
// any error here; nothing downstream tolerates a half-valid parameter set.
func (p Params) Validate() error {
	if err := p.Placement().Validate(); err != nil {
		return err
	}
	if !p.IsClient && (p.ServerID < 0 || p.ServerID >= p.NumServers) {
		return fmt.Errorf("config: server_id %d outside [0, %d)", p.ServerID, p.NumServers)
	}
	if p.UpdatePercentage < 0 || p.UpdatePercentage > 100 {
		return fmt.Errorf("config: update_percentage %d outside [0, 100]", p.UpdatePercentage)
	}
	if p.Postlist < 1 {
		return fmt.Errorf("config: postlist %d < 1", p.Postlist)
	}
	if p.NumServerPorts < 1 || p.NumClientPorts < 1 {
		return fmt.Errorf("config: port counts %d/%d < 1", p.NumServerPorts, p.NumClientPorts)
	}
	if p.BasePortIndex < 0 {
		return fmt.Errorf("config: base_port_index %d < 0", p.BasePortIndex)
	}
	if p.NumWorkers < 1 || p.NumClients < 1 {
		return fmt.Errorf("config: geometry %d workers x %d clients invalid", p.NumWorkers, p.NumClients)
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("config: window_size %d < 1", p.WindowSize)
	}
	if p.UnsigBatch < 1 || p.UnsigBatch&(p.UnsigBatch-1) != 0 {
		return fmt.Errorf("config: unsig_batch %d not a power of two", p.UnsigBatch)
	}
	if p.IsClient && p.NumThreads < 1 {
		return fmt.Errorf("config: num_threads %d < 1", p.NumThreads)
	}
	if p.MaxValueLen < 0 || p.MaxValueLen > 254 {
		return fmt.Errorf("config: max value len %d outside [0, 254]", p.MaxValueLen)
	}
	return nil
}

// RegionKey returns the shared-memory key of the request region for a
// server port index.
func RegionKey(portIndex int) uint32 {
	return uint32(MasterShmKey + portIndex)
}

// Getenv returns the environment value for key, or fallback when unset.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
