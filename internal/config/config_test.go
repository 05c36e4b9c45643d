package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallValid returns a parameter set that passes validation, for mutation
// by the error cases.
func smallValid() Params {
	p := Defaults()
	p.Master = true
	return p
}

// TestValidate walks the configuration error class of the startup checks.
func TestValidate(t *testing.T) {
	require.NoError(t, smallValid().Validate())

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"server id beyond cluster", func(p *Params) { p.ServerID = p.NumServers }},
		{"negative server id", func(p *Params) { p.ServerID = -1 }},
		{"replication beyond servers", func(p *Params) { p.ReplicationFactor = p.NumServers + 1 }},
		{"zero shards", func(p *Params) { p.NumShards = 0 }},
		{"percentage above 100", func(p *Params) { p.UpdatePercentage = 101 }},
		{"negative percentage", func(p *Params) { p.UpdatePercentage = -1 }},
		{"zero postlist", func(p *Params) { p.Postlist = 0 }},
		{"zero server ports", func(p *Params) { p.NumServerPorts = 0 }},
		{"negative base port", func(p *Params) { p.BasePortIndex = -1 }},
		{"zero workers", func(p *Params) { p.NumWorkers = 0 }},
		{"zero window", func(p *Params) { p.WindowSize = 0 }},
		{"unsig batch not power of two", func(p *Params) { p.UnsigBatch = 48 }},
		{"client without threads", func(p *Params) { p.IsClient = true; p.NumThreads = 0 }},
		{"value beyond wire limit", func(p *Params) { p.MaxValueLen = 255 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := smallValid()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	t.Run("client ignores server id bound", func(t *testing.T) {
		p := smallValid()
		p.Master = false
		p.IsClient = true
		p.ServerID = p.NumServers + 3
		assert.NoError(t, p.Validate())
	})
}

// TestRegionKey checks the per-port shared memory key derivation.
func TestRegionKey(t *testing.T) {
	assert.Equal(t, uint32(MasterShmKey), RegionKey(0))
	assert.Equal(t, uint32(MasterShmKey+3), RegionKey(3))
}

// TestDefaults spot-checks the deployment constants the rest of the system
// assumes.
func TestDefaults(t *testing.T) {
	p := Defaults()
	assert.Equal(t, 64, p.UnsigBatch)
	assert.Zero(t, p.UnsigBatch&(p.UnsigBatch-1), "unsig batch must be a power of two")
	assert.Equal(t, 32, p.WindowSize)
	assert.Equal(t, 32, p.MaxValueLen)
	assert.Equal(t, uint64(524288), uint64(StatBatch))
}
