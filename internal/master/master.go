// Package master sets up the passive side of the data plane: it allocates
// the request region for a server port, creates the per-client connected
// endpoints that clients write through, registers the region with each, and
// publishes every endpoint in the rendezvous directory.
//
// The master does all of this once and then takes no further part in the
// data plane. The region lives under a stable numeric key, so a master that
// restarts finds the same segment and the workers polling it never notice.
package master

import (
	"github.com/dreamware/herdkv/internal/cluster"
	"github.com/dreamware/herdkv/internal/config"
	"github.com/dreamware/herdkv/internal/fabric"
	"github.com/dreamware/herdkv/internal/region"
)

// HugePage is the region alignment unit. Segment sizes round up to it.
const HugePage = 2 * 1024 * 1024

// Port is the outcome of master setup for one server port: the shared
// segment, the slot view over it, and the published per-client endpoints.
type Port struct {
	PortIndex int
	Segment   fabric.Segment
	Region    *region.Region
	Endpoints []fabric.Endpoint // indexed by client gid
}

// RegionConfig derives the request-region geometry from the process
// parameters.
func RegionConfig(p config.Params) region.Config {
	return region.Config{
		Workers:  p.NumWorkers,
		Clients:  p.NumClients,
		Window:   p.WindowSize,
		SlotSize: region.SlotSizeFor(p.MaxValueLen),
	}
}

// alignUp rounds n up to a multiple of align.
func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Run performs master setup for one port. portIndex is relative to the
// process's base port index.
func Run(fab fabric.Fabric, p config.Params, portIndex int) (*Port, error) {
	rcfg := RegionConfig(p)
	if err := rcfg.Validate(); err != nil {
		return nil, err
	}

	port := p.BasePortIndex + portIndex
	seg, err := fab.CreateRegion(config.RegionKey(port), alignUp(rcfg.Size(), HugePage))
	if err != nil {
		return nil, err
	}
	reg, err := region.New(rcfg, seg.Bytes())
	if err != nil {
		return nil, err
	}

	eps := make([]fabric.Endpoint, p.NumClients)
	for gid := 0; gid < p.NumClients; gid++ {
		ep := fab.NewEndpoint(fabric.Connected)
		if err := ep.RegisterRegion(seg); err != nil {
			return nil, err
		}
		if err := fab.Publish(cluster.MasterEndpointName(p.ServerID, port, gid), ep); err != nil {
			return nil, err
		}
		eps[gid] = ep
	}

	return &Port{PortIndex: port, Segment: seg, Region: reg, Endpoints: eps}, nil
}
