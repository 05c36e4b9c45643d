// Package main is the herdkv process entrypoint. One binary covers all
// three roles:
//
//   - master (--master=1): allocate the request regions for this server's
//     ports, publish the per-client endpoints, start the worker loops, and
//     park until interrupted.
//   - client (--is-client=1): start --num-threads client loops that route
//     keys to shard primaries and keep their request windows full.
//   - single-host bench (--master=1 --is-client=1): bring up every server in
//     the cluster in-process and run the clients against them.
//
// The data plane runs over the fabric configured at build time; this binary
// wires the in-process loopback, which makes the combined mode the one that
// exercises the full path on a development machine. A multi-host deployment
// substitutes a real fabric behind the same interfaces and runs the roles in
// separate processes.
//
// Example:
//
//	REGISTRY_IP=10.0.0.1 ./herdkv --master=1 --is-client=1 \
//	  --num-servers=4 --num-shards=8 --replication-factor=2 \
//	  --num-threads=2 --update-percentage=50
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dreamware/herdkv/internal/client"
	"github.com/dreamware/herdkv/internal/cluster"
	"github.com/dreamware/herdkv/internal/config"
	"github.com/dreamware/herdkv/internal/fabric"
	"github.com/dreamware/herdkv/internal/master"
	"github.com/dreamware/herdkv/internal/mica"
	"github.com/dreamware/herdkv/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

func main() {
	p := parseFlags(os.Args[1:])
	if err := p.Validate(); err != nil {
		logFatal("config: %v", err)
	}
	if !p.Master && !p.IsClient {
		logFatal("config: pick a role: --master=1 and/or --is-client=1")
	}

	fab := fabric.NewLoopback()
	var stop atomic.Bool
	var wg sync.WaitGroup

	if p.Master {
		// Combined mode runs the whole cluster in this process; a plain
		// master runs only the configured server.
		ids := []int{p.ServerID}
		if p.IsClient {
			ids = ids[:0]
			for sid := 0; sid < p.NumServers; sid++ {
				ids = append(ids, sid)
			}
		}
		for _, sid := range ids {
			if err := runServer(fab, p, sid, &stop, &wg); err != nil {
				logFatal("server %d: %v", sid, err)
			}
		}
	}

	if p.IsClient {
		for th := 0; th < p.NumThreads; th++ {
			gid := cluster.ClientGID(p.MachineID, p.NumThreads, th)
			c, err := client.New(fab, p, gid)
			if err != nil {
				logFatal("client %d: %v", gid, err)
			}
			wg.Add(1)
			go func(gid int, c *client.Client) {
				defer wg.Done()
				if _, err := c.Run(0, &stop); err != nil {
					logFatal("client %d: %v", gid, err)
				}
			}(gid, c)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	stop.Store(true)
	wg.Wait()
	log.Println("herdkv stopped")
}

// runServer performs master setup for every port of one server and starts
// its worker loops.
func runServer(fab fabric.Fabric, p config.Params, sid int, stop *atomic.Bool, wg *sync.WaitGroup) error {
	sp := p
	sp.ServerID = sid
	for pi := 0; pi < sp.NumServerPorts; pi++ {
		mp, err := master.Run(fab, sp, pi)
		if err != nil {
			return err
		}
		log.Printf("server %d: region %d ready on port %d", sid, config.RegionKey(mp.PortIndex), mp.PortIndex)

		for wn := 0; wn < sp.NumWorkers; wn++ {
			engine, err := mica.New(mica.Config{
				NumBuckets:  sp.NumBuckets,
				LogBytes:    sp.LogBytes,
				MaxValueLen: sp.MaxValueLen,
			})
			if err != nil {
				return err
			}
			w, err := worker.New(worker.Config{
				ServerID:   sid,
				Worker:     wn,
				Postlist:   sp.Postlist,
				UnsigBatch: sp.UnsigBatch,
			}, fab, mp.Segment, mp.Region, engine, fab.NewEndpoint(fabric.Datagram))
			if err != nil {
				return err
			}
			wg.Add(1)
			go func(sid, wn int, w *worker.Worker) {
				defer wg.Done()
				if err := w.Run(stop); err != nil {
					logFatal("server %d worker %d: %v", sid, wn, err)
				}
			}(sid, wn, w)
		}
	}
	return nil
}

// parseFlags maps the CLI surface onto a parameter set.
func parseFlags(args []string) config.Params {
	p := config.Defaults()
	fs := flag.NewFlagSet("herdkv", flag.ExitOnError)

	masterFlag := fs.Int("master", 0, "run the master/server role (0|1)")
	clientFlag := fs.Int("is-client", 0, "run the client role (0|1)")
	fs.IntVar(&p.BasePortIndex, "base-port-index", 0, "first fabric port index")
	fs.IntVar(&p.NumServerPorts, "num-server-ports", p.NumServerPorts, "ports per server")
	fs.IntVar(&p.NumClientPorts, "num-client-ports", p.NumClientPorts, "ports per client")
	fs.IntVar(&p.Postlist, "postlist", p.Postlist, "worker send batch size")
	fs.IntVar(&p.UpdatePercentage, "update-percentage", 0, "PUT share of the workload, 0..100")
	fs.IntVar(&p.MachineID, "machine-id", 0, "client machine id")
	fs.IntVar(&p.NumThreads, "num-threads", p.NumThreads, "client threads on this machine")
	fs.IntVar(&p.NumServers, "num-servers", p.NumServers, "servers in the cluster")
	fs.IntVar(&p.NumShards, "num-shards", p.NumShards, "shards in the key space")
	fs.IntVar(&p.ReplicationFactor, "replication-factor", p.ReplicationFactor, "replicas per shard")
	fs.IntVar(&p.ServerID, "server-id", 0, "this server's id")
	fs.IntVar(&p.NumWorkers, "num-workers", p.NumWorkers, "worker loops per server port")
	fs.IntVar(&p.NumClients, "num-clients", p.NumClients, "client columns per request region")
	fs.IntVar(&p.WindowSize, "window-size", p.WindowSize, "outstanding requests per (server, worker)")
	fs.IntVar(&p.NumBuckets, "num-buckets", p.NumBuckets, "index buckets per worker engine")
	fs.IntVar(&p.LogBytes, "log-bytes", p.LogBytes, "circular log bytes per worker engine")
	fs.IntVar(&p.NumKeys, "num-keys", p.NumKeys, "preloaded keys per client")

	// ExitOnError: a bad flag never reaches Validate.
	_ = fs.Parse(args)

	p.Master = *masterFlag != 0
	p.IsClient = *clientFlag != 0
	return p
}
