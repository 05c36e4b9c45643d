// Package cluster holds the small amount of naming and identity shared by
// every role: rendezvous endpoint names, global client ids, and the
// immediate-data tag replies carry so a client can attribute a completion to
// the worker that produced it.
package cluster

import "fmt"

// ClientGID computes a client thread's global id from its machine id and
// thread index. Global ids index request-region columns, so the scheme must
// be identical on every machine.
func ClientGID(machineID, numThreads, thread int) int {
	return machineID*numThreads + thread
}

// MasterEndpointName is the rendezvous name of the master-side connected
// endpoint serving one client on one server port.
func MasterEndpointName(serverID, port, clientGID int) string {
	return fmt.Sprintf("master-s%d-%d-%d", serverID, port, clientGID)
}

// ClientConnName is the rendezvous name of the client-side connected
// endpoint for one server.
func ClientConnName(serverID, clientGID int) string {
	return fmt.Sprintf("client-conn-s%d-%d", serverID, clientGID)
}

// ClientDgramName is the rendezvous name of a client's reply endpoint.
// Workers resolve it the first time they answer that client.
func ClientDgramName(clientGID int) string {
	return fmt.Sprintf("client-dgram-%d", clientGID)
}

// ReplyImm packs the responding server and worker into a reply's immediate
// data. Replies from one worker arrive in post order, so the pair is enough
// for the client's per-worker window accounting.
func ReplyImm(serverID, worker int) uint64 {
	return uint64(serverID)<<32 | uint64(uint32(worker))
}

// SplitReplyImm unpacks ReplyImm.
func SplitReplyImm(imm uint64) (serverID, worker int) {
	return int(imm >> 32), int(uint32(imm))
}
