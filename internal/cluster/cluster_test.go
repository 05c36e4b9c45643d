package cluster

import "testing"

// TestEndpointNames pins the rendezvous naming scheme bit-exactly; every
// process in the cluster derives these strings independently.
func TestEndpointNames(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{MasterEndpointName(0, 0, 0), "master-s0-0-0"},
		{MasterEndpointName(3, 2, 41), "master-s3-2-41"},
		{ClientConnName(0, 0), "client-conn-s0-0"},
		{ClientConnName(7, 12), "client-conn-s7-12"},
		{ClientDgramName(5), "client-dgram-5"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

// TestClientGID checks the machine/thread to global id mapping.
func TestClientGID(t *testing.T) {
	if gid := ClientGID(0, 4, 3); gid != 3 {
		t.Errorf("ClientGID(0,4,3) = %d", gid)
	}
	if gid := ClientGID(2, 4, 1); gid != 9 {
		t.Errorf("ClientGID(2,4,1) = %d", gid)
	}
}

// TestReplyImm checks the pack/unpack round trip of reply immediate data.
func TestReplyImm(t *testing.T) {
	for _, tc := range []struct{ sid, wn int }{{0, 0}, {3, 11}, {15, 255}} {
		sid, wn := SplitReplyImm(ReplyImm(tc.sid, tc.wn))
		if sid != tc.sid || wn != tc.wn {
			t.Errorf("round trip of (%d,%d) gave (%d,%d)", tc.sid, tc.wn, sid, wn)
		}
	}
}
