package wire

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/dreamware/quarkmaster/internal/cluster"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	want := Frame{
		Op:      OpPing,
		Branch:  cluster.RootBranch,
		PeerID:  cluster.ClusterPeerID(0),
		RPCID:   42,
		Payload: json.RawMessage(`{"id":"s1"}`),
	}

	done := make(chan error, 1)
	go func() {
		done <- cc.WriteFrame(want)
	}()

	got, err := sc.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if got.Op != want.Op || got.Branch != want.Branch || got.RPCID != want.RPCID {
		t.Errorf("round-tripped frame = %+v, want %+v", got, want)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, want.Payload)
	}
}

func TestFrameIsForwarded(t *testing.T) {
	tests := []struct {
		name   string
		peerID cluster.ClusterPeerID
		want   bool
	}{
		{"internal traffic", 0, false},
		{"peer traffic", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Frame{PeerID: tt.peerID}
			if got := f.IsForwarded(); got != tt.want {
				t.Errorf("IsForwarded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnNextRPCIDMonotonic(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	c := NewConn(client)

	prev := uint64(0)
	for i := 0; i < 5; i++ {
		id := c.NextRPCID()
		if id <= prev {
			t.Fatalf("NextRPCID() = %d, want strictly greater than %d", id, prev)
		}
		prev = id
	}
}

func TestWriteFrameConcurrentSafe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			_ = cc.WriteFrame(Frame{Op: OpGetStats, RPCID: uint64(i)})
		}
	}()

	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		f, err := sc.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		seen[f.RPCID] = true
	}
	if len(seen) != n {
		t.Errorf("received %d distinct rpc_ids, want %d (frames interleaved?)", len(seen), n)
	}
}

func TestReadFrameEOF(t *testing.T) {
	server, client := net.Pipe()
	cc := NewConn(client)
	_ = client.Close()

	done := make(chan struct{})
	go func() {
		_, _ = cc.ReadFrame()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame did not return after peer close")
	}
	_ = server.Close()
}
