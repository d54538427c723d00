package network

import (
	"sync"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/wire"
)

// Peer is one connected P2P peer, addressable by its ClusterPeerID. The
// slave link's forwarding path writes frames to a Peer unchanged; the root
// chain serializer calls SendUpdatedTip once per drain cycle that advanced
// the tip.
type Peer interface {
	ClusterPeerID() cluster.ClusterPeerID
	WriteFrame(f wire.Frame) error
	SendUpdatedTip() error
}

// PeerInfo is a plain record of one connected peer's id and remote address,
// independent of the live Peer collaborator. Network below does not use it,
// and the Master does not construct or store it.
type PeerInfo struct {
	ClusterPeerID cluster.ClusterPeerID
	RemoteAddr    string
}

// Network is the external collaborator that resolves cluster peer ids to
// live peer connections and enumerates connected peers. The Master treats
// it as opaque: the real P2P stack and JSON-RPC front end are out of scope.
type Network interface {
	// GetPeerByClusterPeerID looks up a connected peer by id. The second
	// return reports whether the peer was found; a missing peer is not
	// an error, it means the forwarding layer should use the null sink.
	GetPeerByClusterPeerID(id cluster.ClusterPeerID) (Peer, bool)

	// IteratePeers returns a snapshot of all currently connected peers.
	IteratePeers() []Peer
}

// NullSink is the forwarding target used when a frame's cluster_peer_id
// does not resolve to a live peer. It acknowledges every write by
// discarding it, so the slave that originated the frame is never
// back-pressured by a departed peer.
type NullSink struct{}

// WriteFrame discards f and reports success.
func (NullSink) WriteFrame(wire.Frame) error { return nil }

// SendUpdatedTip is a no-op.
func (NullSink) SendUpdatedTip() error { return nil }

// ClusterPeerID always reports the internal sentinel; the null sink is
// never addressed directly by id.
func (NullSink) ClusterPeerID() cluster.ClusterPeerID { return 0 }

// FakePeer is an in-memory Peer used by tests. It records every frame
// written to it and how many times SendUpdatedTip was called.
type FakePeer struct {
	mu sync.Mutex

	id      cluster.ClusterPeerID
	written []wire.Frame
	tipSent int

	// WriteErr, if set, is returned by every WriteFrame call instead of
	// recording the frame.
	WriteErr error
}

// NewFakePeer returns a FakePeer addressed by id.
func NewFakePeer(id cluster.ClusterPeerID) *FakePeer {
	return &FakePeer{id: id}
}

func (p *FakePeer) ClusterPeerID() cluster.ClusterPeerID { return p.id }

func (p *FakePeer) WriteFrame(f wire.Frame) error {
	if p.WriteErr != nil {
		return p.WriteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, f)
	return nil
}

func (p *FakePeer) SendUpdatedTip() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tipSent++
	return nil
}

// Written returns the frames recorded by WriteFrame, in call order.
func (p *FakePeer) Written() []wire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Frame, len(p.written))
	copy(out, p.written)
	return out
}

// TipSentCount returns how many times SendUpdatedTip was called.
func (p *FakePeer) TipSentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tipSent
}

// FakeNetwork is an in-memory Network used by tests and by bring-up before
// a real P2P stack is wired in.
type FakeNetwork struct {
	mu    sync.RWMutex
	peers map[cluster.ClusterPeerID]Peer
}

// NewFakeNetwork returns an empty fake peer registry.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{peers: make(map[cluster.ClusterPeerID]Peer)}
}

// AddPeer registers p under its ClusterPeerID.
func (n *FakeNetwork) AddPeer(p Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[p.ClusterPeerID()] = p
}

// RemovePeer unregisters the peer addressed by id.
func (n *FakeNetwork) RemovePeer(id cluster.ClusterPeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *FakeNetwork) GetPeerByClusterPeerID(id cluster.ClusterPeerID) (Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	return p, ok
}

func (n *FakeNetwork) IteratePeers() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}
