package slavelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/network"
	"github.com/dreamware/quarkmaster/internal/rootstate"
	"github.com/dreamware/quarkmaster/internal/wire"
)

// ErrLinkClosed is returned by any operation attempted on a link whose
// underlying stream has already closed or failed.
var ErrLinkClosed = errors.New("slave link closed")

// LinkHandler is the non-owning interface a SlaveLink uses to call back
// into the Master. The Master implements it; SlaveLink holds only this
// interface, never a concrete *master.Master, breaking the cyclic
// reference the two would otherwise have.
type LinkHandler interface {
	// ResolvePeer looks up a forwarding target for a slave-originated
	// frame. ok is false when no such peer is connected, in which case
	// the caller should forward to the null sink instead.
	ResolvePeer(id cluster.ClusterPeerID) (network.Peer, bool)

	// RecordValidatedMinorBlockHeader is invoked for every inbound
	// ADD_MINOR_BLOCK_HEADER_REQUEST, so the header becomes eligible for
	// inclusion in a future root block.
	RecordValidatedMinorBlockHeader(h rootstate.MinorBlockHeader)

	// OnLinkLost is invoked once, from whichever goroutine first detects
	// the link has failed. Per the fail-stop cluster policy, this must
	// trigger Master shutdown; it must never attempt reconnection.
	OnLinkLost(slaveID string, err error)
}

// pendingRPC is an in-flight request awaiting its matching response.
type pendingRPC struct {
	reply chan wire.Frame
}

// SlaveLink owns one framed connection to a single slave. Reads happen on
// a dedicated goroutine; writes are serialized through a channel consumed
// by a second goroutine, so "no two concurrent writers to the same link"
// holds structurally.
type SlaveLink struct {
	info    cluster.SlaveInfo
	conn    *wire.Conn
	handler LinkHandler
	log     logrus.FieldLogger

	writeCh chan wire.Frame

	mu      sync.Mutex
	pending map[uint64]*pendingRPC
	active  bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established connection; the identity handshake is the
// Ping RPC issued over the link afterwards. Callers must call Start before
// any RPC method will make progress.
func New(info cluster.SlaveInfo, conn *wire.Conn, handler LinkHandler, log logrus.FieldLogger) *SlaveLink {
	return &SlaveLink{
		info:    info,
		conn:    conn,
		handler: handler,
		log:     log.WithFields(logrus.Fields{"component": "slavelink", "slave_id": info.ID}),
		writeCh: make(chan wire.Frame, 16),
		pending: make(map[uint64]*pendingRPC),
		active:  true,
		closed:  make(chan struct{}),
	}
}

// Start launches the link's reader and writer goroutines. ctx cancellation
// stops the writer loop only, without reporting a link loss to the handler;
// the reader loop runs until the connection fails or Close closes it.
func (l *SlaveLink) Start(ctx context.Context) {
	go l.writeLoop(ctx)
	go l.readLoop()
}

func (l *SlaveLink) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-l.writeCh:
			if err := l.conn.WriteFrame(f); err != nil {
				l.fail(err)
				return
			}
		case <-l.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *SlaveLink) readLoop() {
	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			l.fail(err)
			return
		}
		l.handleInbound(f)
	}
}

// fail marks the link inactive, closes the underlying connection, and
// notifies the handler exactly once. Per the fail-stop policy this always
// means the whole Master is about to shut down.
func (l *SlaveLink) fail(err error) {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.closeOnce.Do(func() { close(l.closed) })
	_ = l.conn.Close()
	for _, p := range pending {
		close(p.reply)
	}

	l.log.WithError(err).Warn("slave link lost")
	l.handler.OnLinkLost(l.info.ID, err)
}

// Close shuts the link down deliberately, without notifying the handler.
// The Master calls this during its own shutdown sequence, where notifying
// itself of its own closed links would be redundant.
func (l *SlaveLink) Close() error {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return nil
	}
	l.active = false
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.closed) })
	return l.conn.Close()
}

// IsActive reports whether the link is still believed to be up.
func (l *SlaveLink) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// ID returns the slave's configured identifier.
func (l *SlaveLink) ID() string { return l.info.ID }

// HasShard reports whether the slave declared coverage of shardID.
func (l *SlaveLink) HasShard(shardID int) bool { return l.info.HasShard(shardID) }

// HasOverlap reports whether the slave declared a mask overlapping mask.
func (l *SlaveLink) HasOverlap(mask cluster.ShardMask) bool { return l.info.HasOverlap(mask) }

func (l *SlaveLink) handleInbound(f wire.Frame) {
	if f.IsForwarded() {
		l.forward(f)
		return
	}
	if f.IsReply {
		l.resolveReply(f)
		return
	}
	switch f.Op {
	case wire.OpAddMinorBlockHeader:
		l.handleAddMinorBlockHeader(f)
	default:
		l.log.WithField("op", f.Op).Warn("unhandled inbound request")
	}
}

// forward routes a frame whose cluster_peer_id names a remote peer rather
// than the Master itself. A missing peer writes to the null sink so the
// slave is never back-pressured by a departed peer.
func (l *SlaveLink) forward(f wire.Frame) {
	target, ok := l.handler.ResolvePeer(f.PeerID)
	if !ok {
		var sink network.NullSink
		_ = sink.WriteFrame(f)
		return
	}
	if err := target.WriteFrame(f); err != nil {
		l.log.WithError(err).Warn("forward to peer failed")
	}
}

func (l *SlaveLink) resolveReply(f wire.Frame) {
	l.mu.Lock()
	var p *pendingRPC
	if l.pending != nil {
		p = l.pending[f.RPCID]
		delete(l.pending, f.RPCID)
	}
	l.mu.Unlock()
	if p == nil {
		l.log.WithField("rpc_id", f.RPCID).Warn("reply for unknown rpc_id")
		return
	}
	p.reply <- f
}

func (l *SlaveLink) handleAddMinorBlockHeader(f wire.Frame) {
	var req wire.AddMinorBlockHeaderRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		l.log.WithError(err).Error("decode ADD_MINOR_BLOCK_HEADER_REQUEST")
		return
	}
	l.handler.RecordValidatedMinorBlockHeader(req.Header)

	resp, _ := json.Marshal(wire.AddMinorBlockHeaderResult{ErrorCode: 0})
	l.enqueueWrite(wire.Frame{
		Op:      wire.OpAddMinorBlockHeader,
		RPCID:   f.RPCID,
		IsReply: true,
		Payload: resp,
	})
}

func (l *SlaveLink) enqueueWrite(f wire.Frame) {
	select {
	case l.writeCh <- f:
	case <-l.closed:
	}
}

// writeRPC sends an RPC request and blocks until the matching response
// arrives, ctx is canceled, or the link closes.
func (l *SlaveLink) writeRPC(ctx context.Context, op wire.OpCode, branch cluster.Branch, payload any) (wire.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("encode %s payload: %w", op, err)
	}

	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return wire.Frame{}, ErrLinkClosed
	}
	rpcID := l.conn.NextRPCID()
	pr := &pendingRPC{reply: make(chan wire.Frame, 1)}
	l.pending[rpcID] = pr
	l.mu.Unlock()

	l.enqueueWrite(wire.Frame{Op: op, Branch: branch, RPCID: rpcID, Payload: data})

	select {
	case resp, ok := <-pr.reply:
		if !ok {
			return wire.Frame{}, ErrLinkClosed
		}
		return resp, nil
	case <-l.closed:
		return wire.Frame{}, ErrLinkClosed
	case <-ctx.Done():
		l.mu.Lock()
		if l.pending != nil {
			delete(l.pending, rpcID)
		}
		l.mu.Unlock()
		return wire.Frame{}, ctx.Err()
	}
}

// writeCommand sends a one-way frame; no response is awaited.
func (l *SlaveLink) writeCommand(op wire.OpCode, branch cluster.Branch, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", op, err)
	}
	if !l.IsActive() {
		return ErrLinkClosed
	}
	l.enqueueWrite(wire.Frame{Op: op, Branch: branch, Payload: data})
	return nil
}

// Ping issues the handshake RPC and returns the slave's self-reported
// identity and shard masks.
func (l *SlaveLink) Ping(ctx context.Context) (wire.PingResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpPing, cluster.RootBranch, struct{}{})
	if err != nil {
		return wire.PingResult{}, err
	}
	var out wire.PingResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.PingResult{}, fmt.Errorf("decode PING response: %w", err)
	}
	return out, nil
}

// ConnectToSlaves instructs the slave to dial every listed target as part
// of mesh formation.
func (l *SlaveLink) ConnectToSlaves(ctx context.Context, targets []wire.SlaveTarget) (wire.ConnectToSlavesResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpConnectToSlaves, cluster.RootBranch, wire.ConnectToSlavesRequest{Slaves: targets})
	if err != nil {
		return wire.ConnectToSlavesResult{}, err
	}
	var out wire.ConnectToSlavesResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.ConnectToSlavesResult{}, fmt.Errorf("decode CONNECT_TO_SLAVES response: %w", err)
	}
	return out, nil
}

// GetAccountData fetches the current state of one account from this slave.
func (l *SlaveLink) GetAccountData(ctx context.Context, branch cluster.Branch, addr rootstate.Address) (wire.GetAccountDataResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpGetAccountData, branch, wire.GetAccountDataRequest{Address: addr})
	if err != nil {
		return wire.GetAccountDataResult{}, err
	}
	var out wire.GetAccountDataResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.GetAccountDataResult{}, fmt.Errorf("decode GET_ACCOUNT_DATA response: %w", err)
	}
	return out, nil
}

// AddTransaction submits a transaction to this slave and reports whether it
// was accepted.
func (l *SlaveLink) AddTransaction(ctx context.Context, branch cluster.Branch, txData json.RawMessage) (bool, error) {
	resp, err := l.writeRPC(ctx, wire.OpAddTransaction, branch, wire.AddTransactionRequest{Branch: branch, TxData: txData})
	if err != nil {
		return false, err
	}
	var out wire.AddTransactionResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return false, fmt.Errorf("decode ADD_TRANSACTION response: %w", err)
	}
	return out.Success, nil
}

// GetEcoInfoList fetches the economic snapshot for every shard this slave
// serves, used by the mining dispatcher.
func (l *SlaveLink) GetEcoInfoList(ctx context.Context) (wire.GetEcoInfoListResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpGetEcoInfoList, cluster.RootBranch, struct{}{})
	if err != nil {
		return wire.GetEcoInfoListResult{}, err
	}
	var out wire.GetEcoInfoListResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.GetEcoInfoListResult{}, fmt.Errorf("decode GET_ECO_INFO_LIST response: %w", err)
	}
	return out, nil
}

// GetUnconfirmedHeaders fetches unconfirmed minor-block headers for every
// shard this slave serves, used by the mining dispatcher's Step R.
func (l *SlaveLink) GetUnconfirmedHeaders(ctx context.Context) (wire.GetUnconfirmedHeadersResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpGetUnconfirmedHeaders, cluster.RootBranch, struct{}{})
	if err != nil {
		return wire.GetUnconfirmedHeadersResult{}, err
	}
	var out wire.GetUnconfirmedHeadersResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.GetUnconfirmedHeadersResult{}, fmt.Errorf("decode GET_UNCONFIRMED_HEADERS response: %w", err)
	}
	return out, nil
}

// GetNextBlockToMine asks this slave, as the dispatch slave for branch, for
// the next minor block candidate.
func (l *SlaveLink) GetNextBlockToMine(ctx context.Context, req wire.GetNextBlockToMineRequest) (wire.GetNextBlockToMineResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpGetNextBlockToMine, req.Branch, req)
	if err != nil {
		return wire.GetNextBlockToMineResult{}, err
	}
	var out wire.GetNextBlockToMineResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.GetNextBlockToMineResult{}, fmt.Errorf("decode GET_NEXT_BLOCK_TO_MINE response: %w", err)
	}
	return out, nil
}

// AddRawMinorBlock forwards an opaque minor block to this slave for
// application, used by add_raw_minor_block's dispatch-slave forward.
func (l *SlaveLink) AddRawMinorBlock(ctx context.Context, branch cluster.Branch, blockData json.RawMessage) (wire.AddMinorBlockResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpAddMinorBlock, branch, wire.AddMinorBlockRequest{BlockData: blockData})
	if err != nil {
		return wire.AddMinorBlockResult{}, err
	}
	var out wire.AddMinorBlockResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.AddMinorBlockResult{}, fmt.Errorf("decode ADD_MINOR_BLOCK response: %w", err)
	}
	return out, nil
}

// AddRootBlock broadcasts a newly applied root block to this slave.
func (l *SlaveLink) AddRootBlock(ctx context.Context, block rootstate.RootBlock) (wire.AddRootBlockResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpAddRootBlock, cluster.RootBranch, wire.AddRootBlockRequest{Block: block})
	if err != nil {
		return wire.AddRootBlockResult{}, err
	}
	var out wire.AddRootBlockResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.AddRootBlockResult{}, fmt.Errorf("decode ADD_ROOT_BLOCK response: %w", err)
	}
	return out, nil
}

// GetStats fetches this slave's per-shard statistics.
func (l *SlaveLink) GetStats(ctx context.Context) (wire.GetStatsResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpGetStats, cluster.RootBranch, struct{}{})
	if err != nil {
		return wire.GetStatsResult{}, err
	}
	var out wire.GetStatsResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.GetStatsResult{}, fmt.Errorf("decode GET_STATS response: %w", err)
	}
	return out, nil
}

// CreateClusterPeerConnection asks this slave to open its side of a newly
// connected peer's channel.
func (l *SlaveLink) CreateClusterPeerConnection(ctx context.Context, peerID cluster.ClusterPeerID) (wire.CreateClusterPeerConnectionResult, error) {
	resp, err := l.writeRPC(ctx, wire.OpCreateClusterPeerConnection, cluster.RootBranch, wire.CreateClusterPeerConnectionRequest{ClusterPeerID: peerID})
	if err != nil {
		return wire.CreateClusterPeerConnectionResult{}, err
	}
	var out wire.CreateClusterPeerConnectionResult
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return wire.CreateClusterPeerConnectionResult{}, fmt.Errorf("decode CREATE_CLUSTER_PEER_CONNECTION response: %w", err)
	}
	return out, nil
}

// DestroyClusterPeerConnection sends the fire-and-forget command notifying
// this slave that peerID has disconnected.
func (l *SlaveLink) DestroyClusterPeerConnection(peerID cluster.ClusterPeerID) error {
	return l.writeCommand(wire.OpDestroyClusterPeerConn, cluster.RootBranch, wire.DestroyClusterPeerConnectionRequest{ClusterPeerID: peerID})
}
