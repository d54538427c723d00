package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/metrics"
	"github.com/dreamware/quarkmaster/internal/mining"
	"github.com/dreamware/quarkmaster/internal/network"
	"github.com/dreamware/quarkmaster/internal/registry"
	"github.com/dreamware/quarkmaster/internal/rootchain"
	"github.com/dreamware/quarkmaster/internal/rootstate"
	"github.com/dreamware/quarkmaster/internal/slavelink"
	"github.com/dreamware/quarkmaster/internal/wire"
)

// ErrUnknownBranch is returned when a client operation names a branch the
// registry has no covering slave for.
var ErrUnknownBranch = errors.New("branch has no covering slave")

// Dialer opens a framed connection to a slave's dial address. Production
// wires wire.Dial; tests substitute a net.Pipe-backed dialer so bring-up can
// be exercised without a real listener.
type Dialer func(addr string) (*wire.Conn, error)

type fatalFunc func(msg string, fields logrus.Fields)

// Master is the orchestrator: it owns the slave mesh, the root-block
// serializer, and the mining dispatcher, and exposes the client- and
// peer-facing operations that route through them.
type Master struct {
	shardSize  int
	dialer     Dialer
	retryDelay time.Duration
	net        network.Network
	rootState  rootstate.RootState
	log        logrus.FieldLogger

	registry *registry.ClusterRegistry
	chain    *rootchain.Serializer
	mining   *mining.Dispatcher
	metrics  *metrics.Collectors

	mu                sync.Mutex
	links             []*slavelink.SlaveLink
	artificialTxCount cluster.ArtificialTxCount

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error

	onAssertionFailure fatalFunc

	healthMonitor *SlaveHealthMonitor
}

// New constructs a Master for a cluster of shardSize shards. dialer opens
// connections during bring-up; retryDelay is the fixed pause between failed
// dial attempts to the same slave; proofOfProgressBlocks configures the
// mining dispatcher's root-versus-minor fallback threshold.
func New(shardSize int, dialer Dialer, retryDelay time.Duration, proofOfProgressBlocks uint64, rootState rootstate.RootState, net network.Network, log logrus.FieldLogger) *Master {
	log = log.WithField("component", "master")
	reg := registry.New(shardSize)
	m := &Master{
		shardSize:  shardSize,
		dialer:     dialer,
		retryDelay: retryDelay,
		net:        net,
		rootState:  rootState,
		log:        log,
		registry:   reg,
		chain:      rootchain.New(rootState, reg, net, log),
		mining:     mining.New(reg, rootState, proofOfProgressBlocks, log),
		metrics:    metrics.New(),
		ready:      make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	m.onAssertionFailure = func(msg string, fields logrus.Fields) {
		log.WithFields(fields).Fatal(msg)
	}
	return m
}

// SetAssertionFailureHandler overrides how Master reports hard assertion
// failures (divergent cluster state). Tests use this to observe a failure
// without killing the test binary; production leaves the logrus.Fatal
// default in place.
func (m *Master) SetAssertionFailureHandler(f func(msg string, fields logrus.Fields)) {
	m.onAssertionFailure = f
	m.chain.SetAssertionFailureHandler(f)
}

// SetArtificialTxCount sets the operator-controlled value forwarded into
// every subsequent GetNextBlockToMine call's GET_NEXT_BLOCK_TO_MINE_REQUEST.
func (m *Master) SetArtificialTxCount(n cluster.ArtificialTxCount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artificialTxCount = n
}

// Ready returns a channel closed once bring-up completes, successfully or
// not; callers must check ReadyErr after it closes.
func (m *Master) Ready() <-chan struct{} { return m.ready }

// ReadyErr reports why bring-up failed, valid only after Ready is closed.
// A nil return means the cluster came up successfully.
func (m *Master) ReadyErr() error { return m.readyErr }

// ShutdownDone returns a channel closed once Shutdown has run.
func (m *Master) ShutdownDone() <-chan struct{} { return m.shutdownCh }

// Metrics returns the Master's prometheus collectors, for a caller that
// chooses to expose them (e.g. behind promhttp.Handler). The Master keeps
// them updated regardless of whether anything ever reads them.
func (m *Master) Metrics() *metrics.Collectors { return m.metrics }

func (m *Master) resolveReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Master) rejectReady(err error) {
	m.readyOnce.Do(func() {
		m.readyErr = err
		close(m.ready)
	})
}

// Shutdown is idempotent: it closes every slave link and resolves the
// shutdown future exactly once. If the cluster never became ready, the
// readiness future is also resolved, with err.
func (m *Master) Shutdown(err error) {
	m.shutdownOnce.Do(func() {
		m.log.WithError(err).Warn("master shutting down")
		m.shutdownErr = err
		m.mu.Lock()
		links := m.links
		m.mu.Unlock()
		for _, l := range links {
			_ = l.Close()
		}
		m.metrics.SetConnectedSlaves(0)
		close(m.shutdownCh)
	})
	m.rejectReady(err)
}

// ResolvePeer implements slavelink.LinkHandler.
func (m *Master) ResolvePeer(id cluster.ClusterPeerID) (network.Peer, bool) {
	return m.net.GetPeerByClusterPeerID(id)
}

// RecordValidatedMinorBlockHeader implements slavelink.LinkHandler.
func (m *Master) RecordValidatedMinorBlockHeader(h rootstate.MinorBlockHeader) {
	m.rootState.AddValidatedMinorBlockHash(h.Hash)
}

// OnLinkLost implements slavelink.LinkHandler. Per the fail-stop cluster
// policy, any lost slave link is cluster-fatal: it triggers shutdown, never
// reconnection.
func (m *Master) OnLinkLost(slaveID string, err error) {
	m.Shutdown(fmt.Errorf("slave %s: %w", slaveID, err))
}

// BringUp dials every slave in cfg in order, retrying each dial forever with
// the configured delay, verifies each slave's self-reported identity and
// shard masks against configuration, builds the registry, and forms the
// slave-to-slave mesh. It resolves the readiness future on success. A
// missing-shard-coverage failure aborts bring-up and rejects readiness
// without resolving shutdown; every other failure is fatal and calls
// Shutdown.
func (m *Master) BringUp(ctx context.Context, cfg cluster.ClusterConfig) error {
	targets := make([]wire.SlaveTarget, len(cfg.Slaves))
	for i, s := range cfg.Slaves {
		targets[i] = wire.SlaveTarget{ID: s.ID, Host: s.Host, Port: s.Port}
	}

	links := make([]*slavelink.SlaveLink, 0, len(cfg.Slaves))
	for _, info := range cfg.Slaves {
		link, err := m.connectAndVerify(ctx, info)
		if err != nil {
			m.Shutdown(err)
			return err
		}
		links = append(links, link)
	}

	m.logCoverageSummary(links)

	if err := m.registry.Build(links); err != nil {
		m.log.WithError(err).Error("missing shard coverage, check cluster config")
		m.rejectReady(err)
		return err
	}

	m.mu.Lock()
	m.links = links
	m.mu.Unlock()
	m.metrics.SetConnectedSlaves(len(links))

	for _, link := range links {
		resp, err := link.ConnectToSlaves(ctx, targets)
		if err != nil {
			err = fmt.Errorf("connect_to_slaves on %s: %w", link.ID(), err)
			m.Shutdown(err)
			return err
		}
		if len(resp.Results) != len(targets) {
			err := fmt.Errorf("connect_to_slaves on %s: got %d results, want %d", link.ID(), len(resp.Results), len(targets))
			m.Shutdown(err)
			return err
		}
		for i, result := range resp.Results {
			if result != "" {
				err := fmt.Errorf("slave %s failed to connect to %s: %s", link.ID(), targets[i].ID, result)
				m.Shutdown(err)
				return err
			}
		}
	}

	m.resolveReady()
	return nil
}

// StartHealthMonitor begins actively pinging every connected slave on the
// given interval, in the current goroutine, treating a slave unresponsive for
// 3 consecutive pings the same as a lost link. Call after BringUp succeeds;
// it returns once ctx is canceled. Shutdown closing the slave links does not
// stop it: its pings then fail until ctx is canceled.
func (m *Master) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	links := m.links
	m.mu.Unlock()

	m.healthMonitor = NewSlaveHealthMonitor(links, interval, func(slaveID string) {
		m.OnLinkLost(slaveID, errors.New("slave unresponsive to health pings"))
	}, m.log)
	m.healthMonitor.Start(ctx)
}

// connectAndVerify dials info's address with infinite retry, wraps the
// connection in a SlaveLink, and checks the handshake PING response against
// the configured identity and shard masks.
func (m *Master) connectAndVerify(ctx context.Context, info cluster.SlaveInfo) (*slavelink.SlaveLink, error) {
	conn, err := m.dialWithRetry(ctx, info)
	if err != nil {
		return nil, err
	}

	link := slavelink.New(info, conn, m, m.log)
	link.Start(ctx)

	resp, err := link.Ping(ctx)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("ping %s: %w", info.ID, err)
	}
	if resp.ID != info.ID {
		_ = link.Close()
		return nil, fmt.Errorf("slave id mismatch: expected %s got %s", info.ID, resp.ID)
	}
	if !equalShardMasks(info.ShardMasks, resp.ShardMasks) {
		_ = link.Close()
		return nil, fmt.Errorf("slave %s shard mask mismatch: expected %v got %v", info.ID, info.ShardMasks, resp.ShardMasks)
	}
	return link, nil
}

func equalShardMasks(want []cluster.ShardMask, got []int) bool {
	if len(want) != len(got) {
		return false
	}
	for i, m := range want {
		if m.Value() != got[i] {
			return false
		}
	}
	return true
}

func (m *Master) dialWithRetry(ctx context.Context, info cluster.SlaveInfo) (*wire.Conn, error) {
	addr := info.Addr()
	for {
		conn, err := m.dialer(addr)
		if err == nil {
			return conn, nil
		}
		m.log.WithError(err).WithField("slave_id", info.ID).Warn("connect failed, retrying")
		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Master) logCoverageSummary(links []*slavelink.SlaveLink) {
	for shardID := 0; shardID < m.shardSize; shardID++ {
		var covering []string
		for _, l := range links {
			if l.HasShard(shardID) {
				covering = append(covering, l.ID())
			}
		}
		m.log.WithFields(logrus.Fields{"shard_id": shardID, "slaves": covering}).Info("shard coverage")
	}
}

// GetAccountData derives the branch owning address and dispatches
// GET_ACCOUNT_DATA to its dispatch slave.
func (m *Master) GetAccountData(ctx context.Context, address rootstate.Address) (cluster.Branch, wire.GetAccountDataResult, error) {
	branch := cluster.NewBranch(m.shardSize, address.ShardID(m.shardSize))
	slave, ok := m.registry.GetDispatchSlave(branch)
	if !ok {
		return branch, wire.GetAccountDataResult{}, ErrUnknownBranch
	}
	resp, err := slave.GetAccountData(ctx, branch, address)
	return branch, resp, err
}

// GetTransactionCount is a derived view over GetAccountData.
func (m *Master) GetTransactionCount(ctx context.Context, address rootstate.Address) (cluster.Branch, uint64, error) {
	branch, resp, err := m.GetAccountData(ctx, address)
	return branch, resp.TransactionCount, err
}

// GetBalance is a derived view over GetAccountData.
func (m *Master) GetBalance(ctx context.Context, address rootstate.Address) (cluster.Branch, uint64, error) {
	branch, resp, err := m.GetAccountData(ctx, address)
	return branch, resp.Balance, err
}

// AddTransaction fans tx out to every slave serving branch and succeeds iff
// all of them do. An unrecognized branch fails immediately without
// contacting any slave.
func (m *Master) AddTransaction(ctx context.Context, branch cluster.Branch, txData json.RawMessage) (bool, error) {
	slaves := m.registry.GetSlavesForBranch(branch)
	if len(slaves) == 0 {
		return false, ErrUnknownBranch
	}

	results := make([]bool, len(slaves))
	errs := make([]error, len(slaves))
	var wg sync.WaitGroup
	for i, s := range slaves {
		wg.Add(1)
		go func(i int, s *slavelink.SlaveLink) {
			defer wg.Done()
			ok, err := s.AddTransaction(ctx, branch, txData)
			results[i] = ok
			errs[i] = err
		}(i, s)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return false, fmt.Errorf("add_transaction on slave %s: %w", slaves[i].ID(), err)
		}
		if !results[i] {
			return false, nil
		}
	}
	return true, nil
}

// AddRawMinorBlock forwards an opaque minor block to branch's dispatch
// slave.
func (m *Master) AddRawMinorBlock(ctx context.Context, branch cluster.Branch, blockData json.RawMessage) (bool, error) {
	slave, ok := m.registry.GetDispatchSlave(branch)
	if !ok {
		return false, ErrUnknownBranch
	}
	resp, err := slave.AddRawMinorBlock(ctx, branch, blockData)
	if err != nil {
		return false, fmt.Errorf("add_raw_minor_block on slave %s: %w", slave.ID(), err)
	}
	return resp.ErrorCode == 0, nil
}

// AddRootBlock validates and serially applies rb, broadcasting it to every
// slave once applied. It blocks until rb (or the session it joins) finishes
// draining.
func (m *Master) AddRootBlock(ctx context.Context, rb *rootstate.RootBlock) error {
	err := m.chain.AddRootBlock(ctx, rb)
	m.metrics.SetRootBlockQueueDepth(m.chain.QueueDepth())
	return err
}

// EnqueueRootBlock is the asynchronous, fire-and-forget counterpart used by
// the peer-receive path.
func (m *Master) EnqueueRootBlock(ctx context.Context, rb *rootstate.RootBlock) {
	m.chain.EnqueueRootBlock(ctx, rb)
	m.metrics.SetRootBlockQueueDepth(m.chain.QueueDepth())
}

// GetNextBlockToMine delegates to the mining dispatcher, supplying the
// operator-configured artificial transaction count.
func (m *Master) GetNextBlockToMine(ctx context.Context, address rootstate.Address, shardMaskValue int, randomizeOutput bool) (mining.Result, error) {
	m.mu.Lock()
	txCount := m.artificialTxCount
	m.mu.Unlock()
	result, err := m.mining.GetNextBlockToMine(ctx, address, shardMaskValue, txCount, randomizeOutput)
	if err == nil {
		m.metrics.ObserveMiningOutcome(result.Kind)
	}
	return result, err
}

// ClusterStats is the aggregate shape returned by GetStats.
type ClusterStats struct {
	ShardServerCount int
	ShardSize        int
	RootHeight       uint64
	TxCount60s       uint64
	PendingTxCount   uint64
	Shards           []wire.ShardStat
}

// GetStats fans GET_STATS out to every slave and aggregates the results. It
// hard-asserts that exactly ShardSize distinct shard stats were reported,
// since fewer means a shard has gone unreported and more means the cluster
// configuration is internally inconsistent.
func (m *Master) GetStats(ctx context.Context) (ClusterStats, error) {
	slaves := m.registry.AllSlaves()
	type response struct {
		slaveID string
		result  wire.GetStatsResult
		err     error
	}
	responses := make([]response, len(slaves))
	var wg sync.WaitGroup
	for i, s := range slaves {
		wg.Add(1)
		go func(i int, s *slavelink.SlaveLink) {
			defer wg.Done()
			res, err := s.GetStats(ctx)
			responses[i] = response{slaveID: s.ID(), result: res, err: err}
		}(i, s)
	}
	wg.Wait()

	byBranch := make(map[cluster.Branch]wire.ShardStat)
	for _, r := range responses {
		if r.err != nil {
			return ClusterStats{}, fmt.Errorf("get_stats on slave %s: %w", r.slaveID, r.err)
		}
		for _, stat := range r.result.Shards {
			byBranch[stat.Branch] = stat
		}
	}

	if len(byBranch) != m.shardSize {
		m.onAssertionFailure("shard stats incomplete", logrus.Fields{"got": len(byBranch), "want": m.shardSize})
	}

	shards := make([]wire.ShardStat, 0, len(byBranch))
	var txCount60s, pendingTxCount uint64
	for _, stat := range byBranch {
		shards = append(shards, stat)
		txCount60s += stat.TxCount60s
		pendingTxCount += stat.PendingTxCount
	}

	return ClusterStats{
		ShardServerCount: len(slaves),
		ShardSize:        m.shardSize,
		RootHeight:       m.rootState.TipHeight(),
		TxCount60s:       txCount60s,
		PendingTxCount:   pendingTxCount,
		Shards:           shards,
	}, nil
}

// CreateClusterPeerConnections broadcasts CREATE_CLUSTER_PEER_CONNECTION to
// every slave and awaits all of them before returning.
func (m *Master) CreateClusterPeerConnections(ctx context.Context, peerID cluster.ClusterPeerID) error {
	slaves := m.registry.AllSlaves()
	errs := make([]error, len(slaves))
	var wg sync.WaitGroup
	for i, s := range slaves {
		wg.Add(1)
		go func(i int, s *slavelink.SlaveLink) {
			defer wg.Done()
			_, err := s.CreateClusterPeerConnection(ctx, peerID)
			errs[i] = err
		}(i, s)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("create_cluster_peer_connection on slave %s: %w", slaves[i].ID(), err)
		}
	}
	return nil
}

// DestroyClusterPeerConnections broadcasts DESTROY_CLUSTER_PEER_CONNECTION
// to every slave as a one-way command; no response is awaited.
func (m *Master) DestroyClusterPeerConnections(peerID cluster.ClusterPeerID) {
	for _, s := range m.registry.AllSlaves() {
		if err := s.DestroyClusterPeerConnection(peerID); err != nil {
			m.log.WithError(err).WithField("slave_id", s.ID()).Warn("destroy_cluster_peer_connection failed")
		}
	}
}
