package mining

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/registry"
	"github.com/dreamware/quarkmaster/internal/rootstate"
	"github.com/dreamware/quarkmaster/internal/wire"
)

// Kind discriminates the mining dispatcher's outcome.
type Kind int

const (
	// KindNone means no block is available to mine right now.
	KindNone Kind = iota
	// KindRoot means the winner was the root chain.
	KindRoot
	// KindMinor means the winner was a shard.
	KindMinor
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindMinor:
		return "minor"
	default:
		return "none"
	}
}

// Result is the outcome of GetNextBlockToMine.
type Result struct {
	Kind       Kind
	Branch     cluster.Branch
	RootBlock  *rootstate.RootBlock
	MinorBlock json.RawMessage
}

// Dispatcher implements get_next_block_to_mine: it polls slaves for
// economic information and selects between the root chain and a shard by
// the coinbase-over-difficulty eco ratio.
type Dispatcher struct {
	registry             *registry.ClusterRegistry
	rootState            rootstate.RootState
	proofOfProgressBlocks uint64
	log                  logrus.FieldLogger
}

// New constructs a Dispatcher. proofOfProgressBlocks is the minimum count
// of unconfirmed headers a shard must have accumulated before a root block
// can reference it; below that, Step R falls back to mining that shard's
// minor block instead.
func New(reg *registry.ClusterRegistry, rootState rootstate.RootState, proofOfProgressBlocks uint64, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		registry:              reg,
		rootState:             rootState,
		proofOfProgressBlocks: proofOfProgressBlocks,
		log:                   log.WithField("component", "mining"),
	}
}

// dispatchLink is the minimal slave surface the dispatcher needs, satisfied
// by *slavelink.SlaveLink. Declaring it locally avoids importing slavelink
// for its concrete type, keeping this package dependent only on registry.
type dispatchLink interface {
	ID() string
	GetEcoInfoList(ctx context.Context) (wire.GetEcoInfoListResult, error)
	GetUnconfirmedHeaders(ctx context.Context) (wire.GetUnconfirmedHeadersResult, error)
	GetNextBlockToMine(ctx context.Context, req wire.GetNextBlockToMineRequest) (wire.GetNextBlockToMineResult, error)
}

// GetNextBlockToMine is the mining dispatcher's entry point. shardMaskValue
// of 0 considers the root chain and every shard; a non-zero value restricts
// selection to shards overlapping that mask and disables the root option.
func (d *Dispatcher) GetNextBlockToMine(ctx context.Context, address rootstate.Address, shardMaskValue int, artificialTxCount cluster.ArtificialTxCount, randomizeOutput bool) (Result, error) {
	var mask *cluster.ShardMask
	var slaves []dispatchLink
	if shardMaskValue == 0 {
		for _, s := range d.registry.AllSlaves() {
			slaves = append(slaves, s)
		}
	} else {
		m := cluster.NewShardMask(shardMaskValue)
		mask = &m
		for _, s := range d.registry.SlavesOverlapping(m) {
			slaves = append(slaves, s)
		}
	}

	ecoByBranch, ok, err := d.gatherEcoInfo(ctx, slaves)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Kind: KindNone}, nil
	}

	var rootCoinbase uint64
	for _, info := range ecoByBranch {
		rootCoinbase += info.UnconfirmedHeadersCoinbaseAmount
	}
	rootCoinbase /= 2

	difficulty := d.rootState.NextBlockDifficulty()
	rootEco := big.NewRat(int64(rootCoinbase), int64(difficulty))

	winner, haveWinner := chooseWinner(ecoByBranch, mask, shardMaskValue == 0, rootEco, randomizeOutput)

	if !haveWinner {
		return Result{Kind: KindNone}, nil
	}
	if winner == cluster.RootBranch {
		return d.createRootOrFallback(ctx, address, artificialTxCount)
	}
	return d.getMinorBlockToMine(ctx, winner, address, artificialTxCount)
}

// chooseWinner applies the selection rule over every eligible shard's eco
// info, reproducing quarkchain/cluster/master.py's getNextBlockToMine
// literally: strictly-greater eco always replaces the winner; an eco tie
// against a shard winner prefers the lower height; when randomizeOutput is
// set, remaining eco ties run a reservoir sample that skips (without
// counting toward dup_count) any candidate whose height exceeds the
// current winner's — this asymmetry is deliberate, not a bug to fix.
func chooseWinner(ecoByBranch map[cluster.Branch]wire.EcoInfo, mask *cluster.ShardMask, rootIsInitialWinner bool, rootEco *big.Rat, randomizeOutput bool) (cluster.Branch, bool) {
	haveWinner := rootIsInitialWinner
	winner := cluster.RootBranch
	maxEco := rootEco
	dupCount := 1
	winnerHeight := uint64(0)

	for branch, info := range ecoByBranch {
		if mask != nil && !mask.Contains(branch.ShardID()) {
			continue
		}
		eco := big.NewRat(int64(info.CoinbaseAmount), int64(info.Difficulty))
		winnerIsShard := haveWinner && winner != cluster.RootBranch

		switch {
		case !haveWinner || eco.Cmp(maxEco) > 0 || (eco.Cmp(maxEco) == 0 && winnerIsShard && winnerHeight > info.Height):
			winner = branch
			maxEco = eco
			dupCount = 1
			winnerHeight = info.Height
			haveWinner = true
		case eco.Cmp(maxEco) == 0 && randomizeOutput:
			if winnerIsShard && winnerHeight < info.Height {
				continue
			}
			dupCount++
			if rand.Float64() < 1/float64(dupCount) {
				winner = branch
				maxEco = eco
				winnerHeight = info.Height
			}
		}
	}
	return winner, haveWinner
}

type ecoResponse struct {
	slaveID string
	result  wire.GetEcoInfoListResult
	err     error
}

func (d *Dispatcher) gatherEcoInfo(ctx context.Context, slaves []dispatchLink) (map[cluster.Branch]wire.EcoInfo, bool, error) {
	responses := make([]ecoResponse, len(slaves))
	var wg sync.WaitGroup
	for i, s := range slaves {
		wg.Add(1)
		go func(i int, s dispatchLink) {
			defer wg.Done()
			res, err := s.GetEcoInfoList(ctx)
			responses[i] = ecoResponse{slaveID: s.ID(), result: res, err: err}
		}(i, s)
	}
	wg.Wait()

	out := make(map[cluster.Branch]wire.EcoInfo)
	for _, r := range responses {
		if r.err != nil {
			return nil, false, fmt.Errorf("get_eco_info_list on slave %s: %w", r.slaveID, r.err)
		}
		if r.result.ErrorCode != 0 {
			return nil, false, nil
		}
		for _, info := range r.result.Infos {
			out[info.Branch] = info
		}
	}
	return out, true, nil
}

type headersResponse struct {
	slaveID string
	result  wire.GetUnconfirmedHeadersResult
	err     error
}

// createRootOrFallback is Step R: it asks every slave for unconfirmed
// headers and either builds a root block candidate or falls back to the
// first shard found short of PROOF_OF_PROGRESS_BLOCKS.
func (d *Dispatcher) createRootOrFallback(ctx context.Context, address rootstate.Address, artificialTxCount cluster.ArtificialTxCount) (Result, error) {
	slaves := d.registry.AllSlaves()
	linked := make([]dispatchLink, len(slaves))
	for i, s := range slaves {
		linked[i] = s
	}

	responses := make([]headersResponse, len(linked))
	var wg sync.WaitGroup
	for i, s := range linked {
		wg.Add(1)
		go func(i int, s dispatchLink) {
			defer wg.Done()
			res, err := s.GetUnconfirmedHeaders(ctx)
			responses[i] = headersResponse{slaveID: s.ID(), result: res, err: err}
		}(i, s)
	}
	wg.Wait()

	shardSize := d.registry.ShardSize()
	byShard := make(map[int][]rootstate.MinorBlockHeader, shardSize)
	for _, r := range responses {
		if r.err != nil {
			return Result{}, fmt.Errorf("get_unconfirmed_headers on slave %s: %w", r.slaveID, r.err)
		}
		if r.result.ErrorCode != 0 {
			return Result{Kind: KindNone}, nil
		}
		for _, hi := range r.result.HeadersInfoList {
			if hi.Branch.ShardSize() != shardSize {
				d.log.WithFields(logrus.Fields{"expected": shardSize, "got": hi.Branch.ShardSize()}).Error("unconfirmed headers shard_size mismatch")
				return Result{Kind: KindNone}, nil
			}
			byShard[hi.Branch.ShardID()] = append(byShard[hi.Branch.ShardID()], hi.Headers...)
		}
	}

	var headers []rootstate.MinorBlockHeader
	for shardID := 0; shardID < shardSize; shardID++ {
		hs := byShard[shardID]
		headers = append(headers, hs...)
		if uint64(len(hs)) < d.proofOfProgressBlocks {
			return d.getMinorBlockToMine(ctx, cluster.NewBranch(shardSize, shardID), address, artificialTxCount)
		}
	}

	block, err := d.rootState.CreateBlockToMine(headers, address)
	if err != nil {
		return Result{}, fmt.Errorf("create_block_to_mine: %w", err)
	}
	return Result{Kind: KindRoot, RootBlock: block}, nil
}

// getMinorBlockToMine is Step M: it asks the dispatch slave for branch for
// its next minor block candidate.
func (d *Dispatcher) getMinorBlockToMine(ctx context.Context, branch cluster.Branch, address rootstate.Address, artificialTxCount cluster.ArtificialTxCount) (Result, error) {
	slave, ok := d.registry.GetDispatchSlave(branch)
	if !ok {
		return Result{Kind: KindNone}, nil
	}
	req := wire.GetNextBlockToMineRequest{
		Branch:            branch,
		Address:           address.InBranch(branch),
		ArtificialTxCount: artificialTxCount,
	}
	resp, err := slave.GetNextBlockToMine(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("get_next_block_to_mine on slave %s: %w", slave.ID(), err)
	}
	if resp.ErrorCode != 0 {
		return Result{Kind: KindNone}, nil
	}
	return Result{Kind: KindMinor, Branch: branch, MinorBlock: resp.Block}, nil
}
