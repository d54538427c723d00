package wire

import (
	"encoding/json"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/rootstate"
)

// This file declares the record shapes carried inside Frame.Payload for
// each operation in the wire protocol surface. The Master constructs and
// deconstructs these records directly; how they serialize onto the wire
// beyond JSON is this package's concern, not the Master's.

// SlaveTarget names one mesh-connect destination inside a
// ConnectToSlavesRequest.
type SlaveTarget struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PingResult is the PING RPC's response payload: the slave's self-reported
// identity and served shard masks, checked against configuration during
// the handshake.
type PingResult struct {
	ID         string `json:"id"`
	ShardMasks []int  `json:"shard_masks"`
}

// ConnectToSlavesRequest asks a slave to dial every listed peer and report
// per-target success.
type ConnectToSlavesRequest struct {
	Slaves []SlaveTarget `json:"slaves"`
}

// ConnectToSlavesResult carries one result slot per requested target; an
// empty string means that connection succeeded.
type ConnectToSlavesResult struct {
	Results []string `json:"results"`
}

// GetAccountDataRequest asks a slave for the current state of one account.
type GetAccountDataRequest struct {
	Address rootstate.Address `json:"address"`
}

// GetAccountDataResult is the slave's account-state response.
type GetAccountDataResult struct {
	Balance          uint64 `json:"balance"`
	TransactionCount uint64 `json:"transaction_count"`
	ErrorCode        int    `json:"error_code"`
}

// AddTransactionRequest submits a transaction to the slave serving Branch.
type AddTransactionRequest struct {
	Branch cluster.Branch  `json:"branch"`
	TxData json.RawMessage `json:"tx_data"`
}

// AddTransactionResult reports whether the slave accepted the transaction.
type AddTransactionResult struct {
	Success bool `json:"success"`
}

// EcoInfo is one shard's economic snapshot, as reported by
// GET_ECO_INFO_LIST.
type EcoInfo struct {
	Branch                           cluster.Branch `json:"branch"`
	Height                           uint64         `json:"height"`
	Difficulty                       uint64         `json:"difficulty"`
	CoinbaseAmount                   uint64         `json:"coinbase_amount"`
	UnconfirmedHeadersCoinbaseAmount uint64         `json:"unconfirmed_headers_coinbase_amount"`
}

// GetEcoInfoListResult carries every shard a slave served at the time of
// the request.
type GetEcoInfoListResult struct {
	Infos     []EcoInfo `json:"infos"`
	ErrorCode int       `json:"error_code"`
}

// UnconfirmedHeaders is one shard's unconfirmed minor-block headers, one
// entry per branch a slave serves.
type UnconfirmedHeaders struct {
	Branch  cluster.Branch               `json:"branch"`
	Headers []rootstate.MinorBlockHeader `json:"headers"`
}

// GetUnconfirmedHeadersResult carries every served shard's unconfirmed
// minor-block headers, used by the mining dispatcher's Step R to decide
// whether a root block can be mined.
type GetUnconfirmedHeadersResult struct {
	HeadersInfoList []UnconfirmedHeaders `json:"headers_info_list"`
	ErrorCode       int                  `json:"error_code"`
}

// AddMinorBlockHeaderRequest is the inbound RPC a slave sends the Master to
// register a newly produced minor-block header.
type AddMinorBlockHeaderRequest struct {
	Header rootstate.MinorBlockHeader `json:"header"`
}

// AddMinorBlockHeaderResult acknowledges AddMinorBlockHeaderRequest.
type AddMinorBlockHeaderResult struct {
	ErrorCode int `json:"error_code"`
}

// AddMinorBlockRequest forwards an opaque, already-assembled minor block to
// the dispatch slave for the branch it belongs to.
type AddMinorBlockRequest struct {
	BlockData json.RawMessage `json:"block_data"`
}

// AddMinorBlockResult acknowledges AddMinorBlockRequest.
type AddMinorBlockResult struct {
	ErrorCode int `json:"error_code"`
}

// AddRootBlockRequest broadcasts a newly applied root block to every slave.
type AddRootBlockRequest struct {
	Block rootstate.RootBlock `json:"block"`
}

// AddRootBlockResult acknowledges AddRootBlockRequest; any non-zero
// ErrorCode is a hard assertion failure (divergent state), not a recoverable
// error.
type AddRootBlockResult struct {
	ErrorCode int `json:"error_code"`
}

// GetNextBlockToMineRequest asks the dispatch slave for a branch to produce
// its next minor block candidate.
type GetNextBlockToMineRequest struct {
	Branch            cluster.Branch            `json:"branch"`
	Address           rootstate.Address         `json:"address"`
	ArtificialTxCount cluster.ArtificialTxCount `json:"artificial_tx_count"`
}

// GetNextBlockToMineResult carries the opaque minor block candidate bytes;
// the Master does not interpret them beyond passing them to the caller.
type GetNextBlockToMineResult struct {
	Block     json.RawMessage `json:"block"`
	ErrorCode int             `json:"error_code"`
}

// ShardStat is one shard's contribution to a GET_STATS_REQUEST response.
type ShardStat struct {
	Branch         cluster.Branch `json:"branch"`
	Height         uint64         `json:"height"`
	TxCount60s     uint64         `json:"tx_count_60s"`
	PendingTxCount uint64         `json:"pending_tx_count"`
	TotalTxCount   uint64         `json:"total_tx_count"`
}

// GetStatsResult carries every shard stat a slave serves.
type GetStatsResult struct {
	Shards []ShardStat `json:"shards"`
}

// CreateClusterPeerConnectionRequest asks every slave to open its side of a
// newly connected cluster peer's channel.
type CreateClusterPeerConnectionRequest struct {
	ClusterPeerID cluster.ClusterPeerID `json:"cluster_peer_id"`
}

// CreateClusterPeerConnectionResult acknowledges
// CreateClusterPeerConnectionRequest.
type CreateClusterPeerConnectionResult struct {
	ErrorCode int `json:"error_code"`
}

// DestroyClusterPeerConnectionRequest is the one-way command broadcast when
// a cluster peer disconnects.
type DestroyClusterPeerConnectionRequest struct {
	ClusterPeerID cluster.ClusterPeerID `json:"cluster_peer_id"`
}
