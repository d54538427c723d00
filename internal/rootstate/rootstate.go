package rootstate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/quarkmaster/internal/cluster"
)

// Hash is a 32-byte block or header digest.
type Hash [32]byte

// Hex renders the hash as a lowercase hex string, e.g. for log fields.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Address is a coinbase/account address together with the shard key used to
// derive which shard it belongs to.
type Address struct {
	Recipient    [20]byte
	FullShardKey uint32
}

// ShardID derives the shard_id an address belongs to under the given
// SHARD_SIZE, the computation the Master's client fan-out operations use to
// route get_account_data and add_transaction calls.
func (a Address) ShardID(shardSize int) int {
	if shardSize <= 0 {
		return 0
	}
	return int(a.FullShardKey) % shardSize
}

// InBranch returns the address translated to its in-branch form, the
// representation the mining dispatcher's Step M sends to the dispatch
// slave: a copy of the address whose FullShardKey is replaced by the
// branch's shard_id. Recipient is left unchanged.
func (a Address) InBranch(branch cluster.Branch) Address {
	addr := a
	addr.FullShardKey = uint32(branch.ShardID())
	return addr
}

// MinorBlockHeader is the header of one shard-local block, as reported by a
// slave's GET_UNCONFIRMED_HEADERS_REQUEST or ADD_MINOR_BLOCK_HEADER_REQUEST.
type MinorBlockHeader struct {
	Branch cluster.Branch
	Height uint64
	Hash   Hash
}

// RootBlockHeader is the header portion of a root block.
type RootBlockHeader struct {
	Height uint64
	Hash   Hash
}

// RootBlock is a root-chain block: a header plus the minor-block header
// hashes it references, one set per shard.
type RootBlock struct {
	Header            RootBlockHeader
	MinorHeaderHashes []Hash
}

// ValidationError signals that a root block failed validation and must be
// discarded by the serializer rather than treated as a divergent-state
// assertion failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("root block validation failed: %s", e.Reason)
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RootState is the external collaborator that validates and extends the
// root chain. The Master treats it as opaque: it only calls the operations
// below and reacts to their results.
type RootState interface {
	// AddBlock applies rb to the chain. updatedTip reports whether the
	// chain's tip advanced. A *ValidationError return means rb was
	// rejected and must be discarded by the caller, not retried.
	AddBlock(rb *RootBlock) (updatedTip bool, err error)

	// ValidateBlock checks rb without applying it. Used by the
	// synchronous add_root_block entry point before enqueuing.
	ValidateBlock(rb *RootBlock) error

	// CreateBlockToMine builds a new root block candidate that references
	// headers (already ordered by shard_id) and pays the coinbase to
	// address.
	CreateBlockToMine(headers []MinorBlockHeader, address Address) (*RootBlock, error)

	// AddValidatedMinorBlockHash records that a minor-block header has
	// been validated and may be referenced by a future root block.
	AddValidatedMinorBlockHash(h Hash)

	// NextBlockDifficulty is the difficulty the next root block must
	// satisfy; used as the denominator of the root eco ratio.
	NextBlockDifficulty() uint64

	// TipHeight is the height of the current root-chain tip.
	TipHeight() uint64
}

// FakeRootState is a deterministic in-memory RootState used by tests. Its
// AddFunc/ValidateFunc hooks let a test inject validation failures or
// custom tip-advancement behavior.
type FakeRootState struct {
	mu sync.Mutex

	difficulty uint64
	tipHeight  uint64
	validated  map[Hash]bool
	applied    []*RootBlock

	// AddFunc, if set, overrides the default AddBlock behavior (always
	// succeeds and advances the tip). The block is recorded for Applied
	// either way.
	AddFunc func(rb *RootBlock) (bool, error)
	// ValidateFunc, if set, overrides the default ValidateBlock behavior
	// (always nil).
	ValidateFunc func(rb *RootBlock) error
	// CreateFunc, if set, overrides the default CreateBlockToMine
	// behavior (returns a block whose header height is tipHeight+1).
	CreateFunc func(headers []MinorBlockHeader, address Address) (*RootBlock, error)
}

// NewFakeRootState returns a fake with the given next-block difficulty.
func NewFakeRootState(difficulty uint64) *FakeRootState {
	return &FakeRootState{
		difficulty: difficulty,
		validated:  make(map[Hash]bool),
	}
}

func (f *FakeRootState) AddBlock(rb *RootBlock) (bool, error) {
	f.mu.Lock()
	f.applied = append(f.applied, rb)
	addFunc := f.AddFunc
	f.mu.Unlock()
	if addFunc != nil {
		return addFunc(rb)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := rb.Header.Height > f.tipHeight
	if updated {
		f.tipHeight = rb.Header.Height
	}
	return updated, nil
}

func (f *FakeRootState) ValidateBlock(rb *RootBlock) error {
	if f.ValidateFunc != nil {
		return f.ValidateFunc(rb)
	}
	return nil
}

func (f *FakeRootState) CreateBlockToMine(headers []MinorBlockHeader, address Address) (*RootBlock, error) {
	if f.CreateFunc != nil {
		return f.CreateFunc(headers, address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes := make([]Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash
	}
	return &RootBlock{
		Header:            RootBlockHeader{Height: f.tipHeight + 1},
		MinorHeaderHashes: hashes,
	}, nil
}

func (f *FakeRootState) AddValidatedMinorBlockHash(h Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated[h] = true
}

func (f *FakeRootState) NextBlockDifficulty() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.difficulty
}

func (f *FakeRootState) TipHeight() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tipHeight
}

// Applied returns the root blocks passed to AddBlock so far, in call order.
func (f *FakeRootState) Applied() []*RootBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*RootBlock, len(f.applied))
	copy(out, f.applied)
	return out
}

// IsValidated reports whether h was previously passed to
// AddValidatedMinorBlockHash.
func (f *FakeRootState) IsValidated(h Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validated[h]
}
