package rootstate

import (
	"encoding/binary"
	"sync"

	"github.com/dreamware/quarkmaster/internal/storage"
)

const tipHeightKey = "root:tip_height"

// PersistentRootState is the production RootState: validation and block
// construction follow the same trivial rules the tests' FakeRootState uses
// (shard execution and consensus proof verification are out of scope here),
// but the chain tip is tracked through a storage.Store so the --db_path /
// --in_memory_db flags have somewhere real to point. Per spec, the store is
// always started fresh, so an in-memory store satisfies both flag settings
// equally; cmd/master wires storage.NewMemoryStore regardless of which one
// the operator chose.
type PersistentRootState struct {
	store      storage.Store
	difficulty uint64

	mu        sync.Mutex
	validated map[Hash]bool
}

// NewPersistentRootState returns a RootState backed by store, starting from
// an empty chain.
func NewPersistentRootState(store storage.Store, difficulty uint64) *PersistentRootState {
	return &PersistentRootState{
		store:      store,
		difficulty: difficulty,
		validated:  make(map[Hash]bool),
	}
}

func (p *PersistentRootState) AddBlock(rb *RootBlock) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tip := p.tipHeightLocked()
	if rb.Header.Height <= tip {
		return false, nil
	}
	if err := p.store.Put(tipHeightKey, encodeHeight(rb.Header.Height)); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PersistentRootState) ValidateBlock(rb *RootBlock) error {
	return nil
}

func (p *PersistentRootState) CreateBlockToMine(headers []MinorBlockHeader, address Address) (*RootBlock, error) {
	p.mu.Lock()
	tip := p.tipHeightLocked()
	p.mu.Unlock()

	hashes := make([]Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash
	}
	return &RootBlock{
		Header:            RootBlockHeader{Height: tip + 1},
		MinorHeaderHashes: hashes,
	}, nil
}

func (p *PersistentRootState) AddValidatedMinorBlockHash(h Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validated[h] = true
}

func (p *PersistentRootState) NextBlockDifficulty() uint64 {
	return p.difficulty
}

func (p *PersistentRootState) TipHeight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tipHeightLocked()
}

// tipHeightLocked must be called with p.mu held.
func (p *PersistentRootState) tipHeightLocked() uint64 {
	data, err := p.store.Get(tipHeightKey)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func encodeHeight(h uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h)
	return buf
}
