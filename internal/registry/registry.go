package registry

import (
	"fmt"
	"sync"

	"github.com/dreamware/quarkmaster/internal/cluster"
	"github.com/dreamware/quarkmaster/internal/slavelink"
)

// ClusterRegistry is the pure in-memory index built once during bring-up:
// the full set of slave links, and the branch-to-slaves mapping used to
// route every fan-out and dispatch operation. Per spec, both are written
// only during Build and are read-only afterward — slave loss is fail-stop,
// not a registry mutation.
type ClusterRegistry struct {
	mu             sync.RWMutex
	shardSize      int
	slaves         []*slavelink.SlaveLink
	branchToSlaves map[cluster.Branch][]*slavelink.SlaveLink
	built          bool
}

// New returns an empty registry for the given SHARD_SIZE. Build must be
// called before any lookup method is meaningful.
func New(shardSize int) *ClusterRegistry {
	return &ClusterRegistry{shardSize: shardSize}
}

// Build walks every link x every shard_id in [0, shardSize) and appends the
// link to branch_to_slaves[branch(shard_id)] iff link.HasShard(shard_id).
// Appending in the order links are passed in preserves "ordered by
// arrival" for each branch's slave list. Build returns an error if, after
// the walk, any shard_id in range is left with an empty slave list — the
// coverage invariant Build exists to establish.
func (r *ClusterRegistry) Build(links []*slavelink.SlaveLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slaves = append([]*slavelink.SlaveLink(nil), links...)
	r.branchToSlaves = make(map[cluster.Branch][]*slavelink.SlaveLink, r.shardSize)

	for shardID := 0; shardID < r.shardSize; shardID++ {
		branch := cluster.NewBranch(r.shardSize, shardID)
		for _, link := range links {
			if link.HasShard(shardID) {
				r.branchToSlaves[branch] = append(r.branchToSlaves[branch], link)
			}
		}
	}

	for shardID := 0; shardID < r.shardSize; shardID++ {
		branch := cluster.NewBranch(r.shardSize, shardID)
		if len(r.branchToSlaves[branch]) == 0 {
			return fmt.Errorf("shard %d has no covering slave", shardID)
		}
	}

	r.built = true
	return nil
}

// GetDispatchSlave returns the deterministic dispatch target for branch:
// the first link in arrival order. The returned bool is false when the
// branch has no covering slave (should not happen post-bring-up, but
// callers on the read path for an unrecognized branch must handle it).
func (r *ClusterRegistry) GetDispatchSlave(branch cluster.Branch) (*slavelink.SlaveLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	links := r.branchToSlaves[branch]
	if len(links) == 0 {
		return nil, false
	}
	return links[0], true
}

// GetSlavesForBranch returns every slave serving branch, in arrival order.
// Replica writes (add_transaction) fan out to all of them; the registry
// itself never mirrors writes.
func (r *ClusterRegistry) GetSlavesForBranch(branch cluster.Branch) []*slavelink.SlaveLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	links := r.branchToSlaves[branch]
	out := make([]*slavelink.SlaveLink, len(links))
	copy(out, links)
	return out
}

// AllSlaves returns every registered slave link, in arrival order.
func (r *ClusterRegistry) AllSlaves() []*slavelink.SlaveLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*slavelink.SlaveLink, len(r.slaves))
	copy(out, r.slaves)
	return out
}

// SlavesOverlapping returns every registered slave whose declared masks
// overlap mask, used by the mining dispatcher when a non-zero
// shard_mask_value restricts eligible shards.
func (r *ClusterRegistry) SlavesOverlapping(mask cluster.ShardMask) []*slavelink.SlaveLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*slavelink.SlaveLink
	for _, s := range r.slaves {
		if s.HasOverlap(mask) {
			out = append(out, s)
		}
	}
	return out
}

// ShardSize returns the configured SHARD_SIZE.
func (r *ClusterRegistry) ShardSize() int {
	return r.shardSize
}
