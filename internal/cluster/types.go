// Package cluster provides the core distributed system functionality for the
// Master coordinator.
// See doc.go for complete package documentation.
package cluster

import (
	"encoding/json"
	"fmt"
	"os"
)

// Branch encodes a (shard_size, shard_id) pair as a single comparable value.
// The low 32 bits hold shard_id, the high 32 bits hold shard_size, mirroring
// QuarkChain's encoding (shard_size << 32 | shard_id) so branch values
// round-trip through the wire protocol's JSON payloads without a separate
// shard-lookup table.
type Branch uint64

// RootBranch is the distinguished branch representing the root chain. It
// does not correspond to any shard_id and must never satisfy ShardMask.Contains.
const RootBranch Branch = 0

// NewBranch constructs the Branch for a given shard_size/shard_id pair.
// Callers must ensure 0 <= shardID < shardSize; the registry is the only
// caller that knows SHARD_SIZE at construction time.
func NewBranch(shardSize, shardID int) Branch {
	return Branch(uint64(uint32(shardSize))<<32 | uint64(uint32(shardID)))
}

// ShardSize returns the shard_size component encoded in the branch.
func (b Branch) ShardSize() int {
	return int(uint32(b >> 32))
}

// ShardID returns the shard_id component encoded in the branch.
func (b Branch) ShardID() int {
	return int(uint32(b))
}

// IsRoot reports whether b is the distinguished root branch.
func (b Branch) IsRoot() bool {
	return b == RootBranch
}

// String renders the branch for logging, e.g. "root" or "branch(4,2)".
func (b Branch) String() string {
	if b.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("branch(%d,%d)", b.ShardSize(), b.ShardID())
}

// ShardMask is a compact predicate over the shard-id space, the same trick
// QuarkChain uses: a mask value together with an implicit "don't care"
// suffix below its highest set bit, so a slave can declare coverage of a
// contiguous power-of-two partition with a single integer instead of an
// enumerated shard set.
type ShardMask struct {
	value int
}

// NewShardMask wraps a raw mask value read from cluster configuration.
func NewShardMask(value int) ShardMask {
	return ShardMask{value: value}
}

// Value returns the raw mask integer, e.g. for JSON re-encoding.
func (m ShardMask) Value() int {
	return m.value
}

// bitLength returns the position of the highest set bit of v, or 0 if v == 0.
func bitLength(v int) int {
	n := 0
	for v != 0 {
		v >>= 1
		n++
	}
	return n
}

// Contains reports whether shardID falls within the partition m describes.
// The mask's highest set bit is a sentinel marking how many low bits of
// shard_id it constrains; shard_id matches when those low bits equal the
// corresponding low bits of the mask value. A mask of 1 constrains zero
// bits and so matches every shard_id (the full-coverage mask).
func (m ShardMask) Contains(shardID int) bool {
	bitLen := bitLength(m.value) - 1
	if bitLen < 0 {
		bitLen = 0
	}
	constrained := (1 << bitLen) - 1
	return shardID&constrained == m.value&constrained
}

// Overlaps reports whether m and other can both contain at least one common
// shard_id: the more specific (longer) mask's low bits must agree with the
// less specific mask's pattern, checked at the shorter mask's precision.
func (m ShardMask) Overlaps(other ShardMask) bool {
	bl := bitLength(m.value) - 1
	ol := bitLength(other.value) - 1
	if bl < 0 {
		bl = 0
	}
	if ol < 0 {
		ol = 0
	}
	shift := bl
	if ol < shift {
		shift = ol
	}
	constrained := (1 << shift) - 1
	return m.value&constrained == other.value&constrained
}

// MarshalJSON encodes the mask as its raw integer, matching the
// "shard_masks": [int, ...] cluster configuration schema.
func (m ShardMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.value)
}

// UnmarshalJSON decodes the mask from its raw integer form.
func (m *ShardMask) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.value = v
	return nil
}

// ClusterPeerID identifies a remote P2P peer that slave-originated traffic
// may be addressed to. The zero value is reserved: it means "not associated
// with any peer" and marks frames that stay on the internal Master-Slave
// plane rather than being forwarded.
type ClusterPeerID uint64

// IsInternal reports whether the id denotes internal Master-Slave traffic
// rather than a real connected peer.
func (id ClusterPeerID) IsInternal() bool {
	return id == 0
}

// ArtificialTxCount is an operator-settable value forwarded verbatim into
// mining requests. The Master attaches no semantics to it beyond passing it
// through to GET_NEXT_BLOCK_TO_MINE_REQUEST.
type ArtificialTxCount int

// SlaveInfo is the static description of one configured slave, as read from
// the cluster configuration document (see LoadClusterConfig). It carries no
// connection state; that lives in the slavelink package's SlaveLink.
type SlaveInfo struct {
	ID         string      `json:"id"`
	Host       string      `json:"ip"`
	Port       int         `json:"port"`
	ShardMasks []ShardMask `json:"shard_masks"`
}

// Addr renders the slave's dial target as "host:port".
func (s SlaveInfo) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HasShard reports whether any of the slave's declared masks covers shardID.
func (s SlaveInfo) HasShard(shardID int) bool {
	for _, m := range s.ShardMasks {
		if m.Contains(shardID) {
			return true
		}
	}
	return false
}

// HasOverlap reports whether any of the slave's declared masks overlaps mask.
func (s SlaveInfo) HasOverlap(mask ShardMask) bool {
	for _, m := range s.ShardMasks {
		if m.Overlaps(mask) {
			return true
		}
	}
	return false
}

// ClusterConfig is the parsed form of the cluster configuration document:
//
//	{ "slaves": [ { "id": str, "ip": dotted-quad, "port": int,
//	               "shard_masks": [ int, ... ] }, ... ] }
//
// ShardSize is optional: the original source reads it from a separate,
// broader cluster config object rather than this per-slave document. When
// absent (zero), ShardSizeOrDefault derives it from the widest shard mask
// configured across all slaves.
type ClusterConfig struct {
	Slaves    []SlaveInfo `json:"slaves"`
	ShardSize int         `json:"shard_size,omitempty"`
}

// ShardSizeOrDefault returns ShardSize if explicitly set, otherwise the
// smallest power of two wide enough to cover the most specific shard mask
// any configured slave declares.
func (c ClusterConfig) ShardSizeOrDefault() int {
	if c.ShardSize > 0 {
		return c.ShardSize
	}
	maxBits := 0
	for _, s := range c.Slaves {
		for _, m := range s.ShardMasks {
			if bl := bitLength(m.value) - 1; bl > maxBits {
				maxBits = bl
			}
		}
	}
	return 1 << maxBits
}

// LoadClusterConfig reads and parses the cluster configuration file at path.
// It performs no validation beyond well-formed JSON; coverage and overlap
// invariants are checked by the registry during bring-up, where the full
// SHARD_SIZE is known.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config %s: %w", path, err)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cluster config %s: %w", path, err)
	}
	return &cfg, nil
}
