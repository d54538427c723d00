package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBranchRoundTrip(t *testing.T) {
	b := NewBranch(4, 2)
	if b.ShardSize() != 4 {
		t.Errorf("ShardSize() = %d, want 4", b.ShardSize())
	}
	if b.ShardID() != 2 {
		t.Errorf("ShardID() = %d, want 2", b.ShardID())
	}
	if b.IsRoot() {
		t.Error("IsRoot() = true for a shard branch")
	}
}

func TestRootBranch(t *testing.T) {
	if !RootBranch.IsRoot() {
		t.Error("RootBranch.IsRoot() = false")
	}
	if RootBranch.String() != "root" {
		t.Errorf("RootBranch.String() = %q, want %q", RootBranch.String(), "root")
	}
}

func TestBranchEquality(t *testing.T) {
	a := NewBranch(4, 2)
	b := NewBranch(4, 2)
	c := NewBranch(4, 3)
	if a != b {
		t.Error("identical (shard_size, shard_id) pairs produced different branches")
	}
	if a == c {
		t.Error("distinct shard_ids produced equal branches")
	}
}

func TestShardMaskContains(t *testing.T) {
	tests := []struct {
		name     string
		mask     int
		shardID  int
		contains bool
	}{
		{"full coverage mask matches shard 0", 0b1, 0, true},
		{"full coverage mask matches shard 1", 0b1, 1, true},
		{"low half matches shard 0", 0b10, 0, true},
		{"low half rejects shard 1", 0b10, 1, false},
		{"high half matches shard 1", 0b11, 1, true},
		{"high half rejects shard 0", 0b11, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewShardMask(tt.mask)
			if got := m.Contains(tt.shardID); got != tt.contains {
				t.Errorf("ShardMask(%#b).Contains(%d) = %v, want %v", tt.mask, tt.shardID, got, tt.contains)
			}
		})
	}
}

func TestShardMaskOverlaps(t *testing.T) {
	full := NewShardMask(0b1)
	low := NewShardMask(0b10)
	high := NewShardMask(0b11)

	if !full.Overlaps(low) || !low.Overlaps(full) {
		t.Error("full-coverage mask must overlap every partition")
	}
	if low.Overlaps(high) {
		t.Error("disjoint low/high halves reported as overlapping")
	}
	if !low.Overlaps(low) {
		t.Error("a mask must overlap itself")
	}
}

func TestShardMaskJSON(t *testing.T) {
	m := NewShardMask(0b11)
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "3" {
		t.Errorf("Marshal(%#v) = %s, want 3", m, data)
	}

	var decoded ShardMask
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Value() != 0b11 {
		t.Errorf("decoded.Value() = %d, want %d", decoded.Value(), 0b11)
	}
}

func TestClusterPeerIDIsInternal(t *testing.T) {
	if !ClusterPeerID(0).IsInternal() {
		t.Error("ClusterPeerID(0).IsInternal() = false")
	}
	if ClusterPeerID(7).IsInternal() {
		t.Error("ClusterPeerID(7).IsInternal() = true")
	}
}

func TestSlaveInfoHasShard(t *testing.T) {
	s := SlaveInfo{
		ID:         "s1",
		Host:       "127.0.0.1",
		Port:       9000,
		ShardMasks: []ShardMask{NewShardMask(0b11)},
	}
	if !s.HasShard(1) {
		t.Error("HasShard(1) = false, want true for mask 0b11")
	}
	if s.HasShard(0) {
		t.Error("HasShard(0) = true, want false for mask 0b11")
	}
}

func TestSlaveInfoAddr(t *testing.T) {
	s := SlaveInfo{Host: "10.0.0.5", Port: 38000}
	if got, want := s.Addr(), "10.0.0.5:38000"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestLoadClusterConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.json")
	body := `{
		"slaves": [
			{"id": "s1", "ip": "127.0.0.1", "port": 38000, "shard_masks": [2]},
			{"id": "s2", "ip": "127.0.0.1", "port": 38001, "shard_masks": [3]}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadClusterConfig(path)
	if err != nil {
		t.Fatalf("LoadClusterConfig: %v", err)
	}
	if len(cfg.Slaves) != 2 {
		t.Fatalf("len(cfg.Slaves) = %d, want 2", len(cfg.Slaves))
	}
	if cfg.Slaves[0].ID != "s1" || cfg.Slaves[1].ID != "s2" {
		t.Errorf("unexpected slave order/ids: %+v", cfg.Slaves)
	}
	if cfg.Slaves[0].ShardMasks[0].Value() != 2 {
		t.Errorf("cfg.Slaves[0].ShardMasks[0].Value() = %d, want 2", cfg.Slaves[0].ShardMasks[0].Value())
	}
}

func TestShardSizeOrDefaultExplicit(t *testing.T) {
	cfg := ClusterConfig{ShardSize: 16, Slaves: []SlaveInfo{{ShardMasks: []ShardMask{NewShardMask(0b1)}}}}
	if got := cfg.ShardSizeOrDefault(); got != 16 {
		t.Errorf("ShardSizeOrDefault() = %d, want 16", got)
	}
}

func TestShardSizeOrDefaultDerivedFromMasks(t *testing.T) {
	cfg := ClusterConfig{
		Slaves: []SlaveInfo{
			{ShardMasks: []ShardMask{NewShardMask(0b11)}},
			{ShardMasks: []ShardMask{NewShardMask(0b10)}},
		},
	}
	if got := cfg.ShardSizeOrDefault(); got != 2 {
		t.Errorf("ShardSizeOrDefault() = %d, want 2", got)
	}
}

func TestShardSizeOrDefaultSingleFullCoverageSlave(t *testing.T) {
	cfg := ClusterConfig{Slaves: []SlaveInfo{{ShardMasks: []ShardMask{NewShardMask(0b1)}}}}
	if got := cfg.ShardSizeOrDefault(); got != 1 {
		t.Errorf("ShardSizeOrDefault() = %d, want 1", got)
	}
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	if _, err := LoadClusterConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("LoadClusterConfig with missing file returned nil error")
	}
}
