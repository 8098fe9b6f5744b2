package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/persistence/snapshot"
	"colonymem.dev/internal/sim/cycle"
)

// source selects a snapshot: -snapshot when given, else the latest one of
// -shard under -data.
type source struct {
	dataDir  string
	shard    string
	snapPath string
}

func addSourceFlags(fs *flag.FlagSet) *source {
	s := &source{}
	fs.StringVar(&s.dataDir, "data", "./data", "runtime data directory")
	fs.StringVar(&s.shard, "shard", "shard0", "shard name")
	fs.StringVar(&s.snapPath, "snapshot", "", "snapshot path (default: latest of the shard)")
	return s
}

func (s *source) shardDir() string { return filepath.Join(s.dataDir, "shards", s.shard) }

func (s *source) path() (string, error) {
	if p := strings.TrimSpace(s.snapPath); p != "" {
		return p, nil
	}
	p, err := snapshot.Latest(filepath.Join(s.shardDir(), "snapshots"))
	if err != nil {
		return "", fmt.Errorf("shard %s: %w", s.shard, err)
	}
	return p, nil
}

func (s *source) read() (string, snapshot.SnapshotV1, error) {
	p, err := s.path()
	if err != nil {
		return "", snapshot.SnapshotV1{}, err
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		return "", snapshot.SnapshotV1{}, err
	}
	return p, snap, nil
}

// load reads the snapshot and decodes its memory with policy.
func (s *source) load(policy schema.UnknownRolePolicy) (string, snapshot.SnapshotV1, *registry.Registry, registry.LoadReport, error) {
	p, snap, err := s.read()
	if err != nil {
		return "", snap, nil, registry.LoadReport{}, err
	}
	reg, rep, err := cycle.LoadMemory(snap.Memory, policy)
	if err != nil {
		return p, snap, nil, rep, fmt.Errorf("%s: %w", p, err)
	}
	return p, snap, reg, rep, nil
}

// rewrite replaces the memory of snap with reg and writes it to out.
func rewrite(out string, snap snapshot.SnapshotV1, reg *registry.Registry) (snapshot.SnapshotV1, error) {
	b, err := reg.Encode()
	if err != nil {
		return snap, err
	}
	digest, err := cycle.Digest(reg)
	if err != nil {
		return snap, err
	}
	snap.Memory = b
	snap.Digest = digest
	return snap, snapshot.WriteSnapshot(out, snap)
}
