package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"colonymem.dev/internal/persistence/snapshot"
)

type EpochArchiveMeta struct {
	Epoch       int    `json:"epoch"`
	Shard       string `json:"shard"`
	EndTick     uint64 `json:"end_tick"`
	Digest      string `json:"digest"`
	Snapshot    string `json:"snapshot"`
	CreatedAt   string `json:"created_at"`
	EpochTicks  int    `json:"epoch_length_ticks"`
	MemoryBytes int    `json:"memory_bytes"`
}

// ArchiveEpochSnapshot copies an epoch-end snapshot into
// `shardDir/archives/epoch_<NNN>/`. Snapshots carry the last committed tick,
// so epoch k ends at tick epochTicks*k - 1.
func ArchiveEpochSnapshot(shardDir, snapshotPath string, snap snapshot.SnapshotV1, epochTicks int) (epoch int, archivedPath string, archived bool, err error) {
	if epochTicks <= 0 {
		return 0, "", false, nil
	}
	n := uint64(epochTicks)
	if (snap.Header.Tick+1)%n != 0 {
		return 0, "", false, nil
	}
	epoch = int((snap.Header.Tick + 1) / n)
	if epoch <= 0 {
		return 0, "", false, nil
	}

	archiveDir := filepath.Join(shardDir, "archives", fmt.Sprintf("epoch_%03d", epoch))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := EpochArchiveMeta{
		Epoch:       epoch,
		Shard:       snap.Header.Shard,
		EndTick:     snap.Header.Tick,
		Digest:      snap.Digest,
		Snapshot:    filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		EpochTicks:  epochTicks,
		MemoryBytes: len(snap.Memory),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return epoch, dst, true, nil
}

// ReadMeta loads the meta.json written next to an archived snapshot.
func ReadMeta(archiveDir string) (EpochArchiveMeta, error) {
	var m EpochArchiveMeta
	b, err := os.ReadFile(filepath.Join(archiveDir, "meta.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("meta.json: %w", err)
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
