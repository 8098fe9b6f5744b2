package main

import (
	"log"
	"path/filepath"

	"colonymem.dev/internal/persistence/archive"
	"colonymem.dev/internal/persistence/snapshot"
)

// persistSnapshot writes snap under shardDir, indexes it and archives it when
// it closes an epoch. It returns the written path.
func persistSnapshot(shardDir string, snap snapshot.SnapshotV1, archiveEvery int, idx runtimeIndex, logger *log.Logger) (string, error) {
	path := snapshot.Path(filepath.Join(shardDir, "snapshots"), snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}

	// Archive even when index db is disabled.
	epoch, archivedPath, ok, err := archive.ArchiveEpochSnapshot(shardDir, path, snap, archiveEvery)
	if err != nil {
		logger.Printf("archive epoch snapshot: %v", err)
	} else if ok {
		logger.Printf("archived epoch %d at tick %d", epoch, snap.Header.Tick)
		if idx != nil {
			idx.RecordEpoch(epoch, snap.Header.Tick, archivedPath, snap.Digest)
		}
	}
	return path, nil
}
