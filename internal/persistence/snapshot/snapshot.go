package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"

	"colonymem.dev/internal/memory/segments"
)

const Version = 1

const ext = ".snap.zst"

type Header struct {
	Version int    `json:"version"`
	Shard   string `json:"shard"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is the persisted state of one shard after a committed tick.
type SnapshotV1 struct {
	Header Header `json:"header"`

	// Digest is the hex sha256 of Memory.
	Digest   string          `json:"digest"`
	Memory   json.RawMessage `json:"memory"`
	Segments segments.State  `json:"segments"`
}

var ErrNoSnapshot = errors.New("no snapshot found")

// Path returns the file name used for tick under dir.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, strconv.FormatUint(tick, 10)+ext)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeTo(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeTo(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hl, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hl, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	if snap.Header != h {
		return snap, fmt.Errorf("header mismatch: line=%+v body=%+v", h, snap.Header)
	}
	return snap, nil
}

// ReadHeader decodes only the first line of a snapshot.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	hl, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(hl, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// List returns every snapshot below dir ordered by tick. Nested shard
// directories are included.
func List(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*"+ext)
	if err != nil {
		return nil, err
	}
	type entry struct {
		path string
		tick uint64
	}
	out := make([]entry, 0, len(matches))
	for _, m := range matches {
		tick, ok := TickFromName(m)
		if !ok {
			continue
		}
		out = append(out, entry{path: filepath.Join(dir, filepath.FromSlash(m)), tick: tick})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].tick != out[j].tick {
			return out[i].tick < out[j].tick
		}
		return out[i].path < out[j].path
	})
	paths := make([]string, len(out))
	for i, e := range out {
		paths[i] = e.path
	}
	return paths, nil
}

// Latest returns the snapshot with the highest tick below dir.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoSnapshot
		}
		return "", err
	}
	if len(paths) == 0 {
		return "", ErrNoSnapshot
	}
	return paths[len(paths)-1], nil
}

// TickFromName parses "<tick>.snap.zst".
func TickFromName(name string) (uint64, bool) {
	base := filepath.Base(filepath.FromSlash(name))
	if !strings.HasSuffix(base, ext) {
		return 0, false
	}
	tick, err := strconv.ParseUint(strings.TrimSuffix(base, ext), 10, 64)
	if err != nil {
		return 0, false
	}
	return tick, true
}
