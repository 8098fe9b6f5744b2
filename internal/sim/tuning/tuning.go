package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/segments"
)

type Tuning struct {
	Shard string `yaml:"shard"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	ArchiveEveryTicks  int `yaml:"archive_every_ticks"`

	// UnknownRolePolicy is one of reject, coerce_none, migrate.
	UnknownRolePolicy string `yaml:"unknown_role_policy"`
	PruneDead         bool   `yaml:"prune_dead"`

	Script   Script   `yaml:"script"`
	Segments Segments `yaml:"segments"`
	Profiler Profiler `yaml:"profiler"`
}

type Script struct {
	Path       string `yaml:"path"`
	CPULimitMs int    `yaml:"cpu_limit_ms"`
	Watch      bool   `yaml:"watch"`
}

type Segments struct {
	MaxActive int `yaml:"max_active"`
	MaxBytes  int `yaml:"max_bytes"`
}

type Profiler struct {
	Enabled bool `yaml:"enabled"`
}

func Defaults() Tuning {
	return Tuning{
		Shard:              "shard0",
		TickRateHz:         1,
		SnapshotEveryTicks: 100,
		ArchiveEveryTicks:  3000,
		UnknownRolePolicy:  string(schema.PolicyReject),
		PruneDead:          true,
		Script:             Script{CPULimitMs: 500},
		Segments:           Segments{MaxActive: segments.MaxActive, MaxBytes: segments.MaxBytes},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values left by a partial file.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	t.Shard = strings.TrimSpace(t.Shard)
	if t.Shard == "" {
		t.Shard = d.Shard
	}
	if t.TickRateHz == 0 {
		t.TickRateHz = d.TickRateHz
	}
	t.UnknownRolePolicy = strings.ToLower(strings.TrimSpace(t.UnknownRolePolicy))
	if t.UnknownRolePolicy == "" {
		t.UnknownRolePolicy = d.UnknownRolePolicy
	}
	if t.Segments.MaxActive == 0 {
		t.Segments.MaxActive = d.Segments.MaxActive
	}
	if t.Segments.MaxBytes == 0 {
		t.Segments.MaxBytes = d.Segments.MaxBytes
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 100 {
		return fmt.Errorf("tick_rate_hz must be in [1, 100]")
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	if t.ArchiveEveryTicks < 0 {
		return fmt.Errorf("archive_every_ticks must be >= 0")
	}
	if _, err := schema.ParsePolicy(t.UnknownRolePolicy); err != nil {
		return fmt.Errorf("unknown_role_policy: %w", err)
	}
	if t.Script.CPULimitMs < 0 {
		return fmt.Errorf("script.cpu_limit_ms must be >= 0")
	}
	if t.Script.Watch && strings.TrimSpace(t.Script.Path) == "" {
		return fmt.Errorf("script.watch requires script.path")
	}
	if t.Segments.MaxActive < 1 || t.Segments.MaxActive > segments.MaxActive {
		return fmt.Errorf("segments.max_active must be in [1, %d]", segments.MaxActive)
	}
	if t.Segments.MaxBytes < 1 || t.Segments.MaxBytes > segments.MaxBytes {
		return fmt.Errorf("segments.max_bytes must be in [1, %d]", segments.MaxBytes)
	}
	return nil
}

// Policy returns the parsed unknown-role policy. Call after Validate.
func (t Tuning) Policy() schema.UnknownRolePolicy {
	p, _ := schema.ParsePolicy(t.UnknownRolePolicy)
	return p
}
