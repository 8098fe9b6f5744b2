package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"colonymem.dev/internal/memory/schema"
)

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if cfg.Policy() != schema.PolicyCoerceNone {
		t.Fatalf("policy=%q", cfg.Policy())
	}
	if cfg.Script.Path == "" || !cfg.Script.Watch {
		t.Fatalf("script=%+v", cfg.Script)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shard != "shard0" || cfg.TickRateHz != 1 || cfg.Policy() != schema.PolicyReject {
		t.Fatalf("defaults=%+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_rate_hz: 5\nunknown_role_policy: ' MIGRATE '\nprune_dead: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickRateHz != 5 || cfg.PruneDead {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Policy() != schema.PolicyMigrate {
		t.Fatalf("policy=%q", cfg.UnknownRolePolicy)
	}
	if cfg.SnapshotEveryTicks != 100 || cfg.Segments.MaxActive != 10 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Tuning){
		"rate":     func(c *Tuning) { c.TickRateHz = -1 },
		"policy":   func(c *Tuning) { c.UnknownRolePolicy = "drop" },
		"watch":    func(c *Tuning) { c.Script.Watch = true; c.Script.Path = "" },
		"segments": func(c *Tuning) { c.Segments.MaxActive = 11 },
		"bytes":    func(c *Tuning) { c.Segments.MaxBytes = 200 * 1024 },
		"snapshot": func(c *Tuning) { c.SnapshotEveryTicks = -5 },
	}
	for name, mut := range cases {
		cfg := Defaults()
		mut(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
