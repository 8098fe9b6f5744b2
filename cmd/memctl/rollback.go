package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gookit/color"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	persistlog "colonymem.dev/internal/persistence/log"
	"colonymem.dev/internal/sim/cycle"
)

// rollbackCmd undoes admin writes recorded in the audit log by restoring
// each entry's before value onto a snapshot, newest first.
func rollbackCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	src := addSourceFlags(fs)
	sinceTick := fs.Uint64("since_tick", 0, "rollback admin writes since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "rollback admin writes up to tick (inclusive; default: snapshot tick)")
	cat := fs.String("category", "", "only this category")
	pattern := fs.String("name", "", "only names matching this glob, e.g. Harvester*")
	actor := fs.String("actor", "", "only writes made by this actor")
	out := fs.String("out", "", "output snapshot path (default: <tick>.rollback.snap.zst next to the input)")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pattern != "" && !doublestar.ValidatePattern(*pattern) {
		return fmt.Errorf("bad -name pattern %q", *pattern)
	}
	var only registry.Category
	if *cat != "" {
		c, err := registry.ParseCategory(*cat)
		if err != nil {
			return err
		}
		only = c
	}

	p, snap, reg, _, err := src.load(schema.PolicyReject)
	if err != nil {
		return err
	}
	end := *toTick
	if end == 0 || end > snap.Header.Tick {
		end = snap.Header.Tick
	}

	recs, err := readAudit(src.shardDir(), func(e cycle.AuditEntry) bool {
		if e.Tick < *sinceTick || e.Tick > end {
			return false
		}
		if only != "" && registry.Category(e.Category) != only {
			return false
		}
		if *actor != "" && e.Actor != *actor {
			return false
		}
		if *pattern != "" {
			ok, _ := doublestar.Match(*pattern, e.Name)
			return ok
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(stdout, "no matching audit entries; nothing to rollback")
		return nil
	}

	applied, err := applyRollback(reg, recs)
	if err != nil {
		return err
	}
	for _, r := range recs {
		color.Fprintf(stdout, "<yellow>undo</> tick=%d %s %s/%s by %s\n", r.Tick, r.Action, r.Category, r.Name, r.Actor)
	}

	dst := strings.TrimSpace(*out)
	if dst == "" {
		dst = filepath.Join(filepath.Dir(p), fmt.Sprintf("%d.rollback.snap.zst", snap.Header.Tick))
	}
	if !*yes {
		ok, err := confirm(fmt.Sprintf("Write %d reverted records into %s?", applied, dst))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "aborted")
			return nil
		}
	}
	snap, err = rewrite(dst, snap, reg)
	if err != nil {
		return err
	}
	color.Fprintf(stdout, "<green>rollback ok</> snapshot=%s tick=%d since=%d to=%d entries=%d out=%s digest=%s\n",
		filepath.Base(p), snap.Header.Tick, *sinceTick, end, applied, dst, snap.Digest)
	return nil
}

type auditRec struct {
	Seq uint64
	cycle.AuditEntry
}

// readAudit returns the matching entries newest first; entries of the same
// tick are undone in reverse write order.
func readAudit(shardDir string, keep func(cycle.AuditEntry) bool) ([]auditRec, error) {
	var (
		out []auditRec
		seq uint64
	)
	err := persistlog.ReadAudits(shardDir, func(e cycle.AuditEntry) error {
		seq++
		if keep(e) {
			out = append(out, auditRec{Seq: seq, AuditEntry: e})
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tick != out[j].Tick {
			return out[i].Tick > out[j].Tick
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

func applyRollback(reg *registry.Registry, recs []auditRec) (int, error) {
	for _, r := range recs {
		c := registry.Category(r.Category)
		if len(r.Before) == 0 {
			reg.Remove(c, r.Name)
			continue
		}
		v, _, err := registry.DecodeValue(c, r.Before, schema.PolicyReject)
		if err != nil {
			return 0, fmt.Errorf("tick %d %s/%s: %w", r.Tick, r.Category, r.Name, err)
		}
		if err := reg.Set(c, r.Name, v); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}
