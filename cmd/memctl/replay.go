package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"

	"github.com/gookit/color"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	persistlog "colonymem.dev/internal/persistence/log"
	"colonymem.dev/internal/sim/cycle"
)

const profilerLoopSymbol = "loop"

var errStop = errors.New("stop")

type replayResult struct {
	FromTick   uint64
	LastTick   uint64
	Applied    int
	Mismatches []uint64
	Gaps       []uint64
	Registry   *registry.Registry
}

func replayCmd(args []string, _ io.Reader, stdout io.Writer) error {
	set := flag.NewFlagSet("replay", flag.ContinueOnError)
	src := addSourceFlags(set)
	toTick := set.Uint64("to_tick", 0, "stop after this tick (default: end of logs)")
	strict := set.Bool("strict", true, "fail on the first digest mismatch")
	if err := set.Parse(args); err != nil {
		return err
	}

	p, snap, reg, _, err := src.load(schema.PolicyReject)
	if err != nil {
		return err
	}
	if snap.Digest != "" {
		if d, err := cycle.Digest(reg); err != nil || d != snap.Digest {
			return fmt.Errorf("%s: snapshot digest mismatch", p)
		}
	}

	res, err := replay(src.shardDir(), snap.Header.Tick, reg, *toTick, *strict)
	if err != nil {
		return err
	}
	for _, t := range res.Gaps {
		color.Fprintf(stdout, "<yellow>gap</> no commit for tick %d\n", t)
	}
	for _, t := range res.Mismatches {
		color.Fprintf(stdout, "<red>mismatch</> tick %d\n", t)
	}
	digest, err := cycle.Digest(res.Registry)
	if err != nil {
		return err
	}
	color.Fprintf(stdout, "<green>replayed</> %d commits from tick %d to %d digest=%s\n", res.Applied, res.FromTick, res.LastTick, digest)
	if len(res.Mismatches) > 0 {
		return fmt.Errorf("%d digest mismatches", len(res.Mismatches))
	}
	return nil
}

// replay applies every commit after fromTick to reg and checks the digest
// recorded with each one.
func replay(shardDir string, fromTick uint64, reg *registry.Registry, toTick uint64, strict bool) (replayResult, error) {
	res := replayResult{FromTick: fromTick, LastTick: fromTick, Registry: reg}
	next := fromTick + 1
	err := persistlog.ReadCommits(shardDir, func(e cycle.CommitEntry) error {
		if e.Tick <= fromTick {
			return nil
		}
		if toTick != 0 && e.Tick > toTick {
			return errStop
		}
		for t := next; t < e.Tick; t++ {
			res.Gaps = append(res.Gaps, t)
		}
		next = e.Tick + 1

		for _, ch := range e.Changed {
			if err := reg.Apply(ch.Change(), ch.Value); err != nil {
				return fmt.Errorf("tick %d: apply %s/%s: %w", e.Tick, ch.Category, ch.Name, err)
			}
		}
		if e.Profiled {
			reg.Profiler.Record(profilerLoopSymbol, e.CPUMs)
		}
		res.Applied++
		res.LastTick = e.Tick

		d, err := cycle.Digest(reg)
		if err != nil {
			return err
		}
		if d != e.Digest {
			res.Mismatches = append(res.Mismatches, e.Tick)
			if strict {
				return errStop
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil && !errors.Is(err, errStop) {
		return res, err
	}
	return res, nil
}
