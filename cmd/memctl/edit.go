package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/gookit/color"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/sim/cycle"
)

// confirm asks before a snapshot is overwritten. Tests replace it.
var confirm = func(question string) (bool, error) {
	return confirmation.New(question, confirmation.No).RunPrompt()
}

func migrateCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	src := addSourceFlags(fs)
	policy := fs.String("policy", "migrate", "unknown role policy: coerce_none|migrate")
	out := fs.String("out", "", "output snapshot path (default: overwrite the input)")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	dryRun := fs.Bool("dry_run", false, "report only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pol, err := schema.ParsePolicy(*policy)
	if err != nil {
		return err
	}
	if pol == schema.PolicyReject {
		return usageError("migrate -policy coerce_none|migrate")
	}

	p, snap, reg, rep, err := src.load(pol)
	if err != nil {
		return err
	}
	if len(rep.Coerced) == 0 {
		color.Fprintf(stdout, "<green>clean</> %s: every creep record matches a variant\n", p)
		return nil
	}
	for _, n := range rep.Coerced {
		m, _ := reg.Creep(n)
		color.Fprintf(stdout, "<yellow>%s</> creeps/%s -> %s\n", pol, n, m.Role())
	}
	if *dryRun {
		return nil
	}

	dst := strings.TrimSpace(*out)
	if dst == "" {
		dst = p
	}
	if !*yes {
		ok, err := confirm(fmt.Sprintf("Rewrite %d creep records into %s?", len(rep.Coerced), dst))
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
	color.Fprintf(stdout, "<green>wrote</> %s digest=%s\n", dst, snap.Digest)
	return nil
}

func getCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	src := addSourceFlags(fs)
	path := fs.String("path", "", "gjson path into the memory root, e.g. creeps.Harvester1.state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return usageError("get -path <gjson path>")
	}
	_, snap, err := src.read()
	if err != nil {
		return err
	}
	res := gjson.GetBytes(snap.Memory, *path)
	if !res.Exists() {
		return fmt.Errorf("%s: not found", *path)
	}
	fmt.Fprintln(stdout, res.Raw)
	return nil
}

// setCmd edits the memory root in place. The result must decode under the
// reject policy, so a creep record can only be replaced by a valid variant.
func setCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	src := addSourceFlags(fs)
	path := fs.String("path", "", "sjson path into the memory root")
	value := fs.String("value", "", "raw JSON value")
	del := fs.Bool("delete", false, "delete the value at -path")
	out := fs.String("out", "", "output snapshot path (default: overwrite the input)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" || (*value == "" && !*del) {
		return usageError("set -path <sjson path> (-value <json> | -delete)")
	}
	p, snap, err := src.read()
	if err != nil {
		return err
	}

	var mem []byte
	if *del {
		mem, err = sjson.DeleteBytes(snap.Memory, *path)
	} else {
		if !gjson.Valid(*value) {
			return fmt.Errorf("-value is not valid JSON")
		}
		mem, err = sjson.SetRawBytes(snap.Memory, *path, []byte(*value))
	}
	if err != nil {
		return err
	}
	reg, _, err := cycle.LoadMemory(mem, schema.PolicyReject)
	if err != nil {
		return fmt.Errorf("edited memory: %w", err)
	}

	dst := strings.TrimSpace(*out)
	if dst == "" {
		dst = p
	}
	snap, err = rewrite(dst, snap, reg)
	if err != nil {
		return err
	}
	color.Fprintf(stdout, "<green>wrote</> %s digest=%s\n", dst, snap.Digest)
	return nil
}
