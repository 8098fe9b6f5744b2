package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gookit/color"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/memory/schema"
	"colonymem.dev/internal/memory/validate"
)

func listCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	src := addSourceFlags(fs)
	cats := fs.String("category", "", "comma-separated categories (default: all)")
	policy := fs.String("policy", "reject", "unknown role policy used to decode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pol, err := schema.ParsePolicy(*policy)
	if err != nil {
		return err
	}
	p, snap, reg, rep, err := src.load(pol)
	if err != nil {
		return err
	}

	want := registry.Categories()
	if l := splitList(*cats); len(l) > 0 {
		want = nil
		for _, c := range l {
			cat, err := registry.ParseCategory(c)
			if err != nil {
				return err
			}
			want = append(want, cat)
		}
	}

	color.Fprintf(stdout, "<cyan>%s</> shard=%s tick=%d digest=%s\n", p, snap.Header.Shard, snap.Header.Tick, snap.Digest)
	for _, c := range want {
		names := reg.Names(c)
		color.Fprintf(stdout, "<green>%s</> (%d)\n", c, len(names))
		for _, n := range names {
			if c == registry.Creeps {
				m, _ := reg.Creep(n)
				fmt.Fprintf(stdout, "  %s\t%s\n", n, m.Role())
				continue
			}
			fmt.Fprintf(stdout, "  %s\n", n)
		}
	}
	for _, n := range rep.Coerced {
		color.Fprintf(stdout, "<yellow>coerced</> creeps/%s\n", n)
	}
	return nil
}

func inspectCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	src := addSourceFlags(fs)
	cat := fs.String("category", "creeps", "memory category")
	name := fs.String("name", "", "entity name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return usageError("inspect -name <entity> [-category creeps]")
	}
	c, err := registry.ParseCategory(*cat)
	if err != nil {
		return err
	}
	_, _, reg, _, err := src.load(schema.PolicyReject)
	if err != nil {
		return err
	}
	v, ok := reg.Get(c, *name)
	if !ok {
		return fmt.Errorf("%s/%s: no record", c, *name)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(b))
	return nil
}

// classifyCmd checks a creep record the same way admin writes are checked:
// strict schema first, then classification and narrowing.
func classifyCmd(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	file := fs.String("file", "", "record file (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		raw []byte
		err error
	)
	if *file != "" {
		raw, err = os.ReadFile(*file)
	} else {
		raw, err = io.ReadAll(stdin)
	}
	if err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)

	role, err := schema.Classify(raw)
	if err != nil {
		color.Fprintf(stdout, "<red>unclassified</> %v\n", err)
		return err
	}
	m, err := schema.Narrow(raw, role)
	if err != nil {
		color.Fprintf(stdout, "<red>%s</> %v\n", role, err)
		return err
	}
	color.Fprintf(stdout, "<green>%s</> fields=%s\n", role, strings.Join(schema.Fields(m), ","))
	if err := validate.Creep(raw); err != nil {
		// Narrowing drops unknown keys; strict validation reports them.
		color.Fprintf(stdout, "<yellow>strict</> %v\n", err)
	}
	return nil
}
