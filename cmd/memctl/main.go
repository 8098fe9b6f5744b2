package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gookit/color"
)

type command struct {
	usage string
	run   func(args []string, stdin io.Reader, stdout io.Writer) error
}

var commands = map[string]command{
	"list":     {"list records per category of a snapshot", listCmd},
	"inspect":  {"print one record of a snapshot", inspectCmd},
	"classify": {"classify a creep record read from -file or stdin", classifyCmd},
	"migrate":  {"rewrite a snapshot through an unknown-role policy", migrateCmd},
	"get":      {"query snapshot memory by gjson path", getCmd},
	"set":      {"edit snapshot memory by sjson path", setCmd},
	"schema":   {"generate the creep memory JSON Schema from Go types", schemaCmd},
	"replay":   {"rebuild memory from a snapshot plus commit logs and verify digests", replayCmd},
	"rollback": {"undo audited admin writes on a snapshot", rollbackCmd},
	"db":       {"query the shard's sqlite index", dbCmd},
	"state":    {"print the state of a running server", stateCmd},
	"snapshot": {"ask a running server to write a snapshot", snapshotCmd},
	"put":      {"write or delete one record on a running server", putCmd},
	"watch":    {"follow the observer stream of a running server", watchCmd},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := cmd.run(os.Args[2:], os.Stdin, os.Stdout); err != nil {
		color.Fprintf(os.Stderr, "<red>error:</> %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: memctl <command> [flags]")
	for _, n := range names {
		fmt.Fprintf(w, "  %-9s %s\n", n, commands[n].usage)
	}
}

// usageError is returned for bad invocations; main prints it like any error.
func usageError(format string, args ...any) error {
	return fmt.Errorf("usage: "+format, args...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
