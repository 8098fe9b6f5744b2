package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"colonymem.dev/internal/memory/registry"
)

var dbQueries = map[string]string{
	"snapshots": `SELECT tick,path,shard,digest,creeps,flags,rooms,spawns,power_creeps,segments,memory_bytes,recorded_at
		FROM snapshots ORDER BY tick DESC LIMIT ?`,
	"commits": `SELECT tick,commit_id,digest,changes,coerced,pruned,loop_error,cpu_ms
		FROM commits ORDER BY tick DESC LIMIT ?`,
	"epochs": `SELECT epoch,end_tick,snapshot_path,digest,recorded_at
		FROM epochs ORDER BY epoch DESC LIMIT ?`,
	"creeps": `SELECT name,role,state,source,spawn,updated_tick
		FROM creeps WHERE (?1 = '' OR role = ?1) ORDER BY name LIMIT ?2`,
	"audits": `SELECT tick,seq,actor,action,category,name,reason
		FROM audits WHERE (?1 = '' OR actor = ?1) ORDER BY tick DESC, seq DESC LIMIT ?2`,
	"history": `SELECT tick,seq,category,name,op,role
		FROM changes WHERE category = ?1 AND name = ?2 ORDER BY tick DESC, seq DESC LIMIT ?3`,
}

// dbCmd prints rows of the shard's sqlite index as JSON lines.
func dbCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	src := addSourceFlags(fs)
	dbPath := fs.String("db", "", "sqlite index path (default: <shard>/index/memory.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	role := fs.String("role", "", "role filter (creeps)")
	actor := fs.String("actor", "", "actor filter (audits)")
	cat := fs.String("category", "creeps", "category (history)")
	name := fs.String("name", "", "entity name (history)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	stmt, ok := dbQueries[q]
	if !ok {
		return usageError("db [snapshots|commits|epochs|creeps|audits|history] [flags]")
	}
	if *limit <= 0 {
		*limit = 20
	}

	var qargs []any
	switch q {
	case "creeps":
		qargs = []any{*role, *limit}
	case "audits":
		qargs = []any{*actor, *limit}
	case "history":
		c, err := registry.ParseCategory(*cat)
		if err != nil {
			return err
		}
		if strings.TrimSpace(*name) == "" {
			return usageError("db history -name <entity> [-category creeps]")
		}
		qargs = []any{string(c), *name, *limit}
	default:
		qargs = []any{*limit}
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(src.shardDir(), "index", "memory.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(stmt, qargs...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return printRows(stdout, rows)
}

func printRows(w io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
