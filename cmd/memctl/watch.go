package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"

	"colonymem.dev/internal/protocol"
)

// watchCmd follows the observer stream of a running server and prints one
// line per commit.
func watchCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "ws://127.0.0.1:8080/admin/v1/observer/ws", "observer websocket url")
	name := fs.String("name", "memctl", "observer name")
	cats := fs.String("category", "", "comma-separated categories (default: all)")
	count := fs.Int("count", 0, "exit after this many commits (default: run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return watch(ctx, *url, *name, splitList(*cats), *count, stdout)
}

func watch(ctx context.Context, url, name string, cats []string, count int, stdout io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            name,
		Categories:      cats,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}

	seen := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			color.Fprintf(stdout, "<cyan>WELCOME</> session=%s shard=%s tick=%d tick_rate=%d\n", w.SessionID, w.Shard, w.Tick, w.TickRateHz)

		case protocol.TypeCommit:
			var c protocol.CommitMsg
			if err := json.Unmarshal(msg, &c); err != nil {
				continue
			}
			printCommit(stdout, c)
			seen++
			if count > 0 && seen >= count {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		}
	}
}

func printCommit(w io.Writer, c protocol.CommitMsg) {
	parts := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		p := ch.Op + " " + ch.Category + "/" + ch.Name
		if ch.Role != "" {
			p += "(" + ch.Role + ")"
		}
		parts = append(parts, p)
	}
	color.Fprintf(w, "<green>tick %d</> %s\n", c.Tick, strings.Join(parts, ", "))
	if c.Result != nil && c.Result.Error != "" {
		color.Fprintf(w, "  <red>loop error</> %s\n", c.Result.Error)
	}
	for _, n := range c.Coerced {
		color.Fprintf(w, "  <yellow>coerced</> creeps/%s\n", n)
	}
}
