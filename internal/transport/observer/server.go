// Package observer streams committed memory changes to websocket observers.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"colonymem.dev/internal/memory/registry"
	"colonymem.dev/internal/protocol"
	"colonymem.dev/internal/sim/cycle"
)

const (
	defaultQueue = 8
	maxQueue     = 256
)

// Source is the commit feed of a runner.
type Source interface {
	Config() cycle.Config
	CurrentTick() uint64
	Subscribe(buf int) (id string, ch <-chan cycle.CommitEntry)
	Unsubscribe(id string)
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, filter, ok := s.handshake(conn)
		if !ok {
			return
		}

		q := hello.MaxQueue
		if q <= 0 {
			q = defaultQueue
		}
		if q > maxQueue {
			q = maxQueue
		}
		subID, commits := s.src.Subscribe(q)
		defer s.src.Unsubscribe(subID)

		cfg := s.src.Config()
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       uuid.NewString(),
			Shard:           cfg.Shard,
			Tick:            s.src.CurrentTick(),
			TickRateHz:      cfg.TickRateHz,
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}
		if s.log != nil {
			s.log.Printf("observer %s connected (%s)", welcome.SessionID, hello.Name)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-commits:
					if !ok {
						return
					}
					msg, send := CommitMessage(e, filter)
					if !send {
						continue
					}
					if err := writeJSON(conn, msg); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop: observers send nothing after HELLO, but reading
		// surfaces close frames.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		cancel()
		if s.log != nil {
			s.log.Printf("observer %s disconnected", welcome.SessionID)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.HelloMsg, map[registry.Category]bool, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return hello, nil, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		closePolicy(conn, "bad HELLO")
		return hello, nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return hello, nil, false
	}

	var filter map[registry.Category]bool
	if len(hello.Categories) > 0 {
		filter = map[registry.Category]bool{}
		for _, c := range hello.Categories {
			cat, err := registry.ParseCategory(c)
			if err != nil {
				closePolicy(conn, err.Error())
				return hello, nil, false
			}
			filter[cat] = true
		}
	}
	return hello, filter, true
}

// CommitMessage converts a commit into its wire form, keeping only changes
// in filter (all when filter is nil). Commits with nothing left to report
// are not sent.
func CommitMessage(e cycle.CommitEntry, filter map[registry.Category]bool) (protocol.CommitMsg, bool) {
	msg := protocol.CommitMsg{
		Type:            protocol.TypeCommit,
		ProtocolVersion: protocol.Version,
		Tick:            e.Tick,
		CommitID:        e.CommitID,
		Digest:          e.Digest,
		Coerced:         e.Coerced,
		Changes:         []protocol.ChangeRef{},
	}
	for _, ch := range e.Changed {
		if filter != nil && !filter[registry.Category(ch.Category)] {
			continue
		}
		msg.Changes = append(msg.Changes, protocol.ChangeRef{Category: ch.Category, Name: ch.Name, Op: ch.Op, Role: ch.Role})
	}
	if e.LoopError != "" {
		msg.Result = &protocol.LoopResultMsg{Error: e.LoopError, CPUMs: e.CPUMs}
	}
	return msg, len(msg.Changes) > 0 || msg.Result != nil
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
