package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parapet-ai/parapet/pkg/audit"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// command is a client-to-server message on the event channel.
type command struct {
	Type   string `json:"type"`
	Limit  int    `json:"limit,omitempty"`
	Action string `json:"action,omitempty"`
}

// WSHandler upgrades HTTP connections to the bidirectional event
// channel. The server pushes monitoring-update, request-event, and alert
// messages; clients may send request-update, get-logs, and get-stats
// commands.
type WSHandler struct {
	bus       *Bus
	collector *Collector
	store     audit.Store
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewWSHandler creates the event channel handler.
func NewWSHandler(bus *Bus, collector *Collector, store audit.Store) *WSHandler {
	return &WSHandler{
		bus:       bus,
		collector: collector,
		store:     store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served from arbitrary origins in dev.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "events.ws"),
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id, ch := h.bus.Subscribe()
	h.logger.Info("event subscriber connected", "subscriber", id, "remote", r.RemoteAddr)

	// An immediate snapshot so new dashboards render without waiting a
	// full tick.
	h.bus.Send(id, Message{Type: TypeMonitoringUpdate, Payload: h.collector.Snapshot(r.Context())})

	go h.writePump(conn, id, ch)
	h.readPump(conn, id, r)
}

// writePump drains the subscriber channel onto the socket. A write
// failure or a closed channel ends the pump.
func (h *WSHandler) writePump(conn *websocket.Conn, id int, ch <-chan Message) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("event write failed", "subscriber", id, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound commands until the client disconnects.
func (h *WSHandler) readPump(conn *websocket.Conn, id int, r *http.Request) {
	defer func() {
		h.bus.Unsubscribe(id)
		conn.Close()
		h.logger.Info("event subscriber disconnected", "subscriber", id)
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			h.logger.Debug("ignoring malformed command", "subscriber", id)
			continue
		}
		h.handleCommand(r.Context(), id, cmd)
	}
}

func (h *WSHandler) handleCommand(ctx context.Context, id int, cmd command) {
	switch cmd.Type {
	case "request-update":
		h.bus.Send(id, Message{Type: TypeMonitoringUpdate, Payload: h.collector.Snapshot(ctx)})

	case "get-stats":
		stats, err := h.store.Stats(ctx)
		if err != nil {
			h.logger.Warn("get-stats failed", "error", err)
			return
		}
		h.bus.Send(id, Message{Type: TypeStats, Payload: stats})

	case "get-logs":
		limit := cmd.Limit
		if limit <= 0 {
			limit = 50
		}
		var records []*audit.Record
		var err error
		if cmd.Action != "" {
			records, err = h.store.ByAction(ctx, audit.Action(cmd.Action), limit)
		} else {
			records, err = h.store.Recent(ctx, limit)
		}
		if err != nil {
			h.logger.Warn("get-logs failed", "error", err)
			return
		}
		h.bus.Send(id, Message{Type: TypeLogs, Payload: records})

	default:
		h.logger.Debug("unknown command", "subscriber", id, "type", cmd.Type)
	}
}
