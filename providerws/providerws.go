// Package providerws accepts the browser tab's bidirectional connection
// and drives the relay's provider state machine from it. Each websocket
// frame is a single JSON envelope {"event": "mcp", "data": {...}} whose
// data payload carries the topic-discriminated sub-protocol message.
package providerws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xenote/mcp-relay/relay"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// frame is the wire envelope in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler upgrades HTTP requests to websocket provider connections.
type Handler struct {
	log      *slog.Logger
	reg      *relay.Registry
	upgrader websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. If not provided, logs are
// discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAllowedOrigins restricts browser connections to the given origins.
// Requests without an Origin header (non-browser clients) are always
// allowed.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// NewHandler creates a websocket endpoint feeding the given registry.
func NewHandler(reg *relay.Registry, opts ...Option) *Handler {
	h := &Handler{
		log: slog.New(slog.DiscardHandler),
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.DebugContext(r.Context(), "providerws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	pc := relay.NewProviderConn(h.reg, &wsTransport{conn: conn})
	// Cleanup must run even when the request context is already gone.
	defer pc.HandleDisconnect(context.WithoutCancel(r.Context()))

	h.log.InfoContext(r.Context(), "providerws.connect", slog.String("remote_addr", r.RemoteAddr))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.DebugContext(r.Context(), "providerws.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.DebugContext(r.Context(), "providerws.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		if f.Event != relay.EventName {
			h.log.DebugContext(r.Context(), "providerws.frame.unknown_event", slog.String("event", f.Event))
			continue
		}

		var msg relay.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			h.log.DebugContext(r.Context(), "providerws.frame.invalid", slog.String("err", err.Error()))
			continue
		}

		pc.HandleMessage(r.Context(), &msg)
	}
}

// wsTransport adapts a websocket connection to the relay's emit surface.
// Emits may come from concurrent tool calls; the mutex keeps frames whole.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ relay.ProviderTransport = (*wsTransport)(nil)

func (t *wsTransport) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, buf)
}
