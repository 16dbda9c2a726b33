package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

// Frame is the JSON unit exchanged over the WebSocket link. A frame with
// Event "ack" answers the emit carrying the same AckID.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
}

type WSConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Redial           Redial
}

var _ Transport = (*WebSocket)(nil)

// WebSocket is a Transport over a single gorilla/websocket connection.
// Pending acknowledgements are discarded when the link drops.
type WebSocket struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	// reconnecting is set while a redial owns the link; Connect leaves it be.
	reconnecting bool
	ctx          context.Context
	cancel       context.CancelFunc
	pending      map[string]AckFunc

	writeMu sync.Mutex

	events      chan Event
	reconnected chan struct{}
}

func NewWebSocket(cfg WSConfig, logger *slog.Logger) *WebSocket {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocket{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:         logging.OrDiscard(logger).With("component", "ws_transport"),
		pending:     make(map[string]AckFunc),
		events:      make(chan Event, memoryBuffer),
		reconnected: make(chan struct{}, 1),
	}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	const op = "ws.Connect"

	w.mu.Lock()
	if w.conn != nil || (w.reconnecting && !w.closing) {
		w.mu.Unlock()
		return nil
	}
	w.closing = false
	w.reconnecting = false
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		w.log.With("op", op).Error("dial failed", slog.String("url", w.cfg.URL), slog.Any("error", err))
		return err
	}
	w.install(conn)
	w.log.With("op", op).Info("connected", slog.String("url", w.cfg.URL))
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	return conn, nil
}

func (w *WebSocket) install(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	go w.readLoop(conn)
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closing := w.closing
			current := w.conn == conn
			if current {
				w.conn = nil
				w.pending = make(map[string]AckFunc)
				w.reconnecting = !closing
			}
			ctx := w.ctx
			w.mu.Unlock()
			conn.Close()
			if closing || !current {
				return
			}
			w.log.Warn("connection lost, reconnecting", slog.Any("error", err))
			w.reconnect(ctx)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			w.log.Warn("dropping undecodable frame", slog.Int("bytes", len(data)))
			continue
		}
		if f.Event == chatv1.EventAck {
			w.resolve(f)
			continue
		}
		select {
		case w.events <- Event{Name: f.Event, Room: f.Room, Payload: f.Data}:
		default:
			w.log.Warn("event dropped, client buffer full", slog.String("event", f.Event))
		}
	}
}

func (w *WebSocket) resolve(f Frame) {
	w.mu.Lock()
	cb, ok := w.pending[f.AckID]
	delete(w.pending, f.AckID)
	w.mu.Unlock()
	if !ok {
		return
	}
	var ack chatv1.AckV1
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		ack = chatv1.AckV1{Status: chatv1.AckError, Error: "undecodable ack"}
	}
	cb(ack)
}

// reconnect redials until it succeeds or the transport is disconnected.
func (w *WebSocket) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if !w.cfg.Redial.Wait(ctx, attempt) {
			w.abandon(ctx)
			return
		}
		conn, err := w.dial(ctx)
		if err != nil {
			w.log.Error("reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		w.mu.Lock()
		if w.closing || ctx.Err() != nil {
			w.mu.Unlock()
			conn.Close()
			w.abandon(ctx)
			return
		}
		w.conn = conn
		w.reconnecting = false
		w.mu.Unlock()
		go w.readLoop(conn)

		w.log.With("op", "ws.reconnect").Info("reconnected", slog.Int("attempt", attempt))
		notify(w.reconnected)
		return
	}
}

// abandon clears the reconnecting mark unless a newer Connect owns the link.
func (w *WebSocket) abandon(ctx context.Context) {
	w.mu.Lock()
	if w.ctx == ctx {
		w.reconnecting = false
	}
	w.mu.Unlock()
}

func (w *WebSocket) write(f Frame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (w *WebSocket) JoinRoom(_ context.Context, room string) error {
	data, err := json.Marshal(chatv1.JoinRoomV1{Room: room})
	if err != nil {
		return err
	}
	return w.write(Frame{Event: chatv1.EventJoinRoom, Room: room, Data: data})
}

func (w *WebSocket) JoinAdmin(context.Context) error {
	return w.write(Frame{Event: chatv1.EventJoinAdmin})
}

func (w *WebSocket) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	switch event {
	case chatv1.EventJoinAdmin:
		return w.JoinAdmin(ctx)
	case chatv1.EventJoinRoom:
		if p, ok := payload.(chatv1.JoinRoomV1); ok {
			return w.JoinRoom(ctx, p.Room)
		}
		return fmt.Errorf("%s: unexpected payload %T", event, payload)
	case chatv1.EventUserLogout:
		payload = chatv1.LogoutV1{UserName: logoutName(payload)}
	}

	room, err := roomOf(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	f := Frame{Event: event, Room: room, Data: data}

	if ack != nil {
		f.AckID = uuid.NewString()
		w.mu.Lock()
		w.pending[f.AckID] = ack
		w.mu.Unlock()
	}
	if err := w.write(f); err != nil {
		if f.AckID != "" {
			w.mu.Lock()
			delete(w.pending, f.AckID)
			w.mu.Unlock()
		}
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (w *WebSocket) Events() <-chan Event { return w.events }

func (w *WebSocket) Reconnected() <-chan struct{} { return w.reconnected }

func (w *WebSocket) Disconnect(context.Context) error {
	w.mu.Lock()
	w.closing = true
	w.reconnecting = false
	if w.cancel != nil {
		w.cancel()
	}
	conn := w.conn
	w.conn = nil
	w.pending = make(map[string]AckFunc)
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	werr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		w.log.Debug("close frame not sent", slog.Any("error", werr))
	}
	return cerr
}
