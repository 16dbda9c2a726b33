package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

const memoryBuffer = 256

// AckPolicy lets a MemoryHub answer sendMessage with something other than
// ok. Returning false suppresses the acknowledgement.
type AckPolicy func(msg chatv1.MessageV1) (chatv1.AckV1, bool)

// MemoryHub is an in-process realtime server. It fans sendMessage out to the
// members of the addressed room and to every admin-scope member, and
// broadcasts userLogout to the admin scope.
type MemoryHub struct {
	mu    sync.Mutex
	conns map[*MemoryConn]struct{}
	ack   AckPolicy
	log   *slog.Logger
}

func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	return &MemoryHub{
		conns: make(map[*MemoryConn]struct{}),
		log:   logging.OrDiscard(logger).With("component", "memory_hub"),
	}
}

// SetAckPolicy replaces the default always-ok acknowledgement.
func (h *MemoryHub) SetAckPolicy(p AckPolicy) {
	h.mu.Lock()
	h.ack = p
	h.mu.Unlock()
}

// Dial returns a client handle; it is inert until Connect.
func (h *MemoryHub) Dial(producer string) *MemoryConn {
	return &MemoryConn{
		hub:         h,
		producer:    producer,
		rooms:       make(map[string]struct{}),
		events:      make(chan Event, memoryBuffer),
		reconnected: make(chan struct{}, 1),
	}
}

// Drop simulates a lost and re-established channel: membership is wiped and
// the client is told to rejoin.
func (h *MemoryHub) Drop(c *MemoryConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	c.rooms = make(map[string]struct{})
	c.admin = false
	h.mu.Unlock()
	if ok {
		h.log.Debug("connection dropped", slog.String("producer", c.producer))
		notify(c.reconnected)
	}
}

// Rooms lists the rooms c is currently a member of.
func (h *MemoryHub) Rooms(c *MemoryConn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (h *MemoryHub) IsAdmin(c *MemoryConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.admin
}

func (h *MemoryHub) attach(c *MemoryConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *MemoryHub) detach(c *MemoryConn) {
	h.mu.Lock()
	delete(h.conns, c)
	c.rooms = make(map[string]struct{})
	c.admin = false
	h.mu.Unlock()
}

func (h *MemoryHub) join(c *MemoryConn, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return ErrNotConnected
	}
	c.rooms[room] = struct{}{}
	return nil
}

func (h *MemoryHub) joinAdmin(c *MemoryConn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return ErrNotConnected
	}
	c.admin = true
	return nil
}

func (h *MemoryHub) relay(from *MemoryConn, msg chatv1.MessageV1) (chatv1.AckV1, bool, error) {
	raw, err := json.Marshal(chatv1.MessageV1{
		ID:       msg.ID,
		Sender:   msg.Sender,
		Text:     msg.Text,
		Image:    msg.Image,
		UserName: msg.UserName,
		At:       msg.At,
	})
	if err != nil {
		return chatv1.AckV1{}, false, err
	}
	ev := Event{Name: chatv1.EventReceiveMessage, Room: msg.Room, Payload: raw}

	h.mu.Lock()
	if _, ok := h.conns[from]; !ok {
		h.mu.Unlock()
		return chatv1.AckV1{}, false, ErrNotConnected
	}
	var targets []*MemoryConn
	for c := range h.conns {
		if c == from {
			continue
		}
		if _, in := c.rooms[msg.Room]; in || c.admin {
			targets = append(targets, c)
		}
	}
	policy := h.ack
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(ev)
	}
	if policy != nil {
		ack, send := policy(msg)
		return ack, send, nil
	}
	return chatv1.AckV1{Status: chatv1.AckOK}, true, nil
}

func (h *MemoryHub) broadcastLogout(from *MemoryConn, name string) error {
	raw, err := json.Marshal(chatv1.LogoutV1{UserName: name})
	if err != nil {
		return err
	}
	ev := Event{Name: chatv1.EventUserLogout, Room: chatv1.AdminRoom, Payload: raw}

	h.mu.Lock()
	if _, ok := h.conns[from]; !ok {
		h.mu.Unlock()
		return ErrNotConnected
	}
	var targets []*MemoryConn
	for c := range h.conns {
		if c != from && c.admin {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(ev)
	}
	return nil
}

var _ Transport = (*MemoryConn)(nil)

// MemoryConn is one client of a MemoryHub. Acknowledgements fire before
// Emit returns.
type MemoryConn struct {
	hub      *MemoryHub
	producer string

	// guarded by hub.mu
	rooms map[string]struct{}
	admin bool

	events      chan Event
	reconnected chan struct{}
}

func (c *MemoryConn) Connect(context.Context) error {
	c.hub.attach(c)
	return nil
}

func (c *MemoryConn) JoinRoom(_ context.Context, room string) error {
	return c.hub.join(c, room)
}

func (c *MemoryConn) JoinAdmin(context.Context) error {
	return c.hub.joinAdmin(c)
}

func (c *MemoryConn) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	switch event {
	case chatv1.EventSendMessage:
		var msg chatv1.MessageV1
		switch p := payload.(type) {
		case chatv1.MessageV1:
			msg = p
		case *chatv1.MessageV1:
			msg = *p
		default:
			return fmt.Errorf("%s: unexpected payload %T", event, payload)
		}
		res, send, err := c.hub.relay(c, msg)
		if err != nil {
			return err
		}
		if send && ack != nil {
			ack(res)
		}
		return nil
	case chatv1.EventUserLogout:
		return c.hub.broadcastLogout(c, logoutName(payload))
	case chatv1.EventJoinRoom:
		if p, ok := payload.(chatv1.JoinRoomV1); ok {
			return c.JoinRoom(ctx, p.Room)
		}
		return c.JoinRoom(ctx, fmt.Sprint(payload))
	case chatv1.EventJoinAdmin:
		return c.JoinAdmin(ctx)
	}
	return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
}

func (c *MemoryConn) Events() <-chan Event { return c.events }

func (c *MemoryConn) Reconnected() <-chan struct{} { return c.reconnected }

func (c *MemoryConn) Disconnect(context.Context) error {
	c.hub.detach(c)
	return nil
}

func (c *MemoryConn) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.hub.log.Warn("event dropped, client buffer full",
			slog.String("producer", c.producer), slog.String("event", ev.Name))
	}
}
