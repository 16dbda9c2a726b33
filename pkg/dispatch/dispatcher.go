// Package dispatch turns transport events into store mutations and user
// input into outbound emits.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/metrics"
	"github.com/roboricindustries/raycon-chat/pkg/router"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chat/pkg/store"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrForeignSender   = errors.New("sender is not the expected peer")
	ErrNotRouted       = errors.New("message is not for a joined room")
	ErrUnexpectedEvent = errors.New("unexpected event")
	ErrEmpty           = errors.New("nothing to send")
	ErrSendInFlight    = errors.New("a send is already in flight for this conversation")
	ErrEmitFailed      = errors.New("emit failed")
)

// Enqueue posts fn onto the event loop that owns the store. It must never run
// fn before the caller's current loop task has returned.
type Enqueue func(fn func())

// DeliveryHook observes delivery status changes made on the loop.
type DeliveryHook func(room, id string, status chat.DeliveryStatus)

type Options struct {
	Policy     chat.Policy
	AckTimeout time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Dispatcher is owned by the session event loop.
type Dispatcher struct {
	policy     chat.Policy
	ackTimeout time.Duration
	tr         transport.Transport
	store      *store.Store
	router     *router.Router
	enqueue    Enqueue
	metrics    *metrics.Metrics
	log        *slog.Logger
	onDelivery DeliveryHook

	locks   map[string]struct{}
	pending map[string]string
}

func New(tr transport.Transport, st *store.Store, rt *router.Router, enqueue Enqueue, opts Options) *Dispatcher {
	return &Dispatcher{
		policy:     opts.Policy,
		ackTimeout: opts.AckTimeout,
		tr:         tr,
		store:      st,
		router:     rt,
		enqueue:    enqueue,
		metrics:    opts.Metrics,
		log:        logging.OrDiscard(opts.Logger).With("component", "dispatcher"),
		locks:      make(map[string]struct{}),
		pending:    make(map[string]string),
	}
}

func (d *Dispatcher) OnDelivery(h DeliveryHook) { d.onDelivery = h }

// HandleInbound applies a receiveMessage event. The returned error names the
// reason an event was dropped and is never fatal.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev transport.Event) (string, chat.Conversation, error) {
	room, conv, err := d.inbound(ctx, ev)
	switch {
	case err == nil:
		d.metrics.Inbound(metrics.ResultAccepted)
		d.metrics.SetConversations(d.store.Len())
	case errors.Is(err, ErrForeignSender):
		d.metrics.Inbound(metrics.ResultForeign)
	case errors.Is(err, ErrNotRouted):
		d.metrics.Inbound(metrics.ResultNotRouted)
	default:
		d.metrics.Inbound(metrics.ResultMalformed)
	}
	return room, conv, err
}

func (d *Dispatcher) inbound(ctx context.Context, ev transport.Event) (string, chat.Conversation, error) {
	if ev.Name != chatv1.EventReceiveMessage {
		return "", chat.Conversation{}, fmt.Errorf("%w: %s", ErrUnexpectedEvent, ev.Name)
	}
	var p chatv1.MessageV1
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return "", chat.Conversation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return "", chat.Conversation{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	msg := chat.FromWire(p)
	if err := msg.Validate(); err != nil {
		return "", chat.Conversation{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Sender != d.policy.Peer {
		return "", chat.Conversation{}, fmt.Errorf("%w: %q", ErrForeignSender, msg.Sender)
	}

	room := ev.Room
	if room == "" {
		room = p.Room
	}
	routed, ok := d.router.Route(ctx, room, p.UserName)
	if !ok {
		return "", chat.Conversation{}, fmt.Errorf("%w: room=%q userName=%q", ErrNotRouted, room, p.UserName)
	}
	conv, err := d.store.Append(routed, msg)
	if err != nil {
		return "", chat.Conversation{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return routed, conv, nil
}

// HandleLogout removes the conversation of a participant who logged out.
// Only multi-conversation clients act on it.
func (d *Dispatcher) HandleLogout(ev transport.Event) (string, bool) {
	if !d.policy.Multi {
		return "", false
	}
	name := logoutName(ev.Payload)
	if name == "" {
		d.metrics.Inbound(metrics.ResultMalformed)
		d.log.Warn("logout without a user name", slog.Int("bytes", len(ev.Payload)))
		return "", false
	}
	d.metrics.Inbound(metrics.ResultLogout)

	d.router.Leave(name)
	delete(d.locks, d.policy.Key(name))
	for id, room := range d.pending {
		if room == name {
			delete(d.pending, id)
		}
	}
	removed := d.store.Remove(name)
	d.metrics.SetConversations(d.store.Len())
	return name, removed
}

// logoutName accepts a bare JSON string or a LogoutV1 object.
func logoutName(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var lo chatv1.LogoutV1
	if err := json.Unmarshal(raw, &lo); err != nil || lo.Validate() != nil {
		return ""
	}
	return lo.UserName
}

// SendText emits text to room and appends it optimistically as pending.
func (d *Dispatcher) SendText(ctx context.Context, room, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmpty
	}
	key := d.policy.Key(room)
	if d.Busy(room) {
		return chat.Message{}, ErrSendInFlight
	}
	d.locks[key] = struct{}{}
	defer delete(d.locks, key)

	return d.send(ctx, room, chat.NewText(d.policy.Self, text))
}

// BeginImage takes the send lock of room ahead of an image read.
func (d *Dispatcher) BeginImage(room string) error {
	if d.Busy(room) {
		return ErrSendInFlight
	}
	d.locks[d.policy.Key(room)] = struct{}{}
	return nil
}

// SendImage emits an encoded image. The caller holds the lock from
// BeginImage and releases it with EndImage.
func (d *Dispatcher) SendImage(ctx context.Context, room, dataURI string) (chat.Message, error) {
	if !chatv1.IsDataURI(dataURI) {
		return chat.Message{}, fmt.Errorf("%w: not a data URI", ErrImageUnreadable)
	}
	return d.send(ctx, room, chat.NewImage(d.policy.Self, dataURI))
}

func (d *Dispatcher) EndImage(room string) {
	delete(d.locks, d.policy.Key(room))
}

// Busy reports whether a send holds the lock of room.
func (d *Dispatcher) Busy(room string) bool {
	_, ok := d.locks[d.policy.Key(room)]
	return ok
}

func (d *Dispatcher) send(ctx context.Context, room string, msg chat.Message) (chat.Message, error) {
	const op = "dispatch.send"
	log := d.log.With("op", op, "room", room, "id", msg.ID)

	kind := "text"
	if msg.Kind() == chat.KindImage {
		kind = "image"
	}
	msg.Status = chat.StatusPending
	err := d.tr.Emit(ctx, chatv1.EventSendMessage, msg.ToWire(room), d.ackFor(room, msg.ID))
	if err != nil {
		msg.Status = chat.StatusFailed
		log.Error("emit failed", slog.Any("error", err))
	}
	if _, aerr := d.store.Append(room, msg); aerr != nil {
		return chat.Message{}, aerr
	}
	d.metrics.Outbound(kind)
	d.metrics.SetConversations(d.store.Len())
	if err != nil {
		d.metrics.Ack(string(chat.StatusFailed))
		return msg, fmt.Errorf("%w: %w", ErrEmitFailed, err)
	}

	d.pending[msg.ID] = room
	if d.ackTimeout > 0 {
		id := msg.ID
		time.AfterFunc(d.ackTimeout, func() {
			d.enqueue(func() { d.expire(room, id) })
		})
	}
	return msg, nil
}

func (d *Dispatcher) ackFor(room, id string) transport.AckFunc {
	return func(ack chatv1.AckV1) {
		d.enqueue(func() { d.resolve(room, id, ack) })
	}
}

func (d *Dispatcher) resolve(room, id string, ack chatv1.AckV1) {
	delete(d.pending, id)
	status := chat.StatusConfirmed
	if !ack.OK() {
		status = chat.StatusFailed
		d.log.Warn("message rejected", slog.String("room", room), slog.String("id", id), slog.String("error", ack.Error))
	}
	d.mark(room, id, status)
}

// expire fails a message whose acknowledgement never came.
func (d *Dispatcher) expire(room, id string) {
	if _, ok := d.pending[id]; !ok {
		return
	}
	delete(d.pending, id)
	d.log.Warn("ack timed out", slog.String("room", room), slog.String("id", id))
	d.mark(room, id, chat.StatusFailed)
}

func (d *Dispatcher) mark(room, id string, status chat.DeliveryStatus) {
	if !d.store.MarkDelivery(room, id, status) {
		return
	}
	d.metrics.Ack(string(status))
	if d.onDelivery != nil {
		d.onDelivery(room, id, status)
	}
}

// Pending reports how many emitted messages still await an acknowledgement.
func (d *Dispatcher) Pending() int { return len(d.pending) }

// Reset drops locks and pending acknowledgements.
func (d *Dispatcher) Reset() {
	d.locks = make(map[string]struct{})
	d.pending = make(map[string]string)
}
