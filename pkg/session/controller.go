// Package session drives one chat client from login to logout. Every state
// change runs on the goroutine executing Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/dispatch"
	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/metrics"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
	"github.com/roboricindustries/raycon-chat/pkg/router"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chat/pkg/store"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

var (
	ErrNoIdentity          = errors.New("no stored identity")
	ErrNotActive           = errors.New("session is not active")
	ErrNoSelection         = errors.New("no conversation selected")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrStopped             = errors.New("session loop stopped")
	ErrAlreadyActive       = errors.New("another identity is logged in")
	ErrNotCustomer         = errors.New("only a customer session can send inquiries")
)

type Options struct {
	// Greeting seeds an empty customer conversation; "{name}" is replaced.
	Greeting      string
	DeskName      string
	AckTimeout    time.Duration
	MaxImageBytes int64
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Controller struct {
	opts    Options
	tr      transport.Transport
	kv      persist.KV
	ids     *persist.IdentityStore
	metrics *metrics.Metrics
	base    *slog.Logger
	log     *slog.Logger

	tasks   chan func()
	updates chan Update
	done    chan struct{}
	running atomic.Bool
	state   atomic.Int32

	// owned by the loop
	identity chat.Identity
	policy   chat.Policy
	store    *store.Store
	router   *router.Router
	dispatch *dispatch.Dispatcher
	selected string
}

// New wires a controller over tr and kv. Nothing happens until Run.
func New(tr transport.Transport, kv persist.KV, opts Options) *Controller {
	base := logging.OrDiscard(opts.Logger)
	return &Controller{
		opts:    opts,
		tr:      tr,
		kv:      kv,
		ids:     persist.NewIdentityStore(kv),
		metrics: opts.Metrics,
		base:    base,
		log:     base.With("component", "session"),
		tasks:   make(chan func(), 64),
		updates: make(chan Update, updateBuffer),
		done:    make(chan struct{}),
		router:  router.New(tr, base),
	}
}

// Run executes the event loop until ctx is done. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return errors.New("session: Run called twice")
	}
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.tasks:
			fn()
		case ev := <-c.tr.Events():
			c.handleEvent(ctx, ev)
		case <-c.tr.Reconnected():
			c.handleReconnect(ctx)
		}
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	task := func() { res <- fn() }
	select {
	case c.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// enqueue posts fn from any goroutine without waiting. It never runs fn
// inline, so callbacks fired during a loop task run after that task.
func (c *Controller) enqueue(fn func()) {
	go func() {
		select {
		case c.tasks <- fn:
		case <-c.done:
		}
	}()
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Info("session state", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

func (c *Controller) Updates() <-chan Update { return c.updates }

// Login stores id and starts the session. Logging in again as the active
// identity is a no-op; any other identity must wait for Logout.
func (c *Controller) Login(ctx context.Context, id chat.Identity) error {
	return c.do(ctx, func() error {
		if c.State() == StateActive {
			if c.identity.ID == id.ID {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrAlreadyActive, c.identity.Name)
		}
		if err := c.ids.Save(ctx, id); err != nil {
			return err
		}
		return c.start(ctx)
	})
}

// Start resumes the session of the stored identity.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func() error { return c.start(ctx) })
}

func (c *Controller) start(ctx context.Context) error {
	const op = "session.start"
	log := c.log.With("op", op)

	if c.State() == StateActive {
		return nil
	}
	id, err := c.ids.Load(ctx)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNoIdentity, err)
		}
		return err
	}
	c.identity = id
	c.policy = chat.PolicyFor(id, c.opts.DeskName)
	c.setState(StateRestoring)

	c.store = store.New(c.policy, store.KeyFor(c.policy, id), c.kv, c.base)
	rep, err := c.store.Load(ctx)
	if err != nil {
		log.Error("persisted conversations unreadable, starting empty", slog.Any("error", err))
	} else {
		log.Info("conversations restored",
			slog.Int("conversations", rep.Conversations),
			slog.Int("messages", rep.Messages),
			slog.Bool("legacy", rep.Legacy),
		)
	}

	if err := c.tr.Connect(ctx); err != nil {
		c.setState(StateLoggedOut)
		return fmt.Errorf("connect: %w", err)
	}

	c.dispatch = dispatch.New(c.tr, c.store, c.router, c.enqueue, dispatch.Options{
		Policy:     c.policy,
		AckTimeout: c.opts.AckTimeout,
		Metrics:    c.metrics,
		Logger:     c.base,
	})
	c.dispatch.OnDelivery(func(room, id string, status chat.DeliveryStatus) {
		c.publish(Update{Kind: UpdateDelivery, Conversation: room, Message: chat.Message{ID: id}, Status: status})
	})

	c.router.Reset()
	if c.policy.Multi {
		if err := c.router.EnableDiscovery(ctx); err != nil {
			log.Warn("admin scope not joined", slog.Any("error", err))
		}
		for _, name := range c.store.Names() {
			if err := c.router.Join(ctx, name); err != nil {
				log.Warn("restored room not joined", slog.String("room", name), slog.Any("error", err))
			}
		}
	} else {
		c.router.Restrict(id.Name)
		if err := c.router.Join(ctx, id.Name); err != nil {
			log.Warn("own room not joined", slog.Any("error", err))
		}
	}

	c.metrics.SetConversations(c.store.Len())
	c.setState(StateActive)
	log.Info("session active", slog.String("user", id.Name), slog.String("policy", c.policy.String()))
	return nil
}

// Open selects a conversation. A customer always opens its own, seeded with
// the greeting when empty; an operator opens one it already holds.
func (c *Controller) Open(ctx context.Context, name string) error {
	return c.do(ctx, func() error {
		if c.State() != StateActive {
			return ErrNotActive
		}
		if !c.policy.Multi {
			room := c.identity.Name
			if c.store.Len() == 0 && c.opts.Greeting != "" {
				greeting := chat.NewText(c.policy.Peer, chat.Greeting(c.opts.Greeting, room))
				if _, err := c.store.Append(room, greeting); err != nil {
					return err
				}
				c.publish(Update{Kind: UpdateAppended, Conversation: room, Message: greeting})
			}
			if err := c.router.Join(ctx, room); err != nil {
				return err
			}
			c.selected = room
			return nil
		}

		if !c.store.Has(name) {
			return fmt.Errorf("%w: %s", ErrUnknownConversation, name)
		}
		if err := c.router.Join(ctx, name); err != nil {
			return err
		}
		c.selected = name
		return nil
	})
}

// SendText sends text to the selected conversation.
func (c *Controller) SendText(ctx context.Context, text string) (chat.Message, error) {
	var msg chat.Message
	err := c.do(ctx, func() error {
		room, err := c.selection()
		if err != nil {
			return err
		}
		msg, err = c.dispatch.SendText(ctx, room, text)
		c.afterSend(room, msg, err)
		return err
	})
	return msg, err
}

// SendImage reads r off the loop and sends it to the selected conversation.
// The conversation stays locked for sends until the image is out.
func (c *Controller) SendImage(ctx context.Context, r io.Reader) (chat.Message, error) {
	var (
		room string
		d    *dispatch.Dispatcher
	)
	err := c.do(ctx, func() error {
		var err error
		if room, err = c.selection(); err != nil {
			return err
		}
		d = c.dispatch
		return d.BeginImage(room)
	})
	if err != nil {
		return chat.Message{}, err
	}

	uri, readErr := dispatch.EncodeImage(r, c.opts.MaxImageBytes)

	var msg chat.Message
	ctx = context.WithoutCancel(ctx)
	err = c.do(ctx, func() error {
		defer d.EndImage(room)
		// A logout, or a logout and a new login, happened during the read.
		if c.State() != StateActive || c.dispatch != d {
			c.log.Info("image dropped, session ended", slog.String("room", room))
			return ErrNotActive
		}
		if readErr != nil {
			c.log.Warn("image not sent", slog.String("room", room), slog.Any("error", readErr))
			return readErr
		}
		var err error
		msg, err = c.dispatch.SendImage(ctx, room, uri)
		c.afterSend(room, msg, err)
		return err
	})
	return msg, err
}

// SendInquiry sends a prepared text from a customer to the desk without
// opening the conversation first. The conversation is created when absent.
func (c *Controller) SendInquiry(ctx context.Context, text string) (chat.Message, error) {
	var msg chat.Message
	err := c.do(ctx, func() error {
		if c.State() != StateActive {
			return ErrNotActive
		}
		if c.policy.Multi {
			return ErrNotCustomer
		}
		room := c.identity.Name
		var err error
		msg, err = c.dispatch.SendText(ctx, room, text)
		c.afterSend(room, msg, err)
		if err != nil {
			return err
		}
		return c.router.Join(ctx, room)
	})
	return msg, err
}

func (c *Controller) selection() (string, error) {
	if c.State() != StateActive {
		return "", ErrNotActive
	}
	if c.selected == "" {
		return "", ErrNoSelection
	}
	return c.selected, nil
}

func (c *Controller) afterSend(room string, msg chat.Message, err error) {
	if msg.ID == "" {
		return
	}
	c.publish(Update{Kind: UpdateAppended, Conversation: room, Message: msg})
	if err != nil {
		c.publish(Update{Kind: UpdateSendFailed, Conversation: room, Message: msg, Err: err})
	}
}

// Logout announces the departure, closes the transport and wipes every
// trace of the identity.
func (c *Controller) Logout(ctx context.Context) error {
	return c.do(ctx, func() error {
		const op = "session.logout"
		log := c.log.With("op", op)

		if c.State() == StateLoggedOut {
			return nil
		}
		if err := c.tr.Emit(ctx, chatv1.EventUserLogout, chatv1.LogoutV1{UserName: c.identity.Name}, nil); err != nil {
			log.Warn("logout not announced", slog.Any("error", err))
		}
		if err := c.tr.Disconnect(ctx); err != nil {
			log.Warn("disconnect failed", slog.Any("error", err))
		}

		var errs []error
		if err := c.ids.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear identity: %w", err))
		}
		if c.store != nil {
			if err := c.store.Purge(ctx); err != nil {
				errs = append(errs, fmt.Errorf("purge conversations: %w", err))
			}
		}
		if c.dispatch != nil {
			c.dispatch.Reset()
		}
		c.router.Reset()
		c.selected = ""
		c.identity = chat.Identity{}
		c.metrics.SetConversations(0)
		c.setState(StateLoggedOut)
		return errors.Join(errs...)
	})
}

func (c *Controller) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := c.do(ctx, func() error {
		if c.store != nil && c.State() != StateLoggedOut {
			out = c.store.Conversations()
		}
		return nil
	})
	return out, err
}

func (c *Controller) Selected(ctx context.Context) (string, error) {
	var sel string
	err := c.do(ctx, func() error {
		sel = c.selected
		return nil
	})
	return sel, err
}

// Identity returns the logged-in identity, zero when logged out.
func (c *Controller) Identity(ctx context.Context) (chat.Identity, error) {
	var id chat.Identity
	err := c.do(ctx, func() error {
		id = c.identity
		return nil
	})
	return id, err
}

func (c *Controller) handleEvent(ctx context.Context, ev transport.Event) {
	if c.State() != StateActive {
		c.log.Debug("event before session start", slog.String("event", ev.Name))
		return
	}
	switch ev.Name {
	case chatv1.EventReceiveMessage:
		room, conv, err := c.dispatch.HandleInbound(ctx, ev)
		if err != nil {
			c.log.Warn("inbound dropped", slog.String("room", ev.Room), slog.Any("error", err))
			return
		}
		last, _ := conv.Last()
		c.publish(Update{Kind: UpdateAppended, Conversation: room, Message: last})

	case chatv1.EventUserLogout:
		name, removed := c.dispatch.HandleLogout(ev)
		if !removed {
			return
		}
		c.log.Info("participant logged out", slog.String("room", name))
		c.publish(Update{Kind: UpdateRemoved, Conversation: name})
		if c.selected == name {
			c.selected = ""
			c.publish(Update{Kind: UpdateSelectionCleared, Conversation: name})
		}

	default:
		c.log.Debug("ignoring event", slog.String("event", ev.Name))
	}
}

func (c *Controller) handleReconnect(ctx context.Context) {
	if c.State() != StateActive {
		return
	}
	n, err := c.router.Rejoin(ctx)
	c.metrics.Rejoined()
	if err != nil {
		c.log.Error("rejoin incomplete", slog.Int("rooms", n), slog.Any("error", err))
	}
}
