package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/schemas/common"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

// Routing keys on the chat exchange.
const (
	roomKeyPrefix    = "room."
	RoomWildcard     = "room.#"
	LogoutKey        = "presence.logout"
	PresenceWildcard = "presence.#"
)

// ErrPoison marks a delivery that cannot be decoded into an Event.
var ErrPoison = errors.New("poison message")

// RoomKey encodes room so that dots and wildcards in participant names never
// leak into topic matching.
func RoomKey(room string) string {
	return roomKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(room))
}

// RoomFromKey reverses RoomKey.
func RoomFromKey(key string) (string, bool) {
	enc, ok := strings.CutPrefix(key, roomKeyPrefix)
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// AMQPConfig defines the broker link.
type AMQPConfig struct {
	URL             string
	Exchange        string
	Producer        string
	PublishPoolSize int
	ConnTimeout     time.Duration
	DialAttempts    int
	ConfirmTimeout  time.Duration
	Redial          Redial
	Dialer          DialFunc
}

var _ Transport = (*AMQP)(nil)

// AMQP carries chat events over a RabbitMQ topic exchange. Each client owns an
// exclusive, server-named queue; joining a room binds that queue.
type AMQP struct {
	cfg AMQPConfig
	log *slog.Logger

	// mu guards link only; no broker round trip runs under it.
	mu   sync.Mutex
	link *amqpLink

	stopMu sync.Mutex
	stop   context.CancelFunc
	wg     sync.WaitGroup

	events      chan Event
	reconnected chan struct{}
}

// amqpLink is everything bound to one broker connection.
type amqpLink struct {
	conn    *amqp.Connection
	consume *amqp.Channel
	queue   string
	pub     *confirmPublisher
	msgs    <-chan amqp.Delivery
}

func (l *amqpLink) close() {
	l.pub.close()
	_ = closeChannel(l.consume)
	if !l.conn.IsClosed() {
		_ = l.conn.Close()
	}
}

func NewAMQP(cfg AMQPConfig, logger *slog.Logger) *AMQP {
	if cfg.Exchange == "" {
		cfg.Exchange = "chat"
	}
	if cfg.Producer == "" {
		cfg.Producer = uuid.NewString()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &AMQP{
		cfg:         cfg,
		log:         logging.OrDiscard(logger).With("component", "amqp_transport"),
		events:      make(chan Event, memoryBuffer),
		reconnected: make(chan struct{}, 1),
	}
}

func (a *AMQP) current() *amqpLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

func (a *AMQP) Connect(ctx context.Context) error {
	const op = "amqp.Connect"
	log := a.log.With("op", op)

	if a.cfg.URL == "" {
		return fmt.Errorf("rabbitmq URL is required")
	}
	if l := a.current(); l != nil && !l.conn.IsClosed() {
		return nil
	}

	host := ""
	if u, err := url.Parse(a.cfg.URL); err == nil {
		host = u.Host
	}
	log.Info("connecting to rabbitmq", slog.String("host", host))

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnTimeout)
	defer cancel()
	link, err := a.dial(dialCtx, a.cfg.DialAttempts)
	if err != nil {
		log.Error("dial failed", slog.Any("error", err))
		return err
	}

	superviseCtx, stop := context.WithCancel(context.Background())
	a.stopMu.Lock()
	if a.stop != nil {
		a.stop()
	}
	a.stop = stop
	a.stopMu.Unlock()

	a.mu.Lock()
	old := a.link
	a.link = link
	a.mu.Unlock()
	if old != nil {
		old.close()
	}
	a.start(superviseCtx, link)
	log.Info("client ready", slog.String("queue", link.queue))
	return nil
}

// dial builds connection, exchange, publisher and the private queue without
// touching a.link. Bindings are not restored.
func (a *AMQP) dial(ctx context.Context, attempts int) (*amqpLink, error) {
	conn, err := dialBroker(ctx, a.cfg.Dialer, a.cfg.URL, attempts, a.cfg.Redial, a.log)
	if err != nil {
		return nil, err
	}
	fail := func(step string, err error) (*amqpLink, error) {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("open channel", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	msgs, err := ch.Consume(q.Name, a.cfg.Producer, true, true, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}
	return &amqpLink{
		conn:    conn,
		consume: ch,
		queue:   q.Name,
		pub:     newConfirmPublisher(conn, a.cfg.PublishPoolSize),
		msgs:    msgs,
	}, nil
}

// start runs the delivery pump of link and a supervisor watching it.
func (a *AMQP) start(ctx context.Context, link *amqpLink) {
	a.wg.Add(2)
	go a.pump(link.msgs)
	go a.supervise(ctx, link)
}

func (a *AMQP) pump(msgs <-chan amqp.Delivery) {
	defer a.wg.Done()
	for d := range msgs {
		ev, err := a.decodeDelivery(d)
		if err != nil {
			if !errors.Is(err, errSelfEcho) {
				a.log.Warn("dropping delivery", slog.String("key", d.RoutingKey), slog.Any("error", err))
			}
			continue
		}
		a.events <- ev
	}
}

var errSelfEcho = errors.New("own publish")

func (a *AMQP) decodeDelivery(d amqp.Delivery) (Event, error) {
	var env common.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return Event{}, ErrPoison
	}
	if env.Meta.Producer != "" && env.Meta.Producer == a.cfg.Producer {
		return Event{}, errSelfEcho
	}
	name := firstNonEmpty(d.Type, env.Meta.Type)
	if name == "" {
		return Event{}, fmt.Errorf("%w: no event type", ErrPoison)
	}
	room, ok := RoomFromKey(d.RoutingKey)
	if !ok {
		room = env.Meta.Room
	}
	if name == chatv1.EventSendMessage {
		name = chatv1.EventReceiveMessage
	}
	if name == chatv1.EventUserLogout {
		room = chatv1.AdminRoom
	}
	return Event{Name: name, Room: room, Payload: env.Data}, nil
}

// supervise waits for the broker to close link, redials and tells the
// caller to replay its joins. The new link gets its own supervisor.
func (a *AMQP) supervise(ctx context.Context, link *amqpLink) {
	defer a.wg.Done()

	errCh := link.conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		return
	case err, ok := <-errCh:
		if !ok {
			err = &amqp.Error{Reason: "connection closed"}
		}
		a.log.Error("amqp connection closed, reconnecting", slog.Any("error", err))
	}

	a.mu.Lock()
	if a.link == link {
		a.link = nil
	}
	a.mu.Unlock()
	link.close()

	next, ok := a.redial(ctx)
	if !ok {
		return
	}
	a.log.With("op", "amqp.reconnect").Info("reconnected", slog.String("queue", next.queue))
	a.start(ctx, next)
	notify(a.reconnected)
}

// redial dials until it succeeds or ctx ends. The link is installed only
// while ctx is still live, so a Disconnect racing the dial wins.
func (a *AMQP) redial(ctx context.Context) (*amqpLink, bool) {
	for attempt := 1; ; attempt++ {
		if !a.cfg.Redial.Wait(ctx, attempt) {
			return nil, false
		}
		link, err := a.dial(ctx, 1)
		if err != nil {
			a.log.Error("reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		a.mu.Lock()
		if ctx.Err() != nil {
			a.mu.Unlock()
			link.close()
			return nil, false
		}
		a.link = link
		a.mu.Unlock()
		return link, true
	}
}

func (a *AMQP) bind(key string) error {
	link := a.current()
	if link == nil {
		return ErrNotConnected
	}
	if err := link.consume.QueueBind(link.queue, key, a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", key, err)
	}
	return nil
}

func (a *AMQP) JoinRoom(_ context.Context, room string) error {
	return a.bind(RoomKey(room))
}

func (a *AMQP) JoinAdmin(context.Context) error {
	if err := a.bind(RoomWildcard); err != nil {
		return err
	}
	return a.bind(PresenceWildcard)
}

// routingKey maps an outbound event onto the exchange.
func routingKey(event string, payload any) (string, error) {
	room, err := roomOf(event, payload)
	if err != nil {
		return "", err
	}
	if event == chatv1.EventUserLogout {
		return LogoutKey, nil
	}
	if room == "" {
		return "", fmt.Errorf("%s: room is required", event)
	}
	return RoomKey(room), nil
}

func (a *AMQP) route(event string, payload any) (common.EventMeta, error) {
	key, err := routingKey(event, payload)
	if err != nil {
		return common.EventMeta{}, err
	}
	return common.EventMeta{EventType: event, Exchange: a.cfg.Exchange, RoutingKey: key}, nil
}

func (a *AMQP) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	switch event {
	case chatv1.EventJoinAdmin:
		return a.JoinAdmin(ctx)
	case chatv1.EventJoinRoom:
		if p, ok := payload.(chatv1.JoinRoomV1); ok {
			return a.JoinRoom(ctx, p.Room)
		}
		return fmt.Errorf("%s: unexpected payload %T", event, payload)
	case chatv1.EventUserLogout:
		payload = chatv1.LogoutV1{UserName: logoutName(payload)}
	}

	route, err := a.route(event, payload)
	if err != nil {
		return err
	}
	room, _ := RoomFromKey(route.RoutingKey)
	env, err := common.Wrap(common.NewMeta(event, room, a.cfg.Producer), payload)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	link := a.current()
	if link == nil {
		return ErrNotConnected
	}
	dc, err := link.pub.publish(ctx, route.Exchange, route.RoutingKey, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          route.EventType,
		Timestamp:     env.Meta.Time,
		AppId:         a.cfg.Producer,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	if ack != nil && dc != nil {
		go a.awaitConfirm(dc, ack)
	}
	return nil
}

func (a *AMQP) awaitConfirm(dc *amqp.DeferredConfirmation, ack AckFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConfirmTimeout)
	defer cancel()
	ok, err := dc.WaitContext(ctx)
	switch {
	case err != nil:
		// no confirmation observed: leave the ack unfired
		a.log.Warn("publish confirm not received", slog.Any("error", err))
	case ok:
		ack(chatv1.AckV1{Status: chatv1.AckOK})
	default:
		ack(chatv1.AckV1{Status: chatv1.AckError, Error: "broker nack"})
	}
}

func (a *AMQP) Events() <-chan Event { return a.events }

func (a *AMQP) Reconnected() <-chan struct{} { return a.reconnected }

// Disconnect stops the supervisor, then closes the link. A redial in
// progress gives up without installing its connection.
func (a *AMQP) Disconnect(context.Context) error {
	a.stopMu.Lock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
	a.stopMu.Unlock()

	a.mu.Lock()
	link := a.link
	a.link = nil
	a.mu.Unlock()
	if link != nil {
		link.close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
