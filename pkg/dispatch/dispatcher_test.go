package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/router"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chat/pkg/store"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

// queue stands in for the session loop: tasks run only when drained.
type queue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queue) enqueue(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queue) drain() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

type fixture struct {
	hub   *transport.MemoryHub
	conn  *transport.MemoryConn
	store *store.Store
	rt    *router.Router
	q     *queue
	d     *Dispatcher
}

func newFixture(t *testing.T, policy chat.Policy, ackTimeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{hub: transport.NewMemoryHub(nil), q: &queue{}}
	f.conn = f.hub.Dial(policy.String())
	require.NoError(t, f.conn.Connect(context.Background()))
	f.store = store.New(policy, "test", nil, nil)
	f.rt = router.New(f.conn, nil)
	f.d = New(f.conn, f.store, f.rt, f.q.enqueue, Options{Policy: policy, AckTimeout: ackTimeout})
	return f
}

func receive(t *testing.T, room string, msg chatv1.MessageV1) transport.Event {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return transport.Event{Name: chatv1.EventReceiveMessage, Room: room, Payload: raw}
}

func TestInboundAcceptedByOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.OperatorPolicy(), 0)
	require.NoError(t, f.rt.EnableDiscovery(ctx))

	room, conv, err := f.d.HandleInbound(ctx, receive(t, "Lan", chatv1.MessageV1{Sender: "user", Text: "Xin chào", UserName: "Lan"}))
	require.NoError(t, err)
	assert.Equal(t, "Lan", room)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Xin chào", conv.Messages[0].Text)
	assert.True(t, f.rt.Joined("Lan"))
	assert.Equal(t, []string{"Lan"}, f.store.Names())
}

func TestInboundDrops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.CustomerPolicy(), 0)
	f.rt.Restrict("Lan")
	require.NoError(t, f.rt.Join(ctx, "Lan"))

	cases := []struct {
		name string
		ev   transport.Event
		want error
	}{
		{"undecodable", transport.Event{Name: chatv1.EventReceiveMessage, Room: "Lan", Payload: []byte("{")}, ErrMalformed},
		{"no payload", receive(t, "Lan", chatv1.MessageV1{Sender: "admin", UserName: "Lan"}), ErrMalformed},
		{"bad image", receive(t, "Lan", chatv1.MessageV1{Sender: "admin", Image: "http://x/y.png", UserName: "Lan"}), ErrMalformed},
		{"own echo", receive(t, "Lan", chatv1.MessageV1{Sender: "user", Text: "hi", UserName: "Lan"}), ErrForeignSender},
		{"other room", receive(t, "Minh", chatv1.MessageV1{Sender: "admin", Text: "hi", UserName: "Minh"}), ErrNotRouted},
		{"user name mismatch", receive(t, "Lan", chatv1.MessageV1{Sender: "admin", Text: "hi", UserName: "Minh"}), ErrNotRouted},
		{"wrong event", transport.Event{Name: chatv1.EventJoinRoom}, ErrUnexpectedEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.d.HandleInbound(ctx, tc.ev)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestInboundRejectsContractViolations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.CustomerPolicy(), 0)
	require.NoError(t, f.rt.Join(ctx, "Lan"))

	img := "data:image/png;base64,iVBORw0KGgo="
	cases := map[string]chatv1.MessageV1{
		"blank text":   {Sender: "admin", Text: "   \n\t", UserName: "Lan"},
		"two payloads": {Sender: "admin", Text: "caption", Image: img, UserName: "Lan"},
		"no user name": {Sender: "admin", Text: "hi"},
		"no sender":    {Text: "hi", UserName: "Lan"},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.d.HandleInbound(ctx, receive(t, "Lan", msg))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.ErrorIs(t, err, chatv1.ErrInvalidContract)
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestSendTextConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.CustomerPolicy(), 0)
	var hooked []chat.DeliveryStatus
	f.d.OnDelivery(func(room, id string, s chat.DeliveryStatus) { hooked = append(hooked, s) })

	msg, err := f.d.SendText(ctx, "Lan", "  Xin chào  ")
	require.NoError(t, err)
	assert.Equal(t, "Xin chào", msg.Text)
	assert.Equal(t, chat.StatusPending, msg.Status)
	assert.Equal(t, 1, f.d.Pending())

	conv, ok := f.store.Get("Lan")
	require.True(t, ok)
	assert.Equal(t, chat.StatusPending, conv.Messages[0].Status)

	require.Equal(t, 1, f.q.len(), "ack is deferred to the loop")
	f.q.drain()

	conv, _ = f.store.Get("Lan")
	assert.Equal(t, chat.StatusConfirmed, conv.Messages[0].Status)
	assert.Equal(t, []chat.DeliveryStatus{chat.StatusConfirmed}, hooked)
	assert.Equal(t, 0, f.d.Pending())
	assert.False(t, f.d.Busy("Lan"))
}

func TestSendTextEmptyIsNoop(t *testing.T) {
	f := newFixture(t, chat.CustomerPolicy(), 0)
	_, err := f.d.SendText(context.Background(), "Lan", " \n\t ")
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, 0, f.store.Len())
}

func TestSendAckError(t *testing.T) {
	f := newFixture(t, chat.OperatorPolicy(), 0)
	f.hub.SetAckPolicy(func(chatv1.MessageV1) (chatv1.AckV1, bool) {
		return chatv1.AckV1{Status: chatv1.AckError, Error: "room closed"}, true
	})
	_, err := f.d.SendText(context.Background(), "Lan", "hello")
	require.NoError(t, err)
	f.q.drain()

	conv, _ := f.store.Get("Lan")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text)
	assert.Equal(t, chat.StatusFailed, conv.Messages[0].Status)
}

func TestSendEmitFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.OperatorPolicy(), 0)
	require.NoError(t, f.conn.Disconnect(ctx))

	msg, err := f.d.SendText(ctx, "Lan", "hello")
	assert.ErrorIs(t, err, ErrEmitFailed)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, chat.StatusFailed, msg.Status)

	conv, ok := f.store.Get("Lan")
	require.True(t, ok)
	assert.Equal(t, chat.StatusFailed, conv.Messages[0].Status)
	assert.False(t, f.d.Busy("Lan"))
}

func TestAckTimeoutFailsPendingOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.OperatorPolicy(), 20*time.Millisecond)
	f.hub.SetAckPolicy(func(chatv1.MessageV1) (chatv1.AckV1, bool) { return chatv1.AckV1{}, false })

	_, err := f.d.SendText(ctx, "Lan", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.q.len() == 1 }, time.Second, 5*time.Millisecond)
	f.q.drain()

	conv, _ := f.store.Get("Lan")
	assert.Equal(t, chat.StatusFailed, conv.Messages[0].Status)

	f.hub.SetAckPolicy(nil)
	_, err = f.d.SendText(ctx, "Lan", "again")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	f.q.drain() // ack, then the timeout finds nothing pending

	conv, _ = f.store.Get("Lan")
	assert.Equal(t, chat.StatusConfirmed, conv.Messages[1].Status)
}

func TestSendLockExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.OperatorPolicy(), 0)

	require.NoError(t, f.d.BeginImage("Lan"))
	assert.ErrorIs(t, f.d.BeginImage("Lan"), ErrSendInFlight)
	_, err := f.d.SendText(ctx, "Lan", "text while image pending")
	assert.ErrorIs(t, err, ErrSendInFlight)

	// other conversations are unaffected
	_, err = f.d.SendText(ctx, "Minh", "hi")
	require.NoError(t, err)

	msg, err := f.d.SendImage(ctx, "Lan", "data:image/png;base64,iVBORw0KGgo=")
	require.NoError(t, err)
	assert.Equal(t, chat.KindImage, msg.Kind())
	assert.True(t, f.d.Busy("Lan"))
	f.d.EndImage("Lan")
	assert.False(t, f.d.Busy("Lan"))

	conv, _ := f.store.Get("Lan")
	assert.Len(t, conv.Messages, 1)
}

func TestSendImageRejectsNonDataURI(t *testing.T) {
	f := newFixture(t, chat.OperatorPolicy(), 0)
	_, err := f.d.SendImage(context.Background(), "Lan", "/tmp/x.png")
	assert.ErrorIs(t, err, ErrImageUnreadable)
	assert.Equal(t, 0, f.store.Len())
}

func TestHandleLogoutPrunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chat.OperatorPolicy(), 0)
	require.NoError(t, f.rt.EnableDiscovery(ctx))
	for _, name := range []string{"X", "Y", "Z"} {
		_, _, err := f.d.HandleInbound(ctx, receive(t, name, chatv1.MessageV1{Sender: "user", Text: "hi", UserName: name}))
		require.NoError(t, err)
	}

	name, removed := f.d.HandleLogout(transport.Event{Name: chatv1.EventUserLogout, Payload: []byte(`"Y"`)})
	assert.Equal(t, "Y", name)
	assert.True(t, removed)
	assert.Equal(t, []string{"X", "Z"}, f.store.Names())
	assert.False(t, f.rt.Joined("Y"))

	name, removed = f.d.HandleLogout(transport.Event{Name: chatv1.EventUserLogout, Payload: []byte(`{"userName":"X"}`)})
	assert.Equal(t, "X", name)
	assert.True(t, removed)

	_, removed = f.d.HandleLogout(transport.Event{Name: chatv1.EventUserLogout, Payload: []byte(`"Nobody"`)})
	assert.False(t, removed)
	_, removed = f.d.HandleLogout(transport.Event{Name: chatv1.EventUserLogout, Payload: []byte(`{}`)})
	assert.False(t, removed)
	assert.Equal(t, []string{"Z"}, f.store.Names())
}

func TestCustomerIgnoresLogout(t *testing.T) {
	f := newFixture(t, chat.CustomerPolicy(), 0)
	_, err := f.store.Append("Lan", chat.NewText(chat.RoleAdmin, "hi"))
	require.NoError(t, err)

	_, removed := f.d.HandleLogout(transport.Event{Name: chatv1.EventUserLogout, Payload: []byte(`"Admin"`)})
	assert.False(t, removed)
	assert.Equal(t, 1, f.store.Len())
}
