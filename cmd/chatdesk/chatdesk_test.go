package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

// lockedBuffer is written by the REPL and the update printer at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(&rootOptions{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestDemoRuns(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, a, []string{"Lan", "Minh"}, &out))

	text := out.String()
	assert.Contains(t, text, "[Minh]")
	assert.Contains(t, text, "Chào Minh, shop có thể giúp gì?")
	assert.NotContains(t, text, "[Lan]", "Lan logged out")
}

func TestREPLSendsText(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewMemoryHub(nil)
	desk := a.session(hub.Dial("desk"), persist.NewMemory())
	go func() { _ = desk.Run(ctx) }()
	require.NoError(t, desk.Login(ctx, chat.Identity{ID: "d", Name: "Admin", Role: "Admin"}))

	lan := a.session(a.transport("customer:Lan", hub), persist.NewMemory())
	go func() { _ = lan.Run(ctx) }()
	require.NoError(t, lan.Login(ctx, chat.Identity{ID: "c1", Name: "Lan", Role: "User"}))

	var out lockedBuffer
	in := strings.NewReader("/help\nhello desk\n/image\n/quit\n")
	require.NoError(t, runREPL(ctx, lan, in, a.printer(&out), roleCustomer))

	assert.Contains(t, out.String(), "usage: /image <path>")
	require.Eventually(t, func() bool {
		convs, err := desk.Conversations(ctx)
		if err != nil || len(convs) != 1 {
			return false
		}
		last, _ := convs[0].Last()
		return last.Text == "hello desk"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestREPLListUsesConfiguredPrefix(t *testing.T) {
	t.Setenv("RAYCON_CHAT_YOU_PREFIX", "Shop> ")
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewMemoryHub(nil)
	desk := a.session(hub.Dial(producerID(roleOperator)), persist.NewMemory())
	go func() { _ = desk.Run(ctx) }()
	require.NoError(t, desk.Login(ctx, chat.Identity{ID: "d", Name: "Admin", Role: "Admin"}))

	lan := a.session(hub.Dial(producerID(roleCustomer)), persist.NewMemory())
	go func() { _ = lan.Run(ctx) }()
	require.NoError(t, lan.Login(ctx, chat.Identity{ID: "c1", Name: "Lan", Role: "User"}))
	require.NoError(t, lan.Open(ctx, ""))
	_, err := lan.SendText(ctx, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		convs, err := desk.Conversations(ctx)
		return err == nil && len(convs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var out lockedBuffer
	in := strings.NewReader("/open Lan\nchào bạn\n/list\n/quit\n")
	require.NoError(t, runREPL(ctx, desk, in, a.printer(&out), roleOperator))
	assert.Contains(t, out.String(), "Shop> chào bạn")
	assert.NotContains(t, out.String(), "Bạn: ")
}

func TestREPLOrderInquiry(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewMemoryHub(nil)
	desk := a.session(hub.Dial(producerID(roleOperator)), persist.NewMemory())
	go func() { _ = desk.Run(ctx) }()
	require.NoError(t, desk.Login(ctx, chat.Identity{ID: "d", Name: "Admin", Role: "Admin"}))

	lan := a.session(hub.Dial(producerID(roleCustomer)), persist.NewMemory())
	go func() { _ = lan.Run(ctx) }()
	require.NoError(t, lan.Login(ctx, chat.Identity{ID: "c1", Name: "Lan", Role: "User"}))

	var out lockedBuffer
	in := strings.NewReader("/order HD-17|Lan|0901234567|Nhẫn bạc|1.250.000\n/consult P9|Nhẫn\n/quit\n")
	require.NoError(t, runREPL(ctx, lan, in, a.printer(&out), roleCustomer))
	assert.Contains(t, out.String(), "sent to the desk")
	assert.Contains(t, out.String(), "takes 5 fields")

	require.Eventually(t, func() bool {
		convs, err := desk.Conversations(ctx)
		if err != nil || len(convs) != 1 {
			return false
		}
		last, _ := convs[0].Last()
		return strings.Contains(last.Text, "- Mã đơn hàng: HD-17") && strings.Contains(last.Text, "₫1.250.000")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInquiryText(t *testing.T) {
	got, err := inquiryText("/consult", "P9 | Nhẫn bạc | Bạc 925 | 890000 | 0901234567")
	require.NoError(t, err)
	assert.Equal(t, chat.ProductInquiry{ProductID: "P9", Name: "Nhẫn bạc", Material: "Bạc 925", Price: 890000, Phone: "0901234567"}.Text(), got)

	_, err = inquiryText("/order", "HD-1|Lan|090|ring|lots")
	assert.ErrorContains(t, err, "amount")
}

func TestProducerIDPerProcess(t *testing.T) {
	a, b := producerID(roleOperator), producerID(roleOperator)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "operator:"))
}

func TestNewAppRejectsBadEnv(t *testing.T) {
	t.Setenv("RAYCON_CHAT_TRANSPORT_KIND", "carrier-pigeon")
	_, err := newApp(&rootOptions{})
	assert.ErrorContains(t, err, "transport.kind")
}
