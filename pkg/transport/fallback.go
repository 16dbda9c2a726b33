package transport

import (
	"context"
	"log/slog"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

var _ Transport = (*Fallback)(nil)

// Fallback keeps a client usable offline: every emit is acknowledged as an
// error and nothing is ever received.
type Fallback struct {
	log         *slog.Logger
	events      chan Event
	reconnected chan struct{}
}

func NewFallback(logger *slog.Logger) *Fallback {
	return &Fallback{
		log:         logging.OrDiscard(logger),
		events:      make(chan Event),
		reconnected: make(chan struct{}),
	}
}

func (f *Fallback) Connect(context.Context) error {
	f.log.Warn("Fallback transport: running offline")
	return nil
}

func (f *Fallback) JoinRoom(_ context.Context, room string) error {
	f.log.Debug("Fallback transport: skipped join", slog.String("room", room))
	return nil
}

func (f *Fallback) JoinAdmin(context.Context) error { return nil }

func (f *Fallback) Emit(_ context.Context, event string, _ any, ack AckFunc) error {
	f.log.Warn("Fallback transport: skipped emit", slog.String("event", event))
	if ack != nil {
		ack(chatv1.AckV1{Status: chatv1.AckError, Error: "offline"})
	}
	return nil
}

func (f *Fallback) Events() <-chan Event { return f.events }

func (f *Fallback) Reconnected() <-chan struct{} { return f.reconnected }

func (f *Fallback) Disconnect(context.Context) error { return nil }
