// Package transport carries chat events between a client and the realtime
// backend. Room membership is never carried across a reconnect: after a
// signal on Reconnected the caller must replay its joins.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnknownEvent = errors.New("transport: unknown event")
)

// Event is an inbound server push.
type Event struct {
	Name    string
	Room    string
	Payload json.RawMessage
}

// AckFunc receives the server acknowledgement of an emit. It fires at most
// once and may never fire.
type AckFunc func(chatv1.AckV1)

type Transport interface {
	// Connect is idempotent.
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, room string) error
	// JoinAdmin subscribes to the admin-wide scope.
	JoinAdmin(ctx context.Context) error
	Emit(ctx context.Context, event string, payload any, ack AckFunc) error
	Events() <-chan Event
	Reconnected() <-chan struct{}
	// Disconnect is for explicit logout, not for transient loss.
	Disconnect(ctx context.Context) error
}

// roomOf extracts the addressed room from an outbound payload.
func roomOf(event string, payload any) (string, error) {
	switch event {
	case chatv1.EventSendMessage:
		switch p := payload.(type) {
		case chatv1.MessageV1:
			return p.Room, nil
		case *chatv1.MessageV1:
			return p.Room, nil
		}
		return "", fmt.Errorf("%s: unexpected payload %T", event, payload)
	case chatv1.EventUserLogout:
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEvent, event)
}

// logoutName accepts both the storefront's bare string and LogoutV1.
func logoutName(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case chatv1.LogoutV1:
		return p.UserName
	case *chatv1.LogoutV1:
		return p.UserName
	}
	return ""
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
