package session

import (
	"log/slog"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
)

type State int32

const (
	StateLoggedOut State = iota
	StateRestoring
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRestoring:
		return "restoring"
	case StateActive:
		return "active"
	}
	return "logged-out"
}

type UpdateKind string

const (
	UpdateAppended         UpdateKind = "appended"
	UpdateRemoved          UpdateKind = "removed"
	UpdateSelectionCleared UpdateKind = "selection-cleared"
	UpdateDelivery         UpdateKind = "delivery"
	UpdateSendFailed       UpdateKind = "send-failed"
)

// Update tells a UI what changed. Conversation is the room name.
type Update struct {
	Kind         UpdateKind
	Conversation string
	Message      chat.Message
	Status       chat.DeliveryStatus
	Err          error
}

const updateBuffer = 128

func (c *Controller) publish(u Update) {
	select {
	case c.updates <- u:
	default:
		c.log.Warn("update dropped, consumer too slow", slog.String("kind", string(u.Kind)))
	}
}
