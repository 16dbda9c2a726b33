// Package chat holds the conversation model shared by the customer and the
// operator side of the storefront chat.
package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

// Role identifies who authored a message. Values other than RoleUser and
// RoleAdmin are opaque peer identifiers.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// DeliveryStatus tracks an outbound message until the server acknowledges it.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindText
	KindImage
)

var (
	ErrNoPayload   = errors.New("message has neither text nor image")
	ErrTwoPayloads = errors.New("message has both text and image")
	ErrNoSender    = errors.New("message has no sender")
	ErrBadImage    = errors.New("image is not a base64 data URI")
)

type Message struct {
	ID     string         `json:"id,omitempty"`
	Sender Role           `json:"sender"`
	Text   string         `json:"text,omitempty"`
	Image  string         `json:"image,omitempty"`
	Status DeliveryStatus `json:"status,omitempty"`
	At     int64          `json:"at,omitempty"`
}

func NewText(sender Role, text string) Message {
	return Message{ID: uuid.NewString(), Sender: sender, Text: text, At: time.Now().UnixMilli()}
}

func NewImage(sender Role, dataURI string) Message {
	return Message{ID: uuid.NewString(), Sender: sender, Image: dataURI, At: time.Now().UnixMilli()}
}

func (m Message) Kind() Kind {
	switch {
	case m.Text != "" && m.Image == "":
		return KindText
	case m.Image != "" && m.Text == "":
		return KindImage
	}
	return KindInvalid
}

// Validate enforces the exclusive payload rule.
func (m Message) Validate() error {
	if m.Sender == "" {
		return ErrNoSender
	}
	switch {
	case m.Text == "" && m.Image == "":
		return ErrNoPayload
	case m.Text != "" && m.Image != "":
		return ErrTwoPayloads
	case m.Image != "" && !chatv1.IsDataURI(m.Image):
		return ErrBadImage
	}
	return nil
}

// FromWire normalizes a transport payload. An image wins over text, matching
// what the web widgets render.
func FromWire(p chatv1.MessageV1) Message {
	m := Message{ID: p.ID, Sender: Role(p.Sender), At: p.At}
	if p.Image != "" {
		m.Image = p.Image
	} else {
		m.Text = p.Text
	}
	return m
}

// ToWire builds the sendMessage payload for room.
func (m Message) ToWire(room string) chatv1.MessageV1 {
	return chatv1.MessageV1{
		ID:       m.ID,
		Sender:   string(m.Sender),
		Text:     m.Text,
		Image:    m.Image,
		UserName: room,
		Room:     room,
		At:       m.At,
	}
}

type Conversation struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Clone returns a copy whose message slice is not shared.
func (c Conversation) Clone() Conversation {
	out := Conversation{Name: c.Name, Messages: make([]Message, len(c.Messages))}
	copy(out.Messages, c.Messages)
	return out
}

func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Preview renders the last message for a conversation list. youPrefix is
// prepended when self wrote it.
func (c Conversation) Preview(self Role, youPrefix string) string {
	last, ok := c.Last()
	if !ok {
		return ""
	}
	body := last.Text
	if last.Kind() == KindImage {
		body = "[image]"
	}
	if last.Sender == self {
		return youPrefix + body
	}
	return body
}

// Greeting fills the "{name}" placeholder of a greeting template.
func Greeting(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}
