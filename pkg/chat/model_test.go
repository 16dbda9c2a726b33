package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	chatv1 "github.com/roboricindustries/raycon-chat/pkg/schemas/chat/v1"
)

const tinyPNG = "data:image/png;base64,iVBORw0KGgo="

func TestMessageValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{"text", Message{Sender: RoleUser, Text: "hi"}, nil},
		{"image", Message{Sender: RoleAdmin, Image: tinyPNG}, nil},
		{"no sender", Message{Text: "hi"}, ErrNoSender},
		{"empty", Message{Sender: RoleUser}, ErrNoPayload},
		{"both", Message{Sender: RoleUser, Text: "hi", Image: tinyPNG}, ErrTwoPayloads},
		{"url image", Message{Sender: RoleUser, Image: "https://cdn/x.png"}, ErrBadImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindText, NewText(RoleUser, "hi").Kind())
	assert.Equal(t, KindImage, NewImage(RoleUser, tinyPNG).Kind())
	assert.Equal(t, KindInvalid, Message{}.Kind())
	assert.Equal(t, KindInvalid, Message{Text: "a", Image: tinyPNG}.Kind())
}

func TestNewMessagesGetIDs(t *testing.T) {
	a, b := NewText(RoleUser, "x"), NewText(RoleUser, "x")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotZero(t, a.At)
}

func TestWireConversion(t *testing.T) {
	in := FromWire(chatv1.MessageV1{ID: "1", Sender: "admin", Text: "caption", Image: tinyPNG, UserName: "Lan"})
	assert.Equal(t, tinyPNG, in.Image)
	assert.Empty(t, in.Text)
	assert.Equal(t, RoleAdmin, in.Sender)

	out := NewText(RoleUser, "hi").ToWire("Lan")
	assert.Equal(t, "Lan", out.Room)
	assert.Equal(t, "Lan", out.UserName)
	assert.Equal(t, "user", out.Sender)
	assert.NoError(t, out.Validate())
}

func TestConversationCloneAndPreview(t *testing.T) {
	c := Conversation{Name: "Lan"}
	assert.Equal(t, "", c.Preview(RoleUser, "Bạn: "))

	c.Messages = append(c.Messages, NewText(RoleAdmin, "Chào"))
	assert.Equal(t, "Chào", c.Preview(RoleUser, "Bạn: "))

	c.Messages = append(c.Messages, NewImage(RoleUser, tinyPNG))
	assert.Equal(t, "Bạn: [image]", c.Preview(RoleUser, "Bạn: "))

	cp := c.Clone()
	cp.Messages[0].Text = "changed"
	assert.Equal(t, "Chào", c.Messages[0].Text)
}

func TestGreeting(t *testing.T) {
	assert.Equal(t, "Xin chào Lan, bạn cần đội ngũ Jewelry tư vấn?",
		Greeting("Xin chào {name}, bạn cần đội ngũ Jewelry tư vấn?", "Lan"))
}
