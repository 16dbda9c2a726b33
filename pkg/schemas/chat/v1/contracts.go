package chat

import "strings"

// MessageV1 is the payload of sendMessage and receiveMessage.
type MessageV1 struct {
	ID       string `json:"id,omitempty"`
	Sender   string `json:"sender"`
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`
	UserName string `json:"userName"`
	Room     string `json:"room,omitempty"`
	At       int64  `json:"at,omitempty"` // unix millis
}

// LogoutV1 is the payload of userLogout.
type LogoutV1 struct {
	UserName string `json:"userName"`
}

type JoinRoomV1 struct {
	Room string `json:"room"`
}

// AckV1 is the acknowledgement a server returns for sendMessage.
type AckV1 struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a AckV1) OK() bool { return a.Status == AckOK }

// IsDataURI reports whether s is a self-contained base64 data URI.
func IsDataURI(s string) bool {
	if !strings.HasPrefix(s, "data:") {
		return false
	}
	head, body, ok := strings.Cut(s, ",")
	return ok && body != "" && strings.HasSuffix(head, ";base64")
}
