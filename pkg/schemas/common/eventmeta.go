package common

// EventMeta describes where an event travels on a broker link.
type EventMeta struct {
	EventType  string // e.g. "receiveMessage"
	Exchange   string // e.g. "chat"
	RoutingKey string // e.g. "presence.logout"
}
