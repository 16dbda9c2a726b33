package chat

// Event names shared by every transport.
const (
	EventJoinRoom       = "joinRoom"
	EventJoinAdmin      = "joinAdmin"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventUserLogout     = "userLogout"
	EventAck            = "ack"
)

// AdminRoom is the admin-wide broadcast scope joined by operator desks.
const AdminRoom = "adminRoom"

const (
	AckOK    = "ok"
	AckError = "error"
)
