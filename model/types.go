package model

import "time"

// ServerSender is the sender name the relay uses for messages it originates.
const ServerSender = "server"

// TimestampLayout is the wire timestamp format (local time, no zone).
const TimestampLayout = "2006-01-02T15:04:05"

// Kind is the discriminant of a wire message.
type Kind string

const (
	KindRegister          Kind = "register"
	KindRegisterSuccess   Kind = "register_success"
	KindBroadcast         Kind = "broadcast"
	KindPrivate           Kind = "private"
	KindListUsers         Kind = "list_users"
	KindListUsersResponse Kind = "list_users_response"
	KindUserInfo          Kind = "user_info"
	KindUserInfoResponse  Kind = "user_info_response"
	KindChangeStatus      Kind = "change_status"
	KindStatusUpdate      Kind = "status_update"
	KindDisconnect        Kind = "disconnect"
	KindUserDisconnected  Kind = "user_disconnected"
	KindError             Kind = "error"
)

// Status is a session presence state. The values are wire tokens.
type Status string

const (
	StatusActive   Status = "ACTIVO"
	StatusBusy     Status = "OCUPADO"
	StatusInactive Status = "INACTIVO"
)

// ParseStatus accepts exactly the three wire tokens.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusBusy, StatusInactive:
		return Status(s), true
	}
	return "", false
}

// Message is both the wire message and its decoded form.
type Message struct {
	Kind      Kind
	Sender    string
	Target    string // empty when not addressed to a specific user
	Content   string // plain text or a raw {...}/[...] fragment
	Timestamp string
	UserList  string // raw array fragment, only meaningful when HasUserList
	// HasUserList records whether userList is present, independent of Content.
	HasUserList bool
}

// Timestamp formats t the way every message carries it.
func Timestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}
