package main

import (
	"fmt"
	"time"

	"github.com/puyokura/chatrelay/model"
)

// Texts the relay sends back to clients.
const (
	textRegistered     = "Registro exitoso"
	textParseError     = "Error al parsear el mensaje."
	textDuplicateUser  = "Nombre de usuario ya existe."
	textUnknownKind    = "Tipo de mensaje desconocido."
	textNotRegistered  = "Usuario no registrado."
	textAlreadyJoined  = "Ya estás registrado."
	textInvalidStatus  = "Estado inválido."
	textInvalidName    = "Nombre de usuario inválido."
	reasonDuplicateReg = "Nombre de usuario duplicado"
)

// Notifier builds the messages the relay originates.
type Notifier struct {
	now func() time.Time
}

func NewNotifier(now func() time.Time) Notifier {
	if now == nil {
		now = time.Now
	}
	return Notifier{now: now}
}

func (n Notifier) base(kind model.Kind) model.Message {
	return model.Message{
		Kind:      kind,
		Sender:    model.ServerSender,
		Timestamp: model.Timestamp(n.now()),
	}
}

func (n Notifier) RegisterSuccess(users []string) model.Message {
	m := n.base(model.KindRegisterSuccess)
	m.Content = textRegistered
	m.UserList = model.EncodeStringArray(users)
	m.HasUserList = true
	return m
}

// UserList answers list_users. The array is carried in content for older
// clients and in userList for the flagged form.
func (n Notifier) UserList(users []string) model.Message {
	m := n.base(model.KindListUsersResponse)
	m.Content = model.EncodeStringArray(users)
	m.UserList = m.Content
	m.HasUserList = true
	return m
}

// UserInfo answers user_info. A nil session yields a null payload.
func (n Notifier) UserInfo(target string, s *Session) model.Message {
	m := n.base(model.KindUserInfoResponse)
	m.Target = target
	if s == nil {
		m.Content = "null"
		return m
	}
	m.Content = fmt.Sprintf(`{"ip": %s, "status": %s}`, quote(s.RemoteAddr), quote(string(s.Status)))
	return m
}

func (n Notifier) StatusUpdate(user string, status model.Status) model.Message {
	m := n.base(model.KindStatusUpdate)
	m.Content = fmt.Sprintf(`{"user": %s, "status": %s}`, quote(user), quote(string(status)))
	return m
}

func (n Notifier) UserDisconnected(user string) model.Message {
	m := n.base(model.KindUserDisconnected)
	m.Content = user + " ha salido"
	return m
}

func (n Notifier) Error(text string) model.Message {
	m := n.base(model.KindError)
	m.Content = text
	return m
}

// Announcement is an operator message relayed as a broadcast from the server.
func (n Notifier) Announcement(text string) model.Message {
	m := n.base(model.KindBroadcast)
	m.Content = text
	return m
}

// quote renders s as a quoted string element inside a structured fragment.
func quote(s string) string {
	frag := model.EncodeStringArray([]string{s})
	return frag[1 : len(frag)-1]
}
