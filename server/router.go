package main

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

// Router applies inbound messages to the directory and answers them.
// HandleMessage is called sequentially per connection but concurrently
// across connections.
type Router struct {
	dir     *Directory
	codec   model.Codec
	notify  Notifier
	out     *Dispatcher
	sink    PresenceSink
	metrics *Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewRouter(dir *Directory, codec model.Codec, notify Notifier, out *Dispatcher, metrics *Metrics, log *zap.Logger) *Router {
	return &Router{
		dir:     dir,
		codec:   codec,
		notify:  notify,
		out:     out,
		sink:    nopSink{},
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// WithSink attaches a presence sink and returns r.
func (r *Router) WithSink(sink PresenceSink) *Router {
	if sink != nil {
		r.sink = sink
	}
	return r
}

// HandleMessage decodes one frame from conn and routes it.
func (r *Router) HandleMessage(conn Conn, raw []byte) {
	// Every frame counts as activity, even one that fails to decode. An
	// INACTIVO sender is announced as ACTIVO before anything it sends.
	session, registered := r.dir.FindByConnection(conn)
	if registered {
		r.touch(session.Username)
	}

	msg, err := r.codec.Decode(raw)
	if err != nil {
		r.metrics.DecodeError()
		r.log.Debug("undecodable frame", zap.String("conn", conn.ID()), zap.Error(err))
		r.out.SendTo(conn, r.notify.Error(textParseError))
		return
	}
	r.metrics.MessageReceived(msg.Kind)

	switch msg.Kind {
	case model.KindRegister:
		r.handleRegister(conn, msg, registered)
	case model.KindBroadcast:
		r.handleBroadcast(conn, msg, session, registered)
	case model.KindPrivate:
		r.handlePrivate(msg, session, registered)
	case model.KindListUsers:
		r.out.SendTo(conn, r.notify.UserList(r.dir.SnapshotUsernames()))
	case model.KindUserInfo:
		r.handleUserInfo(conn, msg)
	case model.KindChangeStatus:
		r.handleChangeStatus(conn, msg, session, registered)
	case model.KindDisconnect:
		r.removeConn(conn, "disconnect")
	default:
		r.log.Debug("unknown message kind", zap.String("conn", conn.ID()), zap.String("kind", string(msg.Kind)))
		r.out.SendTo(conn, r.notify.Error(textUnknownKind))
	}
}

// HandleClose is called once by the transport when conn goes away.
func (r *Router) HandleClose(conn Conn) {
	r.removeConn(conn, "closed")
}

func (r *Router) touch(username string) {
	status, ok := r.dir.TouchActivity(username)
	if !ok || status != model.StatusInactive {
		return
	}
	r.dir.Announce(func() {
		if r.dir.Promote(username) {
			r.announceStatus(username, model.StatusActive)
		}
	})
}

func (r *Router) handleRegister(conn Conn, msg model.Message, registered bool) {
	if registered {
		r.out.SendTo(conn, r.notify.Error(textAlreadyJoined))
		return
	}

	addr := conn.RemoteAddr()
	err := r.dir.Register(msg.Sender, addr, conn)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyUsername):
		r.metrics.RegistrationRejected("empty")
		r.out.SendTo(conn, r.notify.Error(textInvalidName))
		return
	case errors.Is(err, ErrDuplicate):
		r.metrics.RegistrationRejected("duplicate")
		r.log.Info("registration rejected",
			zap.String("user", msg.Sender),
			zap.String("addr", addr),
			zap.Error(err))
		r.out.SendTo(conn, r.notify.Error(textDuplicateUser))
		conn.CloseWithReason(websocket.ClosePolicyViolation, reasonDuplicateReg)
		return
	default:
		r.log.Error("registration failed", zap.String("user", msg.Sender), zap.Error(err))
		r.out.SendTo(conn, r.notify.Error(textParseError))
		return
	}

	r.metrics.SetSessions(r.dir.Len())
	r.log.Info("user registered", zap.String("user", msg.Sender), zap.String("addr", addr))
	r.sink.Record(PresenceEvent{
		Kind:       PresenceJoined,
		Username:   msg.Sender,
		RemoteAddr: addr,
		Status:     model.StatusActive,
		At:         r.now(),
	})
	r.out.SendTo(conn, r.notify.RegisterSuccess(r.dir.SnapshotUsernames()))
}

// handleBroadcast relays the decoded message unchanged. The sender field is
// whatever the client put there.
func (r *Router) handleBroadcast(conn Conn, msg model.Message, session Session, registered bool) {
	if !registered {
		r.out.SendTo(conn, r.notify.Error(textNotRegistered))
		return
	}
	n := r.out.Broadcast(msg)
	r.log.Debug("broadcast relayed", zap.String("user", session.Username), zap.Int("recipients", n))
}

func (r *Router) handlePrivate(msg model.Message, session Session, registered bool) {
	target, ok := r.dir.FindByUsername(msg.Target)
	if !ok {
		from := msg.Sender
		if registered {
			from = session.Username
		}
		r.log.Debug("private message to unknown user dropped",
			zap.String("from", from),
			zap.String("target", msg.Target))
		return
	}
	r.out.SendTo(target.Conn, msg)
}

func (r *Router) handleUserInfo(conn Conn, msg model.Message) {
	if target, ok := r.dir.FindByUsername(msg.Target); ok {
		r.out.SendTo(conn, r.notify.UserInfo(msg.Target, &target))
		return
	}
	r.out.SendTo(conn, r.notify.UserInfo(msg.Target, nil))
}

func (r *Router) handleChangeStatus(conn Conn, msg model.Message, session Session, registered bool) {
	if !registered {
		r.out.SendTo(conn, r.notify.Error(textNotRegistered))
		return
	}
	status, ok := model.ParseStatus(msg.Content)
	if !ok {
		r.out.SendTo(conn, r.notify.Error(textInvalidStatus))
		return
	}
	r.dir.Announce(func() {
		if _, ok := r.dir.SetStatus(session.Username, status); !ok {
			// Removed concurrently by a close; nothing to announce.
			r.log.Debug("status change for vanished session", zap.String("user", session.Username))
			return
		}
		r.announceStatus(session.Username, status)
	})
}

// announceStatus must be called inside Directory.Announce.
func (r *Router) announceStatus(username string, status model.Status) {
	r.metrics.Transition(status)
	r.sink.Record(PresenceEvent{
		Kind:     PresenceChanged,
		Username: username,
		Status:   status,
		At:       r.now(),
	})
	r.out.Broadcast(r.notify.StatusUpdate(username, status))
}

// removeConn drops the session owned by conn, if any, and announces it.
func (r *Router) removeConn(conn Conn, cause string) {
	removed, err := r.dir.RemoveByConnection(conn)
	if err != nil {
		return
	}

	r.metrics.SetSessions(r.dir.Len())
	r.log.Info("user left", zap.String("user", removed.Username), zap.String("cause", cause))
	r.sink.Record(PresenceEvent{
		Kind:       PresenceLeft,
		Username:   removed.Username,
		RemoteAddr: removed.RemoteAddr,
		Status:     removed.Status,
		At:         r.now(),
	})
	r.out.Broadcast(r.notify.UserDisconnected(removed.Username))
}
