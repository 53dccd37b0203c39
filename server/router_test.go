package main

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puyokura/chatrelay/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSendsUserList(t *testing.T) {
	r := newTestRelay(t)
	alice := newFakeConn("c-alice", "10.0.0.1")

	r.send(alice, model.Message{Kind: model.KindRegister, Sender: "alice"})

	assert.Equal(t, 1, r.dir.Len())
	msgs := alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindRegisterSuccess, msgs[0].Kind)
	assert.Equal(t, model.ServerSender, msgs[0].Sender)
	assert.Equal(t, textRegistered, msgs[0].Content)
	require.True(t, msgs[0].HasUserList)
	assert.Equal(t, []string{"alice"}, model.DecodeStringArray(msgs[0].UserList))
	assert.Equal(t, "2024-03-01T12:00:00", msgs[0].Timestamp)

	events := r.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, PresenceJoined, events[0].Kind)
	assert.Equal(t, "10.0.0.1", events[0].RemoteAddr)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")

	r.send(alice, model.Message{Kind: model.KindBroadcast, Sender: "alice", Content: "hi", Timestamp: "t"})

	for _, c := range []*fakeConn{alice, bob} {
		msgs := c.take(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.KindBroadcast, msgs[0].Kind)
		assert.Equal(t, "alice", msgs[0].Sender)
		assert.Equal(t, "hi", msgs[0].Content)
		assert.Equal(t, "t", msgs[0].Timestamp)
	}
}

func TestBroadcastRequiresRegistration(t *testing.T) {
	r := newTestRelay(t)
	bob := r.join(t, "bob", "10.0.0.2")
	stranger := newFakeConn("c-x", "10.0.0.9")

	r.send(stranger, model.Message{Kind: model.KindBroadcast, Sender: "bob", Content: "spoof"})

	msgs := stranger.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindError, msgs[0].Kind)
	assert.Equal(t, textNotRegistered, msgs[0].Content)
	assert.Empty(t, bob.take(t))
}

func TestPrivateOnlyReachesTarget(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	drain(t, alice)
	outsider := newFakeConn("c-x", "10.0.0.3")

	r.send(alice, model.Message{Kind: model.KindPrivate, Sender: "alice", Target: "bob", Content: "secret"})

	msgs := bob.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindPrivate, msgs[0].Kind)
	assert.Equal(t, "secret", msgs[0].Content)
	assert.Equal(t, "bob", msgs[0].Target)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Empty(t, alice.take(t))
	assert.Empty(t, outsider.take(t))
}

func TestPrivateToUnknownTargetIsDropped(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")

	r.send(alice, model.Message{Kind: model.KindPrivate, Sender: "alice", Target: "ghost", Content: "boo"})

	assert.Empty(t, alice.take(t))
}

func TestDuplicateRegistrationClosesConnection(t *testing.T) {
	tests := map[string]struct {
		name, addr string
	}{
		"reused address": {"carol", "10.0.0.1"},
		"reused name":    {"alice", "10.0.0.7"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newTestRelay(t)
			r.join(t, "alice", "10.0.0.1")
			r.join(t, "bob", "10.0.0.2")

			dup := newFakeConn("c-dup", tc.addr)
			r.send(dup, model.Message{Kind: model.KindRegister, Sender: tc.name})

			msgs := dup.received(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, model.KindError, msgs[0].Kind)
			assert.Equal(t, textDuplicateUser, msgs[0].Content)

			code, reason := dup.closed()
			assert.Equal(t, websocket.ClosePolicyViolation, code)
			assert.Equal(t, reasonDuplicateReg, reason)
			assert.Equal(t, []string{"alice", "bob"}, r.dir.SnapshotUsernames())

			// The transport then reports the close; nobody is announced.
			r.router.HandleClose(dup)
			assert.Equal(t, 2, r.dir.Len())
		})
	}
}

func TestRegisterTwiceOnSameConnection(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")

	r.send(alice, model.Message{Kind: model.KindRegister, Sender: "alice2"})

	msgs := alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, textAlreadyJoined, msgs[0].Content)
	code, _ := alice.closed()
	assert.Zero(t, code)
	assert.Equal(t, []string{"alice"}, r.dir.SnapshotUsernames())
}

func TestRegisterEmptyName(t *testing.T) {
	r := newTestRelay(t)
	conn := newFakeConn("c1", "10.0.0.1")

	r.send(conn, model.Message{Kind: model.KindRegister, Sender: ""})

	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, textInvalidName, msgs[0].Content)
	assert.Zero(t, r.dir.Len())
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	drain(t, alice)

	r.send(alice, model.Message{Kind: model.KindDisconnect, Sender: "alice"})

	_, ok := r.dir.FindByUsername("alice")
	assert.False(t, ok)
	msgs := bob.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindUserDisconnected, msgs[0].Kind)
	assert.Contains(t, msgs[0].Content, "alice")
	assert.Empty(t, alice.take(t), "the leaver is no longer a recipient")

	// The socket closing afterwards must not announce alice again.
	r.router.HandleClose(alice)
	assert.Empty(t, bob.take(t))
}

func TestTransportCloseAnnouncesDeparture(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	drain(t, alice)

	r.router.HandleClose(alice)

	msgs := bob.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice ha salido", msgs[0].Content)

	never := newFakeConn("c-never", "10.0.0.5")
	r.router.HandleClose(never)
	assert.Empty(t, bob.take(t))

	events := r.sink.all()
	assert.Equal(t, PresenceLeft, events[len(events)-1].Kind)
}

func TestMalformedFrameLeavesDirectoryAlone(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")

	r.router.HandleMessage(alice, []byte(`{"sender": "alice", "content": "no type"}`))

	msgs := alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindError, msgs[0].Kind)
	assert.Equal(t, textParseError, msgs[0].Content)
	assert.Equal(t, []string{"alice"}, r.dir.SnapshotUsernames())
}

func TestDisconnectFromUnregisteredConnectionIsSilent(t *testing.T) {
	r := newTestRelay(t)
	bob := r.join(t, "bob", "10.0.0.2")
	stranger := newFakeConn("c-stranger", "10.0.0.9")

	r.send(stranger, model.Message{Kind: model.KindDisconnect, Sender: "bob"})

	assert.Empty(t, bob.take(t), "no one is announced as leaving")
	assert.Empty(t, stranger.take(t))
	assert.Equal(t, []string{"bob"}, r.dir.SnapshotUsernames(), "the sender field cannot remove someone else")
}

func TestMalformedFrameCountsAsActivity(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")

	r.clock.Advance(15 * time.Second)
	require.Equal(t, 1, r.monitor.Sweep())
	drain(t, alice)

	r.clock.Advance(3 * time.Second)
	r.router.HandleMessage(alice, []byte(`{"sender": "alice"}`))

	s, ok := r.dir.FindByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, s.Status)
	assert.Equal(t, r.clock.Now(), s.LastActivity)

	msgs := alice.take(t)
	assert.Equal(t, []model.Kind{model.KindStatusUpdate, model.KindError}, kinds(msgs))
	assert.Equal(t, `{"user": "alice", "status": "ACTIVO"}`, msgs[0].Content)
}

func TestUnknownKind(t *testing.T) {
	r := newTestRelay(t)
	conn := newFakeConn("c1", "10.0.0.1")

	r.send(conn, model.Message{Kind: "shout", Sender: "x"})

	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindError, msgs[0].Kind)
	assert.Equal(t, textUnknownKind, msgs[0].Content)
}

func TestListUsers(t *testing.T) {
	r := newTestRelay(t)
	r.join(t, "bob", "10.0.0.2")
	r.join(t, "alice", "10.0.0.1")
	asker := newFakeConn("c-asker", "10.0.0.3")

	r.send(asker, model.Message{Kind: model.KindListUsers, Sender: "anyone"})

	msgs := asker.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindListUsersResponse, msgs[0].Kind)
	assert.Equal(t, []string{"alice", "bob"}, model.DecodeStringArray(msgs[0].Content))
	assert.True(t, msgs[0].HasUserList)
	assert.Equal(t, msgs[0].Content, msgs[0].UserList)
}

func TestUserInfo(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	r.join(t, "bob", "10.0.0.2")
	drain(t, alice)

	r.send(alice, model.Message{Kind: model.KindUserInfo, Sender: "alice", Target: "bob"})
	msgs := alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindUserInfoResponse, msgs[0].Kind)
	assert.Equal(t, "bob", msgs[0].Target)
	assert.Equal(t, `{"ip": "10.0.0.2", "status": "ACTIVO"}`, msgs[0].Content)

	r.send(alice, model.Message{Kind: model.KindUserInfo, Sender: "alice", Target: "ghost"})
	msgs = alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ghost", msgs[0].Target)
	assert.Equal(t, "null", msgs[0].Content)
}

func TestChangeStatus(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	drain(t, alice)

	r.send(alice, model.Message{Kind: model.KindChangeStatus, Sender: "alice", Content: "OCUPADO"})

	s, _ := r.dir.FindByUsername("alice")
	assert.Equal(t, model.StatusBusy, s.Status)
	for _, c := range []*fakeConn{alice, bob} {
		msgs := c.take(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.KindStatusUpdate, msgs[0].Kind)
		assert.Equal(t, `{"user": "alice", "status": "OCUPADO"}`, msgs[0].Content)
	}
}

func TestChangeStatusRejectsBadInput(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")

	r.send(alice, model.Message{Kind: model.KindChangeStatus, Sender: "alice", Content: "SLEEPING"})
	msgs := alice.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, textInvalidStatus, msgs[0].Content)

	stranger := newFakeConn("c-x", "10.0.0.9")
	r.send(stranger, model.Message{Kind: model.KindChangeStatus, Sender: "alice", Content: "OCUPADO"})
	msgs = stranger.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, textNotRegistered, msgs[0].Content)

	s, _ := r.dir.FindByUsername("alice")
	assert.Equal(t, model.StatusActive, s.Status)
}

func TestIdentityComesFromConnection(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	drain(t, alice)

	// alice claims to be bob; the status change still applies to alice.
	r.send(alice, model.Message{Kind: model.KindChangeStatus, Sender: "bob", Content: "OCUPADO"})

	a, _ := r.dir.FindByUsername("alice")
	b, _ := r.dir.FindByUsername("bob")
	assert.Equal(t, model.StatusBusy, a.Status)
	assert.Equal(t, model.StatusActive, b.Status)
	drain(t, alice, bob)
}

func TestSlowRecipientDoesNotBlockOthers(t *testing.T) {
	r := newTestRelay(t)
	alice := r.join(t, "alice", "10.0.0.1")
	bob := r.join(t, "bob", "10.0.0.2")
	carol := r.join(t, "carol", "10.0.0.3")
	drain(t, alice, bob)
	bob.mu.Lock()
	bob.reject = true
	bob.mu.Unlock()

	n := r.out.Broadcast(model.Message{Kind: model.KindBroadcast, Sender: "alice", Content: "x"})

	assert.Equal(t, 2, n)
	assert.Len(t, alice.take(t), 1)
	assert.Len(t, carol.take(t), 1)
}
