package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/puyokura/chatrelay/model"
	"github.com/stretchr/testify/require"
)

func TestEventLogHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	l, err := OpenEventLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []PresenceEvent{
		{Kind: PresenceJoined, Username: "alice", RemoteAddr: "10.0.0.1", Status: model.StatusActive, At: at},
		{Kind: PresenceJoined, Username: "bob", RemoteAddr: "10.0.0.2", Status: model.StatusActive, At: at},
		{Kind: PresenceChanged, Username: "alice", Status: model.StatusInactive, At: at.Add(15 * time.Second)},
		{Kind: PresenceLeft, Username: "alice", RemoteAddr: "10.0.0.1", Status: model.StatusInactive, At: at.Add(time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, l.Apply(ctx, ev))
	}

	got, err := l.History(ctx, "alice", 10)
	require.NoError(t, err)
	want := []PresenceEvent{events[3], events[2], events[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	got, err = l.History(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, PresenceLeft, got[0].Kind)
}

func TestEventLogReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	l, err := OpenEventLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Apply(context.Background(), PresenceEvent{Kind: PresenceJoined, Username: "carol", At: time.Now()}))
	require.NoError(t, l.Close())

	l, err = OpenEventLog(path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.History(context.Background(), "carol", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
