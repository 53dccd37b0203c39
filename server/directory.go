package main

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/model"
)

var (
	// ErrDuplicate matches both duplicate-name and duplicate-address rejections.
	ErrDuplicate         = errors.New("duplicate registration")
	ErrDuplicateUsername = errors.Wrap(ErrDuplicate, "username already registered")
	ErrDuplicateAddress  = errors.Wrap(ErrDuplicate, "address already registered")
	ErrEmptyUsername     = errors.New("empty username")
	ErrNotFound          = errors.New("session not found")
)

// Session is a registered, connected user. Values returned by the Directory
// are copies; mutate through Directory methods.
type Session struct {
	Username     string
	RemoteAddr   string
	Status       model.Status
	Conn         Conn
	LastActivity time.Time
}

// Directory is the registry of live sessions. All methods are safe for
// concurrent use.
type Directory struct {
	// announce orders status transitions with their broadcasts. It is
	// never taken while mu is held.
	announce sync.Mutex

	mu     sync.RWMutex
	byName map[string]*Session
	byConn map[string]string // conn ID -> username
	byAddr map[string]string // remote address -> username
	now    func() time.Time
}

func NewDirectory(now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		byName: make(map[string]*Session),
		byConn: make(map[string]string),
		byAddr: make(map[string]string),
		now:    now,
	}
}

// Register creates an ACTIVO session. It fails when the username or the
// remote address is already taken.
func (d *Directory) Register(username, remoteAddr string, conn Conn) error {
	if username == "" {
		return ErrEmptyUsername
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byName[username]; ok {
		return ErrDuplicateUsername
	}
	if _, ok := d.byAddr[remoteAddr]; ok {
		return ErrDuplicateAddress
	}

	s := &Session{
		Username:     username,
		RemoteAddr:   remoteAddr,
		Status:       model.StatusActive,
		Conn:         conn,
		LastActivity: d.now(),
	}
	d.byName[username] = s
	d.byAddr[remoteAddr] = username
	if conn != nil {
		d.byConn[conn.ID()] = username
	}
	return nil
}

// Remove deletes the session and returns the removed record.
func (d *Directory) Remove(username string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byName[username]
	if !ok {
		return Session{}, errors.Wrapf(ErrNotFound, "remove %q", username)
	}
	d.removeLocked(s)
	return *s, nil
}

// RemoveByConnection deletes the session owned by conn. Lookup and delete
// happen under one lock, so a name re-registered on another connection is
// never removed by mistake.
func (d *Directory) RemoveByConnection(conn Conn) (Session, error) {
	if conn == nil {
		return Session{}, ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name, ok := d.byConn[conn.ID()]
	if !ok {
		return Session{}, errors.Wrapf(ErrNotFound, "connection %s", conn.ID())
	}
	s := d.byName[name]
	d.removeLocked(s)
	return *s, nil
}

func (d *Directory) removeLocked(s *Session) {
	delete(d.byName, s.Username)
	delete(d.byAddr, s.RemoteAddr)
	if s.Conn != nil {
		delete(d.byConn, s.Conn.ID())
	}
}

func (d *Directory) FindByUsername(username string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.byName[username]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// FindByConnection resolves a transport handle back to its session.
func (d *Directory) FindByConnection(conn Conn) (Session, bool) {
	if conn == nil {
		return Session{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.byConn[conn.ID()]
	if !ok {
		return Session{}, false
	}
	return *d.byName[name], true
}

// SetStatus changes the status and reports the previous one. Unknown users
// are ignored.
func (d *Directory) SetStatus(username string, status model.Status) (model.Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byName[username]
	if !ok {
		return "", false
	}
	prev := s.Status
	s.Status = status
	return prev, true
}

// TouchActivity refreshes LastActivity and returns the current status. It
// never changes the status itself.
func (d *Directory) TouchActivity(username string) (model.Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byName[username]
	if !ok {
		return "", false
	}
	s.LastActivity = d.now()
	return s.Status, true
}

// Announce runs fn under the presence lock. Status transitions made and
// broadcast inside fn reach every session in the order they happened.
// fn may call any other Directory method.
func (d *Directory) Announce(fn func()) {
	d.announce.Lock()
	defer d.announce.Unlock()
	fn()
}

// Promote flips INACTIVO back to ACTIVO. It reports whether a transition
// happened, so concurrent callers cannot both announce it.
func (d *Directory) Promote(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byName[username]
	if !ok || s.Status != model.StatusInactive {
		return false
	}
	s.Status = model.StatusActive
	return true
}

// DemoteIdle moves every ACTIVO or OCUPADO session idle for at least
// threshold to INACTIVO and returns the sessions that changed.
func (d *Directory) DemoteIdle(threshold time.Duration) []Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var changed []Session
	for _, s := range d.byName {
		if s.Status == model.StatusInactive {
			continue
		}
		if now.Sub(s.LastActivity) >= threshold {
			s.Status = model.StatusInactive
			changed = append(changed, *s)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Username < changed[j].Username })
	return changed
}

// SnapshotUsernames returns all usernames in sorted order.
func (d *Directory) SnapshotUsernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions returns a copy of every session, sorted by username.
func (d *Directory) Sessions() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Session, 0, len(d.byName))
	for _, s := range d.byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}
