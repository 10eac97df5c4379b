// Package session enforces the one-device-per-user lease. A username has at
// most one live tunnel; a competing device is rejected until the holder's
// idle time passes the configured timeout, at which point the old handle is
// forcibly closed and the lease moves to the new device.
package session

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Login/logout event names as they appear in the event log.
const (
	EventLogin                 = "LOGIN"
	EventLoginNewDevice        = "LOGIN_NEW_DEVICE"
	EventLogoutTimeout         = "LOGOUT_TIMEOUT"
	EventDisconnect            = "DISCONNECT"
	EventUserDeleted           = "DISCONNECT_USER_DELETED"
	EventUserDeletedMidSession = "DISCONNECT_USER_DELETED_MID_SESSION"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// LeaseNew: no prior session; admitted and logged as LOGIN.
	LeaseNew Decision = iota
	// LeaseRefresh: same device re-authenticated; admitted, not re-logged.
	LeaseRefresh
	// LeaseConflict: another device holds the lease and has not idled out.
	LeaseConflict
	// LeaseSupersede: the prior lease idled out; its handle was closed and
	// the new device admitted.
	LeaseSupersede
)

// EventSink receives login/logout events for durable recording.
type EventSink interface {
	LoginEvent(user, device, event string)
}

type record struct {
	device   string
	lastSeen time.Time
	handle   io.Closer
	active   bool
	logged   bool
}

// Manager holds the per-username session table. The whole check-and-mutate
// admission sequence runs under one mutex so two simultaneous CONNECTs for
// the same username cannot both win.
type Manager struct {
	timeout time.Duration
	sink    EventSink
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*record
}

// New creates an empty session table with the given idle timeout.
func New(timeout time.Duration, sink EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		sink:     sink,
		log:      logger,
		sessions: map[string]*record{},
	}
}

// Admit runs the admission state machine for an authenticated CONNECT.
// handle is the incoming client connection; for a superseded session the
// previous owner's handle is closed here, from outside its relay goroutine.
// On Conflict the returned duration is how long the lease remains locked.
func (m *Manager) Admit(user, device string, handle io.Closer) (Decision, time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[user]
	if !ok {
		m.sessions[user] = &record{device: device, lastSeen: now, handle: handle, active: true, logged: true}
		m.sink.LoginEvent(user, device, EventLogin)
		return LeaseNew, 0
	}

	if existing.device == device {
		// Same device, freshly re-authenticated. Refresh the lease; a new
		// active period still gets its DISCONNECT on teardown.
		existing.lastSeen = now
		existing.handle = handle
		existing.active = true
		existing.logged = true
		return LeaseRefresh, 0
	}

	idle := now.Sub(existing.lastSeen)
	if idle < m.timeout {
		return LeaseConflict, m.timeout - idle
	}

	// Lease expired: evict the old device and hand the lease over.
	if existing.handle != nil {
		_ = existing.handle.Close()
	}
	m.sink.LoginEvent(user, existing.device, EventLogoutTimeout)
	m.log.Info("session superseded after idle timeout", "user", user, "old_device", existing.device, "new_device", device, "idle", idle.Round(time.Second))

	m.sessions[user] = &record{device: device, lastSeen: now, handle: handle, active: true, logged: true}
	m.sink.LoginEvent(user, device, EventLoginNewDevice)
	return LeaseSupersede, 0
}

// MarkInactive transitions the session to INACTIVE on tunnel teardown. The
// record is kept so idle-timeout accounting runs from last activity, and
// DISCONNECT is logged exactly once per active period.
func (m *Manager) MarkInactive(user, device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[user]
	if !ok || rec.device != device || !rec.active {
		return
	}
	rec.active = false
	// Teardown is the last observed activity; the idle clock for a
	// competing device starts here, not at login.
	rec.lastSeen = time.Now()
	if rec.logged {
		rec.logged = false
		m.sink.LoginEvent(user, device, EventDisconnect)
	}
}

// DropUser deletes the session after its credential was removed, forcibly
// closing any live handle. Reports whether a session existed.
func (m *Manager) DropUser(user string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[user]
	if ok {
		delete(m.sessions, user)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if rec.handle != nil {
		_ = rec.handle.Close()
	}
	m.sink.LoginEvent(user, rec.device, EventUserDeleted)
	m.log.Info("session dropped for deleted user", "user", user, "device", rec.device)
	return true
}

// Active reports whether user currently holds an ACTIVE session.
func (m *Manager) Active(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[user]
	return ok && rec.active
}

// ActiveCount returns the number of ACTIVE sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.sessions {
		if rec.active {
			n++
		}
	}
	return n
}
