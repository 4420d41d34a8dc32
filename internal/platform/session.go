package platform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	logindService = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
)

// LogindLock reads the LockedHint of the caller's login session.
type LogindLock struct {
	conn *dbus.Conn
}

// NewLogindLock creates a lock state source on the system bus.
func NewLogindLock(conn *dbus.Conn) *LogindLock {
	return &LogindLock{conn: conn}
}

// Locked reports whether the screen is locked. Errors read as unlocked.
func (l *LogindLock) Locked() bool {
	obj := l.conn.Object(logindService, logindPath+"/session/auto")
	v, err := obj.GetProperty("org.freedesktop.login1.Session.LockedHint")
	if err != nil {
		slog.Debug("Failed to read LockedHint", "error", err)
		return false
	}
	locked, _ := v.Value().(bool)
	return locked
}

// Inhibitor holds a logind sleep inhibitor while recording.
type Inhibitor struct {
	conn *dbus.Conn

	mu sync.Mutex
	fd int
}

// NewInhibitor creates a wake lock on the system bus.
func NewInhibitor(conn *dbus.Conn) *Inhibitor {
	return &Inhibitor{conn: conn, fd: -1}
}

// Acquire takes the inhibitor lock. Acquiring twice is a no-op.
func (i *Inhibitor) Acquire() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.fd >= 0 {
		return nil
	}

	var fd dbus.UnixFD
	obj := i.conn.Object(logindService, logindPath)
	err := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep:idle", "soundrecorder", "Recording audio", "block").Store(&fd)
	if err != nil {
		return fmt.Errorf("failed to inhibit sleep: %w", err)
	}
	i.fd = int(fd)
	return nil
}

// Release drops the inhibitor lock by closing its descriptor.
func (i *Inhibitor) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.fd < 0 {
		return nil
	}
	err := unix.Close(i.fd)
	i.fd = -1
	if err != nil {
		return fmt.Errorf("failed to release inhibitor: %w", err)
	}
	return nil
}
