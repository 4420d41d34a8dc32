// Package platform connects the capture service to desktop and system
// services over D-Bus and to kernel memory statistics.
package platform

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/soundrecorder/internal/capture"
)

// Bus holds the system and session bus connections. Either may be nil when
// the bus is not reachable.
type Bus struct {
	System  *dbus.Conn
	Session *dbus.Conn
}

// Connect opens private connections to both buses. Failures are logged and
// leave the corresponding connection nil.
func Connect() *Bus {
	b := &Bus{}

	if conn, err := dbus.ConnectSystemBus(); err != nil {
		slog.Warn("System bus unavailable", "error", err)
	} else {
		b.System = conn
	}

	if conn, err := dbus.ConnectSessionBus(); err != nil {
		slog.Warn("Session bus unavailable", "error", err)
	} else {
		b.Session = conn
	}

	return b
}

// Close closes both connections.
func (b *Bus) Close() error {
	var err error
	if b.System != nil {
		err = multierr.Append(err, b.System.Close())
	}
	if b.Session != nil {
		err = multierr.Append(err, b.Session.Close())
	}
	return err
}

// Signals bundles the platform collaborators of the capture service. Fields
// are nil when the backing service is unavailable.
type Signals struct {
	Telephony capture.Telephony
	Memory    capture.MemoryPressure
	Lock      capture.LockState
	WakeLock  capture.WakeLock
	Notifier  capture.Notifier
}

// Config selects which platform integrations are enabled.
type Config struct {
	Telephony     bool
	Notifications bool
	Inhibit       bool
	LowMemoryMB   uint64
}

// Open builds the available signals on top of b.
func Open(b *Bus, cfg Config) Signals {
	var s Signals

	if b.System != nil {
		if cfg.Telephony {
			s.Telephony = NewModemManager(b.System)
		}
		s.Lock = NewLogindLock(b.System)
		if cfg.Inhibit {
			s.WakeLock = NewInhibitor(b.System)
		}
	}
	if b.Session != nil && cfg.Notifications {
		s.Notifier = NewDesktopNotifier(b.Session)
	}
	if cfg.LowMemoryMB > 0 {
		s.Memory = NewMemoryMonitor(cfg.LowMemoryMB*1024*1024, nil)
	}

	slog.Debug("Platform signals ready",
		"telephony", s.Telephony != nil,
		"lock", s.Lock != nil,
		"wakelock", s.WakeLock != nil,
		"notifications", s.Notifier != nil,
		"memory", s.Memory != nil)
	return s
}
