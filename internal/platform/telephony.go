package platform

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	mmService   = "org.freedesktop.ModemManager1"
	mmPath      = dbus.ObjectPath("/org/freedesktop/ModemManager1")
	mmCallIface = "org.freedesktop.ModemManager1.Call"
)

// ModemManager call states that count as an ongoing call: dialing, ringing
// out, ringing in, active, held and waiting.
var activeCallStates = map[int32]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true}

// ModemManager reports phone call state from ModemManager.
type ModemManager struct {
	conn *dbus.Conn

	mu     sync.Mutex
	inCall bool
}

// NewModemManager creates a telephony source on the system bus.
func NewModemManager(conn *dbus.Conn) *ModemManager {
	return &ModemManager{conn: conn}
}

// InCall reports whether any modem has a call that is not terminated.
func (m *ModemManager) InCall() bool {
	inCall, err := m.query()
	if err != nil {
		slog.Debug("ModemManager query failed", "error", err)
		return false
	}

	m.mu.Lock()
	m.inCall = inCall
	m.mu.Unlock()
	return inCall
}

func (m *ModemManager) query() (bool, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := m.conn.Object(mmService, mmPath)
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return false, err
	}
	return anyActiveCall(objects), nil
}

func anyActiveCall(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) bool {
	for _, ifaces := range objects {
		props, ok := ifaces[mmCallIface]
		if !ok {
			continue
		}
		state, ok := props["State"].Value().(int32)
		if ok && activeCallStates[state] {
			return true
		}
	}
	return false
}

// Watch calls onChange with idle=true when the last call ends and idle=false
// when one begins, until ctx is done.
func (m *ModemManager) Watch(ctx context.Context, onChange func(idle bool)) error {
	opts := []dbus.MatchOption{dbus.WithMatchSender(mmService)}
	if err := m.conn.AddMatchSignal(opts...); err != nil {
		return err
	}
	defer m.conn.RemoveMatchSignal(opts...)

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)
	defer m.conn.RemoveSignal(signals)

	m.InCall()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(string(sig.Path), string(mmPath)) {
				continue
			}

			m.mu.Lock()
			was := m.inCall
			m.mu.Unlock()

			if now := m.InCall(); now != was {
				slog.Info("Call state changed", "in_call", now)
				onChange(!now)
			}
		}
	}
}
