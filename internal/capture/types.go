package capture

import (
	"context"
	"fmt"
)

// ErrorCode is the error kind carried by error broadcasts and session errors.
type ErrorCode int

const (
	NoError ErrorCode = iota
	StorageAccessError
	InternalError
	InCallRecordError
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "none"
	case StorageAccessError:
		return "storage_access"
	case InternalError:
		return "internal"
	case InCallRecordError:
		return "in_call_record"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Action selects what a Command asks the service to do.
type Action int

const (
	ActionStart Action = iota + 1
	ActionStop
	ActionEnableMonitor
	ActionDisableMonitor
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionEnableMonitor:
		return "enable_monitor"
	case ActionDisableMonitor:
		return "disable_monitor"
	default:
		return "invalid"
	}
}

// Command is a message delivered to the service inbox.
type Command struct {
	Action      Action
	Format      Format
	Path        string
	HighQuality bool
	// MaxBytes caps the output file size. -1 disables the cap.
	MaxBytes int64
}

// StartCommand builds a start request.
func StartCommand(format Format, path string, highQuality bool, maxBytes int64) Command {
	return Command{
		Action:      ActionStart,
		Format:      format,
		Path:        path,
		HighQuality: highQuality,
		MaxBytes:    maxBytes,
	}
}

// StopCommand builds a stop request.
func StopCommand() Command {
	return Command{Action: ActionStop}
}

// Event is published to subscribers. It is either a StateBroadcast or an
// ErrorBroadcast.
type Event interface {
	isEvent()
}

// StateBroadcast reports whether a capture job is active.
type StateBroadcast struct {
	IsRecording bool `json:"is_recording"`
}

// ErrorBroadcast reports a capture failure.
type ErrorBroadcast struct {
	Code ErrorCode `json:"error_code"`
}

func (StateBroadcast) isEvent() {}
func (ErrorBroadcast) isEvent() {}

// Device is one capture resource bound to a single output file.
type Device interface {
	Prepare() error
	Start() error
	// Stop finalizes the output. It may fail if the device already broke.
	Stop() error
	Release()
	// MaxAmplitude returns the peak amplitude (0..32767) since the last call.
	MaxAmplitude() int
}

// DeviceConfig describes the output a Device must produce.
type DeviceConfig struct {
	Path     string
	Encoding Encoding
	// MaxBytes is the output size cap, or -1 for none.
	MaxBytes int64
}

// ResourceObserver receives asynchronous failures from a running Device.
type ResourceObserver interface {
	OnCaptureError(dev Device, err error)
}

// DeviceFactory builds an unprepared Device.
type DeviceFactory func(cfg DeviceConfig, obs ResourceObserver) Device

// Telephony reports call state.
type Telephony interface {
	InCall() bool
	// Watch calls onChange each time the call state changes until ctx is done.
	Watch(ctx context.Context, onChange func(idle bool)) error
}

// MemoryPressure signals low-memory conditions.
type MemoryPressure interface {
	Watch(ctx context.Context, onLow func()) error
}

// LockState reports whether the user session is locked.
type LockState interface {
	Locked() bool
}

// WakeLock keeps the machine from sleeping while held.
type WakeLock interface {
	Acquire() error
	Release() error
}

// Notifier shows user-facing recording indicators.
type Notifier interface {
	ShowRecording()
	ShowLowStorage(minutes int)
	ShowStopped(path string)
}

type nopTelephony struct{}

func (nopTelephony) InCall() bool { return false }
func (nopTelephony) Watch(ctx context.Context, _ func(bool)) error {
	<-ctx.Done()
	return nil
}

type nopMemory struct{}

func (nopMemory) Watch(ctx context.Context, _ func()) error {
	<-ctx.Done()
	return nil
}

type nopLock struct{}

func (nopLock) Locked() bool { return false }

type nopWakeLock struct{}

func (nopWakeLock) Acquire() error { return nil }
func (nopWakeLock) Release() error { return nil }

type nopNotifier struct{}

func (nopNotifier) ShowRecording()     {}
func (nopNotifier) ShowLowStorage(int) {}
func (nopNotifier) ShowStopped(string) {}
