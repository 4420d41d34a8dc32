package service

import (
	"log/slog"
	"sync"

	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/session"
)

// Notification types.
const (
	NotifyState       = "state"
	NotifyError       = "error"
	NotifyService     = "service"
	NotifyInterrupted = "interrupted"
)

// Notification is what UI observers receive. Session events use State or
// Error; raw capture broadcasts use Recording or Code.
type Notification struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Recording *bool  `json:"recording,omitempty"`
	Message   string `json:"message,omitempty"`
}

func sessionNotification(e session.Event) Notification {
	switch ev := e.(type) {
	case session.StateChanged:
		return Notification{Type: NotifyState, State: ev.State.String()}
	case session.ErrorOccurred:
		return Notification{Type: NotifyError, Code: int(ev.Code), Error: ev.Code.String(), Message: errorMessage(ev.Code)}
	}
	return Notification{Type: NotifyState}
}

func serviceNotification(e capture.Event) Notification {
	switch ev := e.(type) {
	case capture.StateBroadcast:
		recording := ev.IsRecording
		return Notification{Type: NotifyService, Recording: &recording}
	case capture.ErrorBroadcast:
		return Notification{Type: NotifyService, Code: int(ev.Code), Error: ev.Code.String()}
	}
	return Notification{Type: NotifyService}
}

type hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Notification)
}

func (h *hub) subscribe(fn func(Notification)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[uint64]func(Notification))
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *hub) publish(n Notification) {
	h.mu.RLock()
	subs := make([]func(Notification), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Notification subscriber panicked", "panic", r)
				}
			}()
			fn(n)
		}()
	}
}
