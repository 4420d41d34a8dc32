package platform

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyService = "org.freedesktop.Notifications"
	notifyPath    = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod  = "org.freedesktop.Notifications.Notify"
	appName       = "Sound Recorder"
	appIcon       = "audio-input-microphone"
)

// DesktopNotifier shows recording status through the desktop notification
// daemon, replacing its previous bubble each time.
type DesktopNotifier struct {
	conn *dbus.Conn

	mu sync.Mutex
	id uint32
}

// NewDesktopNotifier creates a notifier on the session bus.
func NewDesktopNotifier(conn *dbus.Conn) *DesktopNotifier {
	return &DesktopNotifier{conn: conn}
}

// ShowRecording shows the ongoing recording indicator.
func (n *DesktopNotifier) ShowRecording() {
	n.notify("Recording", "Sound Recorder is recording", 0)
}

// ShowLowStorage warns that storage runs out in the given minutes.
func (n *DesktopNotifier) ShowLowStorage(minutes int) {
	n.notify("Recording", lowStorageText(minutes), 0)
}

// ShowStopped reports the saved file.
func (n *DesktopNotifier) ShowStopped(path string) {
	n.notify("Recording saved", filepath.Base(path), 5000)
}

func lowStorageText(minutes int) string {
	if minutes == 1 {
		return "1 minute of recording time left"
	}
	return fmt.Sprintf("%d minutes of recording time left", minutes)
}

func (n *DesktopNotifier) notify(summary, body string, timeout int32) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(1))}
	obj := n.conn.Object(notifyService, notifyPath)
	call := obj.Call(notifyMethod, 0, appName, n.id, appIcon, summary, body, []string{}, hints, timeout)

	var id uint32
	if err := call.Store(&id); err != nil {
		slog.Debug("Desktop notification failed", "error", err)
		return
	}
	n.id = id
}
