package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryPollInterval is how often available memory is sampled.
const MemoryPollInterval = 5 * time.Second

// MemoryMonitor signals when available memory falls below a threshold.
type MemoryMonitor struct {
	threshold uint64
	clock     clockwork.Clock
	available func() (uint64, error)
}

// NewMemoryMonitor creates a monitor firing below threshold bytes available.
func NewMemoryMonitor(threshold uint64, clock clockwork.Clock) *MemoryMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryMonitor{threshold: threshold, clock: clock, available: availableMemory}
}

func availableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Watch calls onLow once each time available memory drops below the
// threshold, until ctx is done.
func (m *MemoryMonitor) Watch(ctx context.Context, onLow func()) error {
	ticker := m.clock.NewTicker(MemoryPollInterval)
	defer ticker.Stop()

	low := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			avail, err := m.available()
			if err != nil {
				slog.Debug("Failed to read memory stats", "error", err)
				continue
			}
			if avail < m.threshold {
				if !low {
					slog.Warn("Available memory low", "available", avail, "threshold", m.threshold)
					onLow()
				}
				low = true
			} else {
				low = false
			}
		}
	}
}
