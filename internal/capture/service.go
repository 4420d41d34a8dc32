package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"

	"github.com/audiolibrelab/soundrecorder/internal/capacity"
	"github.com/audiolibrelab/soundrecorder/internal/metrics"
)

const (
	// MonitorInterval is the delay between remaining-time checks.
	MonitorInterval = 500 * time.Millisecond

	// LowStorageSeconds is the remaining time below which a warning is shown.
	LowStorageSeconds = 1800
)

// ErrServiceClosed is returned by Submit after Close.
var ErrServiceClosed = errors.New("capture service closed")

// StopReason records why a job ended.
type StopReason string

const (
	StopCommanded   StopReason = "command"
	StopTelephony   StopReason = "telephony"
	StopLowMemory   StopReason = "low_memory"
	StopDeviceError StopReason = "device_error"
	StopCapacity    StopReason = "capacity"
	StopShutdown    StopReason = "shutdown"
)

// Options wires the service to its collaborators. Only Estimator and Devices
// are required; missing platform integrations are replaced by no-ops.
type Options struct {
	Estimator *capacity.Estimator
	Devices   DeviceFactory
	Telephony Telephony
	Memory    MemoryPressure
	Lock      LockState
	WakeLock  WakeLock
	Notifier  Notifier
	Clock     clockwork.Clock
}

type job struct {
	path        string
	format      Format
	highQuality bool
	maxBytes    int64
	startTime   time.Time
	device      Device
}

type request struct {
	cmd     Command
	tick    uint64
	barrier chan struct{}
}

// Service owns the single capture job. Commands are processed one at a time
// by a background loop that runs while there is work or an active job and is
// started again by the next Submit. Interruptions (telephony, low memory,
// device errors) act on the job directly.
type Service struct {
	estimator *capacity.Estimator
	devices   DeviceFactory
	telephony Telephony
	memory    MemoryPressure
	lock      LockState
	wakeLock  WakeLock
	notifier  Notifier
	clock     clockwork.Clock
	events    Broadcaster

	qmu     sync.Mutex
	queue   []request
	running bool
	closed  bool
	wake    chan struct{}
	loops   sync.WaitGroup

	mu           sync.Mutex
	job          *job
	monitor      bool
	monitorGen   uint64
	monitorTimer clockwork.Timer

	// outbox holds events in the order their state changes were made. One
	// goroutine at a time delivers them, never while s.mu is held.
	outMu    sync.Mutex
	outDone  *sync.Cond
	outbox   []Event
	draining bool
}

// New creates an idle service.
func New(opts Options) *Service {
	s := &Service{
		estimator: opts.Estimator,
		devices:   opts.Devices,
		telephony: opts.Telephony,
		memory:    opts.Memory,
		lock:      opts.Lock,
		wakeLock:  opts.WakeLock,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
		wake:      make(chan struct{}, 1),
	}
	s.outDone = sync.NewCond(&s.outMu)
	if s.telephony == nil {
		s.telephony = nopTelephony{}
	}
	if s.memory == nil {
		s.memory = nopMemory{}
	}
	if s.lock == nil {
		s.lock = nopLock{}
	}
	if s.wakeLock == nil {
		s.wakeLock = nopWakeLock{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// Subscribe registers a broadcast handler. Handlers may call back into the
// service; events raised from a handler are delivered after it returns.
func (s *Service) Subscribe(handler Handler) uint64 {
	return s.events.Subscribe(handler)
}

// Unsubscribe removes a broadcast handler.
func (s *Service) Unsubscribe(id uint64) bool {
	return s.events.Unsubscribe(id)
}

// Submit enqueues a command. Commands are processed in submission order.
func (s *Service) Submit(cmd Command) error {
	if cmd.Action < ActionStart || cmd.Action > ActionDisableMonitor {
		return fmt.Errorf("invalid capture action %d", cmd.Action)
	}
	return s.enqueue(request{cmd: cmd})
}

// Sync blocks until every command submitted before it has been processed. It
// must not be called from a broadcast handler.
func (s *Service) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.enqueue(request{barrier: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the command loop is currently alive.
func (s *Service) Running() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.running
}

// IsActive reports whether a capture job exists.
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// ActivePath returns the output path of the active job.
func (s *Service) ActivePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return ""
	}
	return s.job.path
}

// ActiveStartTime returns when the active job started recording.
func (s *Service) ActiveStartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return time.Time{}
	}
	return s.job.startTime
}

// CurrentAmplitude returns the device peak amplitude, or zero when idle.
func (s *Service) CurrentAmplitude() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return 0
	}
	return s.job.device.MaxAmplitude()
}

// MonitorEnabled reports whether the remaining-time loop is switched on.
func (s *Service) MonitorEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// Run watches the interruption sources until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		if err := s.telephony.Watch(ctx, s.OnCallStateChanged); err != nil {
			return fmt.Errorf("telephony watch: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		if err := s.memory.Watch(ctx, s.OnLowMemory); err != nil {
			return fmt.Errorf("memory watch: %w", err)
		}
		return nil
	})
	return p.Wait()
}

// OnCallStateChanged stops capture whenever the phone leaves the idle state.
func (s *Service) OnCallStateChanged(idle bool) {
	if idle {
		return
	}
	s.interrupt(StopTelephony)
}

// OnLowMemory stops capture.
func (s *Service) OnLowMemory() {
	s.interrupt(StopLowMemory)
}

// OnCaptureError implements ResourceObserver. Errors from devices other than
// the active one are ignored.
func (s *Service) OnCaptureError(dev Device, err error) {
	s.mu.Lock()
	if s.job == nil || s.job.device != dev {
		s.mu.Unlock()
		slog.Debug("Ignoring error from inactive capture device", "error", err)
		return
	}
	slog.Error("Capture device failed", "path", s.job.path, "error", err)
	events := []Event{s.errorEvent(InternalError)}
	events = append(events, s.stopLocked(StopDeviceError)...)
	s.unlockAndPublish(events)
}

// Close stops any active job and waits for the command loop to exit.
func (s *Service) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return nil
	}
	s.closed = true
	for _, r := range s.queue {
		if r.barrier != nil {
			close(r.barrier)
		}
	}
	s.queue = nil
	s.qmu.Unlock()

	s.mu.Lock()
	events, err := s.stopJobLocked(StopShutdown)
	s.unlockAndPublish(events)

	s.signal()
	s.loops.Wait()
	if err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

func (s *Service) enqueue(r request) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	s.queue = append(s.queue, r)
	if !s.running {
		s.running = true
		s.loops.Add(1)
		go s.loop()
		slog.Debug("Capture loop started")
	}
	s.signal()
	return nil
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop drains the queue. It stays alive while a job is active so queued
// monitor ticks are served, and exits once the queue is empty and no job
// remains.
func (s *Service) loop() {
	defer s.loops.Done()
	for {
		r, ok := s.next()
		if !ok {
			slog.Debug("Capture loop exited")
			return
		}
		s.handle(r)
	}
}

func (s *Service) next() (request, bool) {
	s.qmu.Lock()
	for len(s.queue) == 0 {
		if s.closed || !s.IsActive() {
			s.running = false
			s.qmu.Unlock()
			return request{}, false
		}
		s.qmu.Unlock()
		<-s.wake
		s.qmu.Lock()
	}
	r := s.queue[0]
	s.queue[0] = request{}
	s.queue = s.queue[1:]
	s.qmu.Unlock()
	return r, true
}

func (s *Service) handle(r request) {
	switch {
	case r.barrier != nil:
		s.waitDelivered()
		close(r.barrier)
	case r.tick != 0:
		s.updateRemainingTime(r.tick)
	default:
		slog.Debug("Processing capture command", "action", r.cmd.Action)
		switch r.cmd.Action {
		case ActionStart:
			s.startCapture(r.cmd)
		case ActionStop:
			s.mu.Lock()
			s.unlockAndPublish(s.stopLocked(StopCommanded))
		case ActionEnableMonitor:
			s.enableMonitor()
		case ActionDisableMonitor:
			s.disableMonitor()
		}
	}
}

func (s *Service) startCapture(cmd Command) {
	s.mu.Lock()
	if s.job != nil {
		s.mu.Unlock()
		slog.Debug("Capture already active, ignoring start", "path", cmd.Path)
		return
	}

	enc := EncodingFor(cmd.Format, cmd.HighQuality)
	s.estimator.Reset()
	if cmd.MaxBytes != -1 {
		s.estimator.SetFileSizeLimit(cmd.Path, cmd.MaxBytes)
	}
	s.estimator.SetBitRate(enc.BitRate)

	dev := s.devices(DeviceConfig{Path: cmd.Path, Encoding: enc, MaxBytes: cmd.MaxBytes}, s)

	if err := dev.Prepare(); err != nil {
		slog.Error("Failed to prepare capture device", "path", cmd.Path, "error", err)
		dev.Release()
		s.unlockAndPublish([]Event{s.errorEvent(InternalError)})
		return
	}

	if err := dev.Start(); err != nil {
		code := InternalError
		if s.telephony.InCall() {
			code = InCallRecordError
		}
		slog.Error("Failed to start capture device", "path", cmd.Path, "code", code, "error", err)
		dev.Release()
		s.unlockAndPublish([]Event{s.errorEvent(code)})
		return
	}

	s.job = &job{
		path:        cmd.Path,
		format:      enc.Format,
		highQuality: cmd.HighQuality,
		maxBytes:    cmd.MaxBytes,
		startTime:   s.clock.Now(),
		device:      dev,
	}
	if err := s.wakeLock.Acquire(); err != nil {
		slog.Warn("Failed to acquire wake lock", "error", err)
	}
	s.setMonitorLocked(false)
	s.notifier.ShowRecording()

	metrics.CaptureJobsStarted.Inc()
	metrics.CaptureActive.Set(1)
	slog.Info("Capture started", "path", cmd.Path, "format", enc.Format, "codec", enc.Codec, "sample_rate", enc.SampleRate)

	s.unlockAndPublish([]Event{StateBroadcast{IsRecording: true}})
}

func (s *Service) interrupt(reason StopReason) {
	s.mu.Lock()
	if s.job == nil {
		s.mu.Unlock()
		return
	}
	slog.Info("Capture interrupted", "reason", reason)
	s.unlockAndPublish(s.stopLocked(reason))
}

// stopLocked ends the active job. It is a no-op without one. The caller holds
// s.mu and publishes the returned events.
func (s *Service) stopLocked(reason StopReason) []Event {
	events, err := s.stopJobLocked(reason)
	if err != nil {
		slog.Debug("Capture device stop failed", "reason", reason, "error", err)
	}
	return events
}

// stopJobLocked is stopLocked that also returns the tolerated device stop error.
func (s *Service) stopJobLocked(reason StopReason) ([]Event, error) {
	defer s.signal()

	if s.job == nil {
		return nil, nil
	}
	j := s.job
	s.setMonitorLocked(false)

	stopErr := j.device.Stop()
	j.device.Release()
	s.job = nil

	if err := s.wakeLock.Release(); err != nil {
		slog.Warn("Failed to release wake lock", "error", err)
	}
	s.notifier.ShowStopped(j.path)

	metrics.CaptureStops.WithLabelValues(string(reason)).Inc()
	metrics.CaptureActive.Set(0)
	metrics.RemainingSeconds.Set(0)
	slog.Info("Capture stopped", "path", j.path, "reason", reason, "duration", s.clock.Since(j.startTime).Round(time.Second))

	return []Event{StateBroadcast{IsRecording: false}}, stopErr
}

func (s *Service) enableMonitor() {
	s.mu.Lock()
	if s.job == nil || s.monitor {
		s.mu.Unlock()
		return
	}
	s.setMonitorLocked(true)
	gen := s.monitorGen
	s.mu.Unlock()

	s.updateRemainingTime(gen)
}

func (s *Service) disableMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setMonitorLocked(false)
	if s.job != nil {
		s.notifier.ShowRecording()
	}
}

// setMonitorLocked switches the monitor and invalidates any pending tick.
func (s *Service) setMonitorLocked(on bool) {
	s.monitor = on
	s.monitorGen++
	if s.monitorTimer != nil {
		s.monitorTimer.Stop()
		s.monitorTimer = nil
	}
}

// updateRemainingTime runs one remaining-time check and re-arms itself while
// the job and the monitor are still live.
func (s *Service) updateRemainingTime(gen uint64) {
	s.mu.Lock()
	if s.job == nil || !s.monitor || gen != s.monitorGen {
		s.mu.Unlock()
		return
	}

	remaining, err := s.estimator.Remaining()
	switch {
	case err != nil:
		slog.Warn("Failed to estimate remaining time", "error", err)
	case remaining <= 0:
		slog.Info("Recording capacity exhausted", "constraint", s.estimator.BoundingConstraint())
		s.unlockAndPublish(s.stopLocked(StopCapacity))
		return
	default:
		metrics.RemainingSeconds.Set(float64(remaining))
		if remaining <= LowStorageSeconds && s.estimator.BoundingConstraint() != capacity.FileSizeLimit && !s.lock.Locked() {
			s.notifier.ShowLowStorage(int(math.Ceil(float64(remaining) / 60.0)))
		}
	}

	s.monitorTimer = s.clock.AfterFunc(MonitorInterval, func() {
		if err := s.enqueue(request{tick: gen}); err != nil {
			slog.Debug("Dropping remaining-time tick", "error", err)
		}
	})
	s.mu.Unlock()
}

func (s *Service) errorEvent(code ErrorCode) Event {
	metrics.CaptureErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
	return ErrorBroadcast{Code: code}
}

// unlockAndPublish queues events behind those of earlier state changes,
// releases s.mu and delivers the queue.
func (s *Service) unlockAndPublish(events []Event) {
	s.outMu.Lock()
	s.outbox = append(s.outbox, events...)
	s.outMu.Unlock()
	s.mu.Unlock()

	s.deliver()
}

// deliver publishes queued events until the outbox is empty. If another
// goroutine is already delivering, the events are left to it.
func (s *Service) deliver() {
	s.outMu.Lock()
	if s.draining {
		s.outMu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		e := s.outbox[0]
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		s.outMu.Unlock()
		s.events.Publish(e)
		s.outMu.Lock()
	}
	s.draining = false
	s.outDone.Broadcast()
	s.outMu.Unlock()
}

// waitDelivered blocks until every queued event has reached the subscribers.
func (s *Service) waitDelivered() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for s.draining || len(s.outbox) > 0 {
		s.outDone.Wait()
	}
}
