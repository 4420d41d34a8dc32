package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/soundrecorder/internal/capacity"
	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/catalog"
	"github.com/audiolibrelab/soundrecorder/internal/config"
	"github.com/audiolibrelab/soundrecorder/internal/naming"
	"github.com/audiolibrelab/soundrecorder/internal/session"
)

// UpdateInterval is the period of the remaining-time check while a UI surface
// is attached and recording.
const UpdateInterval = 500 * time.Millisecond

// Interruption messages kept for status.
const (
	MsgStorageFull        = "storage is full"
	MsgStorageUnavailable = "recording directory is unavailable"
	MsgMaxLengthReached   = "max length reached"
)

var (
	ErrStorageFull        = errors.New(MsgStorageFull)
	ErrStorageUnavailable = errors.New(MsgStorageUnavailable)
)

// Service represents the core SoundRecorder service interface
type Service interface {
	// Recording operations
	StartRecording(name string, opts RecordOptions) error
	StopRecording()
	Finish()
	RecordExists(name, format string) bool

	// Playback operations
	StartPlayback(percentage *float64)
	PausePlayback()

	// Sample operations
	Delete()
	Clear()
	Reset()
	Rename(name string)
	SaveSample()

	// UI surface lifecycle
	Pause()
	Resume()

	// Information operations
	Status() Status
	Recordings() ([]catalog.Entry, error)
	GetLastError() string
	Subscribe(fn func(Notification)) (unsubscribe func())

	// Configuration operations
	GetConfig() *config.Config
	UpdateConfig(cfg *config.Config)

	Close() error
}

// RecordOptions overrides the configured recording preferences for one
// recording. Nil fields use the configuration.
type RecordOptions struct {
	Format      string
	HighQuality *bool
	MaxBytes    *int64
	// Overwrite removes an existing recording with the same name first;
	// otherwise a free name is picked.
	Overwrite bool
}

// Status is a point-in-time view for UI surfaces.
type Status struct {
	State            string  `json:"state"`
	SampleFile       string  `json:"sample_file"`
	SampleLength     int     `json:"sample_length"`
	Progress         int     `json:"progress"`
	PlayProgress     float64 `json:"play_progress"`
	RemainingSeconds int64   `json:"remaining_seconds"`
	Constraint       string  `json:"constraint"`
	Amplitude        int     `json:"amplitude"`
	Capturing        bool    `json:"capturing"`
	MonitorEnabled   bool    `json:"monitor_enabled"`
	Format           string  `json:"format"`
	Interrupted      bool    `json:"interrupted"`
	LastError        string  `json:"last_error,omitempty"`
}

// Options wires a RecorderService.
type Options struct {
	Config  *config.Config
	Fs      afero.Fs
	Clock   clockwork.Clock
	Capture *capture.Service
	// Estimator drives the UI remaining-time check. It must not be the
	// capture service's own estimator.
	Estimator *capacity.Estimator
	Players   session.PlayerFactory
	Catalog   *catalog.Catalog
	Snapshots *SnapshotStore
}

// RecorderService is the main service implementation. It plays the part of
// the UI controller: it owns the session, bridges capture broadcasts into it
// and applies the UI-side policies around it.
type RecorderService struct {
	fs        afero.Fs
	clock     clockwork.Clock
	capture   *capture.Service
	estimator *capacity.Estimator
	session   *session.Session
	catalog   *catalog.Catalog
	snapshots *SnapshotStore
	hub       hub
	subID     uint64

	cfgMutex sync.RWMutex
	cfg      *config.Config

	mutex            sync.Mutex
	requestedFormat  capture.Format
	canRequestChange bool
	resumed          bool
	maxBytes         int64
	saved            map[string]bool
	timer            clockwork.Timer
	timerGen         uint64

	// Error tracking
	lastErrorMutex sync.RWMutex
	lastError      string
	interrupted    bool
}

// New creates a service, restores the persisted session and attaches to the
// capture service.
func New(opts Options) (*RecorderService, error) {
	if opts.Config == nil || opts.Capture == nil || opts.Estimator == nil {
		return nil, fmt.Errorf("service requires config, capture service and estimator")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	format, err := capture.ParseFormat(opts.Config.Recording.Format)
	if err != nil {
		return nil, err
	}

	s := &RecorderService{
		fs:              opts.Fs,
		clock:           opts.Clock,
		capture:         opts.Capture,
		estimator:       opts.Estimator,
		catalog:         opts.Catalog,
		snapshots:       opts.Snapshots,
		cfg:             opts.Config,
		requestedFormat: format,
		maxBytes:        opts.Config.Recording.MaxBytes,
		saved:           make(map[string]bool),
	}

	sess, err := session.New(session.Options{
		Fs:         opts.Fs,
		Clock:      opts.Clock,
		Controller: opts.Capture,
		Players:    opts.Players,
		Namer:      naming.New(opts.Fs, opts.Clock),
		RecordDir:  opts.Config.Recording.Directory,
		Handler:    s.onSessionEvent,
	})
	if err != nil {
		return nil, err
	}
	s.session = sess

	if s.snapshots != nil {
		snap, ok, err := s.snapshots.Load()
		if err != nil {
			slog.Warn("Failed to load session snapshot", "error", err)
		} else if ok {
			s.session.Restore(snap)
		}
	}

	s.subID = s.capture.Subscribe(s.onCaptureEvent)
	return s, nil
}

// Session exposes the underlying state machine.
func (s *RecorderService) Session() *session.Session {
	return s.session
}

// StartRecording checks storage, then starts a recording in the requested or
// configured format.
func (s *RecorderService) StartRecording(name string, opts RecordOptions) error {
	slog.Debug("Service.StartRecording called", "name", name)

	s.estimator.Reset()
	if err := s.fs.MkdirAll(s.session.RecordDir(), 0755); err != nil {
		slog.Error("Recording directory unavailable", "dir", s.session.RecordDir(), "error", err)
		s.interrupt(MsgStorageUnavailable)
		return ErrStorageUnavailable
	}
	if !s.estimator.DiskSpaceAvailable() {
		s.interrupt(MsgStorageFull)
		return ErrStorageFull
	}

	cfg := s.GetConfig()
	format := s.currentFormat()
	if opts.Format != "" {
		f, err := capture.ParseFormat(opts.Format)
		if err != nil {
			return err
		}
		format = f
	}
	highQuality := cfg.HighQualityEnabled()
	if opts.HighQuality != nil {
		highQuality = *opts.HighQuality
	}
	maxBytes := cfg.Recording.MaxBytes
	if opts.MaxBytes != nil {
		maxBytes = *opts.MaxBytes
	}
	if maxBytes == 0 {
		maxBytes = -1
	}

	s.session.Stop()
	s.releaseSample(name, format)
	if opts.Overwrite {
		s.removeExisting(name, format)
	}

	s.mutex.Lock()
	s.requestedFormat = format
	s.maxBytes = maxBytes
	s.mutex.Unlock()

	s.estimator.SetBitRate(capture.EncodingFor(format, highQuality).BitRate)
	s.session.StartRecording(format, name, format.Extension(), highQuality, maxBytes)

	if maxBytes != -1 {
		if path := s.session.SampleFile(); path != "" {
			s.estimator.SetFileSizeLimit(path, maxBytes)
		}
	}
	return nil
}

// releaseSample unbinds a sample the next recording must not write into. A
// committed sample is saved to the catalog first; an uncommitted one is
// discarded when it has the wrong container or was created for another name.
func (s *RecorderService) releaseSample(name string, format capture.Format) {
	path := s.session.SampleFile()
	if path == "" {
		return
	}
	if s.session.SampleLength() > 0 {
		s.SaveSample()
		s.session.Reset()
		return
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	clean := naming.CleanFileName(name)
	if ext != format.Extension() || (clean != "" && base != clean) {
		slog.Debug("Discarding unused sample", "path", path)
		s.session.Delete()
	}
}

// removeExisting deletes the file a named recording would collide with,
// unless it is the bound sample that is about to be recorded into again.
func (s *RecorderService) removeExisting(name string, format capture.Format) {
	clean := naming.CleanFileName(name)
	if clean == "" {
		return
	}
	path := filepath.Join(s.session.RecordDir(), clean+format.Extension())
	if path == s.session.SampleFile() {
		return
	}
	if err := s.fs.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to remove recording for overwrite", "path", path, "error", err)
		}
		return
	}
	slog.Info("Overwriting recording", "path", path)
	if s.catalog != nil {
		if err := s.catalog.Remove(path); err != nil {
			slog.Warn("Failed to remove overwritten recording from catalog", "path", path, "error", err)
		}
	}
	s.mutex.Lock()
	delete(s.saved, path)
	s.mutex.Unlock()
}

// StopRecording stops recording or playback.
func (s *RecorderService) StopRecording() {
	s.session.Stop()
}

// Finish stops any activity and saves the sample to the catalog.
func (s *RecorderService) Finish() {
	s.session.Stop()
	s.SaveSample()
}

// RecordExists reports whether name would overwrite an existing sample.
func (s *RecorderService) RecordExists(name, format string) bool {
	f := s.currentFormat()
	if format != "" {
		parsed, err := capture.ParseFormat(format)
		if err != nil {
			return false
		}
		f = parsed
	}
	clean := naming.CleanFileName(name)
	if clean == "" {
		return false
	}
	return s.session.RecordExists(clean + f.Extension())
}

// StartPlayback plays the sample from percentage, or from the current
// position when percentage is nil.
func (s *RecorderService) StartPlayback(percentage *float64) {
	p := s.session.PlayProgress()
	if percentage != nil {
		p = *percentage
	}
	s.session.StartPlayback(p)
}

// PausePlayback pauses playback.
func (s *RecorderService) PausePlayback() {
	s.session.PausePlayback()
}

// Delete removes the sample.
func (s *RecorderService) Delete() {
	path := s.session.SampleFile()
	s.session.Delete()
	if path != "" && s.catalog != nil {
		if err := s.catalog.Remove(path); err != nil {
			slog.Warn("Failed to remove sample from catalog", "path", path, "error", err)
		}
	}
}

// Clear forgets the sample length but keeps the file.
func (s *RecorderService) Clear() {
	s.session.Clear()
}

// Reset saves the current sample and starts over with a new one.
func (s *RecorderService) Reset() {
	s.SaveSample()
	s.session.Reset()
}

// Rename renames the sample file. Failures are silent.
func (s *RecorderService) Rename(name string) {
	s.session.RenameSampleFile(naming.CleanFileName(name))
}

// SaveSample adds a finished sample to the catalog once per path. Catalog
// failures are logged and otherwise ignored.
func (s *RecorderService) SaveSample() {
	if s.catalog == nil || s.session.SampleLength() == 0 {
		return
	}
	path := s.session.SampleFile()
	if path == "" {
		return
	}

	s.mutex.Lock()
	done := s.saved[path]
	s.mutex.Unlock()
	if done {
		return
	}

	if _, err := s.catalog.Add(path); err != nil {
		slog.Warn("Failed to save sample to catalog", "path", path, "error", err)
		return
	}

	s.mutex.Lock()
	s.saved[path] = true
	s.mutex.Unlock()
}

// Pause is called when the UI surface goes to the background. Anything other
// than an uncapped recording is stopped; a recording that keeps going is
// handed to the capture service's own remaining-time monitor.
func (s *RecorderService) Pause() {
	s.mutex.Lock()
	maxBytes := s.maxBytes
	s.mutex.Unlock()

	if s.session.State() != session.Recording || maxBytes != -1 {
		s.session.Stop()
		s.SaveSample()
	}

	s.mutex.Lock()
	s.resumed = false
	s.canRequestChange = true
	s.stopTimerLocked()
	s.mutex.Unlock()

	s.saveSnapshot()

	if s.capture.IsActive() {
		if err := s.capture.Submit(capture.Command{Action: capture.ActionEnableMonitor}); err != nil {
			slog.Warn("Failed to enable remaining-time monitor", "error", err)
		}
	}
}

// Resume is called when a UI surface comes (back) to the foreground. It
// reconciles the session with the capture service and takes the
// remaining-time check back from it.
func (s *RecorderService) Resume() {
	configured := s.configuredFormat()

	s.mutex.Lock()
	formatChanged := s.canRequestChange && configured != s.requestedFormat
	if formatChanged {
		s.requestedFormat = configured
	}
	s.canRequestChange = false
	requested := s.requestedFormat
	s.mutex.Unlock()

	if formatChanged {
		slog.Info("Recording format changed, starting a new sample", "format", requested)
		s.SaveSample()
		s.session.Reset()
	}

	if !s.session.SyncStateWithService() {
		s.session.Reset()
	}

	if s.session.State() == session.Recording {
		if !strings.HasSuffix(s.session.SampleFile(), requested.Extension()) {
			s.session.Reset()
		} else {
			s.estimator.SetBitRate(capture.EncodingFor(requested, s.GetConfig().HighQualityEnabled()).BitRate)
		}
	} else if path := s.session.SampleFile(); path != "" {
		if _, err := s.fs.Stat(path); err != nil {
			s.session.Reset()
		}
	}

	recording := s.session.State() == session.Recording
	s.mutex.Lock()
	s.resumed = true
	if recording {
		s.startTimerLocked()
	}
	s.mutex.Unlock()

	if s.capture.IsActive() {
		if err := s.capture.Submit(capture.Command{Action: capture.ActionDisableMonitor}); err != nil {
			slog.Warn("Failed to disable remaining-time monitor", "error", err)
		}
	}
}

// Status returns the current state for display.
func (s *RecorderService) Status() Status {
	st := Status{
		State:          s.session.State().String(),
		SampleFile:     s.session.SampleFile(),
		SampleLength:   s.session.SampleLength(),
		Progress:       s.session.Progress(),
		PlayProgress:   s.session.PlayProgress(),
		Amplitude:      s.session.MaxAmplitude(),
		Capturing:      s.capture.IsActive(),
		MonitorEnabled: s.capture.MonitorEnabled(),
		Format:         string(s.currentFormat()),
	}
	if st.State == session.Recording.String() {
		if t, err := s.estimator.Remaining(); err == nil {
			st.RemainingSeconds = t
		}
	}
	st.Constraint = s.estimator.BoundingConstraint().String()

	s.lastErrorMutex.RLock()
	st.Interrupted = s.interrupted
	st.LastError = s.lastError
	s.lastErrorMutex.RUnlock()
	return st
}

// Recordings lists the catalog.
func (s *RecorderService) Recordings() ([]catalog.Entry, error) {
	if s.catalog == nil {
		return nil, nil
	}
	return s.catalog.List()
}

// GetLastError returns the last error message
func (s *RecorderService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// Subscribe registers fn for notifications and returns its removal func.
func (s *RecorderService) Subscribe(fn func(Notification)) func() {
	return s.hub.subscribe(fn)
}

// GetConfig returns the current configuration
func (s *RecorderService) GetConfig() *config.Config {
	s.cfgMutex.RLock()
	defer s.cfgMutex.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the recording preferences. The recording directory
// is fixed for the service's lifetime; format changes apply on next Resume.
func (s *RecorderService) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if _, err := capture.ParseFormat(cfg.Recording.Format); err != nil {
		slog.Warn("Ignoring config update", "error", err)
		return
	}
	s.cfgMutex.Lock()
	s.cfg = cfg
	s.cfgMutex.Unlock()
	slog.Info("Configuration updated", "format", cfg.Recording.Format, "high_quality", cfg.HighQualityEnabled())
}

// Close detaches from the capture service, persists the session and closes
// the capture service.
func (s *RecorderService) Close() error {
	s.mutex.Lock()
	s.resumed = false
	s.stopTimerLocked()
	s.mutex.Unlock()

	s.capture.Unsubscribe(s.subID)
	s.session.StopPlayback()

	var err error
	if s.snapshots != nil {
		snap, ok := s.session.Snapshot()
		err = multierr.Append(err, s.snapshots.Save(snap, ok))
	}
	err = multierr.Append(err, s.capture.Close())
	return err
}

func (s *RecorderService) saveSnapshot() {
	if s.snapshots == nil {
		return
	}
	snap, ok := s.session.Snapshot()
	if err := s.snapshots.Save(snap, ok); err != nil {
		slog.Warn("Failed to save session snapshot", "error", err)
	}
}

func (s *RecorderService) currentFormat() capture.Format {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.requestedFormat
}

func (s *RecorderService) configuredFormat() capture.Format {
	f, err := capture.ParseFormat(s.GetConfig().Recording.Format)
	if err != nil {
		return s.currentFormat()
	}
	return f
}

// onCaptureEvent runs on the capture service's publishing path.
func (s *RecorderService) onCaptureEvent(e capture.Event) {
	s.session.HandleServiceEvent(e)
	s.hub.publish(serviceNotification(e))
}

// onSessionEvent runs with session delivery serialized; it must not call back
// into mutating session operations.
func (s *RecorderService) onSessionEvent(e session.Event) {
	switch ev := e.(type) {
	case session.StateChanged:
		if ev.State == session.Playing || ev.State == session.Recording {
			s.clearLastError()
		}
		s.mutex.Lock()
		if ev.State == session.Recording && s.resumed {
			s.startTimerLocked()
		} else if ev.State != session.Recording {
			s.stopTimerLocked()
		}
		s.mutex.Unlock()
	case session.ErrorOccurred:
		s.setLastError(errorMessage(ev.Code))
	}
	s.hub.publish(sessionNotification(e))
}

func (s *RecorderService) startTimerLocked() {
	if s.timer != nil {
		return
	}
	s.armTimerLocked()
}

func (s *RecorderService) armTimerLocked() {
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(UpdateInterval, func() { s.updateTimeRemaining(gen) })
}

func (s *RecorderService) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// updateTimeRemaining stops the recording once the estimator runs out and
// keeps the reason for status.
func (s *RecorderService) updateTimeRemaining(gen uint64) {
	s.mutex.Lock()
	if gen != s.timerGen || !s.resumed {
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	t, err := s.estimator.Remaining()
	if err != nil {
		slog.Debug("Remaining time unavailable", "error", err)
	}

	if err == nil && t <= 0 {
		var msg string
		switch s.estimator.BoundingConstraint() {
		case capacity.DiskSpaceLimit:
			msg = MsgStorageFull
		case capacity.FileSizeLimit:
			msg = MsgMaxLengthReached
		}
		slog.Info("Recording limit reached", "reason", msg)

		s.mutex.Lock()
		if gen == s.timerGen {
			s.timer = nil
		}
		s.mutex.Unlock()

		s.session.StopRecording()
		s.interrupt(msg)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if gen == s.timerGen && s.resumed {
		s.armTimerLocked()
	}
}

func (s *RecorderService) interrupt(msg string) {
	s.lastErrorMutex.Lock()
	s.interrupted = true
	s.lastError = msg
	s.lastErrorMutex.Unlock()
	s.hub.publish(Notification{Type: NotifyInterrupted, Message: msg})
}

// setLastError sets the last error message (thread-safe)
func (s *RecorderService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = msg
}

// clearLastError clears the interruption flag and last error message
func (s *RecorderService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
	s.interrupted = false
}

func errorMessage(code session.ErrorCode) string {
	switch code {
	case session.StorageAccessError:
		return "cannot access the recording storage"
	case session.InCallRecordError:
		return "recording is not possible during a call"
	case session.InternalError:
		return "internal application error"
	default:
		return ""
	}
}
