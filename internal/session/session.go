package session

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

	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/metrics"
)

// Options configures a Session.
type Options struct {
	Fs         afero.Fs
	Clock      clockwork.Clock
	Controller Controller
	Players    PlayerFactory
	Namer      Namer
	RecordDir  string
	Handler    Handler
}

// Session is the recording and playback state machine for one UI surface.
// Capture itself is delegated to a Controller; the session mirrors its
// authoritative state through broadcasts and SyncStateWithService.
type Session struct {
	fs        afero.Fs
	clock     clockwork.Clock
	ctrl      Controller
	players   PlayerFactory
	namer     Namer
	recordDir string

	mu           sync.Mutex
	state        State
	sampleFile   string
	sampleLength int
	sampleStart  time.Time
	player       Player
	handler      Handler
	pending      []Event

	emitMu sync.Mutex
}

// New creates an idle session and makes sure the recording directory exists.
func New(opts Options) (*Session, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("session requires a capture controller")
	}
	if opts.RecordDir == "" {
		return nil, fmt.Errorf("session requires a recording directory")
	}
	s := &Session{
		fs:        opts.Fs,
		clock:     opts.Clock,
		ctrl:      opts.Controller,
		players:   opts.Players,
		namer:     opts.Namer,
		recordDir: opts.RecordDir,
		handler:   opts.Handler,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if err := s.fs.MkdirAll(s.recordDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return s, nil
}

// SetHandler replaces the event handler.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SampleFile returns the bound sample path, or "" if none.
func (s *Session) SampleFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleFile
}

// SampleLength returns the committed sample length in seconds.
func (s *Session) SampleLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleLength
}

// RecordDir returns the directory new samples are created in.
func (s *Session) RecordDir() string {
	return s.recordDir
}

// Progress returns elapsed recording seconds or the playback position in seconds.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Recording:
		return int(s.clock.Since(s.sampleStart) / time.Second)
	case Playing, PlayingPaused:
		if s.player != nil {
			return int(s.player.Position() / time.Second)
		}
	}
	return 0
}

// PlayProgress returns the playback position as a fraction of the duration.
func (s *Session) PlayProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player == nil {
		return 0
	}
	d := s.player.Duration()
	if d <= 0 {
		return 0
	}
	return float64(s.player.Position()) / float64(d)
}

// MaxAmplitude returns the capture peak amplitude while recording, else 0.
func (s *Session) MaxAmplitude() int {
	s.mu.Lock()
	recording := s.state == Recording
	s.mu.Unlock()

	if !recording {
		return 0
	}
	return s.ctrl.CurrentAmplitude()
}

// RecordExists reports whether fileName exists in the recording directory.
func (s *Session) RecordExists(fileName string) bool {
	if fileName == "" {
		return false
	}
	_, err := s.fs.Stat(filepath.Join(s.recordDir, fileName))
	return err == nil
}

// StartRecording stops any activity, creates a sample file if none is bound
// and asks the capture service to record into it. The Recording state is
// entered when the service broadcasts that capture started.
func (s *Session) StartRecording(format capture.Format, name, ext string, highQuality bool, maxBytes int64) {
	s.mu.Lock()
	defer s.unlock()

	s.stopLocked()

	if s.sampleFile == "" {
		path, err := s.createSampleLocked(name, ext)
		if err != nil {
			slog.Error("Failed to create sample file", "dir", s.recordDir, "error", err)
			s.errorLocked(StorageAccessError)
			return
		}
		s.sampleFile = path
	}

	if err := s.ctrl.Submit(capture.StartCommand(format, s.sampleFile, highQuality, maxBytes)); err != nil {
		slog.Error("Failed to submit start command", "error", err)
		s.errorLocked(InternalError)
		return
	}
	s.sampleStart = s.clock.Now()
	slog.Debug("Recording requested", "path", s.sampleFile, "format", format)
}

func (s *Session) createSampleLocked(name, ext string) (string, error) {
	if s.namer == nil {
		return "", fmt.Errorf("no namer configured")
	}
	base, err := s.namer.UniqueName(s.recordDir, name, ext)
	if err != nil {
		return "", fmt.Errorf("failed to pick sample name: %w", err)
	}
	path := filepath.Join(s.recordDir, base+ext)
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// StopRecording asks the capture service to stop and commits the sample
// length. Sub-second recordings count as one second.
func (s *Session) StopRecording() {
	s.mu.Lock()
	defer s.unlock()
	s.stopRecordingLocked()
}

func (s *Session) stopRecordingLocked() {
	if !s.ctrl.IsActive() {
		return
	}
	if err := s.ctrl.Submit(capture.StopCommand()); err != nil {
		slog.Error("Failed to submit stop command", "error", err)
	}
	length := int(s.clock.Since(s.sampleStart) / time.Second)
	if length < 1 {
		length = 1
	}
	s.sampleLength = length
}

// StartPlayback resumes a paused player, or opens the sample and starts
// playing it from percentage (0..1) of its duration.
func (s *Session) StartPlayback(percentage float64) {
	s.mu.Lock()
	defer s.unlock()

	if s.state == PlayingPaused && s.player != nil {
		s.resumePlaybackLocked(percentage)
		return
	}

	s.stopLocked()

	if s.sampleFile == "" || s.players == nil {
		s.errorLocked(InternalError)
		return
	}

	p := s.players(s)
	if err := s.openPlayer(p, percentage); err != nil {
		p.Release()
		code := StorageAccessError
		if errors.Is(err, ErrInvalidSource) {
			code = InternalError
		}
		slog.Error("Failed to start playback", "path", s.sampleFile, "error", err)
		s.errorLocked(code)
		return
	}

	s.player = p
	s.sampleStart = s.clock.Now()
	s.setStateLocked(Playing)
}

func (s *Session) openPlayer(p Player, percentage float64) error {
	if err := p.Open(s.sampleFile); err != nil {
		return err
	}
	if err := p.SeekTo(seekTarget(p.Duration(), percentage)); err != nil {
		return err
	}
	return p.Start()
}

func (s *Session) resumePlaybackLocked(percentage float64) {
	s.sampleStart = s.clock.Now().Add(-s.player.Position())
	err := s.player.SeekTo(seekTarget(s.player.Duration(), percentage))
	if err == nil {
		err = s.player.Start()
	}
	if err != nil {
		slog.Error("Failed to resume playback", "path", s.sampleFile, "error", err)
		s.stopPlaybackLocked()
		s.errorLocked(StorageAccessError)
		return
	}
	s.setStateLocked(Playing)
}

func seekTarget(d time.Duration, percentage float64) time.Duration {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 1 {
		percentage = 1
	}
	return time.Duration(percentage * float64(d))
}

// PausePlayback pauses while Playing and does nothing otherwise.
func (s *Session) PausePlayback() {
	s.mu.Lock()
	defer s.unlock()

	if s.state != Playing || s.player == nil {
		return
	}
	if err := s.player.Pause(); err != nil {
		slog.Error("Failed to pause playback", "error", err)
		s.stopPlaybackLocked()
		s.errorLocked(InternalError)
		return
	}
	s.setStateLocked(PlayingPaused)
}

// StopPlayback releases the player, if any.
func (s *Session) StopPlayback() {
	s.mu.Lock()
	defer s.unlock()
	s.stopPlaybackLocked()
}

func (s *Session) stopPlaybackLocked() {
	if s.player == nil {
		return
	}
	if err := s.player.Stop(); err != nil {
		slog.Debug("Player stop failed", "error", err)
	}
	s.player.Release()
	s.player = nil
	s.setStateLocked(Idle)
}

// Stop ends recording and playback.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	s.stopRecordingLocked()
	s.stopPlaybackLocked()
}

// Delete stops activity and removes the sample file.
func (s *Session) Delete() {
	s.mu.Lock()
	defer s.unlock()
	s.deleteLocked()
}

func (s *Session) deleteLocked() {
	s.stopLocked()
	if s.sampleFile != "" {
		if err := s.fs.Remove(s.sampleFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to delete sample", "path", s.sampleFile, "error", err)
		}
	}
	s.sampleFile = ""
	s.sampleLength = 0
	s.forceIdleLocked()
}

// Clear stops activity and forgets the sample length. The file stays bound so
// the next recording reuses it.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.unlock()

	s.stopLocked()
	s.sampleLength = 0
	s.forceIdleLocked()
}

// Reset drops the sample reference and recreates the recording directory.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.unlock()

	s.stopLocked()
	s.sampleLength = 0
	s.sampleFile = ""
	if err := s.fs.MkdirAll(s.recordDir, 0755); err != nil {
		slog.Warn("Failed to create recording directory", "dir", s.recordDir, "error", err)
	}
	s.forceIdleLocked()
}

// RenameSampleFile gives the sample a new base name, keeping its extension.
// It is not allowed while recording or playing and fails silently.
func (s *Session) RenameSampleFile(name string) {
	s.mu.Lock()
	defer s.unlock()

	if s.sampleFile == "" || s.state == Recording || s.state == Playing {
		return
	}
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return
	}
	oldPath := s.sampleFile
	newPath := filepath.Join(filepath.Dir(oldPath), name+filepath.Ext(oldPath))
	if newPath == oldPath {
		return
	}
	if err := s.fs.Rename(oldPath, newPath); err != nil {
		slog.Debug("Sample rename failed, keeping old name", "from", oldPath, "to", newPath, "error", err)
		return
	}
	s.sampleFile = newPath
}

// SyncStateWithService adopts the capture service's job if one is active. It
// returns false when the local state cannot be reconciled and the caller
// should Reset.
func (s *Session) SyncStateWithService() bool {
	s.mu.Lock()
	defer s.unlock()

	if s.ctrl.IsActive() {
		s.sampleStart = s.ctrl.ActiveStartTime()
		s.sampleFile = s.ctrl.ActivePath()
		s.setStateLocked(Recording)
		return true
	}
	if s.state == Recording {
		return false
	}
	// Capture was interrupted before a length was ever committed.
	if s.sampleFile != "" && s.sampleLength == 0 {
		return false
	}
	return true
}

// HandleServiceEvent applies a capture broadcast to the session.
func (s *Session) HandleServiceEvent(e capture.Event) {
	s.mu.Lock()
	defer s.unlock()

	switch ev := e.(type) {
	case capture.StateBroadcast:
		if ev.IsRecording {
			s.setStateLocked(Recording)
		} else if s.state == Recording {
			s.setStateLocked(Idle)
		}
	case capture.ErrorBroadcast:
		s.errorLocked(ev.Code)
	}
}

// Snapshot returns the persistable part of the session. ok is false when no
// sample is bound.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sampleFile == "" {
		return Snapshot{}, false
	}
	return Snapshot{SamplePath: s.sampleFile, SampleLengthSeconds: s.sampleLength}, true
}

// Restore binds a previously saved sample. Snapshots without a path, with a
// negative length, pointing at a missing file or at the already bound file
// are ignored.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.unlock()

	if snap.SamplePath == "" || snap.SampleLengthSeconds < 0 {
		return
	}
	if _, err := s.fs.Stat(snap.SamplePath); err != nil {
		return
	}
	if s.sampleFile == snap.SamplePath {
		return
	}

	s.deleteLocked()
	s.sampleFile = snap.SamplePath
	s.sampleLength = snap.SampleLengthSeconds
	s.queue(StateChanged{State: Idle})
	slog.Debug("Session restored", "path", snap.SamplePath, "length", snap.SampleLengthSeconds)
}

// OnCompletion implements PlaybackObserver.
func (s *Session) OnCompletion(p Player) {
	s.mu.Lock()
	defer s.unlock()

	if p != s.player {
		return
	}
	s.stopLocked()
}

// OnPlaybackError implements PlaybackObserver.
func (s *Session) OnPlaybackError(p Player, err error) {
	s.mu.Lock()
	defer s.unlock()

	if p != s.player {
		return
	}
	slog.Error("Playback failed", "path", s.sampleFile, "error", err)
	s.stopLocked()
	s.errorLocked(StorageAccessError)
}

func (s *Session) setStateLocked(state State) {
	if state == s.state {
		return
	}
	s.state = state
	metrics.SessionTransitions.WithLabelValues(state.String()).Inc()
	s.queue(StateChanged{State: state})
}

// forceIdleLocked enters Idle and always notifies, even if already idle.
func (s *Session) forceIdleLocked() {
	if s.state != Idle {
		s.state = Idle
		metrics.SessionTransitions.WithLabelValues(Idle.String()).Inc()
	}
	s.queue(StateChanged{State: Idle})
}

func (s *Session) errorLocked(code ErrorCode) {
	s.queue(ErrorOccurred{Code: code})
}

func (s *Session) queue(e Event) {
	s.pending = append(s.pending, e)
}

// unlock releases s.mu and delivers queued events in order.
func (s *Session) unlock() {
	events := s.pending
	s.pending = nil
	handler := s.handler

	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	if handler == nil {
		return
	}
	for _, e := range events {
		handler(e)
	}
}
