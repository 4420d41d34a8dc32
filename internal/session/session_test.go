package session

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/soundrecorder/internal/capture"
)

const recordDir = "/sdcard/sound_recorder"

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fakeController struct {
	mu        sync.Mutex
	active    bool
	path      string
	startTime time.Time
	amplitude int
	submitted []capture.Command
	err       error
}

func (c *fakeController) Submit(cmd capture.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.submitted = append(c.submitted, cmd)
	return nil
}

func (c *fakeController) IsActive() bool             { return c.active }
func (c *fakeController) ActivePath() string         { return c.path }
func (c *fakeController) ActiveStartTime() time.Time { return c.startTime }
func (c *fakeController) CurrentAmplitude() int      { return c.amplitude }

func (c *fakeController) Actions() []capture.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var actions []capture.Action
	for _, cmd := range c.submitted {
		actions = append(actions, cmd.Action)
	}
	return actions
}

type fakePlayer struct {
	obs      PlaybackObserver
	openErr  error
	startErr error
	duration time.Duration
	position time.Duration

	path     string
	seeks    []time.Duration
	starts   int
	paused   bool
	stopped  bool
	released bool
}

func (p *fakePlayer) Open(path string) error {
	p.path = path
	return p.openErr
}

func (p *fakePlayer) Duration() time.Duration { return p.duration }
func (p *fakePlayer) Position() time.Duration { return p.position }

func (p *fakePlayer) SeekTo(pos time.Duration) error {
	p.seeks = append(p.seeks, pos)
	p.position = pos
	return nil
}

func (p *fakePlayer) Start() error {
	p.starts++
	p.paused = false
	return p.startErr
}

func (p *fakePlayer) Pause() error {
	p.paused = true
	return nil
}

func (p *fakePlayer) Stop() error {
	p.stopped = true
	return nil
}

func (p *fakePlayer) Release() { p.released = true }

type fakeNamer struct {
	n int
}

func (n *fakeNamer) UniqueName(dir, name, ext string) (string, error) {
	n.n++
	if name == "" {
		name = "recording"
	}
	if n.n > 1 {
		return name + "-" + string(rune('0'+n.n)), nil
	}
	return name, nil
}

type fixture struct {
	sess    *Session
	fs      afero.Fs
	clock   fakeClock
	ctrl    *fakeController
	players []*fakePlayer
	setup   func(*fakePlayer)
	events  []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fs:    afero.NewMemMapFs(),
		clock: clockwork.NewFakeClock(),
		ctrl:  &fakeController{},
	}
	sess, err := New(Options{
		Fs:         f.fs,
		Clock:      f.clock,
		Controller: f.ctrl,
		Players:    f.newPlayer,
		Namer:      &fakeNamer{},
		RecordDir:  recordDir,
		Handler:    func(e Event) { f.events = append(f.events, e) },
	})
	require.NoError(t, err)
	f.sess = sess
	return f
}

func (f *fixture) newPlayer(obs PlaybackObserver) Player {
	p := &fakePlayer{obs: obs, duration: 10 * time.Second}
	if f.setup != nil {
		f.setup(p)
	}
	f.players = append(f.players, p)
	return p
}

// record runs a full start/broadcast cycle and leaves the session recording.
func (f *fixture) record(t *testing.T) {
	t.Helper()
	f.sess.StartRecording(capture.FormatAMR, "memo", ".amr", false, -1)
	require.NotEmpty(t, f.sess.SampleFile())
	f.ctrl.active = true
	f.ctrl.path = f.sess.SampleFile()
	f.ctrl.startTime = f.clock.Now()
	f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: true})
	require.Equal(t, Recording, f.sess.State())
}

// finish stops the recording and delivers the service broadcast.
func (f *fixture) finish() {
	f.sess.StopRecording()
	f.ctrl.active = false
	f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: false})
}

func (f *fixture) reset() {
	f.events = nil
}

func TestNewCreatesRecordDir(t *testing.T) {
	f := newFixture(t)
	ok, err := afero.DirExists(f.fs, recordDir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Idle, f.sess.State())
}

func TestStartRecording(t *testing.T) {
	f := newFixture(t)

	f.sess.StartRecording(capture.Format3GPP, "memo", ".3gpp", true, 5000)

	path := filepath.Join(recordDir, "memo.3gpp")
	assert.Equal(t, path, f.sess.SampleFile())
	exists, _ := afero.Exists(f.fs, path)
	assert.True(t, exists)

	require.Len(t, f.ctrl.submitted, 1)
	assert.Equal(t, capture.StartCommand(capture.Format3GPP, path, true, 5000), f.ctrl.submitted[0])

	// The transition waits for the service broadcast.
	assert.Equal(t, Idle, f.sess.State())
	assert.Empty(t, f.events)

	f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: true})
	assert.Equal(t, Recording, f.sess.State())
	assert.Equal(t, []Event{StateChanged{State: Recording}}, f.events)
}

func TestStartRecordingReusesBoundFile(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	path := f.sess.SampleFile()

	f.sess.Clear()
	f.sess.StartRecording(capture.FormatAMR, "other", ".amr", false, -1)

	assert.Equal(t, path, f.sess.SampleFile())
}

func TestStartRecordingStorageError(t *testing.T) {
	f := newFixture(t)
	f.sess.fs = afero.NewReadOnlyFs(f.fs)

	f.sess.StartRecording(capture.FormatAMR, "memo", ".amr", false, -1)

	assert.Equal(t, []Event{ErrorOccurred{Code: StorageAccessError}}, f.events)
	assert.Equal(t, Idle, f.sess.State())
	assert.Empty(t, f.sess.SampleFile())
	assert.Empty(t, f.ctrl.submitted)
}

func TestStartRecordingSubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.ctrl.err = capture.ErrServiceClosed

	f.sess.StartRecording(capture.FormatAMR, "memo", ".amr", false, -1)

	assert.Equal(t, []Event{ErrorOccurred{Code: InternalError}}, f.events)
	assert.Equal(t, Idle, f.sess.State())
}

func TestStopRecordingLength(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{name: "instant", elapsed: 0, want: 1},
		{name: "sub-second", elapsed: 900 * time.Millisecond, want: 1},
		{name: "seconds", elapsed: 7500 * time.Millisecond, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.record(t)

			f.clock.Advance(tt.elapsed)
			f.finish()

			assert.Equal(t, tt.want, f.sess.SampleLength())
			assert.Equal(t, Idle, f.sess.State())
			assert.Equal(t, []capture.Action{capture.ActionStart, capture.ActionStop}, f.ctrl.Actions())
		})
	}
}

func TestStopRecordingWhileServiceIdleIsNoop(t *testing.T) {
	f := newFixture(t)

	f.sess.StopRecording()

	assert.Empty(t, f.ctrl.submitted)
	assert.Equal(t, 0, f.sess.SampleLength())
}

func TestClearKeepsFileDeleteRemovesIt(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.clock.Advance(3 * time.Second)
	f.finish()
	path := f.sess.SampleFile()

	f.reset()
	f.sess.Clear()
	assert.Equal(t, Idle, f.sess.State())
	assert.Equal(t, 0, f.sess.SampleLength())
	assert.Equal(t, path, f.sess.SampleFile())
	exists, _ := afero.Exists(f.fs, path)
	assert.True(t, exists)
	assert.Equal(t, []Event{StateChanged{State: Idle}}, f.events)

	f.sess.Delete()
	assert.Equal(t, Idle, f.sess.State())
	assert.Equal(t, 0, f.sess.SampleLength())
	assert.Empty(t, f.sess.SampleFile())
	exists, _ = afero.Exists(f.fs, path)
	assert.False(t, exists)
}

func TestDeleteWhileRecording(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	path := f.sess.SampleFile()

	f.sess.Delete()

	assert.Equal(t, Idle, f.sess.State())
	assert.Equal(t, 0, f.sess.SampleLength())
	assert.Contains(t, f.ctrl.Actions(), capture.ActionStop)
	exists, _ := afero.Exists(f.fs, path)
	assert.False(t, exists)

	// The late service broadcast does not produce another transition.
	f.reset()
	f.ctrl.active = false
	f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: false})
	assert.Empty(t, f.events)
}

func TestResetRecreatesDirectory(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	require.NoError(t, f.fs.RemoveAll(recordDir))

	f.sess.Reset()

	assert.Equal(t, Idle, f.sess.State())
	assert.Empty(t, f.sess.SampleFile())
	ok, _ := afero.DirExists(f.fs, recordDir)
	assert.True(t, ok)
}

func TestStartPlaybackFresh(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	f.reset()

	f.sess.StartPlayback(0.5)

	require.Len(t, f.players, 1)
	p := f.players[0]
	assert.Equal(t, f.sess.SampleFile(), p.path)
	assert.Equal(t, []time.Duration{5 * time.Second}, p.seeks)
	assert.Equal(t, 1, p.starts)
	assert.Equal(t, Playing, f.sess.State())
	assert.Equal(t, []Event{StateChanged{State: Playing}}, f.events)
	assert.Equal(t, 5, f.sess.Progress())
	assert.InDelta(t, 0.5, f.sess.PlayProgress(), 0.001)
}

func TestStartPlaybackFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakePlayer)
		want  ErrorCode
	}{
		{name: "invalid source", setup: func(p *fakePlayer) { p.openErr = ErrInvalidSource }, want: InternalError},
		{name: "unreadable", setup: func(p *fakePlayer) { p.openErr = errors.New("permission denied") }, want: StorageAccessError},
		{name: "start fails", setup: func(p *fakePlayer) { p.startErr = errors.New("corrupt") }, want: StorageAccessError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.record(t)
			f.finish()
			f.setup = tt.setup
			f.reset()

			f.sess.StartPlayback(0)

			assert.Equal(t, []Event{ErrorOccurred{Code: tt.want}}, f.events)
			assert.Equal(t, Idle, f.sess.State())
			require.Len(t, f.players, 1)
			assert.True(t, f.players[0].released)
			assert.Nil(t, f.sess.player)
		})
	}
}

func TestStartPlaybackWithoutSample(t *testing.T) {
	f := newFixture(t)

	f.sess.StartPlayback(0)

	assert.Equal(t, []Event{ErrorOccurred{Code: InternalError}}, f.events)
	assert.Empty(t, f.players)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	f.sess.StartPlayback(0)
	p := f.players[0]
	p.position = 2 * time.Second

	f.sess.PausePlayback()
	assert.Equal(t, PlayingPaused, f.sess.State())
	assert.True(t, p.paused)

	f.sess.StartPlayback(0.2)
	assert.Equal(t, Playing, f.sess.State())
	assert.Len(t, f.players, 1)
	assert.Equal(t, 2, p.starts)
	assert.Equal(t, 2*time.Second, p.seeks[len(p.seeks)-1])
}

func TestPausePlaybackOnlyWhilePlaying(t *testing.T) {
	f := newFixture(t)
	f.sess.PausePlayback()
	assert.Equal(t, Idle, f.sess.State())
	assert.Empty(t, f.events)
}

func TestPlaybackCompletionAndError(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()

	f.sess.StartPlayback(0)
	p := f.players[0]
	f.reset()
	p.obs.OnCompletion(p)
	assert.Equal(t, Idle, f.sess.State())
	assert.True(t, p.released)
	assert.Equal(t, []Event{StateChanged{State: Idle}}, f.events)

	f.sess.StartPlayback(0)
	p = f.players[1]
	f.reset()
	p.obs.OnPlaybackError(p, errors.New("decoder"))
	assert.Equal(t, Idle, f.sess.State())
	assert.Equal(t, []Event{StateChanged{State: Idle}, ErrorOccurred{Code: StorageAccessError}}, f.events)

	// Callbacks from a released player are ignored.
	f.reset()
	p.obs.OnPlaybackError(p, errors.New("late"))
	assert.Empty(t, f.events)
}

func TestRenameSampleFile(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	old := f.sess.SampleFile()

	f.sess.RenameSampleFile("interview")

	renamed := filepath.Join(recordDir, "interview.amr")
	assert.Equal(t, renamed, f.sess.SampleFile())
	exists, _ := afero.Exists(f.fs, renamed)
	assert.True(t, exists)
	exists, _ = afero.Exists(f.fs, old)
	assert.False(t, exists)

	// Same name, empty name and path separators are ignored.
	f.sess.RenameSampleFile("interview")
	f.sess.RenameSampleFile("")
	f.sess.RenameSampleFile("../escape")
	assert.Equal(t, renamed, f.sess.SampleFile())
}

func TestRenameSampleFileNotAllowedWhileRecording(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	path := f.sess.SampleFile()

	f.sess.RenameSampleFile("other")

	assert.Equal(t, path, f.sess.SampleFile())
}

func TestRenameFailureKeepsOldName(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	path := f.sess.SampleFile()
	f.sess.fs = afero.NewReadOnlyFs(f.fs)
	f.reset()

	f.sess.RenameSampleFile("other")

	assert.Equal(t, path, f.sess.SampleFile())
	assert.Empty(t, f.events)
}

func TestSyncStateWithService(t *testing.T) {
	t.Run("adopts active job", func(t *testing.T) {
		f := newFixture(t)
		start := f.clock.Now().Add(-30 * time.Second)
		f.ctrl.active = true
		f.ctrl.path = "/sdcard/sound_recorder/live.amr"
		f.ctrl.startTime = start

		assert.True(t, f.sess.SyncStateWithService())
		assert.Equal(t, Recording, f.sess.State())
		assert.Equal(t, "/sdcard/sound_recorder/live.amr", f.sess.SampleFile())
		assert.Equal(t, 30, f.sess.Progress())
	})

	t.Run("externally interrupted", func(t *testing.T) {
		f := newFixture(t)
		f.record(t)
		// The service was stopped without the broadcast reaching this session.
		f.ctrl.active = false

		assert.False(t, f.sess.SyncStateWithService())
	})

	t.Run("uncommitted sample", func(t *testing.T) {
		f := newFixture(t)
		f.sess.StartRecording(capture.FormatAMR, "memo", ".amr", false, -1)
		f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: false})

		assert.False(t, f.sess.SyncStateWithService())
	})

	t.Run("consistent idle", func(t *testing.T) {
		f := newFixture(t)
		assert.True(t, f.sess.SyncStateWithService())
	})
}

func TestHandleServiceError(t *testing.T) {
	f := newFixture(t)

	f.sess.HandleServiceEvent(capture.ErrorBroadcast{Code: InCallRecordError})

	assert.Equal(t, []Event{ErrorOccurred{Code: InCallRecordError}}, f.events)
	assert.Equal(t, Idle, f.sess.State())
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	_, ok := f.sess.Snapshot()
	assert.False(t, ok)

	f.record(t)
	f.clock.Advance(4 * time.Second)
	f.finish()
	snap, ok := f.sess.Snapshot()
	require.True(t, ok)
	assert.Equal(t, Snapshot{SamplePath: f.sess.SampleFile(), SampleLengthSeconds: 4}, snap)

	// A new session for the same sample adopts it.
	g := newFixture(t)
	g.fs = f.fs
	g.sess.fs = f.fs
	g.sess.Restore(snap)
	assert.Equal(t, snap.SamplePath, g.sess.SampleFile())
	assert.Equal(t, 4, g.sess.SampleLength())
	assert.Equal(t, []Event{StateChanged{State: Idle}, StateChanged{State: Idle}}, g.events)
}

func TestRestoreIgnoredCases(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.clock.Advance(2 * time.Second)
	f.finish()
	bound, _ := f.sess.Snapshot()
	f.reset()

	f.sess.Restore(Snapshot{SamplePath: filepath.Join(recordDir, "gone.amr"), SampleLengthSeconds: 3})
	f.sess.Restore(Snapshot{SamplePath: "", SampleLengthSeconds: 3})
	f.sess.Restore(Snapshot{SamplePath: bound.SamplePath, SampleLengthSeconds: -1})
	f.sess.Restore(Snapshot{SamplePath: bound.SamplePath, SampleLengthSeconds: 9})

	after, _ := f.sess.Snapshot()
	assert.Equal(t, bound, after)
	assert.Empty(t, f.events)
}

func TestRestoreReplacesBoundSample(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.finish()
	old := f.sess.SampleFile()
	other := filepath.Join(recordDir, "other.amr")
	require.NoError(t, afero.WriteFile(f.fs, other, []byte("x"), 0644))

	f.sess.Restore(Snapshot{SamplePath: other, SampleLengthSeconds: 12})

	assert.Equal(t, other, f.sess.SampleFile())
	assert.Equal(t, 12, f.sess.SampleLength())
	exists, _ := afero.Exists(f.fs, old)
	assert.False(t, exists)
}

func TestMaxAmplitude(t *testing.T) {
	f := newFixture(t)
	f.ctrl.amplitude = 9000
	assert.Equal(t, 0, f.sess.MaxAmplitude())

	f.record(t)
	assert.Equal(t, 9000, f.sess.MaxAmplitude())
}

func TestRecordExists(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(recordDir, "a.amr"), nil, 0644))

	assert.True(t, f.sess.RecordExists("a.amr"))
	assert.False(t, f.sess.RecordExists("b.amr"))
	assert.False(t, f.sess.RecordExists(""))
}

func TestStateChangeNotifiesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	f.record(t)
	f.reset()

	f.sess.HandleServiceEvent(capture.StateBroadcast{IsRecording: true})

	assert.Empty(t, f.events)
}
