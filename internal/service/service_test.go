package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/soundrecorder/internal/capacity"
	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/catalog"
	"github.com/audiolibrelab/soundrecorder/internal/config"
	"github.com/audiolibrelab/soundrecorder/internal/session"
)

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

type fakeVolume struct {
	mu     sync.Mutex
	blocks int64
}

func (v *fakeVolume) Stat() (int64, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.blocks, 4096, nil
}

type fakeDevice struct {
	prepareErr error
}

func (d *fakeDevice) Prepare() error    { return d.prepareErr }
func (d *fakeDevice) Start() error      { return nil }
func (d *fakeDevice) Stop() error       { return nil }
func (d *fakeDevice) Release()          {}
func (d *fakeDevice) MaxAmplitude() int { return 1200 }

type fixture struct {
	t         *testing.T
	fs        afero.Fs
	clock     fakeClock
	volume    *fakeVolume
	cfg       *config.Config
	capture   *capture.Service
	catalog   *catalog.Catalog
	snapshots *SnapshotStore
	svc       *RecorderService
	prepErr   error
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:      t,
		fs:     afero.NewMemMapFs(),
		clock:  clockwork.NewFakeClock(),
		volume: &fakeVolume{blocks: 1 << 20},
	}
	f.cfg = config.Default()
	f.cfg.Recording.Directory = "/rec"
	f.cfg.Recording.Format = "amr"
	f.catalog = catalog.New(f.fs, "/state/catalog.yaml", f.clock)
	f.snapshots = NewSnapshotStore(f.fs, "/state/session.yaml")
	f.start()
	return f
}

func (f *fixture) start() {
	f.capture = capture.New(capture.Options{
		Estimator: capacity.New(f.volume, f.fs, f.clock),
		Devices: func(capture.DeviceConfig, capture.ResourceObserver) capture.Device {
			return &fakeDevice{prepareErr: f.prepErr}
		},
		Clock: f.clock,
	})
	svc, err := New(Options{
		Config:    f.cfg,
		Fs:        f.fs,
		Clock:     f.clock,
		Capture:   f.capture,
		Estimator: capacity.New(f.volume, f.fs, f.clock),
		Catalog:   f.catalog,
		Snapshots: f.snapshots,
	})
	require.NoError(f.t, err)
	f.svc = svc
}

func (f *fixture) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(f.t, f.capture.Sync(ctx))
}

func (f *fixture) record(seconds int) {
	require.NoError(f.t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()
	require.Equal(f.t, session.Recording, f.svc.Session().State())
	f.clock.Advance(time.Duration(seconds) * time.Second)
	f.svc.StopRecording()
	f.sync()
}

func int64Ptr(v int64) *int64 { return &v }

func TestStartStopAndSave(t *testing.T) {
	f := newFixture(t)

	f.record(3)

	assert.Equal(t, session.Idle, f.svc.Session().State())
	assert.Equal(t, "/rec/memo.amr", f.svc.Session().SampleFile())
	assert.Equal(t, 3, f.svc.Session().SampleLength())

	f.svc.SaveSample()
	f.svc.SaveSample()

	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/rec/memo.amr", entries[0].Path)
}

func TestSaveSampleSkipsUncommitted(t *testing.T) {
	f := newFixture(t)

	f.svc.SaveSample()

	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartRefusedWhenStorageFull(t *testing.T) {
	f := newFixture(t)
	f.volume.blocks = capacity.BlockMargin

	err := f.svc.StartRecording("memo", RecordOptions{})

	assert.ErrorIs(t, err, ErrStorageFull)
	f.sync()
	st := f.svc.Status()
	assert.True(t, st.Interrupted)
	assert.Equal(t, MsgStorageFull, st.LastError)
	assert.Equal(t, "idle", st.State)
	assert.False(t, f.capture.IsActive())
}

func TestStartRejectsUnknownFormat(t *testing.T) {
	f := newFixture(t)

	err := f.svc.StartRecording("memo", RecordOptions{Format: "wav"})

	assert.Error(t, err)
	assert.False(t, f.capture.IsActive())
}

func TestRemainingTimeStopsAtMaxLength(t *testing.T) {
	f := newFixture(t)
	f.svc.Resume()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{MaxBytes: int64Ptr(1000)}))
	f.sync()
	require.True(t, f.capture.IsActive())

	f.clock.Advance(UpdateInterval)

	assert.Eventually(t, func() bool { return !f.capture.IsActive() }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		st := f.svc.Status()
		return st.Interrupted && st.LastError == MsgMaxLengthReached
	}, time.Second, time.Millisecond)
	f.sync()
	assert.Equal(t, session.Idle, f.svc.Session().State())
	assert.Equal(t, 1, f.svc.Session().SampleLength())
}

func TestRemainingTimeIdleWhileDetached(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{MaxBytes: int64Ptr(1000)}))
	f.sync()

	f.clock.Advance(UpdateInterval)
	f.sync()

	assert.True(t, f.capture.IsActive())
}

func TestPauseHandsOverToMonitor(t *testing.T) {
	f := newFixture(t)
	f.svc.Resume()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	f.svc.Pause()
	f.sync()
	assert.True(t, f.capture.IsActive())
	assert.True(t, f.capture.MonitorEnabled())
	assert.Equal(t, session.Recording, f.svc.Session().State())

	f.svc.Resume()
	f.sync()
	assert.True(t, f.capture.IsActive())
	assert.False(t, f.capture.MonitorEnabled())
	assert.Equal(t, session.Recording, f.svc.Session().State())
}

func TestPauseStopsCappedRecording(t *testing.T) {
	f := newFixture(t)
	f.svc.Resume()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{MaxBytes: int64Ptr(1 << 20)}))
	f.sync()
	f.clock.Advance(2 * time.Second)

	f.svc.Pause()
	f.sync()

	assert.False(t, f.capture.IsActive())
	assert.Equal(t, session.Idle, f.svc.Session().State())
	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResumeResetsOnFormatChange(t *testing.T) {
	f := newFixture(t)
	f.record(2)

	f.svc.Pause()
	updated := *f.cfg
	updated.Recording.Format = "3gpp"
	f.svc.UpdateConfig(&updated)
	f.svc.Resume()

	assert.Equal(t, "", f.svc.Session().SampleFile())
	assert.Equal(t, "3gpp", f.svc.Status().Format)
	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResumeResetsWhenSampleMissing(t *testing.T) {
	f := newFixture(t)
	f.record(2)

	require.NoError(t, f.fs.Remove("/rec/memo.amr"))
	f.svc.Resume()

	assert.Equal(t, "", f.svc.Session().SampleFile())
	assert.Equal(t, 0, f.svc.Session().SampleLength())
}

func TestResumeResetsInterruptedSample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	f.capture.OnLowMemory()
	f.sync()
	require.Equal(t, session.Idle, f.svc.Session().State())

	f.svc.Resume()
	assert.Equal(t, "", f.svc.Session().SampleFile())
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.record(4)

	require.NoError(t, f.svc.Close())

	f.start()
	assert.Equal(t, "/rec/memo.amr", f.svc.Session().SampleFile())
	assert.Equal(t, 4, f.svc.Session().SampleLength())
}

func TestDeviceFailureReportsError(t *testing.T) {
	f := newFixture(t)
	f.prepErr = errors.New("no ffmpeg")

	var mu sync.Mutex
	var got []Notification
	unsubscribe := f.svc.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
	})
	defer unsubscribe()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	assert.Equal(t, "internal application error", f.svc.GetLastError())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, NotifyError, got[0].Type)
	assert.Equal(t, int(capture.InternalError), got[0].Code)
	assert.Equal(t, NotifyService, got[1].Type)
}

func TestNotificationsOnRecording(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var got []Notification
	f.svc.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
	})

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, Notification{Type: NotifyState, State: "recording"}, got[0])
	require.NotNil(t, got[1].Recording)
	assert.True(t, *got[1].Recording)
}

func TestRecordExists(t *testing.T) {
	f := newFixture(t)
	f.record(1)

	assert.True(t, f.svc.RecordExists("memo", ""))
	assert.True(t, f.svc.RecordExists("memo", "amr"))
	assert.False(t, f.svc.RecordExists("memo", "3gpp"))
	assert.False(t, f.svc.RecordExists("other", ""))
	assert.False(t, f.svc.RecordExists("", ""))
}

func TestOverwriteReplacesExistingRecording(t *testing.T) {
	f := newFixture(t)
	f.record(1)
	f.svc.SaveSample()
	f.svc.Reset()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()
	assert.Equal(t, "/rec/memo-1.amr", f.svc.Session().SampleFile())
	f.svc.Delete()
	f.sync()

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{Overwrite: true}))
	f.sync()
	assert.Equal(t, "/rec/memo.amr", f.svc.Session().SampleFile())

	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordAgainStartsNewSample(t *testing.T) {
	f := newFixture(t)
	f.record(3)
	f.svc.SaveSample()

	require.NoError(t, f.svc.StartRecording("other", RecordOptions{Format: "3gpp"}))
	f.sync()
	assert.Equal(t, "/rec/other.3gpp", f.svc.Session().SampleFile())
	assert.Equal(t, session.Recording, f.svc.Session().State())

	f.clock.Advance(2 * time.Second)
	f.svc.Finish()
	f.sync()

	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.ElementsMatch(t, []string{"/rec/memo.amr", "/rec/other.3gpp"}, []string{entries[0].Path, entries[1].Path})
	assert.Equal(t, 2, f.svc.Session().SampleLength())
}

func TestRecordAgainSavesUnsavedSample(t *testing.T) {
	f := newFixture(t)
	f.record(2)

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	assert.Equal(t, "/rec/memo-1.amr", f.svc.Session().SampleFile())
	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/rec/memo.amr", entries[0].Path)
}

func TestRecordWhileRecordingKeepsFirstSample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()
	f.clock.Advance(time.Second)

	require.NoError(t, f.svc.StartRecording("next", RecordOptions{}))
	f.sync()

	assert.True(t, f.capture.IsActive())
	assert.Equal(t, "/rec/next.amr", f.capture.ActivePath())
	assert.Equal(t, session.Recording, f.svc.Session().State())
	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/rec/memo.amr", entries[0].Path)
}

func TestRecordAfterRestartStartsNewSample(t *testing.T) {
	f := newFixture(t)
	f.record(4)
	require.NoError(t, f.svc.Close())

	f.start()
	require.Equal(t, "/rec/memo.amr", f.svc.Session().SampleFile())

	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()

	assert.Equal(t, "/rec/memo-1.amr", f.svc.Session().SampleFile())
	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/rec/memo.amr", entries[0].Path)
}

func TestRecordDiscardsUnusedSample(t *testing.T) {
	f := newFixture(t)
	f.prepErr = errors.New("no ffmpeg")
	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()
	require.Equal(t, "/rec/memo.amr", f.svc.Session().SampleFile())
	require.Equal(t, 0, f.svc.Session().SampleLength())

	f.prepErr = nil
	require.NoError(t, f.svc.StartRecording("other", RecordOptions{}))
	f.sync()

	assert.Equal(t, "/rec/other.amr", f.svc.Session().SampleFile())
	_, err := f.fs.Stat("/rec/memo.amr")
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentOperationsDuringInterruptions(t *testing.T) {
	f := newFixture(t)
	f.svc.Resume()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = f.svc.StartRecording("memo", RecordOptions{})
				f.svc.Status()
				f.svc.StopRecording()
				f.svc.Delete()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			f.capture.OnLowMemory()
			f.capture.OnCallStateChanged(false)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("operations did not finish while capture was being interrupted")
	}

	f.sync()
	f.svc.StopRecording()
	f.sync()
	assert.False(t, f.capture.IsActive())
	assert.Equal(t, session.Idle, f.svc.Session().State())
}

func TestDeleteRemovesFromCatalog(t *testing.T) {
	f := newFixture(t)
	f.record(1)
	f.svc.SaveSample()

	f.svc.Delete()

	entries, err := f.svc.Recordings()
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = f.fs.Stat("/rec/memo.amr")
	assert.Error(t, err)
}

func TestStatusWhileRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.StartRecording("memo", RecordOptions{}))
	f.sync()
	f.clock.Advance(2 * time.Second)

	st := f.svc.Status()

	assert.Equal(t, "recording", st.State)
	assert.Equal(t, 2, st.Progress)
	assert.True(t, st.Capturing)
	assert.Equal(t, 1200, st.Amplitude)
	assert.Equal(t, "disk_space", st.Constraint)
	assert.Greater(t, st.RemainingSeconds, int64(0))
}

func TestUpdateConfigRejectsBadFormat(t *testing.T) {
	f := newFixture(t)
	bad := *f.cfg
	bad.Recording.Format = "ogg"

	f.svc.UpdateConfig(&bad)

	assert.Equal(t, "amr", f.svc.GetConfig().Recording.Format)
}

func TestSnapshotStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := NewSnapshotStore(fs, "/state/session.yaml")

	_, ok, err := st.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Save(session.Snapshot{SamplePath: "/rec/a.amr", SampleLengthSeconds: 9}, true))
	snap, ok, err := st.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9, snap.SampleLengthSeconds)

	require.NoError(t, st.Save(session.Snapshot{}, false))
	_, ok, err = st.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}
