package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/soundrecorder/internal/audio"
	"github.com/audiolibrelab/soundrecorder/internal/capacity"
	"github.com/audiolibrelab/soundrecorder/internal/capture"
	"github.com/audiolibrelab/soundrecorder/internal/catalog"
	"github.com/audiolibrelab/soundrecorder/internal/config"
	"github.com/audiolibrelab/soundrecorder/internal/play"
	"github.com/audiolibrelab/soundrecorder/internal/platform"
	"github.com/audiolibrelab/soundrecorder/internal/service"
)

// app is one process worth of wiring: platform signals, the capture service
// and the recorder service acting as its UI.
type app struct {
	fs      afero.Fs
	bus     *platform.Bus
	capture *capture.Service
	svc     *service.RecorderService
}

func newApp(cfg *config.Config) (*app, error) {
	backend, err := audio.NewBackend(cfg.Audio.Backend)
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateSource(cfg.Audio.Source); err != nil {
		slog.Warn("Configured audio source not found, recording may fail", "source", cfg.Audio.Source, "error", err)
	}

	if err := os.MkdirAll(cfg.Recording.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	fs := afero.NewOsFs()
	clock := clockwork.NewRealClock()
	volume := capacity.StatfsVolume{Path: cfg.Recording.Directory}

	bus := platform.Connect()
	signals := platform.Open(bus, platform.Config{
		Telephony:     cfg.Monitor.Telephony == "modemmanager",
		Notifications: cfg.NotificationsEnabled(),
		Inhibit:       cfg.InhibitEnabled(),
		LowMemoryMB:   cfg.Monitor.LowMemoryMB,
	})

	capSvc := capture.New(capture.Options{
		Estimator: capacity.New(volume, fs, clock),
		Devices:   audio.NewDeviceFactory(backend, cfg.Audio.Source, cfg.Audio.FFmpeg),
		Telephony: signals.Telephony,
		Memory:    signals.Memory,
		Lock:      signals.Lock,
		WakeLock:  signals.WakeLock,
		Notifier:  signals.Notifier,
		Clock:     clock,
	})

	svc, err := service.New(service.Options{
		Config:    cfg,
		Fs:        fs,
		Clock:     clock,
		Capture:   capSvc,
		Estimator: capacity.New(volume, fs, clock),
		Players:   play.NewFactory(cfg.Audio.Player, clock),
		Catalog:   catalog.New(fs, cfg.Storage.CatalogFile, clock),
		Snapshots: service.NewSnapshotStore(fs, cfg.Storage.StateFile),
	})
	if err != nil {
		return nil, multierr.Combine(err, capSvc.Close(), bus.Close())
	}

	slog.Debug("Recorder ready",
		"backend", backend.Type(),
		"source", cfg.Audio.Source,
		"dir", cfg.Recording.Directory,
		"format", cfg.Recording.Format)

	return &app{fs: fs, bus: bus, capture: capSvc, svc: svc}, nil
}

func (a *app) close() error {
	return multierr.Append(a.svc.Close(), a.bus.Close())
}
