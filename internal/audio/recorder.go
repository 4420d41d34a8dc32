package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/soundrecorder/internal/capture"
)

const (
	peakKey     = "lavfi.astats.Overall.Peak_level"
	stopTimeout = 5 * time.Second
	stderrLines = 20
)

// FFmpegDevice records one file by driving an ffmpeg child process.
type FFmpegDevice struct {
	cfg    capture.DeviceConfig
	obs    capture.ResourceObserver
	input  Input
	binary string

	mutex    sync.Mutex
	args     []string
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	stopping bool
	peak     float64
	stderr   []string
}

// NewDeviceFactory returns a capture.DeviceFactory producing ffmpeg devices
// that read from source through backend.
func NewDeviceFactory(backend Backend, source, binary string) capture.DeviceFactory {
	if binary == "" {
		binary = "ffmpeg"
	}
	input := backend.Input(source)
	return func(cfg capture.DeviceConfig, obs capture.ResourceObserver) capture.Device {
		return &FFmpegDevice{cfg: cfg, obs: obs, input: input, binary: binary}
	}
}

// Prepare resolves the ffmpeg binary and builds its command line.
func (d *FFmpegDevice) Prepare() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	path, err := exec.LookPath(d.binary)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	args, err := buildArgs(d.input, d.cfg)
	if err != nil {
		return err
	}

	d.binary = path
	d.args = args
	return nil
}

// Start launches ffmpeg.
func (d *FFmpegDevice) Start() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.args == nil {
		return errors.New("device not prepared")
	}
	if d.cmd != nil {
		return errors.New("device already started")
	}

	slog.Info("Starting FFmpeg", "command", d.binary+" "+strings.Join(d.args, " "))

	cmd := exec.Command(d.binary, d.args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	d.cmd = cmd
	d.done = make(chan struct{})
	go d.readOutput(stderr)
	go d.wait(cmd, d.done)
	return nil
}

// wait reaps the process and reports exits that nobody asked for.
func (d *FFmpegDevice) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	d.mutex.Lock()
	d.waitErr = err
	expected := d.stopping
	tail := strings.Join(d.stderr, "\n")
	close(done)
	d.mutex.Unlock()

	if expected {
		return
	}
	if err == nil && d.cfg.MaxBytes > 0 {
		// -fs ends ffmpeg cleanly at the cap; the remaining-time check stops the job.
		slog.Info("FFmpeg reached the size cap", "path", d.cfg.Path, "max_bytes", d.cfg.MaxBytes)
		return
	}
	if err == nil {
		err = errors.New("process exited")
	}
	slog.Error("FFmpeg exited unexpectedly", "error", err, "stderr", tail)
	d.obs.OnCaptureError(d, fmt.Errorf("ffmpeg exited unexpectedly: %w", err))
}

// Stop asks ffmpeg to finalize the file and waits for it to exit.
func (d *FFmpegDevice) Stop() error {
	d.mutex.Lock()
	if d.cmd == nil {
		d.mutex.Unlock()
		return errors.New("device not started")
	}
	alreadyExited := isClosed(d.done)
	d.stopping = true
	cmd, done := d.cmd, d.done
	d.mutex.Unlock()

	if alreadyExited {
		return d.exitError()
	}

	slog.Debug("Sending SIGINT to FFmpeg process")
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
		cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		cmd.Process.Kill()
		<-done
		return nil
	}
	return d.exitError()
}

// Release kills ffmpeg if it is still running.
func (d *FFmpegDevice) Release() {
	d.mutex.Lock()
	if d.cmd == nil || isClosed(d.done) {
		d.mutex.Unlock()
		return
	}
	d.stopping = true
	cmd, done := d.cmd, d.done
	d.mutex.Unlock()

	cmd.Process.Kill()
	<-done
}

// MaxAmplitude returns the peak since the previous call scaled to 0..32767.
func (d *FFmpegDevice) MaxAmplitude() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	peak := d.peak
	d.peak = 0
	return amplitude(peak)
}

func (d *FFmpegDevice) exitError() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := classifyExit(d.waitErr); err != nil {
		slog.Debug("FFmpeg stderr", "output", strings.Join(d.stderr, "\n"))
		return err
	}
	return nil
}

// readOutput tracks peak levels and keeps the last stderr lines for diagnostics.
func (d *FFmpegDevice) readOutput(pipe io.ReadCloser) {
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if db, ok := parsePeakLine(line); ok {
			level := dbToLinear(db)
			d.mutex.Lock()
			if level > d.peak {
				d.peak = level
			}
			d.mutex.Unlock()
			continue
		}

		slog.Debug("FFmpeg output", "line", line)
		d.mutex.Lock()
		d.stderr = append(d.stderr, line)
		if len(d.stderr) > stderrLines {
			d.stderr = d.stderr[len(d.stderr)-stderrLines:]
		}
		d.mutex.Unlock()
	}
}

// buildArgs constructs the ffmpeg command line for cfg.
func buildArgs(in Input, cfg capture.DeviceConfig) ([]string, error) {
	var encoder, container, bitrate string
	switch cfg.Encoding.Codec {
	case capture.CodecAAC:
		encoder, container = "aac", "3gp"
	case capture.CodecAMRWB:
		encoder, container, bitrate = "libvo_amrwbenc", "amr", "23.85k"
	case capture.CodecAMRNB:
		encoder, container, bitrate = "libopencore_amrnb", "amr", "12.2k"
	default:
		return nil, fmt.Errorf("unsupported codec: %s", cfg.Encoding.Codec)
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "info",
		"-f", in.Format,
		"-i", in.Source,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.Encoding.SampleRate),
		"-af", "astats=metadata=1:reset=1,ametadata=mode=print:key=" + peakKey,
		"-c:a", encoder,
	}
	if bitrate != "" {
		args = append(args, "-b:a", bitrate)
	}
	if cfg.MaxBytes > 0 {
		args = append(args, "-fs", strconv.FormatInt(cfg.MaxBytes, 10))
	}
	args = append(args, "-f", container, "-y", cfg.Path)
	return args, nil
}

// parsePeakLine extracts the dBFS value from an ametadata print line.
func parsePeakLine(line string) (float64, bool) {
	idx := strings.Index(line, peakKey+"=")
	if idx < 0 {
		return 0, false
	}
	value := strings.TrimSpace(line[idx+len(peakKey)+1:])
	db, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return db, true
}

func dbToLinear(db float64) float64 {
	if math.IsInf(db, -1) || math.IsNaN(db) {
		return 0
	}
	return math.Pow(10, db/20)
}

func amplitude(level float64) int {
	if level <= 0 {
		return 0
	}
	if level >= 1 {
		return math.MaxInt16
	}
	return int(math.Round(level * math.MaxInt16))
}

// classifyExit treats termination caused by our own interrupt as success.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit code 255 often means the process was interrupted gracefully
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w", err)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
