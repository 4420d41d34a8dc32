package play

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/audiolibrelab/soundrecorder/internal/session"
)

// Player plays a sample through an external audio player process. Pausing
// kills the process and remembers the position; resuming relaunches at it.
type Player struct {
	obs    session.PlaybackObserver
	clock  clockwork.Clock
	binary string
	probe  func(path string) (time.Duration, error)

	mutex     sync.Mutex
	path      string
	duration  time.Duration
	offset    time.Duration
	startedAt time.Time
	cmd       *exec.Cmd
	done      chan struct{}
	gen       uint64
}

// NewFactory returns a session.PlayerFactory. An empty binary picks the first
// supported player found on PATH.
func NewFactory(binary string, clock clockwork.Clock) session.PlayerFactory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(obs session.PlaybackObserver) session.Player {
		return &Player{obs: obs, clock: clock, binary: binary, probe: probeDuration}
	}
}

// Open binds path and reads its duration.
func (p *Player) Open(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open sample: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", session.ErrInvalidSource, path)
	}

	if p.binary == "" {
		player, err := findAudioPlayer()
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrInvalidSource, err)
		}
		p.binary = player
	}

	d, err := p.probe(path)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidSource, err)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.path = path
	p.duration = d
	p.offset = 0
	return nil
}

// Duration returns the length of the opened sample.
func (p *Player) Duration() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.duration
}

// Position returns the current playback position.
func (p *Player) Position() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() time.Duration {
	if p.cmd == nil {
		return p.offset
	}
	pos := p.offset + p.clock.Since(p.startedAt)
	if pos > p.duration {
		pos = p.duration
	}
	return pos
}

// SeekTo moves the position. A running process is relaunched at pos.
func (p *Player) SeekTo(pos time.Duration) error {
	p.mutex.Lock()
	if pos < 0 {
		pos = 0
	}
	if pos > p.duration {
		pos = p.duration
	}
	running := p.cmd != nil
	p.mutex.Unlock()

	if !running {
		p.mutex.Lock()
		p.offset = pos
		p.mutex.Unlock()
		return nil
	}

	p.halt()
	p.mutex.Lock()
	p.offset = pos
	p.mutex.Unlock()
	return p.Start()
}

// Start launches the player at the current offset.
func (p *Player) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.path == "" {
		return errors.New("player not opened")
	}
	if p.cmd != nil {
		return nil
	}

	args := playerArgs(p.binary, p.path, p.offset)
	slog.Debug("Starting playback", "command", p.binary+" "+strings.Join(args, " "))

	cmd := exec.Command(p.binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", p.binary, err)
	}

	p.gen++
	p.cmd = cmd
	p.done = make(chan struct{})
	p.startedAt = p.clock.Now()
	go p.wait(cmd, p.done, p.gen)
	return nil
}

func (p *Player) wait(cmd *exec.Cmd, done chan struct{}, gen uint64) {
	err := cmd.Wait()
	close(done)

	p.mutex.Lock()
	if gen != p.gen || p.cmd != cmd {
		p.mutex.Unlock()
		return
	}
	p.cmd = nil
	p.offset = p.duration
	p.mutex.Unlock()

	if err != nil {
		p.obs.OnPlaybackError(p, fmt.Errorf("playback failed with %s: %w", p.binary, err))
		return
	}
	p.obs.OnCompletion(p)
}

// Pause stops the process and keeps the position.
func (p *Player) Pause() error {
	p.halt()
	return nil
}

// Stop ends playback and rewinds.
func (p *Player) Stop() error {
	p.halt()
	p.mutex.Lock()
	p.offset = 0
	p.mutex.Unlock()
	return nil
}

// Release stops playback. The player must not be used afterwards.
func (p *Player) Release() {
	p.halt()
}

// halt kills a running process without reporting completion.
func (p *Player) halt() {
	p.mutex.Lock()
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.mutex.Unlock()
		return
	}
	p.offset = p.positionLocked()
	p.gen++
	p.cmd = nil
	p.mutex.Unlock()

	cmd.Process.Kill()
	<-done
}

func findAudioPlayer() (string, error) {
	// Players that can start at an offset, in order of preference
	players := []string{"ffplay", "mpv"}

	for _, player := range players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(binary, path string, offset time.Duration) []string {
	start := strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)
	if strings.HasSuffix(binary, "mpv") {
		return []string{"--no-video", "--really-quiet", "--start=" + start, path}
	}
	return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-ss", start, path}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probeDuration asks ffprobe for the container duration.
func probeDuration(path string) (time.Duration, error) {
	out, err := exec.Command("ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "json", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (time.Duration, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if out.Format.Duration == "" {
		return 0, errors.New("ffprobe reported no duration")
	}
	secs, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", out.Format.Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
