package session

import (
	"errors"
	"time"

	"github.com/audiolibrelab/soundrecorder/internal/capture"
)

// State is what the session is doing right now.
type State int

const (
	Idle State = iota
	Recording
	Playing
	PlayingPaused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Playing:
		return "playing"
	case PlayingPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ErrorCode is shared with the capture service so observers handle one taxonomy.
type ErrorCode = capture.ErrorCode

const (
	NoError            = capture.NoError
	StorageAccessError = capture.StorageAccessError
	InternalError      = capture.InternalError
	InCallRecordError  = capture.InCallRecordError
)

// Event is delivered to the session Handler. It is either StateChanged or
// ErrorOccurred.
type Event interface {
	isEvent()
}

// StateChanged reports the new session state.
type StateChanged struct {
	State State
}

// ErrorOccurred reports a failed operation. It does not imply a transition.
type ErrorOccurred struct {
	Code ErrorCode
}

func (StateChanged) isEvent()  {}
func (ErrorOccurred) isEvent() {}

// Handler observes session events. It is called without internal locks held.
type Handler func(Event)

// Controller is the view of the capture service a session needs.
type Controller interface {
	Submit(cmd capture.Command) error
	IsActive() bool
	ActivePath() string
	ActiveStartTime() time.Time
	CurrentAmplitude() int
}

// ErrInvalidSource is returned by Player.Open when the path cannot be used as
// a playback source at all, as opposed to being unreadable.
var ErrInvalidSource = errors.New("invalid playback source")

// Player plays back one sample file.
type Player interface {
	Open(path string) error
	Duration() time.Duration
	Position() time.Duration
	SeekTo(pos time.Duration) error
	Start() error
	Pause() error
	Stop() error
	Release()
}

// PlaybackObserver receives asynchronous player notifications.
type PlaybackObserver interface {
	OnCompletion(p Player)
	OnPlaybackError(p Player, err error)
}

// PlayerFactory creates an unopened Player reporting to obs.
type PlayerFactory func(obs PlaybackObserver) Player

// Namer produces collision-free base names for new samples.
type Namer interface {
	UniqueName(dir, name, ext string) (string, error)
}

// Snapshot is the part of a session that survives process recreation.
type Snapshot struct {
	SamplePath          string `yaml:"sample_path" json:"sample_path"`
	SampleLengthSeconds int    `yaml:"sample_length" json:"sample_length"`
}
