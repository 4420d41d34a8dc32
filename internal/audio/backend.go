package audio

import (
	"fmt"
	"os/exec"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePulse BackendType = "pulse"
	BackendTypeALSA  BackendType = "alsa"
	BackendTypeAuto  BackendType = "auto"
)

// Input is the ffmpeg demuxer and device a recording reads from.
type Input struct {
	Format string
	Source string
}

// Backend lists and validates capture sources for one sound system.
type Backend interface {
	Type() BackendType
	// Input maps a configured source name to an ffmpeg input.
	Input(source string) Input
	ListSources() ([]string, error)
	ValidateSource(source string) error
}

// NewBackend creates the backend named in configuration. "auto" and the empty
// string prefer PulseAudio (served by PipeWire on modern desktops) and fall back
// to ALSA.
func NewBackend(name string) (Backend, error) {
	switch BackendType(strings.ToLower(name)) {
	case BackendTypePulse:
		return &PulseBackend{}, nil
	case BackendTypeALSA:
		return &ALSABackend{}, nil
	case BackendTypeAuto, "":
		if _, err := exec.LookPath("pactl"); err == nil {
			return &PulseBackend{}, nil
		}
		return &ALSABackend{}, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q (valid: pulse, alsa, auto)", name)
	}
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	var backends []BackendType
	if _, err := exec.LookPath("pactl"); err == nil {
		backends = append(backends, BackendTypePulse)
	}
	if _, err := exec.LookPath("arecord"); err == nil {
		backends = append(backends, BackendTypeALSA)
	}
	return backends
}
