package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultSource selects the sound system's default capture device.
const DefaultSource = "default"

// PulseBackend captures through PulseAudio or pipewire-pulse.
type PulseBackend struct{}

// Type returns the backend type
func (p *PulseBackend) Type() BackendType {
	return BackendTypePulse
}

// Input returns the pulse demuxer for source.
func (p *PulseBackend) Input(source string) Input {
	if source == "" {
		source = DefaultSource
	}
	return Input{Format: "pulse", Source: source}
}

// ListSources returns available PulseAudio sources
func (p *PulseBackend) ListSources() ([]string, error) {
	output, err := exec.Command("pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
	}
	return parsePulseSources(string(output)), nil
}

// ValidateSource checks that source is currently present.
func (p *PulseBackend) ValidateSource(source string) error {
	return validateSource(p, source)
}

// ALSABackend captures straight from ALSA PCM devices.
type ALSABackend struct{}

// Type returns the backend type
func (a *ALSABackend) Type() BackendType {
	return BackendTypeALSA
}

// Input returns the alsa demuxer for source.
func (a *ALSABackend) Input(source string) Input {
	if source == "" {
		source = DefaultSource
	}
	return Input{Format: "alsa", Source: source}
}

// ListSources returns available ALSA capture PCMs
func (a *ALSABackend) ListSources() ([]string, error) {
	output, err := exec.Command("arecord", "-L").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list ALSA devices: %w", err)
	}
	return parseALSADevices(string(output)), nil
}

// ValidateSource checks that source is currently present.
func (a *ALSABackend) ValidateSource(source string) error {
	return validateSource(a, source)
}

func validateSource(b Backend, source string) error {
	if source == "" || source == DefaultSource {
		return nil
	}

	sources, err := b.ListSources()
	if err != nil {
		return err
	}
	return findSource(source, sources)
}

// findSource reports whether name is in sources
func findSource(name string, sources []string) error {
	for _, s := range sources {
		if s == name {
			return nil
		}
	}
	slog.Debug("Capture source not found", "source", name, "available", len(sources))
	return fmt.Errorf("source not found: %s", name)
}

// parsePulseSources extracts source names from `pactl list short sources`.
// Each line is: index, name, driver, sample spec, state.
func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sources = append(sources, fields[1])
	}
	return sources
}

// parseALSADevices extracts PCM names from `arecord -L`. Names start in the
// first column and descriptions are indented below them.
func parseALSADevices(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name := strings.TrimSpace(line)
		if name == "null" {
			continue
		}
		devices = append(devices, name)
	}
	return devices
}
