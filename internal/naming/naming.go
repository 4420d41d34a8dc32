package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// DefaultPrefix names samples when the caller gives no usable name.
const DefaultPrefix = "recording"

// maxAttempts bounds the numeric suffix search.
const maxAttempts = 10000

// ErrNoFreeName is returned when every candidate name is taken.
var ErrNoFreeName = errors.New("no free sample name")

// Namer picks base names that do not collide with files already in a directory.
type Namer struct {
	fs    afero.Fs
	clock clockwork.Clock
}

// New creates a Namer.
func New(fs afero.Fs, clock clockwork.Clock) *Namer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Namer{fs: fs, clock: clock}
}

// UniqueName returns a cleaned base name (without extension) such that
// dir/name+ext does not exist. An empty name becomes a timestamped default.
func (n *Namer) UniqueName(dir, name, ext string) (string, error) {
	base := CleanFileName(name)
	if base == "" {
		base = DefaultPrefix + "-" + n.clock.Now().Format("20060102-150405")
	}

	candidate := base
	for i := 1; i <= maxAttempts; i++ {
		exists, err := afero.Exists(n.fs, filepath.Join(dir, candidate+ext))
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", candidate+ext, err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("%w for %q in %s", ErrNoFreeName, base, dir)
}

// CleanFileName keeps letters, digits, hyphens and underscores, and turns
// spaces into underscores.
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}
