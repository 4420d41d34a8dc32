package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrUnsupported is returned by Add for files the catalog does not index.
var ErrUnsupported = errors.New("unsupported media type")

var mimeTypes = map[string]string{
	".3gpp": "audio/3gpp",
	".amr":  "audio/amr",
}

// Entry describes one catalogued recording.
type Entry struct {
	Ref       string    `yaml:"ref" json:"ref"`
	Name      string    `yaml:"name" json:"name"`
	Path      string    `yaml:"path" json:"path"`
	MimeType  string    `yaml:"mime_type" json:"mime_type"`
	Size      int64     `yaml:"size" json:"size"`
	SizeHuman string    `yaml:"-" json:"size_human"`
	Added     time.Time `yaml:"added" json:"added"`
	Missing   bool      `yaml:"-" json:"missing"`
}

type index struct {
	NextID      int     `yaml:"next_id"`
	LastUpdated string  `yaml:"last_updated"`
	Recordings  []Entry `yaml:"recordings"`
}

// Catalog is a YAML index of finished recordings.
type Catalog struct {
	fs    afero.Fs
	path  string
	clock clockwork.Clock

	mu sync.RWMutex
}

// New creates a catalog stored at indexPath.
func New(fs afero.Fs, indexPath string, clock clockwork.Clock) *Catalog {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Catalog{fs: fs, path: indexPath, clock: clock}
}

// Path returns the index file location.
func (c *Catalog) Path() string {
	return c.path
}

// Add indexes a finished recording and returns its reference. Adding the same
// path twice returns the existing reference with refreshed size.
func (c *Catalog) Add(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := mimeTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	info, err := c.fs.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat recording: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.load()
	if err != nil {
		return "", err
	}

	for i := range idx.Recordings {
		if idx.Recordings[i].Path == path {
			idx.Recordings[i].Size = info.Size()
			ref := idx.Recordings[i].Ref
			return ref, c.save(idx)
		}
	}

	idx.NextID++
	entry := Entry{
		Ref:      fmt.Sprintf("rec-%d", idx.NextID),
		Name:     filepath.Base(path),
		Path:     path,
		MimeType: mime,
		Size:     info.Size(),
		Added:    c.clock.Now(),
	}
	idx.Recordings = append(idx.Recordings, entry)
	if err := c.save(idx); err != nil {
		return "", err
	}

	slog.Info("Recording added to catalog", "ref", entry.Ref, "path", path)
	return entry.Ref, nil
}

// Lookup finds the entry for path.
func (c *Catalog) Lookup(path string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, err := c.load()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range idx.Recordings {
		if e.Path == path {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Remove drops path from the index. Unknown paths are ignored.
func (c *Catalog) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.load()
	if err != nil {
		return err
	}
	kept := idx.Recordings[:0]
	for _, e := range idx.Recordings {
		if e.Path != path {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(idx.Recordings) {
		return nil
	}
	idx.Recordings = kept
	return c.save(idx)
}

// List returns all entries, newest first. Entries whose file is gone are
// flagged as missing.
func (c *Catalog) List() ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, err := c.load()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(idx.Recordings))
	for _, e := range idx.Recordings {
		if info, err := c.fs.Stat(e.Path); err == nil {
			e.Size = info.Size()
		} else {
			e.Missing = true
		}
		e.SizeHuman = FormatBytes(e.Size)
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Added.After(entries[j].Added)
	})
	return entries, nil
}

func (c *Catalog) load() (*index, error) {
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &idx, nil
}

func (c *Catalog) save(idx *index) error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	idx.LastUpdated = c.clock.Now().Format(time.RFC3339)
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	if err := afero.WriteFile(c.fs, c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
