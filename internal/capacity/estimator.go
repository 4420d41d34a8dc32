package capacity

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// BlockMargin is the number of free blocks kept in reserve on the recording volume.
const BlockMargin = 32

// Constraint identifies which limit a recording will hit first.
type Constraint int

const (
	Unknown Constraint = iota
	FileSizeLimit
	DiskSpaceLimit
)

func (c Constraint) String() string {
	switch c {
	case FileSizeLimit:
		return "file_size"
	case DiskSpaceLimit:
		return "disk_space"
	default:
		return "unknown"
	}
}

// Volume reports free space on the filesystem recordings are written to.
type Volume interface {
	Stat() (freeBlocks int64, blockSize int64, err error)
}

// Estimator predicts how many seconds of recording remain before either the
// volume fills up or the watched file reaches its size cap.
//
// Free blocks and file size only change when the filesystem allocates, so
// between changes the estimate is interpolated by subtracting the seconds
// elapsed since the last observed change.
type Estimator struct {
	volume Volume
	fs     afero.Fs
	clock  clockwork.Clock

	mu             sync.Mutex
	bytesPerSecond int64
	constraint     Constraint

	watchedFile string
	maxBytes    int64

	lastBlocks        int64
	blocksChangedAt   time.Time
	lastFileSize      int64
	fileSizeChangedAt time.Time
}

// New creates an estimator for the given volume. fs is used to stat the
// watched file when a size cap is configured.
func New(volume Volume, fs afero.Fs, clock clockwork.Clock) *Estimator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Estimator{
		volume: volume,
		fs:     fs,
		clock:  clock,
	}
}

// SetBitRate configures the expected encoder output in bits per second.
func (e *Estimator) SetBitRate(bitsPerSecond int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bytesPerSecond = int64(bitsPerSecond / 8)
}

// BytesPerSecond returns the configured byte rate.
func (e *Estimator) BytesPerSecond() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bytesPerSecond
}

// SetFileSizeLimit enables the second estimate based on how long it takes
// path to grow to maxBytes.
func (e *Estimator) SetFileSizeLimit(path string, maxBytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchedFile = path
	e.maxBytes = maxBytes
}

// Reset forgets all observations. Called at the start of every recording.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.constraint = Unknown
	e.watchedFile = ""
	e.maxBytes = 0
	e.lastBlocks = 0
	e.blocksChangedAt = time.Time{}
	e.lastFileSize = 0
	e.fileSizeChangedAt = time.Time{}
}

// Remaining returns the estimated number of recordable seconds left and
// records which constraint produced it.
func (e *Estimator) Remaining() (int64, error) {
	blocks, blockSize, err := e.volume.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat recording volume: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bytesPerSecond <= 0 {
		e.constraint = Unknown
		return 0, nil
	}

	now := e.clock.Now()

	blocks -= BlockMargin
	if blocks < 0 {
		blocks = 0
	}
	if e.blocksChangedAt.IsZero() || blocks != e.lastBlocks {
		e.blocksChangedAt = now
		e.lastBlocks = blocks
	}

	diskEstimate := e.lastBlocks*blockSize/e.bytesPerSecond - elapsedSeconds(now, e.blocksChangedAt)

	if e.watchedFile == "" {
		e.constraint = DiskSpaceLimit
		return diskEstimate, nil
	}

	// A file that does not exist yet has size zero.
	var fileSize int64
	if info, err := e.fs.Stat(e.watchedFile); err == nil {
		fileSize = info.Size()
	}
	if e.fileSizeChangedAt.IsZero() || fileSize != e.lastFileSize {
		e.fileSizeChangedAt = now
		e.lastFileSize = fileSize
	}

	sizeEstimate := (e.maxBytes-fileSize)/e.bytesPerSecond - elapsedSeconds(now, e.fileSizeChangedAt) - 1

	if diskEstimate < sizeEstimate {
		e.constraint = DiskSpaceLimit
		return diskEstimate, nil
	}
	e.constraint = FileSizeLimit
	return sizeEstimate, nil
}

// BoundingConstraint returns the constraint recorded by the last Remaining call.
func (e *Estimator) BoundingConstraint() Constraint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.constraint
}

// DiskSpaceAvailable reports whether the volume has more free blocks than the
// reserved margin.
func (e *Estimator) DiskSpaceAvailable() bool {
	blocks, _, err := e.volume.Stat()
	if err != nil {
		return false
	}
	return blocks > BlockMargin
}

func elapsedSeconds(now, since time.Time) int64 {
	return int64(now.Sub(since) / time.Second)
}
