package capacity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsVolume reads free space with statfs(2) on the directory holding recordings.
type StatfsVolume struct {
	Path string
}

// Stat returns blocks available to unprivileged users and the block size.
func (v StatfsVolume) Stat() (int64, int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.Path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", v.Path, err)
	}
	return int64(st.Bavail), int64(st.Bsize), nil
}
