//go:build !windows

package diskusage

import (
	"syscall"

	"github.com/pkg/errors"
)

// Statfs reports the size and free space of the file system holding path.
func Statfs(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, errors.Wrapf(err, "statfs %q", path)
	}
	//nolint:unconvert
	blockSize := uint64(stat.Bsize)
	return DiskUsage{AvailableBytes: stat.Bavail * blockSize, SizeBytes: stat.Blocks * blockSize}, nil
}
