package diskusage

import "errors"

// Statfs is not available on windows.
func Statfs(volumePath string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage is not supported on windows")
}
