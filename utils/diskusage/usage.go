// Package diskusage is used to get platform specific file system usage information.
package diskusage

import (
	"fmt"

	"github.com/docker/go-units"
)

// DiskUsage describes the file system holding a path.
type DiskUsage struct {
	AvailableBytes uint64
	SizeBytes      uint64
}

// AvailablePercent returns the share of the file system that is still free.
func (du DiskUsage) AvailablePercent() float64 {
	if du.SizeBytes == 0 {
		return 0
	}
	return float64(du.AvailableBytes) / float64(du.SizeBytes) * 100
}

func (du DiskUsage) String() string {
	return fmt.Sprintf("%s of %s available (%.1f%%)",
		units.BytesSize(float64(du.AvailableBytes)), units.BytesSize(float64(du.SizeBytes)), du.AvailablePercent())
}
