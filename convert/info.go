package convert

import (
	"time"

	"go.viam.com/voxelvault/pointcloud"
)

// State is where a context is in its conversion lifecycle.
type State int

// Conversion states.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ItemStatus is the progress of a single item.
type ItemStatus int

// Item statuses.
const (
	ItemPending ItemStatus = iota
	ItemReading
	ItemDone
	ItemSkipped
	ItemFailed
)

func (s ItemStatus) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemReading:
		return "reading"
	case ItemDone:
		return "done"
	case ItemSkipped:
		return "skipped"
	case ItemFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemInfo describes one item as known to the last or running conversion.
type ItemInfo struct {
	Name       string
	Status     ItemStatus
	Projection Projection
	SRID       int
	// PointCount is the estimate reported by the source or -1.
	PointCount  int64
	Bounds      pointcloud.Bounds
	BoundsKnown bool
	Resolution  float64
	// Spacing is the median distance between consecutive points seen in the bounds pre-pass.
	Spacing    float64
	PointsRead int64
	Err        string
}

// Info is a consistent snapshot of a context's statistics.
type Info struct {
	State       State
	CurrentItem int
	ItemCount   int
	Items       []ItemInfo

	PointsRead      int64
	UniquePoints    int64
	DiscardedPoints int64
	SkippedItems    int

	// TempBytes is how much spool data is on disk; TempAvailableBytes is the free space left in
	// the temp directory when the conversion started.
	TempBytes          int64
	TempAvailableBytes uint64

	Resolution float64
	SRID       int
	Output     string
	Started    time.Time
	Finished   time.Time
	Err        string
}

func (info *Info) clone() *Info {
	c := *info
	c.Items = append([]ItemInfo(nil), info.Items...)
	return &c
}
