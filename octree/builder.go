package octree

import (
	"context"
	"math"
	"math/bits"
	"slices"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// ctxCheckInterval is how many nodes are produced between context checks while building.
const ctxCheckInterval = 1 << 14

// DepthFor returns the smallest leaf depth whose root cell spans extent at resolution.
func DepthFor(extent r3.Vector, resolution float64) (int, error) {
	if !(resolution > 0) {
		return 0, utils.NewInvalidParameterError("resolution must be positive, got %v", resolution)
	}
	longest := math.Max(extent.X, math.Max(extent.Y, extent.Z))
	cells := math.Floor(longest/resolution) + 1
	if cells > 1<<MaxDepth {
		return 0, utils.NewInvalidConfigurationError(
			"extent %.3f needs %.0f cells per axis at resolution %v, more than the %d supported",
			longest, cells, resolution, 1<<MaxDepth)
	}
	return bits.Len64(uint64(cells) - 1), nil
}

// AlignedOrigin snaps min down onto the world grid of the given resolution so that leaf cells
// line up with cells produced elsewhere at that resolution.
func AlignedOrigin(min r3.Vector, resolution float64) r3.Vector {
	return r3.Vector{
		X: math.Floor(min.X/resolution) * resolution,
		Y: math.Floor(min.Y/resolution) * resolution,
		Z: math.Floor(min.Z/resolution) * resolution,
	}
}

// BuilderStats counts what a Builder has seen.
type BuilderStats struct {
	Inserted  int64
	Unique    int64
	Discarded int64
}

// Builder accumulates points into leaf cells. Points landing in an occupied cell are merged: Mean
// attributes are summed in float64 and encoded as their average at Build, SingleValue attributes
// keep the first value. Builder is safe for concurrent use.
type Builder struct {
	set     *attributes.Set
	blender *attributes.Blender
	grid    pointcloud.Grid
	depth   int
	limit   int64

	mu        sync.Mutex
	index     map[uint64]int
	keys      []uint64
	weights   []float64
	records   []byte
	sums      map[int][]float64
	inserted  int64
	discarded int64
}

// NewBuilder prepares a builder whose leaf cell (0,0,0) starts at origin.
func NewBuilder(set *attributes.Set, origin r3.Vector, resolution float64, depth int) (*Builder, error) {
	if set == nil {
		return nil, utils.NewInvalidParameterError("builder needs an attribute set")
	}
	if !(resolution > 0) {
		return nil, utils.NewInvalidParameterError("resolution must be positive, got %v", resolution)
	}
	if depth < 0 || depth > MaxDepth {
		return nil, utils.NewInvalidParameterError("depth %d out of range [0, %d]", depth, MaxDepth)
	}
	return &Builder{
		set:     set,
		blender: attributes.NewBlender(set),
		grid:    pointcloud.Grid{Origin: origin, Resolution: resolution},
		depth:   depth,
		limit:   1 << depth,
		index:   map[uint64]int{},
		sums:    map[int][]float64{},
	}, nil
}

// Attributes returns the record layout the builder expects.
func (b *Builder) Attributes() *attributes.Set { return b.set }

// Grid returns the leaf grid.
func (b *Builder) Grid() pointcloud.Grid { return b.grid }

func (b *Builder) cellOf(pos r3.Vector) (pointcloud.VoxelCoords, bool) {
	c := b.grid.Cell(pos)
	if c.I < 0 || c.J < 0 || c.K < 0 || c.I >= b.limit || c.J >= b.limit || c.K >= b.limit {
		return c, false
	}
	return c, true
}

// Insert merges one point. It returns false when the point falls outside the octree volume and
// was discarded.
func (b *Builder) Insert(pos r3.Vector, record []byte) bool {
	c, ok := b.cellOf(pos)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		b.discarded++
		return false
	}
	b.insertLocked(MortonKey(c), record)
	return true
}

// InsertBuffer merges every point of buf, holding the lock once. It returns how many were
// discarded.
func (b *Builder) InsertBuffer(buf *pointcloud.PointBufferF64) int {
	discarded := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < buf.Len(); i++ {
		pos := buf.Vector(i)
		c, ok := b.cellOf(pos)
		if !ok {
			discarded++
			continue
		}
		b.insertLocked(MortonKey(c), buf.AttributeRecord(i))
	}
	b.discarded += int64(discarded)
	return discarded
}

func (b *Builder) insertLocked(key uint64, record []byte) {
	b.inserted++
	stride := b.set.Stride()
	if i, ok := b.index[key]; ok {
		if lanes := b.blender.Lanes(); lanes > 0 {
			sum, ok := b.sums[i]
			if !ok {
				sum = make([]float64, lanes)
				b.blender.AddLanes(sum, b.records[i*stride:(i+1)*stride], 1)
				b.sums[i] = sum
			}
			b.blender.AddLanes(sum, record, 1)
		}
		b.weights[i]++
		return
	}
	b.index[key] = len(b.keys)
	b.keys = append(b.keys, key)
	b.weights = append(b.weights, 1)
	b.records = append(b.records, record[:stride]...)
}

// Stats returns a consistent snapshot of the counters.
func (b *Builder) Stats() BuilderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BuilderStats{Inserted: b.inserted, Unique: int64(len(b.keys)), Discarded: b.discarded}
}

type levelEntry struct {
	key    uint64
	handle int32
}

// Build produces the octree bottom-up: leaves in Morton order, then each coarser level blends the
// children sharing a parent key. header supplies SRID and metadata; geometry fields are filled in.
func (b *Builder) Build(ctx context.Context, header Header) (*Octree, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.keys) > math.MaxInt32/2 {
		return nil, utils.NewMemoryAllocationError("%d leaves exceed the node arena", len(b.keys))
	}
	order := make([]int, len(b.keys))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(x, y int) int {
		switch {
		case b.keys[x] < b.keys[y]:
			return -1
		case b.keys[x] > b.keys[y]:
			return 1
		default:
			return 0
		}
	})

	stride := b.set.Stride()
	for i, sum := range b.sums {
		b.blender.EncodeLanes(b.records[i*stride:(i+1)*stride], sum, b.weights[i])
	}

	capacity := len(order) + len(order)/4 + b.depth + 1
	nodes := make([]Node, 0, capacity)
	records := make([]byte, 0, capacity*stride)

	// Bounds cover whole leaf cells so that a box over them contains every leaf centre.
	bounds := pointcloud.NewBounds()
	cur := make([]levelEntry, 0, len(order))
	for _, i := range order {
		n := emptyNode()
		n.Depth = uint8(b.depth)
		n.Key = b.keys[i]
		cell := MortonCoords(n.Key)
		n.Position = b.grid.Center(cell)
		lo, hi := b.grid.CellBounds(cell)
		bounds.Merge(lo)
		bounds.Merge(hi)
		cur = append(cur, levelEntry{key: n.Key, handle: int32(len(nodes))})
		nodes = append(nodes, n)
		records = append(records, b.records[i*stride:(i+1)*stride]...)
	}

	for depth := b.depth; depth > 0 && len(cur) > 0; depth-- {
		next := make([]levelEntry, 0, len(cur)/2+1)
		for i := 0; i < len(cur); {
			if len(nodes)%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, utils.WithKind(utils.Cancelled, err)
				}
			}
			parent := emptyNode()
			parent.Depth = uint8(depth - 1)
			parent.Key = cur[i].key >> 3
			h := int32(len(nodes))
			records = append(records, make([]byte, stride)...)

			var children [8][]byte
			var sum r3.Vector
			count := 0
			for ; i < len(cur) && cur[i].key>>3 == parent.Key; i++ {
				slot := cur[i].key & 7
				ch := cur[i].handle
				parent.Children[slot] = ch
				children[slot] = records[int(ch)*stride : (int(ch)+1)*stride]
				sum = sum.Add(nodes[ch].Position)
				count++
			}
			parent.Position = sum.Mul(1 / float64(count))
			b.blender.BlendChildren(records[int(h)*stride:(int(h)+1)*stride], &children)
			nodes = append(nodes, parent)
			next = append(next, levelEntry{key: parent.Key, handle: h})
		}
		cur = next
	}

	root := NoChild
	if len(cur) == 1 {
		root = cur[0].handle
	}
	header.Resolution = b.grid.Resolution
	header.Origin = b.grid.Origin
	header.Depth = b.depth
	header.PointCount = int64(len(order))
	if !bounds.Empty() {
		header.Bounds = BoundingVolume{Min: bounds.Min, Max: bounds.Max}
	}
	return Assemble(header, b.set, nodes, records, root)
}
