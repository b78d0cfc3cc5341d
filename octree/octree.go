// Package octree implements the level-of-detail voxel octree that conversions build and queries
// traverse. Nodes live in an arena addressed by int32 handles; every node holds one attribute
// record in a parallel byte arena. Leaves hold sampled records and internal nodes hold the blend
// of their children.
package octree

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

// NoChild marks an absent child.
const NoChild int32 = -1

// Version of the persisted octree layout.
const Version = 1

// Node is one voxel of the hierarchy. Depth 0 is the root and leaves sit at the header's Depth.
type Node struct {
	Children [8]int32
	Depth    uint8
	Key      uint64
	Position r3.Vector
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	for _, c := range n.Children {
		if c != NoChild {
			return false
		}
	}
	return true
}

func emptyNode() Node {
	n := Node{}
	for i := range n.Children {
		n.Children[i] = NoChild
	}
	return n
}

// BoundingVolume is an axis-aligned box in world coordinates.
type BoundingVolume struct {
	Min r3.Vector `json:"min"`
	Max r3.Vector `json:"max"`
}

// Header describes a built octree.
type Header struct {
	Version    int     `json:"version"`
	Resolution float64 `json:"resolution"`
	SRID       int     `json:"srid"`
	// Origin is the world position of the minimum corner of leaf cell (0,0,0).
	Origin r3.Vector `json:"origin"`
	// ScaledRange is the edge length of the root cell.
	ScaledRange float64 `json:"scaled_range"`
	Depth       int     `json:"depth"`
	LODLayers   int     `json:"lod_layers"`
	// Bounds encloses every point inserted into the octree.
	Bounds BoundingVolume `json:"bounding_volume"`
	// StoredMatrix maps the unit cube onto the root cell, column major.
	StoredMatrix [16]float64             `json:"stored_matrix"`
	Attributes   []attributes.Descriptor `json:"attributes"`
	PointCount   int64                   `json:"point_count"`
	NodeCount    int64                   `json:"node_count"`
	Metadata     map[string]interface{}  `json:"metadata,omitempty"`
}

func storedMatrix(origin r3.Vector, scaledRange float64) [16]float64 {
	return [16]float64{
		scaledRange, 0, 0, 0,
		0, scaledRange, 0, 0,
		0, 0, scaledRange, 0,
		origin.X, origin.Y, origin.Z, 1,
	}
}

// Octree is an immutable built octree. It is safe for concurrent readers.
type Octree struct {
	header  Header
	set     *attributes.Set
	nodes   []Node
	records []byte
	root    int32
}

// Assemble wraps an existing node and record arena. Handles are checked lazily on access, so
// Validate should be called on untrusted input.
func Assemble(header Header, set *attributes.Set, nodes []Node, records []byte, root int32) (*Octree, error) {
	if set == nil {
		return nil, utils.NewInvalidParameterError("octree needs an attribute set")
	}
	if !(header.Resolution > 0) {
		return nil, utils.NewInvalidParameterError("octree resolution must be positive, got %v", header.Resolution)
	}
	if header.Depth < 0 || header.Depth > MaxDepth {
		return nil, utils.NewInvalidParameterError("octree depth %d out of range", header.Depth)
	}
	if len(records) != len(nodes)*set.Stride() {
		return nil, utils.NewInvalidParameterError("record arena holds %d bytes, expected %d", len(records), len(nodes)*set.Stride())
	}
	if root != NoChild && (root < 0 || int(root) >= len(nodes)) {
		return nil, utils.NewInvalidParameterError("root handle %d out of range", root)
	}
	header.Version = Version
	header.Attributes = set.Descriptors()
	header.LODLayers = header.Depth + 1
	header.ScaledRange = header.Resolution * math.Ldexp(1, header.Depth)
	header.StoredMatrix = storedMatrix(header.Origin, header.ScaledRange)
	header.NodeCount = int64(len(nodes))
	return &Octree{header: header, set: set, nodes: nodes, records: records, root: root}, nil
}

// Header returns a copy of the header.
func (o *Octree) Header() Header {
	h := o.header
	h.Attributes = append([]attributes.Descriptor(nil), h.Attributes...)
	h.Metadata = copyMetadata(h.Metadata)
	return h
}

// Attributes returns the attribute set of the node records.
func (o *Octree) Attributes() *attributes.Set { return o.set }

// Root returns the root handle, NoChild for an empty octree.
func (o *Octree) Root() int32 { return o.root }

// NodeCount returns the number of nodes in the arena.
func (o *Octree) NodeCount() int { return len(o.nodes) }

// PointCount returns the number of leaves.
func (o *Octree) PointCount() int64 { return o.header.PointCount }

// Grid returns the leaf grid.
func (o *Octree) Grid() pointcloud.Grid {
	return pointcloud.Grid{Origin: o.header.Origin, Resolution: o.header.Resolution}
}

// Metadata returns a copy of the metadata map.
func (o *Octree) Metadata() map[string]interface{} {
	return copyMetadata(o.header.Metadata)
}

// SetMetadata replaces the metadata map.
func (o *Octree) SetMetadata(m map[string]interface{}) {
	o.header.Metadata = copyMetadata(m)
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			v = copyMetadata(nested)
		}
		out[k] = v
	}
	return out
}

// Node returns the node behind handle h.
func (o *Octree) Node(h int32) (*Node, error) {
	if h < 0 || int(h) >= len(o.nodes) {
		return nil, utils.NewParseError("corrupt octree: node handle %d out of range [0, %d)", h, len(o.nodes))
	}
	return &o.nodes[h], nil
}

// Record returns the attribute record of handle h. The slice aliases the arena and must not be
// modified.
func (o *Octree) Record(h int32) ([]byte, error) {
	if h < 0 || int(h) >= len(o.nodes) {
		return nil, utils.NewParseError("corrupt octree: record handle %d out of range [0, %d)", h, len(o.nodes))
	}
	stride := o.set.Stride()
	return o.records[int(h)*stride : (int(h)+1)*stride], nil
}

// CellSize returns the edge length of cells at the given depth.
func (o *Octree) CellSize(depth uint8) float64 {
	return o.header.Resolution * math.Ldexp(1, o.header.Depth-int(depth))
}

// NodeBounds returns the world-space cell of a node.
func (o *Octree) NodeBounds(n *Node) spatialmath.AABB {
	size := o.CellSize(n.Depth)
	c := MortonCoords(n.Key)
	lo := o.header.Origin.Add(r3.Vector{X: float64(c.I) * size, Y: float64(c.J) * size, Z: float64(c.K) * size})
	return spatialmath.AABB{Min: lo, Max: lo.Add(r3.Vector{X: size, Y: size, Z: size})}
}

// LeafCell returns the leaf grid coordinates of a leaf node relative to the origin.
func (o *Octree) LeafCell(n *Node) pointcloud.VoxelCoords {
	return MortonCoords(n.Key)
}

// Validate checks every handle, depth and key of the arena.
func (o *Octree) Validate() error {
	if o.root == NoChild {
		if len(o.nodes) != 0 {
			return utils.NewParseError("corrupt octree: %d nodes without a root", len(o.nodes))
		}
		return nil
	}
	if o.nodes[o.root].Depth != 0 {
		return utils.NewParseError("corrupt octree: root at depth %d", o.nodes[o.root].Depth)
	}
	for h := range o.nodes {
		n := &o.nodes[h]
		if int(n.Depth) > o.header.Depth {
			return utils.NewParseError("corrupt octree: node %d deeper than %d", h, o.header.Depth)
		}
		for slot, c := range n.Children {
			if c == NoChild {
				continue
			}
			child, err := o.Node(c)
			if err != nil {
				return err
			}
			if child.Depth != n.Depth+1 || child.Key != n.Key<<3|uint64(slot) {
				return utils.NewParseError("corrupt octree: node %d slot %d does not hold its child cell", h, slot)
			}
		}
	}
	return nil
}

// ForEachLeaf calls fn for each leaf in depth-first child-slot order until fn returns false.
func (o *Octree) ForEachLeaf(fn func(n *Node, record []byte) bool) error {
	if o.root == NoChild {
		return nil
	}
	stack := []int32{o.root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := o.Node(h)
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			rec, err := o.Record(h)
			if err != nil {
				return err
			}
			if !fn(n, rec) {
				return nil
			}
			continue
		}
		for slot := 7; slot >= 0; slot-- {
			if c := n.Children[slot]; c != NoChild {
				stack = append(stack, c)
			}
		}
	}
	return nil
}
