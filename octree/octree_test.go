package octree

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

var testSet = attributes.MustGenerate(attributes.Of(attributes.Intensity, attributes.Classification), 0)

func record(intensity uint16, class uint8) []byte {
	rec := make([]byte, 3)
	binary.LittleEndian.PutUint16(rec, intensity)
	rec[2] = class
	return rec
}

func TestMorton(t *testing.T) {
	for _, c := range []pointcloud.VoxelCoords{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {5, 9, 1<<MaxDepth - 1}, {123456, 654321, 77}} {
		key := MortonKey(c)
		test.That(t, MortonCoords(key), test.ShouldResemble, c)
		parent := MortonCoords(key >> 3)
		test.That(t, parent, test.ShouldResemble, pointcloud.VoxelCoords{I: c.I >> 1, J: c.J >> 1, K: c.K >> 1})
		slot := key & 7
		test.That(t, int64(slot&1), test.ShouldEqual, c.I&1)
		test.That(t, int64(slot>>1&1), test.ShouldEqual, c.J&1)
		test.That(t, int64(slot>>2&1), test.ShouldEqual, c.K&1)
	}
}

func TestDepthFor(t *testing.T) {
	cases := []struct {
		extent r3.Vector
		res    float64
		depth  int
	}{
		{r3.Vector{}, 1, 0},
		{r3.Vector{X: 1}, 1, 1},
		{r3.Vector{Y: 3.5}, 1, 2},
		{r3.Vector{Z: 4}, 1, 3},
		{r3.Vector{X: 10, Y: 10, Z: 10}, 0.01, 10},
	}
	for _, tc := range cases {
		depth, err := DepthFor(tc.extent, tc.res)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, depth, test.ShouldEqual, tc.depth)
	}
	_, err := DepthFor(r3.Vector{X: 1e9}, 0.001)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidConfiguration)
	_, err = DepthFor(r3.Vector{X: 1}, 0)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	test.That(t, AlignedOrigin(r3.Vector{X: 1.26, Y: -0.01, Z: 3}, 0.5), test.ShouldResemble, r3.Vector{X: 1, Y: -0.5, Z: 3})
}

func TestBuilderMerges(t *testing.T) {
	_, err := NewBuilder(testSet, r3.Vector{}, 1, MaxDepth+1)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	b, err := NewBuilder(testSet, r3.Vector{}, 1, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Insert(r3.Vector{X: 0.2, Y: 0.2, Z: 0.2}, record(10, 3)), test.ShouldBeTrue)
	test.That(t, b.Insert(r3.Vector{X: 0.8, Y: 0.9, Z: 0.1}, record(20, 5)), test.ShouldBeTrue)
	test.That(t, b.Insert(r3.Vector{X: 4.1}, record(1, 1)), test.ShouldBeFalse)
	test.That(t, b.Insert(r3.Vector{X: -0.1}, record(1, 1)), test.ShouldBeFalse)
	test.That(t, b.Stats(), test.ShouldResemble, BuilderStats{Inserted: 2, Unique: 1, Discarded: 2})

	tree, err := b.Build(context.Background(), Header{SRID: 32631})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 1)
	var leaves int
	test.That(t, tree.ForEachLeaf(func(n *Node, rec []byte) bool {
		leaves++
		test.That(t, n.Position, test.ShouldResemble, r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
		test.That(t, rec, test.ShouldResemble, record(15, 3))
		return true
	}), test.ShouldBeNil)
	test.That(t, leaves, test.ShouldEqual, 1)
}

func TestBuilderMeanOverManyMerges(t *testing.T) {
	set := attributes.MustGenerate(attributes.Of(attributes.ARGB, attributes.Intensity), 0)
	argb := func(v uint8, intensity uint16) []byte {
		rec := []byte{v, v, v, 255, 0, 0}
		binary.LittleEndian.PutUint16(rec[4:], intensity)
		return rec
	}
	leaf := func(t *testing.T, b *Builder) []byte {
		t.Helper()
		tree, err := b.Build(context.Background(), Header{})
		test.That(t, err, test.ShouldBeNil)
		var got []byte
		test.That(t, tree.ForEachLeaf(func(n *Node, rec []byte) bool {
			got = rec
			return true
		}), test.ShouldBeNil)
		return got
	}

	t.Run("late samples still move the mean", func(t *testing.T) {
		b, err := NewBuilder(set, r3.Vector{}, 1, 0)
		test.That(t, err, test.ShouldBeNil)
		for i := 0; i < 600; i++ {
			b.Insert(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, argb(0, 0))
		}
		for i := 0; i < 6000; i++ {
			b.Insert(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, argb(255, 0))
		}
		// 255 * 6000 / 6600 = 231.8
		test.That(t, leaf(t, b)[:4], test.ShouldResemble, []byte{232, 232, 232, 255})
	})

	t.Run("no rounding drift", func(t *testing.T) {
		b, err := NewBuilder(set, r3.Vector{}, 1, 0)
		test.That(t, err, test.ShouldBeNil)
		b.Insert(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, argb(0, 1))
		for i := 0; i < 99; i++ {
			b.Insert(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, argb(0, 0))
		}
		test.That(t, binary.LittleEndian.Uint16(leaf(t, b)[4:]), test.ShouldEqual, 0)

		// building again and merging more keeps using the exact sums.
		for i := 0; i < 100; i++ {
			b.Insert(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, argb(0, 3))
		}
		test.That(t, binary.LittleEndian.Uint16(leaf(t, b)[4:]), test.ShouldEqual, 2)
	})
}

func TestBuildLevels(t *testing.T) {
	b, err := NewBuilder(testSet, r3.Vector{X: 10}, 1, 2)
	test.That(t, err, test.ShouldBeNil)
	b.Insert(r3.Vector{X: 10.5, Y: 0.5, Z: 0.5}, record(100, 7))
	b.Insert(r3.Vector{X: 11.5, Y: 1.5, Z: 1.5}, record(200, 2))
	b.Insert(r3.Vector{X: 13.5, Y: 3.5, Z: 3.5}, record(50, 9))

	tree, err := b.Build(context.Background(), Header{Metadata: map[string]interface{}{"author": "survey"}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Validate(), test.ShouldBeNil)
	h := tree.Header()
	test.That(t, h.Depth, test.ShouldEqual, 2)
	test.That(t, h.LODLayers, test.ShouldEqual, 3)
	test.That(t, h.ScaledRange, test.ShouldEqual, 4)
	test.That(t, h.PointCount, test.ShouldEqual, 3)
	test.That(t, h.NodeCount, test.ShouldEqual, 6)
	test.That(t, h.Bounds.Min, test.ShouldResemble, r3.Vector{X: 10, Y: 0, Z: 0})
	test.That(t, h.Bounds.Max, test.ShouldResemble, r3.Vector{X: 14, Y: 4, Z: 4})
	test.That(t, h.StoredMatrix[12], test.ShouldEqual, 10)
	test.That(t, tree.Metadata()["author"], test.ShouldEqual, "survey")

	root, err := tree.Node(tree.Root())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, root.Depth, test.ShouldEqual, 0)
	test.That(t, tree.NodeBounds(root), test.ShouldResemble,
		spatialmath.AABB{Min: r3.Vector{X: 10}, Max: r3.Vector{X: 14, Y: 4, Z: 4}})

	// slot 0 holds the first two leaves, slot 7 the third
	test.That(t, root.Children[0], test.ShouldNotEqual, NoChild)
	test.That(t, root.Children[7], test.ShouldNotEqual, NoChild)
	for _, slot := range []int{1, 2, 3, 4, 5, 6} {
		test.That(t, root.Children[slot], test.ShouldEqual, NoChild)
	}
	low, err := tree.Node(root.Children[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, low.Position, test.ShouldResemble, r3.Vector{X: 11, Y: 1, Z: 1})
	lowRec, err := tree.Record(root.Children[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lowRec, test.ShouldResemble, record(150, 7))

	rootRec, err := tree.Record(tree.Root())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rootRec, test.ShouldResemble, record(100, 7))

	var cells []pointcloud.VoxelCoords
	test.That(t, tree.ForEachLeaf(func(n *Node, _ []byte) bool {
		cells = append(cells, tree.LeafCell(n))
		return true
	}), test.ShouldBeNil)
	test.That(t, cells, test.ShouldResemble, []pointcloud.VoxelCoords{{0, 0, 0}, {1, 1, 1}, {3, 3, 3}})

	_, err = tree.Node(99)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.ParseError)
	_, err = tree.Record(-5)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.ParseError)
}

func TestBuilderConcurrentInsert(t *testing.T) {
	b, err := NewBuilder(testSet, r3.Vector{}, 0.5, 4)
	test.That(t, err, test.ShouldBeNil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := pointcloud.NewPointBufferF64(100, testSet)
			if err != nil {
				return
			}
			for i := 0; i < 100; i++ {
				_ = buf.Append([3]float64{float64(i%10) * 0.5, 1, 1}, record(uint16(w), 1))
			}
			b.InsertBuffer(buf)
		}()
	}
	wg.Wait()
	test.That(t, b.Stats(), test.ShouldResemble, BuilderStats{Inserted: 800, Unique: 10})
}

func TestSaveLoad(t *testing.T) {
	b, err := NewBuilder(testSet, r3.Vector{X: -1, Y: -1, Z: -1}, 0.25, 4)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 200; i++ {
		f := float64(i) / 200
		b.Insert(r3.Vector{X: f*3 - 1, Y: f*f*3 - 1, Z: 1 - f*2}, record(uint16(i), uint8(i%4)))
	}
	tree, err := b.Build(context.Background(), Header{SRID: 4978, Metadata: map[string]interface{}{
		"project": map[string]interface{}{"name": "quarry"},
	}})
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "cloud"+Extension)
	test.That(t, tree.Save(path), test.ShouldBeNil)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Header(), test.ShouldResemble, tree.Header())
	test.That(t, loaded.Attributes().Equal(tree.Attributes()), test.ShouldBeTrue)
	test.That(t, loaded.Root(), test.ShouldEqual, tree.Root())
	test.That(t, loaded.NodeCount(), test.ShouldEqual, tree.NodeCount())
	for h := int32(0); int(h) < tree.NodeCount(); h++ {
		want, err := tree.Node(h)
		test.That(t, err, test.ShouldBeNil)
		got, err := loaded.Node(h)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, want)
		wantRec, _ := tree.Record(h)
		gotRec, _ := loaded.Record(h)
		test.That(t, gotRec, test.ShouldResemble, wantRec)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.uds"))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.OpenFailure)

	garbage := filepath.Join(dir, "garbage.uds")
	test.That(t, os.WriteFile(garbage, []byte("definitely not an octree"), 0o600), test.ShouldBeNil)
	_, err = Load(garbage)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.ParseError)

	b, err := NewBuilder(testSet, r3.Vector{}, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	b.Insert(r3.Vector{X: 0.5}, record(1, 1))
	tree, err := b.Build(context.Background(), Header{})
	test.That(t, err, test.ShouldBeNil)
	good := filepath.Join(dir, "good.uds")
	test.That(t, tree.Save(good), test.ShouldBeNil)
	data, err := os.ReadFile(good)
	test.That(t, err, test.ShouldBeNil)
	_, err = Decode(data[:len(data)-20])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEmptyOctree(t *testing.T) {
	b, err := NewBuilder(testSet, r3.Vector{}, 1, 0)
	test.That(t, err, test.ShouldBeNil)
	tree, err := b.Build(context.Background(), Header{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Root(), test.ShouldEqual, NoChild)
	test.That(t, tree.Validate(), test.ShouldBeNil)
	test.That(t, tree.ForEachLeaf(func(*Node, []byte) bool {
		t.Fatal("empty octree has no leaves")
		return false
	}), test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "empty.uds")
	test.That(t, tree.Save(path), test.ShouldBeNil)
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.PointCount(), test.ShouldEqual, 0)
}

func TestAssembleValidates(t *testing.T) {
	leaf := emptyNode()
	leaf.Depth = 1
	leaf.Key = 3
	root := emptyNode()
	root.Children[3] = 0
	nodes := []Node{leaf, root}
	header := Header{Resolution: 1, Depth: 1}

	_, err := Assemble(header, testSet, nodes, make([]byte, 5), 1)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	tree, err := Assemble(header, testSet, nodes, make([]byte, 6), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Validate(), test.ShouldBeNil)

	broken := []Node{leaf, root}
	broken[1].Children[5] = 42
	tree, err = Assemble(header, testSet, broken, make([]byte, 6), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, utils.KindOf(tree.Validate()), test.ShouldEqual, utils.ParseError)
}
