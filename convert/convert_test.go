package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

var intensityClass = attributes.MustGenerate(attributes.Of(attributes.Intensity, attributes.Classification), 0)

func record(intensity uint16, class uint8) []byte {
	rec := make([]byte, intensityClass.Stride())
	binary.LittleEndian.PutUint16(rec, intensity)
	rec[2] = class
	return rec
}

// pointSource serves pts from memory. Bounds are reported only when known is set.
func pointSource(set *attributes.Set, pts []r3.Vector, recs [][]byte, known bool) *CustomSource {
	next := 0
	return &CustomSource{
		OpenFunc: func(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
			next = 0
			info := SourceInfo{Attributes: set, PointCount: int64(len(pts)), Bounds: pointcloud.NewBounds()}
			if known {
				for _, p := range pts {
					info.Bounds.Merge(p)
				}
				info.BoundsKnown = true
			}
			return info, nil
		},
		ReadF64Func: func(ctx context.Context, buf *pointcloud.PointBufferF64) error {
			if next >= len(pts) {
				return io.EOF
			}
			for ; next < len(pts) && !buf.Full(); next++ {
				var rec []byte
				if recs != nil {
					rec = recs[next]
				}
				p := pts[next]
				if err := buf.Append([3]float64{p.X, p.Y, p.Z}, rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newTestContext(t *testing.T, opts ...Option) (*Context, string) {
	t.Helper()
	dir := t.TempDir()
	c := NewContext(logging.NewTestLogger(t), append([]Option{WithProgressInterval(0)}, opts...)...)
	test.That(t, c.SetTempDirectory(dir, "vvtest_"), test.ShouldBeNil)
	test.That(t, c.SetOutputFilename(filepath.Join(dir, "out")), test.ShouldBeNil)
	return c, dir
}

func leafCells(t *testing.T, tree *octree.Octree) []pointcloud.VoxelCoords {
	t.Helper()
	var cells []pointcloud.VoxelCoords
	err := tree.ForEachLeaf(func(n *octree.Node, _ []byte) bool {
		cells = append(cells, tree.LeafCell(n))
		return true
	})
	test.That(t, err, test.ShouldBeNil)
	sort.Slice(cells, func(i, j int) bool { return cells[i].I < cells[j].I })
	return cells
}

func spoolCount(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+SpoolExtension))
	test.That(t, err, test.ShouldBeNil)
	return len(matches)
}

func TestSetters(t *testing.T) {
	c := NewContext(logging.NewTestLogger(t))

	test.That(t, utils.KindOf(c.SetOutputFilename(" ")), test.ShouldEqual, utils.InvalidParameter)
	test.That(t, c.SetOutputFilename("scan"), test.ShouldBeNil)
	test.That(t, c.settings.output, test.ShouldEqual, "scan.uds")
	test.That(t, c.SetOutputFilename("dir.v2/scan.UDS"), test.ShouldBeNil)
	test.That(t, c.settings.output, test.ShouldEqual, "dir.v2/scan.UDS")
	test.That(t, c.SetOutputFilename("dir.v2/scan"), test.ShouldBeNil)
	test.That(t, c.settings.output, test.ShouldEqual, "dir.v2/scan.uds")

	test.That(t, utils.KindOf(c.SetEveryNth(0)), test.ShouldEqual, utils.InvalidParameter)
	test.That(t, utils.KindOf(c.SetPointResolution(true, 0)), test.ShouldEqual, utils.InvalidParameter)
	test.That(t, c.SetPointResolution(false, 0), test.ShouldBeNil)
	test.That(t, utils.KindOf(c.SetGlobalOffset(r3.Vector{X: math.NaN()})), test.ShouldEqual, utils.InvalidParameter)
	test.That(t, utils.KindOf(c.SetTempDirectory("/definitely/missing", "")), test.ShouldEqual, utils.OpenFailure)
	test.That(t, utils.KindOf(c.SetTempDirectory("", "a/b")), test.ShouldEqual, utils.InvalidParameter)

	test.That(t, utils.KindOf(c.RemoveItem(0)), test.ShouldEqual, utils.NotFound)
	test.That(t, utils.KindOf(c.SetInputSourceProjection(0, ProjectionECEF, 0)), test.ShouldEqual, utils.NotFound)
	_, err := c.AddCustomItem("nothing", &CustomSource{})
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, err = c.AddItem(filepath.Join(t.TempDir(), "missing.las"))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.OpenFailure)

	destroyed := false
	src := pointSource(nil, nil, nil, false)
	src.DestroyFunc = func() { destroyed = true }
	idx, err := c.AddCustomItem("a", src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldEqual, 0)
	test.That(t, c.SetInputSourceProjection(0, ProjectionLatLong, 4326), test.ShouldBeNil)
	info, err := c.ItemInfo(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Name, test.ShouldEqual, "a")
	test.That(t, c.RemoveItem(0), test.ShouldBeNil)
	test.That(t, destroyed, test.ShouldBeTrue)
	test.That(t, c.ItemCount(), test.ShouldEqual, 0)
	_, err = c.ItemInfo(0)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotFound)

	_, err = c.Result()
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotInitialized)
}

func TestMetadata(t *testing.T) {
	c := NewContext(logging.NewTestLogger(t))
	north, date := "north", "2024-01-01"
	test.That(t, c.SetMetadata("site.name", &north), test.ShouldBeNil)
	test.That(t, c.SetMetadata("site.survey.date", &date), test.ShouldBeNil)
	test.That(t, utils.KindOf(c.SetMetadata("site..x", &date)), test.ShouldEqual, utils.InvalidParameter)

	v, ok := c.Metadata("site.survey.date")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, date)

	empty := ""
	test.That(t, c.SetMetadata("site.name", &empty), test.ShouldBeNil)
	v, ok = c.Metadata("site.name")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, "")

	test.That(t, c.SetMetadata("site.survey.date", nil), test.ShouldBeNil)
	_, ok = c.Metadata("site.survey.date")
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = c.Metadata("site.survey")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, c.SetMetadata("site.name", nil), test.ShouldBeNil)
	test.That(t, c.settings.metadata, test.ShouldBeEmpty)
	test.That(t, c.SetMetadata("never.set", nil), test.ShouldBeNil)
}

func TestEveryNth(t *testing.T) {
	c, _ := newTestContext(t)
	var pts []r3.Vector
	for i := 0; i < 10; i++ {
		pts = append(pts, r3.Vector{X: float64(i) + 0.5, Y: 0.5, Z: 0.5})
	}
	_, err := c.AddCustomItem("line", pointSource(nil, pts, nil, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
	test.That(t, c.SetEveryNth(3), test.ShouldBeNil)

	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 4)
	var is []int64
	for _, cell := range leafCells(t, tree) {
		is = append(is, cell.I)
	}
	test.That(t, is, test.ShouldResemble, []int64{0, 3, 6, 9})

	info := c.Info()
	test.That(t, info.State, test.ShouldEqual, StateCompleted)
	test.That(t, info.PointsRead, test.ShouldEqual, 10)
	test.That(t, info.UniquePoints, test.ShouldEqual, 4)
	test.That(t, info.Items[0].Status, test.ShouldEqual, ItemDone)
}

func TestDedup(t *testing.T) {
	c, dir := newTestContext(t)
	pts := []r3.Vector{{X: 0.1, Y: 0.1, Z: 0.1}, {X: 0.2, Y: 0.3, Z: 0.4}, {X: 5.5, Y: 0.5, Z: 0.5}}
	recs := [][]byte{record(10, 3), record(20, 5), record(7, 1)}
	_, err := c.AddCustomItem("dups", pointSource(intensityClass, pts, recs, false))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)

	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	test.That(t, spoolCount(t, dir), test.ShouldEqual, 0)

	tree, err := octree.Load(filepath.Join(dir, "out.uds"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 2)
	test.That(t, tree.Attributes().Equal(intensityClass), test.ShouldBeTrue)

	records := map[int64][]byte{}
	err = tree.ForEachLeaf(func(n *octree.Node, rec []byte) bool {
		records[tree.LeafCell(n).I] = append([]byte(nil), rec...)
		return true
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records[0], test.ShouldResemble, record(15, 3))
	test.That(t, records[5], test.ShouldResemble, record(7, 1))

	info := c.Info()
	test.That(t, info.Items[0].BoundsKnown, test.ShouldBeTrue)
	test.That(t, info.Items[0].Spacing, test.ShouldBeGreaterThan, 0)
}

func TestSkipErrors(t *testing.T) {
	broken := &CustomSource{
		OpenFunc: func(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
			return SourceInfo{PointCount: -1}, nil
		},
		ReadF64Func: func(ctx context.Context, buf *pointcloud.PointBufferF64) error {
			return utils.NewParseError("bad record")
		},
	}
	good := pointSource(nil, []r3.Vector{{X: 1, Y: 1, Z: 1}, {X: 3, Y: 1, Z: 1}}, nil, true)

	c, _ := newTestContext(t)
	_, err := c.AddCustomItem("broken", broken)
	test.That(t, err, test.ShouldBeNil)
	_, err = c.AddCustomItem("good", good)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)

	err = c.DoConvert(context.Background())
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.ParseError)
	test.That(t, err.Error(), test.ShouldContainSubstring, "broken")
	info := c.Info()
	test.That(t, info.State, test.ShouldEqual, StateFailed)
	test.That(t, info.Items[0].Status, test.ShouldEqual, ItemFailed)
	test.That(t, info.Err, test.ShouldNotBeEmpty)

	test.That(t, c.SetSkipErrorsWherePossible(true), test.ShouldBeNil)
	test.That(t, c.Reset(), test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	info = c.Info()
	test.That(t, info.State, test.ShouldEqual, StateCompleted)
	test.That(t, info.SkippedItems, test.ShouldEqual, 1)
	itemInfo, err := c.ItemInfo(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, itemInfo.Status, test.ShouldEqual, ItemSkipped)
	test.That(t, itemInfo.Err, test.ShouldContainSubstring, "bad record")
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 2)
}

func TestOpenFailureSkipped(t *testing.T) {
	c, _ := newTestContext(t)
	_, err := c.AddCustomItem("unopenable", &CustomSource{
		OpenFunc: func(context.Context, OpenOptions) (SourceInfo, error) {
			return SourceInfo{}, utils.NewOpenError(os.ErrNotExist, "nope")
		},
		ReadF64Func: func(context.Context, *pointcloud.PointBufferF64) error { return io.EOF },
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetSkipErrorsWherePossible(true), test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 0)
}

// endlessSource produces points forever while endless is set, otherwise a fixed number.
func endlessSource(endless *atomic.Bool, reads *atomic.Int64, gate chan struct{}) *CustomSource {
	var produced int
	return &CustomSource{
		OpenFunc: func(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
			produced = 0
			return SourceInfo{
				PointCount:  -1,
				Bounds:      pointcloud.BoundsOf(r3.Vector{}, r3.Vector{X: 100, Y: 100, Z: 100}),
				BoundsKnown: true,
			}, nil
		},
		ReadF64Func: func(ctx context.Context, buf *pointcloud.PointBufferF64) error {
			if gate != nil {
				<-gate
			}
			reads.Inc()
			if !endless.Load() && produced >= 10000 {
				return io.EOF
			}
			for !buf.Full() {
				v := float64(produced % 100)
				if err := buf.Append([3]float64{v, float64(produced/100%100) + 0.5, 0.5}, nil); err != nil {
					return err
				}
				produced++
			}
			return nil
		},
	}
}

func TestCancelThenReset(t *testing.T) {
	c, dir := newTestContext(t)
	var endless atomic.Bool
	var reads atomic.Int64
	endless.Store(true)
	_, err := c.AddCustomItem("endless", endlessSource(&endless, &reads, nil))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)

	done := make(chan error, 1)
	go func() { done <- c.DoConvert(context.Background()) }()
	for reads.Load() < 5 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, c.Info().State, test.ShouldEqual, StateRunning)
	c.Cancel()

	select {
	case err := <-done:
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.Cancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("conversion did not stop after cancel")
	}
	test.That(t, c.Info().State, test.ShouldEqual, StateCancelled)
	_, err = os.Stat(filepath.Join(dir, "out.uds"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	endless.Store(false)
	test.That(t, c.Reset(), test.ShouldBeNil)
	test.That(t, c.Info().State, test.ShouldEqual, StateIdle)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := octree.Load(filepath.Join(dir, "out.uds"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 10000)
}

func TestCancelBeforeConvert(t *testing.T) {
	c, dir := newTestContext(t)
	_, err := c.AddCustomItem("points", pointSource(nil, []r3.Vector{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 2, Z: 2}}, nil, false))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)

	c.Cancel()
	test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.Cancelled)
	test.That(t, c.Info().State, test.ShouldEqual, StateCancelled)
	_, err = os.Stat(filepath.Join(dir, "out.uds"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	// the request is used up by the cancelled run.
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 2)
}

func TestContextCancellation(t *testing.T) {
	c, _ := newTestContext(t)
	var endless atomic.Bool
	var reads atomic.Int64
	endless.Store(true)
	_, err := c.AddCustomItem("endless", endlessSource(&endless, &reads, nil))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.DoConvert(ctx)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.Cancelled)
}

func TestConcurrentConvertNotAllowed(t *testing.T) {
	c, _ := newTestContext(t)
	var endless atomic.Bool
	var reads atomic.Int64
	gate := make(chan struct{})
	_, err := c.AddCustomItem("gated", endlessSource(&endless, &reads, gate))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)

	done := make(chan error, 1)
	go func() { done <- c.DoConvert(context.Background()) }()
	for c.Info().State != StateRunning {
		time.Sleep(time.Millisecond)
	}

	test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.NotAllowed)
	_, err = c.GeneratePreview(context.Background())
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotAllowed)
	test.That(t, utils.KindOf(c.SetEveryNth(2)), test.ShouldEqual, utils.NotAllowed)
	test.That(t, utils.KindOf(c.SetOutputFilename("other")), test.ShouldEqual, utils.NotAllowed)
	test.That(t, utils.KindOf(c.RemoveItem(0)), test.ShouldEqual, utils.NotAllowed)
	test.That(t, utils.KindOf(c.Reset()), test.ShouldEqual, utils.NotAllowed)
	_, err = c.AddCustomItem("late", pointSource(nil, nil, nil, false))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotAllowed)

	// polling while running must be safe
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Info()
			}
		}()
	}
	close(gate)
	wg.Wait()
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, c.SetEveryNth(2), test.ShouldBeNil)
}

func TestNoItemsOrOutput(t *testing.T) {
	c := NewContext(logging.NewTestLogger(t), WithProgressInterval(0))
	test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.InvalidConfiguration)
	test.That(t, c.SetOutputFilename(filepath.Join(t.TempDir(), "x")), test.ShouldBeNil)
	test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.InvalidConfiguration)
	test.That(t, c.Info().State, test.ShouldEqual, StateFailed)
}

func triangleSource(tris []Triangle, set *attributes.Set) *CustomSource {
	next := 0
	return &CustomSource{
		OpenFunc: func(context.Context, OpenOptions) (SourceInfo, error) {
			next = 0
			return SourceInfo{Attributes: set, PointCount: int64(len(tris))}, nil
		},
		ReadTrianglesFunc: func(ctx context.Context, dst []Triangle) (int, error) {
			if next >= len(tris) {
				return 0, io.EOF
			}
			n := copy(dst, tris[next:])
			next += n
			return n, nil
		},
	}
}

func TestTriangles(t *testing.T) {
	tri := Triangle{
		Vertices: [3]r3.Vector{{X: 0.5, Y: 0.5, Z: 0.5}, {X: 4.5, Y: 0.5, Z: 0.5}, {X: 0.5, Y: 4.5, Z: 0.5}},
		Records:  [3][]byte{record(0, 1), record(1000, 2), record(0, 3)},
	}

	t.Run("voxelized", func(t *testing.T) {
		c, _ := newTestContext(t)
		_, err := c.AddCustomItem("mesh", triangleSource([]Triangle{tri}, intensityClass))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
		test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
		tree, err := c.Result()
		test.That(t, err, test.ShouldBeNil)

		// every touched cell sits on the z = 0 layer below the hypotenuse x + y = 5
		test.That(t, tree.PointCount(), test.ShouldBeGreaterThanOrEqualTo, 15)
		test.That(t, tree.PointCount(), test.ShouldBeLessThanOrEqualTo, 21)
		seen := map[pointcloud.VoxelCoords][]byte{}
		err = tree.ForEachLeaf(func(n *octree.Node, rec []byte) bool {
			cell := tree.LeafCell(n)
			test.That(t, cell.K, test.ShouldEqual, 0)
			test.That(t, cell.I+cell.J, test.ShouldBeLessThanOrEqualTo, 5)
			seen[cell] = append([]byte(nil), rec...)
			return true
		})
		test.That(t, err, test.ShouldBeNil)
		for _, corner := range []pointcloud.VoxelCoords{{0, 0, 0}, {4, 0, 0}, {0, 4, 0}} {
			test.That(t, seen, test.ShouldContainKey, corner)
		}
		far := seen[pointcloud.VoxelCoords{I: 4}]
		test.That(t, binary.LittleEndian.Uint16(far), test.ShouldEqual, 1000)
		test.That(t, far[2], test.ShouldEqual, 2)
	})

	t.Run("vertices only", func(t *testing.T) {
		c, _ := newTestContext(t)
		_, err := c.AddCustomItem("mesh", triangleSource([]Triangle{tri}, intensityClass))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
		test.That(t, c.SetPolygonVerticesOnly(true), test.ShouldBeNil)
		test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
		tree, err := c.Result()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.PointCount(), test.ShouldEqual, 3)
	})
}

func TestProjection(t *testing.T) {
	geoPoint := pointSource(nil, []r3.Vector{{X: 45, Y: 15, Z: 100}}, nil, false)

	t.Run("needs srid", func(t *testing.T) {
		c, _ := newTestContext(t)
		_, err := c.AddCustomItem("geo", geoPoint)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.SetInputSourceProjection(0, ProjectionLatLong, 0), test.ShouldBeNil)
		test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.InvalidConfiguration)
	})

	t.Run("utm", func(t *testing.T) {
		c, _ := newTestContext(t)
		_, err := c.AddCustomItem("geo", geoPoint)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.SetInputSourceProjection(0, ProjectionLatLong, 0), test.ShouldBeNil)
		test.That(t, c.SetSRID(true, 32633), test.ShouldBeNil)
		test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
		test.That(t, c.SetGlobalOffset(r3.Vector{X: -500000}), test.ShouldBeNil)
		test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)

		tree, err := c.Result()
		test.That(t, err, test.ShouldBeNil)
		h := tree.Header()
		test.That(t, h.SRID, test.ShouldEqual, 32633)
		e, n := spatialmath.GeoPointToUTM(geo.NewPoint(45, 15), 33, true)
		// bounds cover the leaf cell holding the projected point.
		test.That(t, h.Bounds.Min.X, test.ShouldBeLessThanOrEqualTo, e-500000)
		test.That(t, h.Bounds.Min.X, test.ShouldBeGreaterThan, e-500001)
		test.That(t, h.Bounds.Min.Y, test.ShouldBeLessThanOrEqualTo, n)
		test.That(t, h.Bounds.Min.Y, test.ShouldBeGreaterThan, n-1)
		test.That(t, h.Bounds.Min.Z, test.ShouldAlmostEqual, 100)
		test.That(t, h.Bounds.Max.Z, test.ShouldAlmostEqual, 101)
	})

	t.Run("unsupported srid", func(t *testing.T) {
		c, _ := newTestContext(t)
		_, err := c.AddCustomItem("geo", geoPoint)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.SetInputSourceProjection(0, ProjectionLongLat, 0), test.ShouldBeNil)
		test.That(t, c.SetSRID(true, 2193), test.ShouldBeNil)
		test.That(t, utils.KindOf(c.DoConvert(context.Background())), test.ShouldEqual, utils.NotSupported)
	})
}

func TestGeneratePreview(t *testing.T) {
	c := NewContext(logging.NewTestLogger(t), WithProgressInterval(0))
	var pts []r3.Vector
	for i := 0; i < 1000; i++ {
		pts = append(pts, r3.Vector{X: float64(i), Y: float64(i % 7), Z: 0})
	}
	_, err := c.AddCustomItem("many", pointSource(nil, pts, nil, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 0.5), test.ShouldBeNil)

	tree, err := c.GeneratePreview(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Header().Resolution, test.ShouldEqual, 4)
	test.That(t, tree.PointCount(), test.ShouldBeLessThanOrEqualTo, 63)
	test.That(t, tree.PointCount(), test.ShouldBeGreaterThan, 0)
	test.That(t, c.Info().PointsRead, test.ShouldEqual, 1000)

	_, err = c.Result()
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotInitialized)
}

func TestFileAndStreamItems(t *testing.T) {
	c, dir := newTestContext(t)
	xyz := "x y z intensity\n1 1 1 100\n2 2 2 200\n3 3 3 300\n"
	path := filepath.Join(dir, "points.xyz")
	test.That(t, os.WriteFile(path, []byte(xyz), 0o600), test.ShouldBeNil)

	_, err := c.AddItem(path)
	test.That(t, err, test.ShouldBeNil)
	_, err = c.AddStreamItem("stream", pointcloud.FormatXYZ, strings.NewReader("10 10 10 5\n"))
	test.That(t, err, test.ShouldBeNil)
	_, err = c.AddStreamItem("las stream", pointcloud.FormatLAS, strings.NewReader(""))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotSupported)
	test.That(t, c.SetPointResolution(true, 0.5), test.ShouldBeNil)

	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	test.That(t, spoolCount(t, dir), test.ShouldEqual, 0)
	tree, err := octree.Load(filepath.Join(dir, "out.uds"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 4)
	test.That(t, tree.Attributes().Content(), test.ShouldEqual, attributes.Of(attributes.Intensity))
	h := tree.Header()
	test.That(t, h.Bounds.Min, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, h.Bounds.Max, test.ShouldResemble, r3.Vector{X: 10.5, Y: 10.5, Z: 10.5})

	info := c.Info()
	test.That(t, info.PointsRead, test.ShouldEqual, 4)
	test.That(t, info.Items[1].Bounds.Min, test.ShouldResemble, r3.Vector{X: 10, Y: 10, Z: 10})
}

func TestURLItem(t *testing.T) {
	var agent atomic.String
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		if r.URL.Path != "/scan.xyz" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "0 0 0\n1 0 0\n2 0 0\n")
	}))
	defer srv.Close()

	cfg := config.Config{UserAgent: "voxelvault-test"}
	c, _ := newTestContext(t)
	_, err := c.AddURLItem(cfg, srv.URL+"/scan.xyz", "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	test.That(t, agent.Load(), test.ShouldEqual, "voxelvault-test")
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 3)

	_, err = c.AddURLItem(cfg, "ftp://example.com/a.xyz", "")
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, err = c.AddURLItem(cfg, srv.URL+"/scan.e57", "")
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.NotSupported)

	c2, _ := newTestContext(t)
	_, err = c2.AddURLItem(cfg, srv.URL+"/missing.xyz", "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, utils.KindOf(c2.DoConvert(context.Background())), test.ShouldEqual, utils.OpenFailure)
}

func TestSTLItem(t *testing.T) {
	c, dir := newTestContext(t)
	stl := `solid tri
facet normal 0 0 1
  outer loop
    vertex 0.5 0.5 0.5
    vertex 2.5 0.5 0.5
    vertex 0.5 2.5 0.5
  endloop
endfacet
endsolid tri
`
	path := filepath.Join(dir, "tri.stl")
	test.That(t, os.WriteFile(path, []byte(stl), 0o600), test.ShouldBeNil)
	_, err := c.AddItem(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetPointResolution(true, 1), test.ShouldBeNil)
	test.That(t, c.SetPolygonVerticesOnly(true), test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 3)
}

func TestWatermark(t *testing.T) {
	c, dir := newTestContext(t)
	png := filepath.Join(dir, "mark.png")
	test.That(t, imaging.Save(imaging.New(512, 300, color.NRGBA{R: 255, A: 255}), png), test.ShouldBeNil)
	test.That(t, utils.KindOf(c.AddWatermark(filepath.Join(dir, "mark.jpg"))), test.ShouldEqual, utils.NotSupported)
	test.That(t, c.AddWatermark(png), test.ShouldBeNil)

	_, err := c.AddCustomItem("one", pointSource(nil, []r3.Vector{{X: 1, Y: 1, Z: 1}}, nil, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := octree.Load(filepath.Join(dir, "out.uds"))
	test.That(t, err, test.ShouldBeNil)

	encoded, ok := tree.Metadata()[watermarkKey].(string)
	test.That(t, ok, test.ShouldBeTrue)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	test.That(t, err, test.ShouldBeNil)
	img, err := imaging.Decode(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 256)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 150)

	test.That(t, c.RemoveWatermark(), test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err = c.Result()
	test.That(t, err, test.ShouldBeNil)
	_, ok = tree.Metadata()[watermarkKey]
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMetadataWritten(t *testing.T) {
	c, dir := newTestContext(t)
	site := "north"
	test.That(t, c.SetMetadata("site.name", &site), test.ShouldBeNil)
	_, err := c.AddCustomItem("one", pointSource(nil, []r3.Vector{{X: 1, Y: 1, Z: 1}}, nil, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)

	tree, err := octree.Load(filepath.Join(dir, "out.uds"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Metadata()["site"], test.ShouldResemble, map[string]interface{}{"name": "north"})
	test.That(t, tree.Header().Resolution, test.ShouldEqual, DefaultResolution)
}

func TestIntegerSource(t *testing.T) {
	c, _ := newTestContext(t)
	next := 0
	_, err := c.AddCustomItem("ints", &CustomSource{
		OpenFunc: func(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
			next = 0
			return SourceInfo{Resolution: 0.25, PointCount: 2}, nil
		},
		ReadI64Func: func(ctx context.Context, buf *pointcloud.PointBufferI64) error {
			if next > 0 {
				return io.EOF
			}
			next++
			test.That(t, buf.Append([3]int64{0, 0, 0}, nil), test.ShouldBeNil)
			return buf.Append([3]int64{4, 8, 12}, nil)
		},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	tree, err := c.Result()
	test.That(t, err, test.ShouldBeNil)
	h := tree.Header()
	test.That(t, h.Resolution, test.ShouldEqual, 0.25)
	test.That(t, h.Bounds.Max, test.ShouldResemble, r3.Vector{X: 1.25, Y: 2.25, Z: 3.25})
	test.That(t, tree.PointCount(), test.ShouldEqual, 2)
}

func TestMergeSets(t *testing.T) {
	a, err := attributes.Generate(attributes.Of(attributes.Intensity), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.DefineCustom(1, attributes.Descriptor{TypeInfo: attributes.TypeFloat32, Name: "temperature"}), test.ShouldBeNil)
	b := attributes.MustGenerate(attributes.Of(attributes.ARGB), 0)

	merged, err := mergeSets([]*attributes.Set{a, b})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Content(), test.ShouldEqual, attributes.Of(attributes.ARGB, attributes.Intensity))
	test.That(t, merged.IndexOf("temperature"), test.ShouldEqual, 2)
}

func TestConversionMetrics(t *testing.T) {
	before := testutil.ToFloat64(conversionsTotal.WithLabelValues(StateCompleted.String()))
	c, _ := newTestContext(t)
	_, err := c.AddCustomItem("one", pointSource(nil, []r3.Vector{{X: 1, Y: 1, Z: 1}}, nil, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
	after := testutil.ToFloat64(conversionsTotal.WithLabelValues(StateCompleted.String()))
	test.That(t, after-before, test.ShouldEqual, 1)

	t.Run("previews leave point counters alone", func(t *testing.T) {
		unique := testutil.ToFloat64(uniquePointsTotal)
		_, err := c.GeneratePreview(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(uniquePointsTotal), test.ShouldEqual, unique)

		test.That(t, c.DoConvert(context.Background()), test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(uniquePointsTotal), test.ShouldEqual, unique+1)
	})
}

func TestParseProjection(t *testing.T) {
	for _, p := range []Projection{ProjectionCartesian, ProjectionLatLong, ProjectionLongLat, ProjectionECEF} {
		parsed, err := ParseProjection(p.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, p)
	}
	_, err := ParseProjection("polar")
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}
