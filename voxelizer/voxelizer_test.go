package voxelizer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

func drain(t *testing.T, vx *Voxelizer, batch int) []Sample {
	t.Helper()
	var all []Sample
	for {
		samples, err := vx.GetPoints(batch)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(samples), test.ShouldBeLessThanOrEqualTo, batch)
		if len(samples) == 0 {
			return all
		}
		all = append(all, samples...)
	}
}

func cellsOf(g pointcloud.Grid, samples []Sample) map[pointcloud.VoxelCoords]int {
	cells := map[pointcloud.VoxelCoords]int{}
	for _, s := range samples {
		cells[g.Cell(s.Position)]++
	}
	return cells
}

func TestNew(t *testing.T) {
	for _, res := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := New(res)
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	}
	vx, err := New(0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vx.Resolution(), test.ShouldEqual, 0.25)

	samples, err := vx.GetPoints(10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, samples, test.ShouldBeEmpty)

	_, err = vx.GetPoints(0)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	err = vx.SetTriangle(r3.Vector{X: math.NaN()}, r3.Vector{}, r3.Vector{})
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}

func TestFlatTriangle(t *testing.T) {
	vx, err := New(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vx.SetTriangle(r3.Vector{Z: 0.5}, r3.Vector{X: 4, Z: 0.5}, r3.Vector{Y: 4, Z: 0.5}), test.ShouldBeNil)
	samples := drain(t, vx, 4)

	cells := cellsOf(pointcloud.Grid{Resolution: 1}, samples)
	test.That(t, len(cells), test.ShouldEqual, len(samples))
	test.That(t, len(samples), test.ShouldEqual, 15)
	for c := range cells {
		test.That(t, c.K, test.ShouldEqual, 0)
		test.That(t, c.I+c.J, test.ShouldBeLessThanOrEqualTo, 4)
	}
	for _, s := range samples {
		test.That(t, s.Position.Z, test.ShouldEqual, 0.5)
		test.That(t, s.Weights[0]+s.Weights[1]+s.Weights[2], test.ShouldAlmostEqual, 1)
	}

	// the interior cell centre (0.5, 0.5) projects onto itself
	for _, s := range samples {
		if s.Position.X == 0.5 && s.Position.Y == 0.5 {
			test.That(t, s.Weights[1], test.ShouldAlmostEqual, 0.125)
			test.That(t, s.Weights[2], test.ShouldAlmostEqual, 0.125)
		}
	}
}

func randomTriangle(rnd *rand.Rand) (r3.Vector, r3.Vector, r3.Vector) {
	pt := func() r3.Vector {
		return r3.Vector{X: rnd.Float64()*6 - 3, Y: rnd.Float64()*6 - 3, Z: rnd.Float64()*6 - 3}
	}
	return pt(), pt(), pt()
}

func TestSurfaceCoverage(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	const res = 0.37
	grid := pointcloud.Grid{Resolution: res}
	for i := 0; i < 20; i++ {
		a, b, c := randomTriangle(rnd)
		vx, err := New(res)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, vx.SetTriangle(a, b, c), test.ShouldBeNil)
		samples := drain(t, vx, 64)
		cells := cellsOf(grid, samples)
		test.That(t, len(cells), test.ShouldEqual, len(samples))

		for s := 0; s < 500; s++ {
			r1, r2 := rnd.Float64(), rnd.Float64()
			if r1+r2 > 1 {
				r1, r2 = 1-r1, 1-r2
			}
			p := a.Add(b.Sub(a).Mul(r1)).Add(c.Sub(a).Mul(r2))
			_, ok := cells[grid.Cell(p)]
			test.That(t, ok, test.ShouldBeTrue)
		}
	}
}

func TestBatchingInvariance(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	a, b, c := randomTriangle(rnd)
	var runs [][]Sample
	for _, batch := range []int{1, 7, 100000} {
		vx, err := New(0.2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, vx.SetTriangle(a, b, c), test.ShouldBeNil)
		runs = append(runs, drain(t, vx, batch))
	}
	test.That(t, len(runs[0]), test.ShouldBeGreaterThan, 0)
	test.That(t, runs[1], test.ShouldResemble, runs[0])
	test.That(t, runs[2], test.ShouldResemble, runs[0])
}

func TestLineMode(t *testing.T) {
	from := r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}
	to := r3.Vector{X: 5.3, Y: 2.2, Z: -3.7}
	grid := pointcloud.Grid{Resolution: 0.5}
	vx, err := New(0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vx.SetTriangle(from, to, to), test.ShouldBeNil)
	samples := drain(t, vx, 3)

	test.That(t, grid.Cell(samples[0].Position), test.ShouldResemble, grid.Cell(from))
	test.That(t, grid.Cell(samples[len(samples)-1].Position), test.ShouldResemble, grid.Cell(to))
	start, end := grid.Cell(from), grid.Cell(to)
	manhattan := math.Abs(float64(end.I-start.I)) + math.Abs(float64(end.J-start.J)) + math.Abs(float64(end.K-start.K))
	test.That(t, len(samples), test.ShouldEqual, int(manhattan)+1)

	for i := 1; i < len(samples); i++ {
		prev, cur := grid.Cell(samples[i-1].Position), grid.Cell(samples[i].Position)
		d := math.Abs(float64(cur.I-prev.I)) + math.Abs(float64(cur.J-prev.J)) + math.Abs(float64(cur.K-prev.K))
		test.That(t, d, test.ShouldEqual, 1)
	}
	for _, s := range samples {
		test.That(t, s.Weights[2], test.ShouldEqual, 0)
		test.That(t, s.Weights[0]+s.Weights[1], test.ShouldAlmostEqual, 1)
	}
	test.That(t, samples[0].Weights[0], test.ShouldBeGreaterThan, samples[len(samples)-1].Weights[0])
}

func TestCollinearTriangleUsesLongestEdge(t *testing.T) {
	vx, err := New(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vx.SetTriangle(r3.Vector{Y: 0.5, Z: 0.5}, r3.Vector{X: 1, Y: 0.5, Z: 0.5}, r3.Vector{X: 3.5, Y: 0.5, Z: 0.5}),
		test.ShouldBeNil)
	samples := drain(t, vx, 10)
	test.That(t, len(samples), test.ShouldEqual, 4)
	test.That(t, samples[0].Position, test.ShouldResemble, r3.Vector{X: 3.5, Y: 0.5, Z: 0.5})
	test.That(t, samples[0].Weights, test.ShouldResemble, [3]float64{0, 0, 1})
	test.That(t, samples[3].Position, test.ShouldResemble, r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
	test.That(t, samples[3].Weights[1], test.ShouldEqual, 0)
}

func TestSinglePoint(t *testing.T) {
	vx, err := New(2)
	test.That(t, err, test.ShouldBeNil)
	p := r3.Vector{X: 3, Y: -1, Z: 0.5}
	test.That(t, vx.SetTriangle(p, p, p), test.ShouldBeNil)
	samples, err := vx.GetPoints(10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, samples, test.ShouldResemble, []Sample{{Position: r3.Vector{X: 3, Y: -1, Z: 1}, Weights: [3]float64{1, 0, 0}}})
	samples, err = vx.GetPoints(10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, samples, test.ShouldBeEmpty)
}

func TestSetTriangleDiscardsUndrained(t *testing.T) {
	vx, err := New(0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vx.SetTriangle(r3.Vector{}, r3.Vector{X: 5}, r3.Vector{Y: 5}), test.ShouldBeNil)
	samples, err := vx.GetPoints(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(samples), test.ShouldEqual, 3)

	p := r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}
	test.That(t, vx.SetTriangle(p, p, p), test.ShouldBeNil)
	test.That(t, len(drain(t, vx, 100)), test.ShouldEqual, 1)
}
