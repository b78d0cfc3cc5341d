package cli

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/urfave/cli/v2"
	"go.viam.com/test"

	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/convert"
	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/query"
	"go.viam.com/voxelvault/utils"
)

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{appName}, args...))
	return out.String(), errOut.String(), err
}

// writeGrid writes an n*n*n grid of points at half-integer positions with an intensity column.
func writeGrid(t *testing.T, dir string, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				fmt.Fprintf(&sb, "%g %g %g %d\n", float64(i)+0.5, float64(j)+0.5, float64(k)+0.5, i*100+j*10+k)
			}
		}
	}
	path := filepath.Join(dir, "grid.xyz")
	test.That(t, os.WriteFile(path, []byte(sb.String()), 0o600), test.ShouldBeNil)
	return path
}

func TestConvertInfoQuery(t *testing.T) {
	dir := t.TempDir()
	input := writeGrid(t, dir, 4)
	output := filepath.Join(dir, "grid.uds")

	_, errOut, err := runApp(t, "convert", "--quiet", "--resolution", "1", "-o", output,
		"--metadata", "project.name=quarry", "--temp-dir", dir, input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldBeEmpty)

	tree, err := octree.Load(output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.PointCount(), test.ShouldEqual, 64)
	test.That(t, tree.Metadata()["project"], test.ShouldResemble, map[string]interface{}{"name": "quarry"})

	out, _, err := runApp(t, "info", output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "metadata.project.name")
	test.That(t, out, test.ShouldContainSubstring, "quarry")
	test.That(t, out, test.ShouldContainSubstring, "Intensity")

	out, _, err = runApp(t, "query", "--sphere", "2,2,2,100", output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "64 points match")

	out, _, err = runApp(t, "query", "--sphere", "2,2,2,100", "--invert", output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "0 points match")

	out, _, err = runApp(t, "query", "--box", "0,0,0,1,1,1", "--limit", "5", output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "0.5 0.5 0.5\n")
	test.That(t, out, test.ShouldContainSubstring, "1 points match")

	exported := filepath.Join(dir, "corner.pcd")
	out, _, err = runApp(t, "query", "--box", "1,1,1,1,1,1", "--export", exported, output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "Exported 8 points")
	_, err = os.Stat(exported)
	test.That(t, err, test.ShouldBeNil)
}

func TestQueryFlagErrors(t *testing.T) {
	dir := t.TempDir()
	input := writeGrid(t, dir, 2)
	output := filepath.Join(dir, "grid.uds")
	_, _, err := runApp(t, "convert", "--quiet", "--resolution", "1", "-o", output, "--temp-dir", dir, input)
	test.That(t, err, test.ShouldBeNil)

	_, _, err = runApp(t, "query", output)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, _, err = runApp(t, "query", "--box", "1,1,1,1,1,1", "--sphere", "0,0,0,1", output)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, _, err = runApp(t, "query", "--sphere", "0,0,1", output)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, _, err = runApp(t, "query", "--sphere", "0,0,0,-1", output)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
	_, _, err = runApp(t, "query", "--sphere", "0,0,0,1")
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}

func TestPreview(t *testing.T) {
	dir := t.TempDir()
	input := writeGrid(t, dir, 8)
	output := filepath.Join(dir, "preview.uds")

	out, _, err := runApp(t, "preview", "--quiet", "--resolution", "0.5", "-o", output, "--temp-dir", dir, input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "Saved preview to "+output)

	tree, err := octree.Load(output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Header().Resolution, test.ShouldEqual, 4.0)
	test.That(t, tree.PointCount(), test.ShouldBeLessThanOrEqualTo, 512/16+1)
}

func TestConvertFailures(t *testing.T) {
	dir := t.TempDir()
	_, _, err := runApp(t, "convert", "--quiet", "-o", filepath.Join(dir, "out"))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidConfiguration)

	_, _, err = runApp(t, "convert", "--quiet", "-o", filepath.Join(dir, "out"), "--temp-dir", dir,
		filepath.Join(dir, "missing.xyz"))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.OpenFailure)

	_, _, err = runApp(t, "convert", "--quiet", "-o", filepath.Join(dir, "out"), "--metadata", "novalue",
		writeGrid(t, dir, 1))
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}

func TestSchema(t *testing.T) {
	out, _, err := runApp(t, "schema")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "skip_errors_where_possible")
	test.That(t, out, test.ShouldContainSubstring, "items")
}

func flagContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		test.That(t, f.Apply(set), test.ShouldBeNil)
	}
	test.That(t, set.Parse(args), test.ShouldBeNil)
	return cli.NewContext(NewApp(&bytes.Buffer{}, &bytes.Buffer{}), set, nil)
}

func TestJobFromFlags(t *testing.T) {
	dir := t.TempDir()
	jobPath := filepath.Join(dir, "job.json")
	test.That(t, os.WriteFile(jobPath, []byte(`{
		"output": "from-job.uds",
		"resolution": 0.5,
		"every_nth": 2,
		"metadata": {"site": "north"},
		"items": [{"path": "a.las"}]
	}`), 0o600), test.ShouldBeNil)

	c := flagContext(t, inputFlags(), "--job", jobPath, "--resolution", "0.25", "--offset", "1,2,3",
		"--metadata", "crew=blue", "--projection", "latlong", "--input-srid", "4326",
		"b.xyz", "https://example.com/c.pcd")
	job, err := jobFromFlags(c)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, job.Output, test.ShouldEqual, "from-job.uds")
	test.That(t, job.Resolution, test.ShouldEqual, 0.25)
	test.That(t, job.EveryNth, test.ShouldEqual, 2)
	test.That(t, job.GlobalOffset, test.ShouldResemble, []float64{1, 2, 3})
	test.That(t, job.Metadata, test.ShouldResemble, map[string]string{"site": "north", "crew": "blue"})
	test.That(t, job.Items, test.ShouldResemble, []config.JobItem{
		{Path: "a.las"},
		{Path: "b.xyz", Projection: "latlong", SRID: 4326},
		{URL: "https://example.com/c.pcd", Projection: "latlong", SRID: 4326},
	})

	c = flagContext(t, inputFlags(), "--offset", "1,2")
	_, err = jobFromFlags(c)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}

func TestApplyJob(t *testing.T) {
	dir := t.TempDir()
	input := writeGrid(t, dir, 2)
	cctx := convert.NewContext(logging.NewTestLogger(t))
	job := &config.ConvertJob{
		Output:       filepath.Join(dir, "out"),
		Resolution:   2,
		SRID:         32633,
		GlobalOffset: []float64{0, 0, 1},
		Metadata:     map[string]string{"a.b": "c"},
		Items:        []config.JobItem{{Path: input}, {Path: input, Format: "xyz", Projection: "cartesian"}},
	}
	test.That(t, applyJob(cctx, job, false), test.ShouldBeNil)
	test.That(t, cctx.ItemCount(), test.ShouldEqual, 2)
	v, ok := cctx.Metadata("a.b")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, "c")

	job.Items = []config.JobItem{{Path: input, Projection: "mercator"}}
	err := applyJob(convert.NewContext(logging.NewTestLogger(t)), job, false)
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)
}

func TestFilterFromFlags(t *testing.T) {
	c := flagContext(t, queryFlags(), "--cylinder", "1,2,3,0.5,4", "--ypr", "0,0,1.5707963267948966", "--invert")
	filter, err := filterFromFlags(c)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filter.Shape(), test.ShouldEqual, query.ShapeCylinder)
	test.That(t, filter.Inverted(), test.ShouldBeTrue)
	// the roll lays the cylinder axis along x
	test.That(t, filter.Matches(r3.Vector{X: 4.5, Y: 2, Z: 3}), test.ShouldBeFalse)
	test.That(t, filter.Matches(r3.Vector{X: 1, Y: 2, Z: 6.5}), test.ShouldBeTrue)
}

func TestParsers(t *testing.T) {
	v, err := parseVector(" 1.5, -2 ,3e2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldResemble, r3.Vector{X: 1.5, Y: -2, Z: 300})
	_, err = parseVector("1,2,x")
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	kv, err := parseKeyValues([]string{"a=1", "b.c=x=y"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kv, test.ShouldResemble, map[string]string{"a": "1", "b.c": "x=y"})
	_, err = parseKeyValues([]string{"=1"})
	test.That(t, utils.KindOf(err), test.ShouldEqual, utils.InvalidParameter)

	test.That(t, humanCount(999), test.ShouldEqual, "999")
	test.That(t, humanCount(12345678), test.ShouldEqual, "12.35M")
	test.That(t, isURL("HTTPS://x/y.pcd"), test.ShouldBeTrue)
	test.That(t, isURL("/data/y.pcd"), test.ShouldBeFalse)

	mapped, err := mapOver([]int{1, 2}, func(x int) (int, error) { return x + 1, nil })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mapped, test.ShouldResemble, []int{2, 3})
}

func TestFlattenMetadata(t *testing.T) {
	flat := flattenMetadata("", map[string]interface{}{
		"a":         map[string]interface{}{"b": "c", "n": 3},
		"watermark": strings.Repeat("x", 100),
	})
	test.That(t, flat["a.b"], test.ShouldEqual, "c")
	test.That(t, flat["a.n"], test.ShouldEqual, "3")
	test.That(t, flat["watermark"], test.ShouldHaveLength, 64)
}
