package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/urfave/cli/v2"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/query"
	"go.viam.com/voxelvault/spatialmath"
	"go.viam.com/voxelvault/utils"
)

const (
	queryFlagBox      = "box"
	queryFlagSphere   = "sphere"
	queryFlagCylinder = "cylinder"
	queryFlagYPR      = "ypr"
	queryFlagInvert   = "invert"
	queryFlagExport   = "export"
	queryFlagLimit    = "limit"
)

func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  queryFlagBox,
			Usage: "box filter `CX,CY,CZ,HX,HY,HZ` given by centre and half size",
		},
		&cli.StringFlag{
			Name:  queryFlagSphere,
			Usage: "sphere filter `CX,CY,CZ,R`",
		},
		&cli.StringFlag{
			Name:  queryFlagCylinder,
			Usage: "cylinder filter `CX,CY,CZ,R,HH` given by centre, radius and half height",
		},
		&cli.StringFlag{
			Name:  queryFlagYPR,
			Usage: "rotation `YAW,PITCH,ROLL` in radians of box and cylinder filters",
		},
		&cli.BoolFlag{
			Name:  queryFlagInvert,
			Usage: "match the points outside the shape",
		},
		&cli.StringFlag{
			Name:  queryFlagExport,
			Usage: "write the matches to a .las, .pcd or .uds `FILE`",
		},
		&cli.IntFlag{
			Name:  queryFlagLimit,
			Usage: "print up to N matching points",
		},
	}
}

// filterFromFlags builds the filter named by exactly one of the shape flags.
func filterFromFlags(c *cli.Context) (*query.Filter, error) {
	set := lo.Filter([]string{queryFlagBox, queryFlagSphere, queryFlagCylinder}, func(name string, _ int) bool {
		return c.IsSet(name)
	})
	if len(set) != 1 {
		return nil, utils.NewInvalidParameterError("exactly one of --box, --sphere and --cylinder is needed")
	}
	var ypr spatialmath.YawPitchRoll
	if c.IsSet(queryFlagYPR) {
		v, err := parseFloats(c.String(queryFlagYPR), 3)
		if err != nil {
			return nil, err
		}
		ypr = spatialmath.YawPitchRoll{Yaw: v[0], Pitch: v[1], Roll: v[2]}
	}

	filter := query.NewFilter()
	var err error
	switch set[0] {
	case queryFlagBox:
		var v []float64
		if v, err = parseFloats(c.String(queryFlagBox), 6); err == nil {
			err = filter.SetAsBox(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, r3.Vector{X: v[3], Y: v[4], Z: v[5]}, ypr)
		}
	case queryFlagSphere:
		var v []float64
		if v, err = parseFloats(c.String(queryFlagSphere), 4); err == nil {
			err = filter.SetAsSphere(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, v[3])
		}
	case queryFlagCylinder:
		var v []float64
		if v, err = parseFloats(c.String(queryFlagCylinder), 5); err == nil {
			err = filter.SetAsCylinder(r3.Vector{X: v[0], Y: v[1], Z: v[2]}, v[3], v[4], ypr)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "--%s", set[0])
	}
	filter.SetInverted(c.Bool(queryFlagInvert))
	return filter, nil
}

func loadTree(c *cli.Context) (*octree.Octree, error) {
	if c.NArg() != 1 {
		return nil, utils.NewInvalidParameterError("expected one octree file, got %d arguments", c.NArg())
	}
	return octree.Load(c.Args().First())
}

// QueryAction counts, prints or exports the points of an octree matching a filter.
func QueryAction(c *cli.Context) error {
	tree, err := loadTree(c)
	if err != nil {
		return err
	}
	filter, err := filterFromFlags(c)
	if err != nil {
		return err
	}
	logger := loggerFor(c)

	if path := c.String(queryFlagExport); path != "" {
		n, err := query.Export(c.Context, tree, filter, path, logger)
		if err != nil {
			return err
		}
		printf(c.App.Writer, "Exported %s points matching %s to %s", humanCount(n), filter, path)
		return nil
	}

	q, err := query.New(tree, filter, logger)
	if err != nil {
		return err
	}
	buf, err := pointcloud.NewPointBufferF64(4096, tree.Attributes())
	if err != nil {
		return err
	}
	limit := c.Int(queryFlagLimit)
	printed := 0
	for {
		err := q.ExecuteF64(c.Context, buf)
		if errors.Is(err, query.ErrExhausted) {
			break
		}
		if err != nil {
			return err
		}
		for i := 0; i < buf.Len() && printed < limit; i++ {
			p := buf.Vector(i)
			printf(c.App.Writer, "%g %g %g", p.X, p.Y, p.Z)
			printed++
		}
	}
	printf(c.App.Writer, "%d points match %s", q.Matched(), filter)
	return nil
}

// InfoAction prints the header of an octree file.
func InfoAction(c *cli.Context) error {
	tree, err := loadTree(c)
	if err != nil {
		return err
	}
	h := tree.Header()
	size := "unknown"
	if st, err := os.Stat(c.Args().First()); err == nil {
		size = units.BytesSize(float64(st.Size()))
	}
	vec := func(v r3.Vector) string { return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z) }

	data := pterm.TableData{
		{"Field", "Value"},
		{"Version", cast.ToString(h.Version)},
		{"File size", size},
		{"Points", fmt.Sprintf("%d (%s)", h.PointCount, humanCount(h.PointCount))},
		{"Nodes", cast.ToString(h.NodeCount)},
		{"Resolution", cast.ToString(h.Resolution)},
		{"Depth", cast.ToString(h.Depth)},
		{"SRID", cast.ToString(h.SRID)},
		{"Origin", vec(h.Origin)},
		{"Bounds", vec(h.Bounds.Min) + " to " + vec(h.Bounds.Max)},
		{"Attributes", strings.Join(lo.Map(h.Attributes, func(d attributes.Descriptor, _ int) string {
			return d.Name
		}), ", ")},
	}
	flat := flattenMetadata("", h.Metadata)
	keys := lo.Keys(flat)
	sort.Strings(keys)
	for _, k := range keys {
		data = append(data, []string{"metadata." + k, flat[k]})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// flattenMetadata turns nested metadata into dotted keys. Long values such as watermarks are
// shortened.
func flattenMetadata(prefix string, m map[string]interface{}) map[string]string {
	out := map[string]string{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenMetadata(key, nested) {
				out[nk] = nv
			}
			continue
		}
		s := cast.ToString(v)
		if len(s) > 64 {
			s = s[:61] + "..."
		}
		out[key] = s
	}
	return out
}
