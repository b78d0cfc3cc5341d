package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/convert"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
)

const (
	convertFlagJob          = "job"
	convertFlagOutput       = "output"
	convertFlagResolution   = "resolution"
	convertFlagSRID         = "srid"
	convertFlagOffset       = "offset"
	convertFlagEveryNth     = "every-nth"
	convertFlagSkipErrors   = "skip-errors"
	convertFlagVerticesOnly = "vertices-only"
	convertFlagTempDir      = "temp-dir"
	convertFlagMetadata     = "metadata"
	convertFlagWatermark    = "watermark"
	convertFlagProjection   = "projection"
	convertFlagInputSRID    = "input-srid"
	convertFlagFormat       = "format"
	convertFlagQuiet        = "quiet"
)

// progressPollInterval is how often the progress display samples a running conversion.
var progressPollInterval = 250 * time.Millisecond

// progressClock drives the progress display.
var progressClock clock.Clock = clock.New()

func inputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  convertFlagJob,
			Usage: "read the conversion from a job `FILE`; other flags override it",
		},
		&cli.StringFlag{
			Name:    convertFlagOutput,
			Aliases: []string{"o"},
			Usage:   "octree `FILE` to write, .uds is appended when missing",
		},
		&cli.Float64Flag{
			Name:  convertFlagResolution,
			Usage: "leaf cell size, defaults to the finest resolution of the inputs",
		},
		&cli.IntFlag{
			Name:  convertFlagSRID,
			Usage: "spatial reference of the output",
		},
		&cli.StringFlag{
			Name:  convertFlagOffset,
			Usage: "`X,Y,Z` added to every point after projection",
		},
		&cli.IntFlag{
			Name:  convertFlagEveryNth,
			Usage: "keep every Nth point of each input",
		},
		&cli.BoolFlag{
			Name:  convertFlagSkipErrors,
			Usage: "skip inputs that fail instead of failing the conversion",
		},
		&cli.BoolFlag{
			Name:  convertFlagVerticesOnly,
			Usage: "only use the vertices of meshes instead of voxelizing their faces",
		},
		&cli.StringFlag{
			Name:  convertFlagTempDir,
			Usage: "`DIR` for spool files",
		},
		&cli.StringSliceFlag{
			Name:  convertFlagMetadata,
			Usage: "`KEY=VALUE` stored in the output, nested with dots",
		},
		&cli.StringFlag{
			Name:  convertFlagWatermark,
			Usage: "PNG image stored in the output",
		},
		&cli.StringFlag{
			Name:  convertFlagProjection,
			Usage: "projection of the positional inputs: cartesian, latlong, longlat or ecef",
		},
		&cli.IntFlag{
			Name:  convertFlagInputSRID,
			Usage: "SRID of the positional inputs",
		},
		&cli.StringFlag{
			Name:  convertFlagFormat,
			Usage: "format of the positional inputs when the extension does not tell: las, pcd or xyz",
		},
		&cli.BoolFlag{
			Name:    convertFlagQuiet,
			Aliases: []string{"q"},
			Usage:   "do not show progress",
		},
	}
}

// jobFromFlags builds a job from --job and the other flags. Positional arguments are appended
// as items.
func jobFromFlags(c *cli.Context) (*config.ConvertJob, error) {
	job := &config.ConvertJob{}
	if path := c.String(convertFlagJob); path != "" {
		var err error
		if job, err = config.ReadJobFile(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet(convertFlagOutput) {
		job.Output = c.String(convertFlagOutput)
	}
	if c.IsSet(convertFlagResolution) {
		job.Resolution = c.Float64(convertFlagResolution)
	}
	if c.IsSet(convertFlagSRID) {
		job.SRID = c.Int(convertFlagSRID)
	}
	if c.IsSet(convertFlagOffset) {
		v, err := parseFloats(c.String(convertFlagOffset), 3)
		if err != nil {
			return nil, err
		}
		job.GlobalOffset = v
	}
	if c.IsSet(convertFlagEveryNth) {
		job.EveryNth = c.Int(convertFlagEveryNth)
	}
	if c.IsSet(convertFlagSkipErrors) {
		job.SkipErrorsWherePossible = c.Bool(convertFlagSkipErrors)
	}
	if c.IsSet(convertFlagVerticesOnly) {
		job.PolygonVerticesOnly = c.Bool(convertFlagVerticesOnly)
	}
	if c.IsSet(convertFlagTempDir) {
		job.TempDirectory = c.String(convertFlagTempDir)
	}
	if c.IsSet(convertFlagWatermark) {
		job.Watermark = c.String(convertFlagWatermark)
	}
	kv, err := parseKeyValues(c.StringSlice(convertFlagMetadata))
	if err != nil {
		return nil, err
	}
	if len(kv) > 0 && job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	for k, v := range kv {
		job.Metadata[k] = v
	}

	for _, arg := range c.Args().Slice() {
		item := config.JobItem{
			Format:     c.String(convertFlagFormat),
			Projection: c.String(convertFlagProjection),
			SRID:       c.Int(convertFlagInputSRID),
		}
		if isURL(arg) {
			item.URL = arg
		} else {
			item.Path = arg
		}
		job.Items = append(job.Items, item)
	}
	return job, nil
}

// applyJob configures cctx from job. Setter errors name the offending field.
func applyJob(cctx *convert.Context, job *config.ConvertJob, preview bool) error {
	if !preview {
		if err := cctx.SetOutputFilename(job.Output); err != nil {
			return errors.Wrap(err, "output")
		}
	}
	if job.TempDirectory != "" || job.TempPrefix != "" {
		prefix := job.TempPrefix
		if prefix == "" {
			prefix = convert.DefaultTempPrefix
		}
		if err := cctx.SetTempDirectory(job.TempDirectory, prefix); err != nil {
			return errors.Wrap(err, "temp_directory")
		}
	}
	if job.Resolution > 0 {
		if err := cctx.SetPointResolution(true, job.Resolution); err != nil {
			return errors.Wrap(err, "resolution")
		}
	}
	if job.SRID > 0 {
		if err := cctx.SetSRID(true, job.SRID); err != nil {
			return errors.Wrap(err, "srid")
		}
	}
	if len(job.GlobalOffset) == 3 {
		offset := r3.Vector{X: job.GlobalOffset[0], Y: job.GlobalOffset[1], Z: job.GlobalOffset[2]}
		if err := cctx.SetGlobalOffset(offset); err != nil {
			return errors.Wrap(err, "global_offset")
		}
	}
	if job.EveryNth > 0 {
		if err := cctx.SetEveryNth(job.EveryNth); err != nil {
			return errors.Wrap(err, "every_nth")
		}
	}
	if err := cctx.SetSkipErrorsWherePossible(job.SkipErrorsWherePossible); err != nil {
		return err
	}
	if err := cctx.SetPolygonVerticesOnly(job.PolygonVerticesOnly); err != nil {
		return err
	}
	for k, v := range job.Metadata {
		if err := cctx.SetMetadata(k, lo.ToPtr(v)); err != nil {
			return errors.Wrapf(err, "metadata %q", k)
		}
	}
	if job.Watermark != "" {
		if err := cctx.AddWatermark(job.Watermark); err != nil {
			return errors.Wrap(err, "watermark")
		}
	}

	network := job.NetworkConfig()
	for i, item := range job.Items {
		index, err := addJobItem(cctx, network, item)
		if err != nil {
			return errors.Wrapf(err, "item %d", i)
		}
		if item.Projection == "" && item.SRID == 0 {
			continue
		}
		projection, err := convert.ParseProjection(item.Projection)
		if err != nil {
			return errors.Wrapf(err, "item %d", i)
		}
		if err := cctx.SetInputSourceProjection(index, projection, item.SRID); err != nil {
			return errors.Wrapf(err, "item %d", i)
		}
	}
	return nil
}

func addJobItem(cctx *convert.Context, network config.Config, item config.JobItem) (int, error) {
	format := pointcloud.Format(strings.ToLower(item.Format))
	switch {
	case item.URL != "":
		return cctx.AddURLItem(network, item.URL, format)
	case format == "" || format == pointcloud.FormatLAS:
		return cctx.AddItem(item.Path)
	default:
		//nolint:gosec
		f, err := os.Open(item.Path)
		if err != nil {
			return -1, err
		}
		index, err := cctx.AddStreamItem(item.Path, format, f)
		if err != nil {
			goutils.UncheckedError(f.Close())
		}
		return index, err
	}
}

// conversionProgress turns Info snapshots into progress steps, one child step per item.
type conversionProgress struct {
	pm       *ProgressManager
	reported []convert.ItemStatus
}

func newConversionProgress(c *cli.Context, rootID, rootMsg string, items int) *conversionProgress {
	steps := []*Step{{ID: rootID, Message: rootMsg}}
	for i := 0; i < items; i++ {
		steps = append(steps, &Step{ID: itemStepID(i), Message: fmt.Sprintf("item %d", i), IndentLevel: 1})
	}
	pm := NewProgressManager(c.App.Writer, steps,
		WithProgressOutput(!c.Bool(convertFlagQuiet)),
		WithProgressClock(progressClock))
	return &conversionProgress{pm: pm, reported: make([]convert.ItemStatus, items)}
}

func itemStepID(i int) string {
	return fmt.Sprintf("item-%d", i)
}

func (cp *conversionProgress) update(info convert.Info) {
	for i, item := range info.Items {
		if i >= len(cp.reported) {
			break
		}
		id := itemStepID(i)
		prev := cp.reported[i]
		if item.Status == prev {
			if item.Status == convert.ItemReading {
				cp.pm.UpdateText(fmt.Sprintf("   → %s: %s points", item.Name, humanCount(item.PointsRead)))
			}
			continue
		}
		cp.reported[i] = item.Status
		switch item.Status {
		case convert.ItemReading:
			//nolint:errcheck
			_ = cp.pm.Start(id)
		case convert.ItemDone:
			//nolint:errcheck
			_ = cp.pm.CompleteWithMessage(id, fmt.Sprintf("%s: %s points", item.Name, humanCount(item.PointsRead)))
		case convert.ItemSkipped:
			//nolint:errcheck
			_ = cp.pm.Skip(id, item.Err)
		case convert.ItemFailed:
			//nolint:errcheck
			_ = cp.pm.Fail(id, errors.New(item.Err))
		case convert.ItemPending:
		}
	}
}

// runWithProgress runs fn in the background and samples cctx until it returns.
func runWithProgress(
	ctx context.Context,
	cctx *convert.Context,
	cp *conversionProgress,
	fn func(context.Context) (*octree.Octree, error),
) (*octree.Octree, error) {
	type result struct {
		tree *octree.Octree
		err  error
	}
	done := make(chan result, 1)
	goutils.PanicCapturingGo(func() {
		tree, err := fn(ctx)
		done <- result{tree, err}
	})

	ticker := progressClock.Ticker(progressPollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			cp.update(cctx.Info())
			cp.pm.Stop()
			return res.tree, res.err
		case <-ticker.C:
			cp.update(cctx.Info())
		}
	}
}

func summarize(info convert.Info) string {
	msg := fmt.Sprintf("%s unique points from %s read at resolution %g",
		humanCount(info.UniquePoints), humanCount(info.PointsRead), info.Resolution)
	if info.DiscardedPoints > 0 {
		msg += fmt.Sprintf(", %s duplicates discarded", humanCount(info.DiscardedPoints))
	}
	if info.TempBytes > 0 {
		msg += fmt.Sprintf(", %s spooled", units.BytesSize(float64(info.TempBytes)))
	}
	return msg
}

func prepareConversion(c *cli.Context, preview bool) (*convert.Context, *config.ConvertJob, error) {
	job, err := jobFromFlags(c)
	if err != nil {
		return nil, nil, err
	}
	if preview && job.Output == "" {
		job.Output = "preview" + octree.Extension
	}
	if err := job.Validate("job"); err != nil {
		return nil, nil, err
	}
	cctx := convert.NewContext(loggerFor(c))
	if err := applyJob(cctx, job, preview); err != nil {
		return nil, nil, err
	}
	return cctx, job, nil
}

// ConvertAction converts the inputs into an octree file.
func ConvertAction(c *cli.Context) error {
	cctx, job, err := prepareConversion(c, false)
	if err != nil {
		return err
	}
	cp := newConversionProgress(c, "convert",
		fmt.Sprintf("Converting %d inputs into %s", len(job.Items), job.Output), len(job.Items))
	//nolint:errcheck
	_ = cp.pm.Start("convert")

	_, err = runWithProgress(c.Context, cctx, cp, func(ctx context.Context) (*octree.Octree, error) {
		return nil, cctx.DoConvert(ctx)
	})
	info := cctx.Info()
	if err != nil {
		//nolint:errcheck
		_ = cp.pm.Fail("convert", err)
		return err
	}
	//nolint:errcheck
	_ = cp.pm.CompleteWithMessage("convert", "Wrote "+info.Output+": "+summarize(info))
	if info.SkippedItems > 0 {
		warningf(c.App.ErrWriter, "%d inputs were skipped", info.SkippedItems)
	}
	return nil
}

// PreviewAction builds a coarse preview of the inputs and optionally saves it.
func PreviewAction(c *cli.Context) error {
	cctx, job, err := prepareConversion(c, true)
	if err != nil {
		return err
	}
	cp := newConversionProgress(c, "preview", fmt.Sprintf("Previewing %d inputs", len(job.Items)), len(job.Items))
	//nolint:errcheck
	_ = cp.pm.Start("preview")

	tree, err := runWithProgress(c.Context, cctx, cp, cctx.GeneratePreview)
	if err != nil {
		//nolint:errcheck
		_ = cp.pm.Fail("preview", err)
		return err
	}
	//nolint:errcheck
	_ = cp.pm.CompleteWithMessage("preview", "Preview: "+summarize(cctx.Info()))
	if c.IsSet(convertFlagOutput) {
		if err := tree.Save(job.Output); err != nil {
			return err
		}
		printf(c.App.Writer, "Saved preview to %s", job.Output)
	}
	return nil
}
