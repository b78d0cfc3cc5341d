package convert

import (
	"context"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
	"go.viam.com/voxelvault/utils/diskusage"
	"go.viam.com/voxelvault/voxelizer"
)

const (
	batchSize      = 4096
	triangleBatch  = 64
	spacingSamples = 1024

	// previewEveryNth and previewCoarsening reduce the fidelity of previews.
	previewEveryNth   = 16
	previewCoarsening = 8

	watermarkKey = "watermark"
)

type itemRun struct {
	index      int
	name       string
	source     Source
	kind       readerKind
	info       SourceInfo
	projection Projection
	srid       int
	transform  transformFunc
	opened     bool
	spool      string

	read atomic.Int64

	// guarded by run.mu
	status  ItemStatus
	err     error
	bounds  pointcloud.Bounds
	spacing float64
}

func (it *itemRun) active() bool {
	return it.status != ItemSkipped && it.status != ItemFailed
}

// run is the state of one DoConvert or GeneratePreview call.
type run struct {
	c        *Context
	logger   logging.Logger
	settings settings
	preview  bool
	everyNth int
	items    []*itemRun

	resolution float64
	srid       int
	set        *attributes.Set
	builder    *octree.Builder

	mu            sync.Mutex
	current       atomic.Int64
	tempBytes     atomic.Int64
	tempAvailable uint64
	started       time.Time
}

// DoConvert reads every item into an octree and writes it to the output file. Only one
// conversion runs per context at a time; a concurrent call fails with NotAllowed.
func (c *Context) DoConvert(ctx context.Context) error {
	_, err := c.run(ctx, false)
	return err
}

// GeneratePreview builds a coarse in-memory octree from a sample of every item without writing
// any output.
func (c *Context) GeneratePreview(ctx context.Context) (*octree.Octree, error) {
	return c.run(ctx, true)
}

func (c *Context) run(ctx context.Context, preview bool) (*octree.Octree, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, utils.NewNotAllowedError("a conversion is already running on this context")
	}
	defer c.running.Store(false)
	// a Cancel issued before the run started still stops it; the request is consumed here.
	defer c.cancelled.Store(false)

	c.mu.Lock()
	r := &run{
		c:        c,
		logger:   c.logger.Sublogger("convert"),
		settings: c.settings,
		preview:  preview,
		started:  c.clock.Now(),
	}
	r.settings.metadata = copyMetadata(c.settings.metadata)
	for i, it := range c.items {
		r.items = append(r.items, &itemRun{index: i, name: it.name, source: it.source, srid: it.srid, projection: -1})
		if it.projection != nil {
			r.items[i].projection = *it.projection
		}
	}
	c.mu.Unlock()

	r.current.Store(-1)
	r.everyNth = r.settings.everyNth
	if preview && r.everyNth < previewEveryNth {
		r.everyNth = previewEveryNth
	}
	r.publish(StateRunning, nil)

	tree, err := r.execute(ctx)
	r.closeSources()

	state := StateCompleted
	switch {
	case err == nil:
	case utils.KindOf(err) == utils.Cancelled:
		state = StateCancelled
		r.logger.Infow("conversion cancelled", "error", err)
	default:
		state = StateFailed
		r.logger.Errorw("conversion failed", "error", err)
	}
	if err == nil {
		r.removeSpools()
	}
	instrumentConversion(state)
	r.publish(state, err)
	return tree, err
}

// checkCancel reports whether the conversion should stop.
func (c *Context) checkCancel(ctx context.Context) error {
	if c.cancelled.Load() {
		return utils.NewCancelledError("conversion cancelled")
	}
	if err := ctx.Err(); err != nil {
		return utils.WithKind(utils.Cancelled, err)
	}
	return nil
}

func (r *run) execute(ctx context.Context) (*octree.Octree, error) {
	if !r.preview && r.settings.output == "" {
		return nil, utils.NewInvalidConfigurationError("no output filename set")
	}
	if len(r.items) == 0 {
		return nil, utils.NewInvalidConfigurationError("no items to convert")
	}
	r.probeDisk()
	if r.c.progressInterval > 0 {
		stop := utils.ProgressLogger(ctx, r.c.clock, r.c.progressInterval, r.logProgress)
		defer stop()
	}

	if err := r.openItems(ctx); err != nil {
		return nil, err
	}
	if err := r.resolveGrid(); err != nil {
		return nil, err
	}
	if err := r.collectBounds(ctx); err != nil {
		return nil, err
	}

	bounds := pointcloud.NewBounds()
	r.mu.Lock()
	for _, it := range r.items {
		if it.active() {
			bounds.Union(it.bounds)
		}
	}
	r.mu.Unlock()
	origin, depth := r3.Vector{}, 0
	if !bounds.Empty() {
		origin = octree.AlignedOrigin(bounds.Min, r.resolution)
		var err error
		if depth, err = octree.DepthFor(bounds.Max.Sub(origin), r.resolution); err != nil {
			return nil, err
		}
	}
	builder, err := octree.NewBuilder(r.set, origin, r.resolution, depth)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.builder = builder
	r.mu.Unlock()
	r.logger.Infow("building octree",
		"resolution", r.resolution, "srid", r.srid, "depth", depth, "origin", origin, "attributes", r.set.Count())

	for _, it := range r.items {
		if !r.itemActive(it) {
			continue
		}
		if err := r.c.checkCancel(ctx); err != nil {
			return nil, err
		}
		r.current.Store(int64(it.index))
		r.setStatus(it, ItemReading, nil)
		if err := r.insertItem(ctx, it); err != nil {
			if err := r.itemFailed(it, err); err != nil {
				return nil, err
			}
			continue
		}
		r.setStatus(it, ItemDone, nil)
		r.closeSource(it)
		r.logger.Infow("item converted", "item", it.name, "points_read", it.read.Load())
		r.publish(StateRunning, nil)
	}
	r.current.Store(-1)
	if err := r.c.checkCancel(ctx); err != nil {
		return nil, err
	}

	header := octree.Header{SRID: r.srid, Metadata: r.settings.metadata}
	if r.settings.watermark != "" {
		header.Metadata[watermarkKey] = r.settings.watermark
	}
	tree, err := builder.Build(ctx, header)
	if err != nil {
		return nil, err
	}
	built := builder.Stats()
	if !r.preview {
		uniquePointsTotal.Add(float64(built.Unique))
		discardedPointsTotal.Add(float64(built.Discarded))
	}
	if built.Discarded > 0 {
		r.logger.Warnw("points outside the octree volume were discarded", "count", built.Discarded)
	}

	if r.preview {
		return tree, nil
	}
	if err := r.writeOutput(ctx, tree); err != nil {
		return nil, err
	}
	r.c.mu.Lock()
	r.c.result = tree
	r.c.mu.Unlock()
	return tree, nil
}

func (r *run) probeDisk() {
	dir := r.settings.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	du, err := diskusage.Statfs(dir)
	if err != nil {
		r.logger.Debugw("cannot probe temp directory", "dir", dir, "error", err)
		return
	}
	r.tempAvailable = du.AvailableBytes
	r.logger.Infow("temp directory", "dir", dir, "usage", du.String())
}

func (r *run) logProgress(elapsed time.Duration) {
	info := r.c.Info()
	current := ""
	if info.CurrentItem >= 0 && info.CurrentItem < len(info.Items) {
		current = info.Items[info.CurrentItem].Name
	}
	r.logger.Infow("converting",
		"item", current, "points_read", info.PointsRead, "unique", info.UniquePoints, "elapsed", elapsed)
}

// itemFailed records err against it and returns nil when the conversion may carry on without it.
func (r *run) itemFailed(it *itemRun, err error) error {
	err = errors.Wrapf(err, "item %q", it.name)
	if !r.settings.skipErrors || utils.KindOf(err) == utils.Cancelled {
		r.setStatus(it, ItemFailed, err)
		return err
	}
	r.setStatus(it, ItemSkipped, err)
	r.logger.Warnw("skipping item", "item", it.name, "error", err)
	r.closeSource(it)
	if it.spool != "" {
		utils.RemoveFileNoError(it.spool)
		r.c.untrackTemp(it.spool)
		it.spool = ""
	}
	r.publish(StateRunning, nil)
	return nil
}

func (r *run) setStatus(it *itemRun, status ItemStatus, err error) {
	r.mu.Lock()
	it.status = status
	it.err = err
	r.mu.Unlock()
}

func (r *run) itemActive(it *itemRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return it.active()
}

func (r *run) openItems(ctx context.Context) error {
	opts := OpenOptions{EveryNth: r.everyNth}
	if r.settings.overrideResolution {
		opts.PointResolution = r.settings.resolution
	}
	if r.settings.verticesOnly {
		opts.Flags |= FlagVerticesOnly
	}
	if r.preview {
		opts.Flags |= FlagPreview
	}
	for _, it := range r.items {
		if err := r.c.checkCancel(ctx); err != nil {
			return err
		}
		r.current.Store(int64(it.index))
		info, err := it.source.Open(ctx, opts)
		if err != nil {
			if err := r.itemFailed(it, err); err != nil {
				return err
			}
			continue
		}
		it.opened = true
		if info.Attributes == nil {
			info.Attributes = attributes.MustGenerate(attributes.ContentNone, 0)
		}
		if it.projection < 0 {
			it.projection = info.Projection
		}
		if it.srid == 0 {
			it.srid = info.SRID
		}
		it.info = info
		it.kind = kindOfSource(it.source)
		if it.kind == readerNone {
			if err := r.itemFailed(it, utils.NewNotSupportedError("source reads neither points nor triangles")); err != nil {
				return err
			}
			continue
		}
		r.logger.Debugw("item opened", "item", it.name, "points", info.PointCount, "bounds_known", info.BoundsKnown,
			"projection", it.projection.String(), "srid", it.srid)
	}
	r.current.Store(-1)
	return nil
}

// resolveGrid settles the output resolution, SRID, attribute layout and per item transforms.
func (r *run) resolveGrid() error {
	r.resolution = 0
	if r.settings.overrideResolution {
		r.resolution = r.settings.resolution
	} else {
		for _, it := range r.items {
			if it.active() && it.info.Resolution > 0 && (r.resolution == 0 || it.info.Resolution < r.resolution) {
				r.resolution = it.info.Resolution
			}
		}
		if r.resolution == 0 {
			r.resolution = DefaultResolution
		}
	}
	if r.preview {
		r.resolution *= previewCoarsening
	}

	if r.settings.overrideSRID {
		r.srid = r.settings.srid
	} else {
		for _, it := range r.items {
			if it.active() && it.srid != 0 {
				r.srid = it.srid
				break
			}
		}
	}

	var sets []*attributes.Set
	for _, it := range r.items {
		if !it.active() {
			continue
		}
		transform, err := newTransform(it.projection, r.srid, r.settings.globalOffset)
		if err != nil {
			if err := r.itemFailed(it, err); err != nil {
				return err
			}
			continue
		}
		it.transform = transform
		sets = append(sets, it.info.Attributes)
	}
	set, err := mergeSets(sets)
	if err != nil {
		return err
	}
	r.set = set
	return nil
}

// mergeSets returns a set holding every standard attribute of sets plus their named custom
// attributes, first definition winning.
func mergeSets(sets []*attributes.Set) (*attributes.Set, error) {
	var content attributes.StandardContent
	var custom []attributes.Descriptor
	seen := map[string]bool{}
	for _, s := range sets {
		content |= s.Content()
		for i := s.Content().Count(); i < s.Count(); i++ {
			d := s.Descriptor(i)
			if d.IsBlank() || seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			custom = append(custom, d)
		}
	}
	set, err := attributes.Generate(content, len(custom))
	if err != nil {
		return nil, err
	}
	for i, d := range custom {
		if err := set.DefineCustom(content.Count()+i, d); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// collectBounds learns the output space bounds of every item. Items without trustworthy bounds
// are read once, concurrently, into spool files.
func (r *run) collectBounds(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range r.items {
		if !it.active() {
			continue
		}
		if it.info.BoundsKnown && it.projection == ProjectionCartesian {
			r.mu.Lock()
			it.bounds = it.info.Bounds.Translate(r.settings.globalOffset)
			r.mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := r.prepass(gctx, it); err != nil {
				return r.itemFailed(it, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *run) prepass(ctx context.Context, it *itemRun) (err error) {
	it.spool = utils.UniquePath(r.settings.tempDir, r.settings.tempPrefix, SpoolExtension)
	r.c.trackTemp(it.spool)
	sw, err := createSpool(it.spool, r.set)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sw.Close())
		r.tempBytes.Add(sw.Size())
	}()

	bounds := pointcloud.NewBounds()
	var spacing []float64
	var last r3.Vector
	err = r.streamItem(ctx, it, func(buf *pointcloud.PointBufferF64) error {
		for i := 0; i < buf.Len(); i++ {
			p := buf.Vector(i)
			if len(spacing) < spacingSamples && !bounds.Empty() {
				if d := p.Distance(last); d > 0 {
					spacing = append(spacing, d)
				}
			}
			last = p
			bounds.Merge(p)
		}
		return sw.WriteBatch(buf)
	})
	if err != nil {
		return err
	}
	median, err := stats.Median(spacing)
	if err != nil {
		median = 0
	}
	r.mu.Lock()
	it.bounds = bounds
	it.spacing = median
	r.mu.Unlock()
	r.logger.Debugw("bounds pre-pass done", "item", it.name, "points", sw.written, "median_spacing", median)
	return nil
}

func (r *run) insertItem(ctx context.Context, it *itemRun) error {
	if it.spool == "" {
		return r.streamItem(ctx, it, func(buf *pointcloud.PointBufferF64) error {
			r.builder.InsertBuffer(buf)
			return nil
		})
	}
	sr, err := openSpool(it.spool, r.set)
	if err != nil {
		return err
	}
	defer func() {
		if err := sr.Close(); err != nil {
			r.logger.Debugw("closing spool", "path", it.spool, "error", err)
		}
	}()
	buf, err := pointcloud.NewPointBufferF64(batchSize, r.set)
	if err != nil {
		return err
	}
	for {
		if err := r.c.checkCancel(ctx); err != nil {
			return err
		}
		buf.Reset()
		err := sr.ReadBatch(buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.builder.InsertBuffer(buf)
		r.publish(StateRunning, nil)
	}
}

// streamItem reads every record of an item, applies sampling, voxelization and the item's
// transform, and hands batches laid out in the output attribute set to emit.
func (r *run) streamItem(ctx context.Context, it *itemRun, emit func(*pointcloud.PointBufferF64) error) error {
	out, err := pointcloud.NewPointBufferF64(batchSize, r.set)
	if err != nil {
		return err
	}
	conv := attributes.NewConverter(it.info.Attributes, r.set)
	every := int64(r.everyNth)
	var index int64
	push := func(pos r3.Vector, rec []byte) error {
		keep := index%every == 0
		index++
		if !keep {
			return nil
		}
		w, err := it.transform(pos)
		if err != nil {
			return err
		}
		slot, err := out.AppendSlot([3]float64{w.X, w.Y, w.Z})
		if err != nil {
			return err
		}
		conv.Convert(slot, rec)
		if out.Full() {
			if err := emit(out); err != nil {
				return err
			}
			out.Reset()
		}
		return nil
	}
	flush := func() error {
		if out.Len() == 0 {
			return nil
		}
		err := emit(out)
		out.Reset()
		return err
	}

	src := it.info.Attributes
	switch it.kind {
	case readerF64:
		err = r.readF64(ctx, it, push)
	case readerI64:
		err = r.readI64(ctx, it, push)
	case readerTriangles:
		err = r.readTriangles(ctx, it, src, push)
	default:
		err = utils.NewNotSupportedError("source reads neither points nor triangles")
	}
	if err != nil {
		return err
	}
	return flush()
}

// readDone classifies the error of a read call: done is true on exhaustion.
func readDone(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF):
		return true, nil
	case utils.KindOf(err) == utils.Failure:
		return false, utils.NewReadError(err, "reading points")
	default:
		return false, err
	}
}

func (r *run) readF64(ctx context.Context, it *itemRun, push func(r3.Vector, []byte) error) error {
	reader, ok := it.source.(PointReaderF64)
	if !ok {
		return utils.NewNotSupportedError("source does not read floating point positions")
	}
	in, err := pointcloud.NewPointBufferF64(batchSize, it.info.Attributes)
	if err != nil {
		return err
	}
	for {
		if err := r.c.checkCancel(ctx); err != nil {
			return err
		}
		in.Reset()
		done, err := readDone(reader.ReadPointsF64(ctx, in))
		if err != nil {
			return err
		}
		r.countRead(it, in.Len())
		for i := 0; i < in.Len(); i++ {
			if err := push(in.Vector(i), in.AttributeRecord(i)); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
		r.publish(StateRunning, nil)
	}
}

func (r *run) readI64(ctx context.Context, it *itemRun, push func(r3.Vector, []byte) error) error {
	reader, ok := it.source.(PointReaderI64)
	if !ok {
		return utils.NewNotSupportedError("source does not read integer positions")
	}
	scale := it.info.Resolution
	if !(scale > 0) {
		scale = r.resolution
	}
	in, err := pointcloud.NewPointBufferI64(batchSize, it.info.Attributes)
	if err != nil {
		return err
	}
	for {
		if err := r.c.checkCancel(ctx); err != nil {
			return err
		}
		in.Reset()
		done, err := readDone(reader.ReadPointsI64(ctx, in))
		if err != nil {
			return err
		}
		r.countRead(it, in.Len())
		for i := 0; i < in.Len(); i++ {
			if err := push(in.Vector(i).Mul(scale), in.AttributeRecord(i)); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
		r.publish(StateRunning, nil)
	}
}

func (r *run) readTriangles(
	ctx context.Context,
	it *itemRun,
	src *attributes.Set,
	push func(r3.Vector, []byte) error,
) error {
	reader, ok := it.source.(TriangleReader)
	if !ok {
		return utils.NewNotSupportedError("source does not read triangles")
	}
	vx, err := voxelizer.New(r.resolution)
	if err != nil {
		return err
	}
	blender := attributes.NewBlender(src)
	blank := make([]byte, src.Stride())
	scratch := make([]byte, src.Stride())
	tris := make([]Triangle, triangleBatch)
	for {
		if err := r.c.checkCancel(ctx); err != nil {
			return err
		}
		n, err := reader.ReadTriangles(ctx, tris)
		done, err := readDone(err)
		if err != nil {
			return err
		}
		r.countRead(it, n)
		for _, t := range tris[:n] {
			recs := t.Records
			for i := range recs {
				if len(recs[i]) < src.Stride() {
					recs[i] = blank
				}
			}
			if r.settings.verticesOnly {
				for i, v := range t.Vertices {
					if err := push(v, recs[i]); err != nil {
						return err
					}
				}
				continue
			}
			if err := vx.SetTriangle(t.Vertices[0], t.Vertices[1], t.Vertices[2]); err != nil {
				return err
			}
			for {
				samples, err := vx.GetPoints(batchSize)
				if err != nil {
					return err
				}
				if len(samples) == 0 {
					break
				}
				for _, s := range samples {
					blender.Interpolate(scratch, &recs, s.Weights)
					if err := push(s.Position, scratch); err != nil {
						return err
					}
				}
			}
		}
		if done {
			return nil
		}
		r.publish(StateRunning, nil)
	}
}

func (r *run) countRead(it *itemRun, n int) {
	it.read.Add(int64(n))
	pointsReadTotal.Add(float64(n))
}

func (r *run) closeSource(it *itemRun) {
	if !it.opened {
		return
	}
	it.opened = false
	if err := it.source.Close(); err != nil {
		r.logger.Warnw("closing item", "item", it.name, "error", err)
	}
}

func (r *run) closeSources() {
	for _, it := range r.items {
		r.closeSource(it)
	}
}

func (r *run) removeSpools() {
	for _, it := range r.items {
		if it.spool == "" {
			continue
		}
		utils.RemoveFileNoError(it.spool)
		r.c.untrackTemp(it.spool)
		it.spool = ""
	}
}

// writeOutput writes next to the output and renames into place so readers never see a partial
// file.
func (r *run) writeOutput(ctx context.Context, tree *octree.Octree) error {
	if err := r.c.checkCancel(ctx); err != nil {
		return err
	}
	tmp := r.settings.output + "." + uuid.NewString() + ".tmp"
	r.c.trackTemp(tmp)
	if err := tree.Save(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.settings.output); err != nil {
		return utils.NewWriteError(err, "moving octree into %q", r.settings.output)
	}
	r.c.untrackTemp(tmp)
	r.logger.Infow("octree written", "path", r.settings.output, "points", tree.PointCount(), "nodes", tree.NodeCount())
	return nil
}

// publish swaps in a fresh statistics snapshot.
func (r *run) publish(state State, err error) {
	info := &Info{
		State:              state,
		CurrentItem:        int(r.current.Load()),
		ItemCount:          len(r.items),
		Items:              make([]ItemInfo, len(r.items)),
		TempBytes:          r.tempBytes.Load(),
		TempAvailableBytes: r.tempAvailable,
		Output:             r.settings.output,
		Started:            r.started,
	}
	r.mu.Lock()
	info.Resolution = r.resolution
	info.SRID = r.srid
	for i, it := range r.items {
		ii := ItemInfo{
			Name:        it.name,
			Status:      it.status,
			Projection:  it.projection,
			SRID:        it.srid,
			PointCount:  it.info.PointCount,
			Bounds:      it.bounds,
			BoundsKnown: !it.bounds.Empty(),
			Resolution:  it.info.Resolution,
			Spacing:     it.spacing,
			PointsRead:  it.read.Load(),
		}
		if it.projection < 0 {
			ii.Projection = ProjectionCartesian
		}
		if it.err != nil {
			ii.Err = it.err.Error()
		}
		if it.status == ItemSkipped {
			info.SkippedItems++
		}
		info.PointsRead += ii.PointsRead
		info.Items[i] = ii
	}
	builder := r.builder
	r.mu.Unlock()
	if builder != nil {
		s := builder.Stats()
		info.UniquePoints = s.Unique
		info.DiscardedPoints = s.Discarded
	}
	if state != StateRunning {
		info.Finished = r.c.clock.Now()
		info.CurrentItem = -1
	}
	if err != nil {
		info.Err = err.Error()
	}
	r.c.info.Store(info)
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = copyMetadata(sub)
			continue
		}
		out[k] = v
	}
	return out
}

func isFinite(v r3.Vector) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}
