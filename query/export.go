package query

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

const exportBatch = 4096

// pointSink receives exported points.
type pointSink interface {
	Write(pos r3.Vector, record []byte) error
	Close() error
}

// pcdSink writes a binary PCD file through a buffered writer.
type pcdSink struct {
	f *os.File
	b *bufio.Writer
	w *pointcloud.PCDWriter
}

func (s *pcdSink) Write(pos r3.Vector, record []byte) error { return s.w.Write(pos, record) }

func (s *pcdSink) Close() error {
	err := s.w.Close()
	if err == nil {
		err = s.b.Flush()
	}
	return multierr.Combine(err, s.f.Close())
}

// octreeSink rebuilds the matches into a new octree on the source's grid.
type octreeSink struct {
	ctx     context.Context
	path    string
	src     *octree.Octree
	builder *octree.Builder
}

func (s *octreeSink) Write(pos r3.Vector, record []byte) error {
	s.builder.Insert(pos, record)
	return nil
}

func (s *octreeSink) Close() error {
	h := s.src.Header()
	tree, err := s.builder.Build(s.ctx, octree.Header{SRID: h.SRID, Metadata: s.src.Metadata()})
	if err != nil {
		return err
	}
	return tree.Save(s.path)
}

func newSink(ctx context.Context, tree *octree.Octree, path string) (pointSink, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".las":
		w, err := pointcloud.NewLASWriter(path, tree.Attributes())
		if err != nil {
			return nil, err
		}
		return w, nil
	case ".pcd":
		//nolint:gosec
		f, err := os.Create(path)
		if err != nil {
			return nil, utils.NewOpenError(err, "creating %q", path)
		}
		b := bufio.NewWriter(f)
		w, err := pointcloud.NewPCDWriter(b, tree.Attributes(), pointcloud.PCDBinary)
		if err != nil {
			return nil, multierr.Combine(err, f.Close())
		}
		return &pcdSink{f: f, b: b, w: w}, nil
	case octree.Extension:
		h := tree.Header()
		builder, err := octree.NewBuilder(tree.Attributes(), h.Origin, h.Resolution, h.Depth)
		if err != nil {
			return nil, err
		}
		return &octreeSink{ctx: ctx, path: path, src: tree, builder: builder}, nil
	default:
		return nil, utils.NewNotSupportedError("cannot export points to %q", path)
	}
}

// abort closes sink without finishing it and removes whatever reached path.
func abort(sink pointSink, path string, err error) error {
	if _, ok := sink.(*octreeSink); !ok {
		err = multierr.Combine(err, sink.Close())
	}
	utils.RemoveFileNoError(path)
	return err
}

// Export writes every point of tree that passes filter to path. The format follows the
// extension: LAS, binary PCD or a new octree. It returns the number of points written.
func Export(ctx context.Context, tree *octree.Octree, filter *Filter, path string, logger logging.Logger) (int64, error) {
	q, err := New(tree, filter, logger)
	if err != nil {
		return 0, err
	}
	buf, err := pointcloud.NewPointBufferF64(exportBatch, tree.Attributes())
	if err != nil {
		return 0, err
	}
	sink, err := newSink(ctx, tree, path)
	if err != nil {
		return 0, err
	}
	var written int64
	for {
		err := q.ExecuteF64(ctx, buf)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			return 0, abort(sink, path, err)
		}
		for i := 0; i < buf.Len(); i++ {
			if err := sink.Write(buf.Vector(i), buf.AttributeRecord(i)); err != nil {
				return 0, abort(sink, path, err)
			}
		}
		written += int64(buf.Len())
	}
	if err := sink.Close(); err != nil {
		utils.RemoveFileNoError(path)
		return 0, err
	}
	logger.Infow("exported points", "path", path, "points", written, "filter", filter.String())
	return written, nil
}
