package convert

import (
	"context"

	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// CustomSource adapts caller supplied callbacks to Source. Exactly one of the read callbacks
// should be set; when several are set triangles win over floating positions over integer ones.
type CustomSource struct {
	OpenFunc          func(ctx context.Context, opts OpenOptions) (SourceInfo, error)
	ReadF64Func       func(ctx context.Context, buf *pointcloud.PointBufferF64) error
	ReadI64Func       func(ctx context.Context, buf *pointcloud.PointBufferI64) error
	ReadTrianglesFunc func(ctx context.Context, dst []Triangle) (int, error)
	CloseFunc         func() error
	DestroyFunc       func()
}

// Open calls OpenFunc.
func (cs *CustomSource) Open(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
	if cs.OpenFunc == nil {
		return SourceInfo{}, utils.NewInvalidConfigurationError("custom source has no open callback")
	}
	return cs.OpenFunc(ctx, opts)
}

// ReadPointsF64 calls ReadF64Func.
func (cs *CustomSource) ReadPointsF64(ctx context.Context, buf *pointcloud.PointBufferF64) error {
	if cs.ReadF64Func == nil {
		return utils.NewNotSupportedError("custom source does not read floating point positions")
	}
	return cs.ReadF64Func(ctx, buf)
}

// ReadPointsI64 calls ReadI64Func.
func (cs *CustomSource) ReadPointsI64(ctx context.Context, buf *pointcloud.PointBufferI64) error {
	if cs.ReadI64Func == nil {
		return utils.NewNotSupportedError("custom source does not read integer positions")
	}
	return cs.ReadI64Func(ctx, buf)
}

// ReadTriangles calls ReadTrianglesFunc.
func (cs *CustomSource) ReadTriangles(ctx context.Context, dst []Triangle) (int, error) {
	if cs.ReadTrianglesFunc == nil {
		return 0, utils.NewNotSupportedError("custom source does not read triangles")
	}
	return cs.ReadTrianglesFunc(ctx, dst)
}

// Close calls CloseFunc if set.
func (cs *CustomSource) Close() error {
	if cs.CloseFunc == nil {
		return nil
	}
	return cs.CloseFunc()
}

// Destroy calls DestroyFunc if set.
func (cs *CustomSource) Destroy() {
	if cs.DestroyFunc != nil {
		cs.DestroyFunc()
	}
}
