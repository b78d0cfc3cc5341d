package convert

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// SpoolExtension is the extension of the temp files holding transformed points between the
// bounds pre-pass and the octree build.
const SpoolExtension = ".vvspool"

// spoolWriter appends points to a zstd compressed temp file. Each point is stored as three
// little endian float64 followed by its attribute record.
type spoolWriter struct {
	path    string
	f       *os.File
	bw      *bufio.Writer
	zw      *zstd.Encoder
	scratch []byte
	stride  int
	written int64
	size    int64
}

func createSpool(path string, set *attributes.Set) (*spoolWriter, error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return nil, utils.NewOpenError(err, "creating spool %q", path)
	}
	bw := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, multierr.Combine(utils.NewWriteError(err, "starting spool compression"), f.Close())
	}
	return &spoolWriter{
		path:    path,
		f:       f,
		bw:      bw,
		zw:      zw,
		stride:  set.Stride(),
		scratch: make([]byte, 24+set.Stride()),
	}, nil
}

func (sw *spoolWriter) WriteBatch(buf *pointcloud.PointBufferF64) error {
	for i := 0; i < buf.Len(); i++ {
		p := buf.Position(i)
		binary.LittleEndian.PutUint64(sw.scratch[0:], math.Float64bits(p[0]))
		binary.LittleEndian.PutUint64(sw.scratch[8:], math.Float64bits(p[1]))
		binary.LittleEndian.PutUint64(sw.scratch[16:], math.Float64bits(p[2]))
		copy(sw.scratch[24:], buf.AttributeRecord(i))
		if _, err := sw.zw.Write(sw.scratch); err != nil {
			return utils.NewWriteError(err, "writing spool %q", sw.path)
		}
	}
	sw.written += int64(buf.Len())
	return nil
}

// Size returns the compressed size of a closed spool.
func (sw *spoolWriter) Size() int64 {
	return sw.size
}

func (sw *spoolWriter) Close() error {
	err := sw.zw.Close()
	if err == nil {
		err = sw.bw.Flush()
	}
	if err != nil {
		err = utils.NewWriteError(err, "finishing spool %q", sw.path)
	} else if info, statErr := sw.f.Stat(); statErr == nil {
		sw.size = info.Size()
	}
	return multierr.Combine(err, sw.f.Close())
}

// spoolReader reads back the points of a spool file.
type spoolReader struct {
	path    string
	f       *os.File
	zr      *zstd.Decoder
	scratch []byte
}

func openSpool(path string, set *attributes.Set) (*spoolReader, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewOpenError(err, "opening spool %q", path)
	}
	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, multierr.Combine(utils.NewReadError(err, "starting spool decompression"), f.Close())
	}
	return &spoolReader{path: path, f: f, zr: zr, scratch: make([]byte, 24+set.Stride())}, nil
}

// ReadBatch fills buf and returns io.EOF once no points remain.
func (sr *spoolReader) ReadBatch(buf *pointcloud.PointBufferF64) error {
	start := buf.Len()
	for !buf.Full() {
		if _, err := io.ReadFull(sr.zr, sr.scratch); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return utils.NewReadError(err, "reading spool %q", sr.path)
		}
		pos := [3]float64{
			math.Float64frombits(binary.LittleEndian.Uint64(sr.scratch[0:])),
			math.Float64frombits(binary.LittleEndian.Uint64(sr.scratch[8:])),
			math.Float64frombits(binary.LittleEndian.Uint64(sr.scratch[16:])),
		}
		if err := buf.Append(pos, sr.scratch[24:]); err != nil {
			return err
		}
	}
	if buf.Len() == start {
		return io.EOF
	}
	return nil
}

func (sr *spoolReader) Close() error {
	sr.zr.Close()
	return sr.f.Close()
}
