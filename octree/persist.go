package octree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/utils"
)

// Extension is the canonical file extension of persisted octrees.
const Extension = ".uds"

var magic = [4]byte{'V', 'V', 'O', 'T'}

// nodeSize is the encoded size of a node: eight children, depth, key and position.
const nodeSize = 8*4 + 1 + 8 + 3*8

// WriteTo encodes the octree as magic, version, a length-prefixed JSON header and a zstd stream
// holding the root handle, the node arena and the record arena.
func (o *Octree) WriteTo(w io.Writer) (int64, error) {
	header, err := json.Marshal(o.header)
	if err != nil {
		return 0, utils.NewWriteError(err, "encoding octree header")
	}
	cw := &countingWriter{w: w}
	prefix := make([]byte, 0, 12)
	prefix = append(prefix, magic[:]...)
	prefix = binary.LittleEndian.AppendUint32(prefix, Version)
	prefix = binary.LittleEndian.AppendUint32(prefix, uint32(len(header)))
	if _, err := cw.Write(prefix); err != nil {
		return cw.n, utils.NewWriteError(err, "writing octree prefix")
	}
	if _, err := cw.Write(header); err != nil {
		return cw.n, utils.NewWriteError(err, "writing octree header")
	}

	enc, err := zstd.NewWriter(cw)
	if err != nil {
		return cw.n, utils.NewWriteError(err, "creating octree compressor")
	}
	bw := bufio.NewWriterSize(enc, 1<<16)
	scratch := make([]byte, 0, nodeSize)
	scratch = binary.LittleEndian.AppendUint32(scratch, uint32(o.root))
	scratch = binary.LittleEndian.AppendUint64(scratch, uint64(len(o.nodes)))
	if _, err := bw.Write(scratch); err != nil {
		return cw.n, multierr.Combine(utils.NewWriteError(err, "writing octree body"), enc.Close())
	}
	for i := range o.nodes {
		n := &o.nodes[i]
		scratch = scratch[:0]
		for _, c := range n.Children {
			scratch = binary.LittleEndian.AppendUint32(scratch, uint32(c))
		}
		scratch = append(scratch, n.Depth)
		scratch = binary.LittleEndian.AppendUint64(scratch, n.Key)
		scratch = binary.LittleEndian.AppendUint64(scratch, math.Float64bits(n.Position.X))
		scratch = binary.LittleEndian.AppendUint64(scratch, math.Float64bits(n.Position.Y))
		scratch = binary.LittleEndian.AppendUint64(scratch, math.Float64bits(n.Position.Z))
		if _, err := bw.Write(scratch); err != nil {
			return cw.n, multierr.Combine(utils.NewWriteError(err, "writing octree node %d", i), enc.Close())
		}
	}
	if _, err := bw.Write(o.records); err != nil {
		return cw.n, multierr.Combine(utils.NewWriteError(err, "writing octree records"), enc.Close())
	}
	if err := bw.Flush(); err != nil {
		return cw.n, multierr.Combine(utils.NewWriteError(err, "flushing octree body"), enc.Close())
	}
	if err := enc.Close(); err != nil {
		return cw.n, utils.NewWriteError(err, "finishing octree body")
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Save writes the octree to path.
func (o *Octree) Save(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return utils.NewOpenError(err, "creating %q", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			err = multierr.Combine(err, utils.NewWriteError(closeErr, "closing %q", path))
		}
	}()
	_, err = o.WriteTo(f)
	return err
}

// Load memory-maps a persisted octree and decodes it.
func Load(path string) (_ *Octree, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewOpenError(err, "opening %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	info, err := f.Stat()
	if err != nil {
		return nil, utils.NewReadError(err, "inspecting %q", path)
	}
	if info.Size() == 0 {
		return nil, utils.NewParseError("%q is empty", path)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, utils.NewReadError(err, "mapping %q", path)
	}
	defer func() {
		err = multierr.Combine(err, mm.Unmap())
	}()
	return Decode(mm)
}

// Decode parses an encoded octree. The result does not alias data.
func Decode(data []byte) (*Octree, error) {
	if len(data) < 12 || !bytes.Equal(data[:4], magic[:]) {
		return nil, utils.NewParseError("not an octree file")
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != Version {
		return nil, utils.NewNotSupportedError("octree version %d is not supported", v)
	}
	headerLen := int(binary.LittleEndian.Uint32(data[8:]))
	if 12+headerLen > len(data) {
		return nil, utils.NewParseError("octree header truncated")
	}
	var header Header
	if err := json.Unmarshal(data[12:12+headerLen], &header); err != nil {
		return nil, utils.NewParseError("decoding octree header: %v", err)
	}
	set, err := attributes.FromDescriptors(header.Attributes)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(bytes.NewReader(data[12+headerLen:]))
	if err != nil {
		return nil, utils.NewReadError(err, "creating octree decompressor")
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 1<<16)

	scratch := make([]byte, nodeSize)
	if _, err := io.ReadFull(br, scratch[:12]); err != nil {
		return nil, bodyError(err)
	}
	root := int32(binary.LittleEndian.Uint32(scratch))
	count := binary.LittleEndian.Uint64(scratch[4:])
	if header.NodeCount != int64(count) || count > math.MaxInt32 {
		return nil, utils.NewParseError("octree node count %d does not match header %d", count, header.NodeCount)
	}
	nodes := make([]Node, count)
	for i := range nodes {
		if _, err := io.ReadFull(br, scratch); err != nil {
			return nil, bodyError(err)
		}
		n := &nodes[i]
		for c := range n.Children {
			n.Children[c] = int32(binary.LittleEndian.Uint32(scratch[4*c:]))
		}
		n.Depth = scratch[32]
		n.Key = binary.LittleEndian.Uint64(scratch[33:])
		n.Position = r3.Vector{
			X: math.Float64frombits(binary.LittleEndian.Uint64(scratch[41:])),
			Y: math.Float64frombits(binary.LittleEndian.Uint64(scratch[49:])),
			Z: math.Float64frombits(binary.LittleEndian.Uint64(scratch[57:])),
		}
	}
	records := make([]byte, int(count)*set.Stride())
	if _, err := io.ReadFull(br, records); err != nil {
		return nil, bodyError(err)
	}

	o, err := Assemble(header, set, nodes, records, root)
	if err != nil {
		return nil, utils.NewParseError("invalid octree: %v", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func bodyError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return utils.NewParseError("octree body truncated")
	}
	return utils.NewReadError(err, "reading octree body")
}
