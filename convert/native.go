package convert

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/deadsy/sdfx/render"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

func infoFromReader(r pointcloud.Reader) SourceInfo {
	bounds, known := r.Bounds()
	return SourceInfo{
		Attributes:  r.Attributes(),
		PointCount:  r.Count(),
		Bounds:      bounds,
		BoundsKnown: known,
	}
}

// readerSource adapts a pointcloud.Reader opened lazily by open.
type readerSource struct {
	name   string
	open   func(ctx context.Context) (pointcloud.Reader, error)
	reader pointcloud.Reader
}

func (rs *readerSource) Open(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
	if rs.reader != nil {
		return SourceInfo{}, utils.NewNotAllowedError("%s is already open", rs.name)
	}
	r, err := rs.open(ctx)
	if err != nil {
		return SourceInfo{}, err
	}
	rs.reader = r
	return infoFromReader(r), nil
}

func (rs *readerSource) ReadPointsF64(ctx context.Context, buf *pointcloud.PointBufferF64) error {
	if rs.reader == nil {
		return utils.NewNotInitializedError("%s is not open", rs.name)
	}
	return rs.reader.Read(buf)
}

func (rs *readerSource) Close() error {
	if rs.reader == nil {
		return nil
	}
	err := rs.reader.Close()
	rs.reader = nil
	return err
}

// NewFileSource reads a LAS, PCD or delimited text file chosen by extension.
func NewFileSource(filePath string) (Source, error) {
	if _, err := pointcloud.FormatFromPath(filePath); err != nil {
		return nil, err
	}
	return &readerSource{
		name: filePath,
		open: func(context.Context) (pointcloud.Reader, error) {
			return pointcloud.NewReaderFromFile(filePath)
		},
	}, nil
}

// NewStreamSource reads PCD or delimited text points from in. The stream is consumed once, so
// conversions needing a bounds pre-pass spool it to disk.
func NewStreamSource(name string, format pointcloud.Format, in io.Reader) (Source, error) {
	if format == pointcloud.FormatLAS {
		return nil, utils.NewNotSupportedError("LAS cannot be read from a stream")
	}
	used := false
	return &readerSource{
		name: name,
		open: func(context.Context) (pointcloud.Reader, error) {
			if used {
				return nil, utils.NewNotAllowedError("stream %s was already consumed", name)
			}
			used = true
			return pointcloud.NewReaderFromStream(in, format)
		},
	}, nil
}

// formatFromURL guesses the format of a remote file from the path of its URL.
func formatFromURL(rawURL string) (pointcloud.Format, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", utils.NewInvalidParameterError("invalid url %q: %v", rawURL, err)
	}
	return pointcloud.FormatFromPath(path.Base(u.Path))
}

// NewURLSource fetches points over http(s) using the proxy, certificate and user agent settings
// of cfg. An empty format is guessed from the URL path.
func NewURLSource(cfg config.Config, rawURL string, format pointcloud.Format) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, utils.NewInvalidParameterError("unsupported url %q", rawURL)
	}
	if format == "" {
		if format, err = formatFromURL(rawURL); err != nil {
			return nil, err
		}
	}
	if format == pointcloud.FormatLAS {
		return nil, utils.NewNotSupportedError("LAS cannot be read from a url")
	}
	if err := cfg.Validate("network"); err != nil {
		return nil, err
	}
	return &readerSource{
		name: rawURL,
		open: func(ctx context.Context) (pointcloud.Reader, error) {
			client, err := cfg.HTTPClient()
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, utils.NewInvalidParameterError("invalid url %q: %v", rawURL, err)
			}
			req.Header.Set("User-Agent", cfg.UserAgentOrDefault())
			//nolint:bodyclose
			resp, err := client.Do(req)
			if err != nil {
				return nil, utils.NewOpenError(err, "fetching %s", rawURL)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, multierr.Combine(
					utils.NewOpenError(utils.ErrNotFound, "fetching %s: %s", rawURL, resp.Status),
					resp.Body.Close())
			}
			r, err := pointcloud.NewReaderFromStream(resp.Body, format)
			if err != nil {
				return nil, multierr.Combine(err, resp.Body.Close())
			}
			return r, nil
		},
	}, nil
}

// stlSource reads the facets of an STL mesh.
type stlSource struct {
	path      string
	triangles []Triangle
	next      int
}

// NewSTLSource reads the triangles of an STL file.
func NewSTLSource(filePath string) Source {
	return &stlSource{path: filePath}
}

func (s *stlSource) Open(ctx context.Context, opts OpenOptions) (SourceInfo, error) {
	mesh, err := render.LoadSTL(s.path)
	if err != nil {
		return SourceInfo{}, utils.NewOpenError(err, "loading STL %q", s.path)
	}
	bounds := pointcloud.NewBounds()
	s.triangles = make([]Triangle, 0, len(mesh))
	for _, facet := range mesh {
		var t Triangle
		for i := range t.Vertices {
			v := facet[i]
			t.Vertices[i] = r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
			bounds.Merge(t.Vertices[i])
		}
		s.triangles = append(s.triangles, t)
	}
	s.next = 0
	return SourceInfo{
		PointCount:  int64(len(s.triangles)),
		Bounds:      bounds,
		BoundsKnown: !bounds.Empty(),
	}, nil
}

func (s *stlSource) ReadTriangles(ctx context.Context, dst []Triangle) (int, error) {
	if s.next >= len(s.triangles) {
		return 0, io.EOF
	}
	n := copy(dst, s.triangles[s.next:])
	s.next += n
	return n, nil
}

func (s *stlSource) Close() error {
	s.triangles = nil
	return nil
}

// NewSourceFromPath picks a native source for a local file by extension.
func NewSourceFromPath(filePath string) (Source, error) {
	if strings.EqualFold(filepath.Ext(filePath), ".stl") {
		return NewSTLSource(filePath), nil
	}
	return NewFileSource(filePath)
}
