// Package convert turns point and mesh sources into level of detail octrees.
package convert

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/spf13/cast"
	"go.uber.org/atomic"

	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// DefaultResolution is the leaf size used when no item knows its native resolution.
const DefaultResolution = 0.01

// DefaultTempPrefix prefixes every temp file of a conversion.
const DefaultTempPrefix = "voxelvault_"

type item struct {
	name       string
	source     Source
	projection *Projection
	srid       int
}

type settings struct {
	output             string
	tempDir            string
	tempPrefix         string
	resolution         float64
	overrideResolution bool
	srid               int
	overrideSRID       bool
	globalOffset       r3.Vector
	skipErrors         bool
	everyNth           int
	verticesOnly       bool
	metadata           map[string]interface{}
	watermark          string
}

// An Option configures a Context.
type Option func(*Context)

// WithClock sets the clock used for timestamps and progress logging.
func WithClock(clk clock.Clock) Option {
	return func(c *Context) { c.clock = clk }
}

// WithProgressInterval sets how often progress is logged while converting. Zero disables it.
func WithProgressInterval(d time.Duration) Option {
	return func(c *Context) { c.progressInterval = d }
}

// Context aggregates the items and settings of a conversion. Setters fail with NotAllowed while a
// conversion runs. Info, ItemInfo and Cancel may be called from any goroutine at any time.
type Context struct {
	logger           logging.Logger
	clock            clock.Clock
	progressInterval time.Duration

	mu        sync.Mutex
	settings  settings
	items     []*item
	result    *octree.Octree
	tempFiles []string

	running   atomic.Bool
	cancelled atomic.Bool
	info      atomic.Pointer[Info]
}

// NewContext returns an empty Context.
func NewContext(logger logging.Logger, opts ...Option) *Context {
	c := &Context{
		logger:           logger,
		clock:            clock.New(),
		progressInterval: 5 * time.Second,
		settings: settings{
			tempPrefix: DefaultTempPrefix,
			everyNth:   1,
			metadata:   map[string]interface{}{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.info.Store(&Info{State: StateIdle, CurrentItem: -1})
	return c
}

// update runs fn under the settings lock unless a conversion is running.
func (c *Context) update(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return utils.NewNotAllowedError("cannot change a context while it converts")
	}
	return fn()
}

// SetOutputFilename sets where the octree is written. The octree extension is appended when
// missing.
func (c *Context) SetOutputFilename(name string) error {
	return c.update(func() error {
		if strings.TrimSpace(name) == "" {
			return utils.NewInvalidParameterError("output filename must not be empty")
		}
		if !strings.EqualFold(extOf(name), octree.Extension) {
			name += octree.Extension
		}
		c.settings.output = name
		return nil
	})
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && !strings.ContainsAny(name[i:], `/\`) {
		return name[i:]
	}
	return ""
}

// SetTempDirectory sets the directory and file prefix for temp files. An empty directory means
// the system temp directory.
func (c *Context) SetTempDirectory(dir, prefix string) error {
	return c.update(func() error {
		if dir != "" {
			info, err := os.Stat(dir)
			if err != nil {
				return utils.NewOpenError(err, "temp directory %q", dir)
			}
			if !info.IsDir() {
				return utils.NewInvalidParameterError("temp directory %q is not a directory", dir)
			}
		}
		if strings.ContainsAny(prefix, `/\*?[`) {
			return utils.NewInvalidParameterError("invalid temp prefix %q", prefix)
		}
		c.settings.tempDir = dir
		c.settings.tempPrefix = prefix
		return nil
	})
}

// SetPointResolution overrides the leaf resolution when override is set.
func (c *Context) SetPointResolution(override bool, resolution float64) error {
	return c.update(func() error {
		if override && !(resolution > 0) {
			return utils.NewInvalidParameterError("resolution must be positive, got %v", resolution)
		}
		c.settings.overrideResolution = override
		c.settings.resolution = resolution
		return nil
	})
}

// SetSRID overrides the output SRID when override is set.
func (c *Context) SetSRID(override bool, srid int) error {
	return c.update(func() error {
		if override && srid < 0 {
			return utils.NewInvalidParameterError("invalid SRID %d", srid)
		}
		c.settings.overrideSRID = override
		c.settings.srid = srid
		return nil
	})
}

// SetGlobalOffset is added to every point after projection.
func (c *Context) SetGlobalOffset(offset r3.Vector) error {
	return c.update(func() error {
		if !isFinite(offset) {
			return utils.NewInvalidParameterError("global offset must be finite, got %v", offset)
		}
		c.settings.globalOffset = offset
		return nil
	})
}

// SetSkipErrorsWherePossible makes conversions abandon failing items instead of failing.
func (c *Context) SetSkipErrorsWherePossible(skip bool) error {
	return c.update(func() error {
		c.settings.skipErrors = skip
		return nil
	})
}

// SetEveryNth keeps only records 0, n, 2n... of every item.
func (c *Context) SetEveryNth(n int) error {
	return c.update(func() error {
		if n < 1 {
			return utils.NewInvalidParameterError("every nth must be at least 1, got %d", n)
		}
		c.settings.everyNth = n
		return nil
	})
}

// SetPolygonVerticesOnly makes triangle sources contribute only their vertices.
func (c *Context) SetPolygonVerticesOnly(verticesOnly bool) error {
	return c.update(func() error {
		c.settings.verticesOnly = verticesOnly
		return nil
	})
}

// SetMetadata sets the value at a dotted key ("site.survey.date"). A nil value removes the key
// and any objects left empty by the removal.
func (c *Context) SetMetadata(key string, value *string) error {
	return c.update(func() error {
		parts := strings.Split(key, ".")
		for _, p := range parts {
			if p == "" {
				return utils.NewInvalidParameterError("invalid metadata key %q", key)
			}
		}
		if value == nil {
			removeMetadata(c.settings.metadata, parts)
			return nil
		}
		m := c.settings.metadata
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]interface{})
			if !ok {
				next = map[string]interface{}{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = *value
		return nil
	})
}

func removeMetadata(m map[string]interface{}, parts []string) {
	if len(parts) == 1 {
		delete(m, parts[0])
		return
	}
	next, ok := m[parts[0]].(map[string]interface{})
	if !ok {
		return
	}
	removeMetadata(next, parts[1:])
	if len(next) == 0 {
		delete(m, parts[0])
	}
}

// Metadata returns the value at a dotted key.
func (c *Context) Metadata(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v interface{} = c.settings.metadata
	for _, p := range strings.Split(key, ".") {
		m, ok := v.(map[string]interface{})
		if !ok {
			return "", false
		}
		if v, ok = m[p]; !ok {
			return "", false
		}
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

func (c *Context) addItem(name string, src Source) (int, error) {
	var index int
	err := c.update(func() error {
		index = len(c.items)
		c.items = append(c.items, &item{name: name, source: src})
		return nil
	})
	return index, err
}

// AddItem adds a local LAS, PCD, text or STL file and returns its index.
func (c *Context) AddItem(path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return -1, utils.NewOpenError(err, "adding %q", path)
	}
	src, err := NewSourceFromPath(path)
	if err != nil {
		return -1, err
	}
	return c.addItem(path, src)
}

// AddStreamItem adds points read from in.
func (c *Context) AddStreamItem(name string, format pointcloud.Format, in io.Reader) (int, error) {
	src, err := NewStreamSource(name, format, in)
	if err != nil {
		return -1, err
	}
	return c.addItem(name, src)
}

// AddURLItem adds a remote point file fetched with the network settings of cfg.
func (c *Context) AddURLItem(cfg config.Config, rawURL string, format pointcloud.Format) (int, error) {
	src, err := NewURLSource(cfg, rawURL, format)
	if err != nil {
		return -1, err
	}
	return c.addItem(rawURL, src)
}

// AddCustomItem adds a caller implemented source.
func (c *Context) AddCustomItem(name string, src Source) (int, error) {
	if src == nil || kindOfSource(src) == readerNone {
		return -1, utils.NewInvalidParameterError("source %q does not read points or triangles", name)
	}
	return c.addItem(name, src)
}

// RemoveItem removes the item at index, destroying its source.
func (c *Context) RemoveItem(index int) error {
	return c.update(func() error {
		if index < 0 || index >= len(c.items) {
			return utils.NewNotFoundError("no item %d", index)
		}
		if d, ok := c.items[index].source.(Destroyer); ok {
			d.Destroy()
		}
		c.items = append(c.items[:index], c.items[index+1:]...)
		return nil
	})
}

// SetInputSourceProjection overrides the projection of an item. A non-zero srid also replaces
// the SRID the item reports.
func (c *Context) SetInputSourceProjection(index int, p Projection, srid int) error {
	return c.update(func() error {
		if index < 0 || index >= len(c.items) {
			return utils.NewNotFoundError("no item %d", index)
		}
		if p < ProjectionCartesian || p > ProjectionECEF {
			return utils.NewInvalidParameterError("unknown projection %d", p)
		}
		if srid < 0 {
			return utils.NewInvalidParameterError("invalid SRID %d", srid)
		}
		c.items[index].projection = &p
		c.items[index].srid = srid
		return nil
	})
}

// ItemCount returns the number of items.
func (c *Context) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// AddWatermark stores a PNG image, fitted into 256x256, in the output metadata.
func (c *Context) AddWatermark(path string) error {
	encoded, err := loadWatermark(path)
	if err != nil {
		return err
	}
	return c.update(func() error {
		c.settings.watermark = encoded
		return nil
	})
}

// RemoveWatermark drops the watermark.
func (c *Context) RemoveWatermark() error {
	return c.update(func() error {
		c.settings.watermark = ""
		return nil
	})
}

// Info returns a snapshot of the statistics. It is safe to call while converting.
func (c *Context) Info() Info {
	return *c.info.Load().clone()
}

// ItemInfo returns what the last or running conversion knows about an item.
func (c *Context) ItemInfo(index int) (ItemInfo, error) {
	info := c.info.Load()
	if index >= 0 && index < len(info.Items) {
		return info.Items[index], nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.items) {
		return ItemInfo{}, utils.NewNotFoundError("no item %d", index)
	}
	return ItemInfo{Name: c.items[index].name, PointCount: -1}, nil
}

// Cancel asks a running conversion to stop at the next batch or item boundary. A Cancel with no
// conversion running stops the next one. Temp files are left behind until Reset.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
}

// Result returns the octree of the last successful conversion.
func (c *Context) Result() (*octree.Octree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil, utils.NewNotInitializedError("no conversion has completed")
	}
	return c.result, nil
}

// Reset clears statistics, the result and leftover temp files so the context can convert again.
func (c *Context) Reset() error {
	return c.update(func() error {
		for _, f := range c.tempFiles {
			utils.RemoveFileNoError(f)
		}
		c.tempFiles = nil
		removed := utils.RemoveMatching(c.settings.tempDir, c.settings.tempPrefix, SpoolExtension)
		if removed > 0 {
			c.logger.Debugw("removed stale spool files", "count", removed)
		}
		c.result = nil
		c.cancelled.Store(false)
		c.info.Store(&Info{State: StateIdle, CurrentItem: -1, ItemCount: len(c.items)})
		return nil
	})
}

func (c *Context) trackTemp(path string) {
	c.mu.Lock()
	c.tempFiles = append(c.tempFiles, path)
	c.mu.Unlock()
}

func (c *Context) untrackTemp(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.tempFiles {
		if f == path {
			c.tempFiles = append(c.tempFiles[:i], c.tempFiles[i+1:]...)
			return
		}
	}
}
