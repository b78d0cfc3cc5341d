package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/invopop/jsonschema"
	"go.viam.com/utils"

	vutils "go.viam.com/voxelvault/utils"
)

// Projections understood by job items.
const (
	ProjectionCartesian = "cartesian"
	ProjectionLatLong   = "latlong"
	ProjectionLongLat   = "longlat"
	ProjectionECEF      = "ecef"
)

// A JobItem is one input of a conversion job. Exactly one of Path and URL is set.
type JobItem struct {
	Path string `json:"path,omitempty" jsonschema:"description=local point or mesh file"`
	URL  string `json:"url,omitempty" jsonschema:"description=remote point file fetched over http(s)"`
	// Format overrides the format guessed from the extension.
	Format     string `json:"format,omitempty" jsonschema:"enum=las,enum=pcd,enum=xyz"`
	Projection string `json:"projection,omitempty" jsonschema:"enum=cartesian,enum=latlong,enum=longlat,enum=ecef"`
	SRID       int    `json:"srid,omitempty"`
}

// Validate ensures the item names exactly one input and a known projection.
func (item *JobItem) Validate(path string) error {
	switch {
	case item.Path == "" && item.URL == "":
		return vutils.WithKind(vutils.InvalidConfiguration, utils.NewConfigValidationFieldRequiredError(path, "path"))
	case item.Path != "" && item.URL != "":
		return vutils.NewInvalidConfigurationError("%s: only one of path and url may be set", path)
	}
	switch strings.ToLower(item.Projection) {
	case "", ProjectionCartesian, ProjectionLatLong, ProjectionLongLat, ProjectionECEF:
	default:
		return vutils.NewInvalidConfigurationError("%s: unknown projection %q", path, item.Projection)
	}
	if item.SRID < 0 {
		return vutils.NewInvalidConfigurationError("%s: srid must not be negative", path)
	}
	return nil
}

// A ConvertJob describes a whole conversion: inputs, output and the policy knobs of the pipeline.
type ConvertJob struct {
	Output        string `json:"output"`
	TempDirectory string `json:"temp_directory,omitempty"`
	TempPrefix    string `json:"temp_prefix,omitempty"`

	// Resolution of the leaf cells. Zero means the finest native resolution of the items.
	Resolution float64 `json:"resolution,omitempty"`
	// SRID of the output. Zero means the first non-zero SRID of the items.
	SRID         int       `json:"srid,omitempty"`
	GlobalOffset []float64 `json:"global_offset,omitempty" jsonschema:"minItems=3,maxItems=3"`
	EveryNth     int       `json:"every_nth,omitempty"`

	PolygonVerticesOnly     bool              `json:"polygon_vertices_only,omitempty"`
	SkipErrorsWherePossible bool              `json:"skip_errors_where_possible,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	Watermark               string            `json:"watermark,omitempty" jsonschema:"description=PNG image stored in the output"`

	Items   []JobItem `json:"items"`
	Network *Config   `json:"network,omitempty"`
}

// Validate ensures every part of the job is usable.
func (j *ConvertJob) Validate(path string) error {
	if j.Output == "" {
		return vutils.WithKind(vutils.InvalidConfiguration, utils.NewConfigValidationFieldRequiredError(path, "output"))
	}
	if len(j.Items) == 0 {
		return vutils.WithKind(vutils.InvalidConfiguration, utils.NewConfigValidationFieldRequiredError(path, "items"))
	}
	if j.Resolution < 0 || math.IsNaN(j.Resolution) || math.IsInf(j.Resolution, 0) {
		return vutils.NewInvalidConfigurationError("%s: resolution must be a positive number", path)
	}
	if j.SRID < 0 {
		return vutils.NewInvalidConfigurationError("%s: srid must not be negative", path)
	}
	if j.GlobalOffset != nil && len(j.GlobalOffset) != 3 {
		return vutils.NewInvalidConfigurationError("%s: global_offset needs 3 values, got %d", path, len(j.GlobalOffset))
	}
	if j.EveryNth < 0 {
		return vutils.NewInvalidConfigurationError("%s: every_nth must not be negative", path)
	}
	for i := range j.Items {
		if err := j.Items[i].Validate(fmt.Sprintf("%s.items.%d", path, i)); err != nil {
			return err
		}
	}
	if j.Network != nil {
		if err := j.Network.Validate(path + ".network"); err != nil {
			return err
		}
	}
	return nil
}

// NetworkConfig returns the job's network settings or the defaults.
func (j *ConvertJob) NetworkConfig() Config {
	if j.Network == nil {
		return Default()
	}
	return *j.Network
}

// JobSchema returns the JSON schema of a conversion job file.
func JobSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&ConvertJob{})
}
