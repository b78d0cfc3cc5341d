package config

import (
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/segmentio/encoding/json"
	"go.viam.com/utils"

	vutils "go.viam.com/voxelvault/utils"
)

// durationHook lets durations be written either as strings ("30s") or as seconds.
func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return time.ParseDuration(data.(string))
	case reflect.Float64:
		return time.Duration(data.(float64) * float64(time.Second)), nil
	default:
		return data, nil
	}
}

// decode maps loosely typed JSON onto out. Unknown keys are rejected so typos surface early.
func decode(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      out,
		ErrorUnused: true,
		DecodeHook:  durationHook,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// ReadJob reads and validates a conversion job.
func ReadJob(r io.Reader) (*ConvertJob, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, vutils.NewParseError("cannot parse job: %v", err)
	}
	job := &ConvertJob{}
	if err := decode(raw, job); err != nil {
		return nil, vutils.NewInvalidConfigurationError("invalid job: %v", err)
	}
	if err := job.Validate("job"); err != nil {
		return nil, err
	}
	return job, nil
}

// ReadJobFile reads and validates a conversion job from a file.
func ReadJobFile(path string) (_ *ConvertJob, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, vutils.NewOpenError(err, "opening job %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadJob(f)
}
