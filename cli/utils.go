package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"go.viam.com/voxelvault/utils"
)

// printf prints a line to w.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	_, _ = fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a warning line to w.
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	_, _ = fmt.Fprintf(w, "Warning: "+format+"\n", a...)
}

// parseFloats parses a comma separated list of exactly n numbers.
func parseFloats(s string, n int) ([]float64, error) {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	if len(parts) != n {
		return nil, utils.NewInvalidParameterError("%q needs %d comma separated numbers", s, n)
	}
	return mapOver(parts, func(p string) (float64, error) {
		v, err := cast.ToFloat64E(p)
		if err != nil {
			return 0, utils.WithKind(utils.InvalidParameter, errors.Wrapf(err, "parsing %q", s))
		}
		return v, nil
	})
}

// parseVector parses "x,y,z".
func parseVector(s string) (r3.Vector, error) {
	v, err := parseFloats(s, 3)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// parseKeyValues parses repeated key=value flags.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, utils.NewInvalidParameterError("%q is not of the form key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// mapOver applies fn to every element of xs, stopping at the first error.
func mapOver[T, U any](xs []T, fn func(T) (U, error)) ([]U, error) {
	ret := make([]U, 0, len(xs))
	for _, x := range xs {
		y, err := fn(x)
		if err != nil {
			return nil, err
		}
		ret = append(ret, y)
	}
	return ret, nil
}

// humanCount renders large point counts as 12.3M.
func humanCount(n int64) string {
	return units.CustomSize("%.4g%s", float64(n), 1000.0, []string{"", "k", "M", "G", "T", "P"})
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "ftp://")
}
