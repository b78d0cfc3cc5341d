package convert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const resultLabel = "result"

var (
	pointsReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxelvault_convert_points_read_total",
		Help: "The number of records read from conversion sources.",
	})

	uniquePointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxelvault_convert_unique_points_total",
		Help: "The number of distinct leaf cells written by conversions. Previews are not counted.",
	})

	discardedPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxelvault_convert_discarded_points_total",
		Help: "The number of points conversions discarded for falling outside the octree volume.",
	})

	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxelvault_conversions_total",
		Help: "The number of conversions by result.",
	}, []string{resultLabel})
)

func instrumentConversion(state State) {
	conversionsTotal.
		With(prometheus.Labels{resultLabel: state.String()}).
		Inc()
}
