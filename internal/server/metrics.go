package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	credentialsTotal *prometheus.CounterVec
	redemptionsTotal *prometheus.CounterVec
	releasesTotal    *prometheus.CounterVec
	geofenceDistance prometheus.Histogram
}

func newMetricsRegistry() *metricsRegistry {
	credentials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_credentials_issued_total",
		Help: "Credential issuances by mode",
	}, []string{"mode"})

	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_redemptions_total",
		Help: "Delivery confirmation attempts by result",
	}, []string{"result"})

	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "releasegate_releases_total",
		Help: "Release transaction submissions by status",
	}, []string{"status"})

	distance := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "releasegate_geofence_distance_meters",
		Help:    "Courier-to-buyer distance at confirmation time",
		Buckets: []float64{5, 10, 25, 50, 75, 100, 200, 500, 1000},
	})

	r := prometheus.NewRegistry()
	r.MustRegister(credentials, redemptions, releases, distance)

	return &metricsRegistry{
		registry:         r,
		credentialsTotal: credentials,
		redemptionsTotal: redemptions,
		releasesTotal:    releases,
		geofenceDistance: distance,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incCredential(mode string) {
	m.credentialsTotal.WithLabelValues(mode).Inc()
}

func (m *metricsRegistry) incRedemption(result string) {
	m.redemptionsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incRelease(status string) {
	m.releasesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) observeDistance(meters float64) {
	m.geofenceDistance.Observe(meters)
}
