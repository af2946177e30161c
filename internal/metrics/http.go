package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the collectors registered on g in the Prometheus text format.
func Handler(g prometheus.Gatherer) (http.Handler, error) {
	if g == nil {
		return nil, ErrNilRegistry
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{}), nil
}
