package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registryRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "notify_registry_retries_total",
	Help: "Total registry operation retries after connection-level failures",
})
