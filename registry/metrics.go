package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var changesReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "registry_changes_received",
	Help: "Number of change feed records received",
})

var changesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_changes_skipped",
	Help: "Number of change feed lines skipped",
}, []string{"reason"})

var currentSeq = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "registry_current_seq",
	Help: "Current change feed sequence number",
})
