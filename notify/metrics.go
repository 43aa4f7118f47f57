package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_deliveries_sent",
	Help: "Number of notifications delivered, by channel",
}, []string{"channel"})

var deliveriesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_deliveries_skipped",
	Help: "Number of delivery jobs completed as no-ops, by channel",
}, []string{"channel"})

var digestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_digest_runs",
	Help: "Number of completed digest runs, by period",
}, []string{"period"})
