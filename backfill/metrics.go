package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var chunksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backfill_chunks_enqueued",
	Help: "Number of bulk sync chunks enqueued",
})

var backfillOffset = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "backfill_offset",
	Help: "Current backfill catalog offset",
})
