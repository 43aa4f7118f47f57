package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var packagesSynced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "indexer_packages_synced",
	Help: "Number of packages synced to the index",
})

var syncSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "indexer_sync_skipped",
	Help: "Number of sync jobs skipped because the package is gone",
})
