package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var packagesIndexed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_packages_indexed",
	Help: "Number of package documents indexed",
})

var packagesFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_packages_failed",
	Help: "Number of package documents that failed indexing",
})

var packagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_packages_deleted",
	Help: "Number of package documents deleted",
})
