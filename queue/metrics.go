package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queue_jobs_enqueued",
	Help: "Number of jobs enqueued per topic",
}, []string{"topic"})

var jobsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queue_jobs_deduplicated",
	Help: "Number of enqueues dropped by identity-key dedup",
}, []string{"topic"})

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queue_jobs_processed",
	Help: "Number of jobs processed successfully per topic",
}, []string{"topic"})

var jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queue_jobs_retried",
	Help: "Number of job executions parked for retry per topic",
}, []string{"topic"})

var jobsDead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queue_jobs_dead",
	Help: "Number of jobs dead-lettered after exhausting retries",
}, []string{"topic"})
