package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_transitions_total",
	Help: "Number of moderation operations, by action and result",
}, []string{"action", "result"})

var postCommitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_post_commit_errors_total",
	Help: "Failures in best-effort steps after a transition committed",
}, []string{"step"})

var quotaTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_quota_trips_total",
	Help: "Number of times a moderation quota circuit breaker skipped work",
}, []string{"quota"})
