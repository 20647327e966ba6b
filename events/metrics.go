package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_events_published_total",
	Help: "Total number of moderation events published",
}, []string{"kind", "transport"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_events_dropped_total",
	Help: "Events dropped because a subscriber buffer was full",
}, []string{"kind"})
