package notifs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_notifications_enqueued_total",
	Help: "Number of notifications handed to the task queue",
}, []string{"kind"})

var notificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_notifications_delivered_total",
	Help: "Number of notification delivery attempts, by result",
}, []string{"kind", "result"})
