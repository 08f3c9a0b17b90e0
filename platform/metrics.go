package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// notifications counts decoded fork/exit notifications
	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcpu_notifications_total",
			Help: "Process notifications received by kind",
		},
		[]string{"kind"},
	)

	// lostNotifications counts receive buffer overruns reported by the kernel
	lostNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcpu_notifications_lost_total",
			Help: "Times the kernel reported dropped process notifications",
		},
	)
)

func recordNotification(kind string) {
	notifications.WithLabelValues(kind).Inc()
}

func recordLost() {
	lostNotifications.Inc()
}
