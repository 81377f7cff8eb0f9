package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "conversion"

var (
	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of conversion tasks accepted into the queue.",
		},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Total number of submissions rejected before a task was created.",
		},
		[]string{"reason"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal state.",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks currently waiting for a worker.",
		},
	)

	NotifierDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_deliveries_total",
			Help:      "Callback delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksSubmittedTotal,
		TasksRejectedTotal,
		TasksFinishedTotal,
		QueueDepth,
		NotifierDeliveriesTotal,
	)
}
