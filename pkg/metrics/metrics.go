// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_tasks_submitted_total",
		Help: "Tasks submitted on this node.",
	})
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlemesh_tasks_finished_total",
		Help: "Tasks that reached a terminal state, by outcome.",
	}, []string{"outcome"})
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlemesh_task_retries_total",
		Help: "Tasks re-queued for scheduling, by reason.",
	}, []string{"reason"})
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idlemesh_tasks_in_flight",
		Help: "Tasks currently assigned to a peer.",
	})
	AssignPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_assign_passes_total",
		Help: "Scheduler assignment passes.",
	})
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlemesh_assignments_total",
		Help: "Tasks handed to a peer, by pool and whether the peer already had the code.",
	}, []string{"pool", "temperature"})
	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idlemesh_peers",
		Help: "Peers with an open dispatcher link.",
	})
	IdleSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "idlemesh_local_idle_slots",
		Help: "Idle slots this node offers, by pool.",
	}, []string{"pool"})
	ExecutorTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idlemesh_executor_tasks",
		Help: "Tasks running on this node for remote dispatchers.",
	})
	StatusReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_status_reports_sent_total",
		Help: "Capacity status reports sent to dispatchers.",
	})
	BulkBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idlemesh_bulk_bytes_total",
		Help: "Bytes moved by bulk transfer, by direction.",
	}, []string{"direction"})
	BulkRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_bulk_restarts_total",
		Help: "Bulk transfers restarted after an integrity mismatch.",
	})
	BulkSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_bulk_skipped_total",
		Help: "Bulk transfers skipped because the payload was already cached.",
	})
	TransfersSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idlemesh_transfers_swept_total",
		Help: "Cached bulk payloads removed from disk after their TTL.",
	})
)
