package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_holds_total",
		Help: "Hold requests by outcome (created, capacity_exceeded, rejected, error).",
	}, []string{"result"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Booking status transitions by target status.",
	}, []string{"status"})

	ExpiryTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_expiry_tasks_total",
		Help: "Hold expiry task executions by result (fired, noop, retried, dropped).",
	}, []string{"result"})

	ScheduledExpiries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_expiry_tasks_pending",
		Help: "Hold expiry tasks currently queued in the in-process scheduler.",
	})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_ledger_invariant_violations_total",
		Help: "Resources found with available+held+booked != total_capacity.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_events_published_total",
		Help: "Booking events written to Kafka by result.",
	}, []string{"result"})
)
