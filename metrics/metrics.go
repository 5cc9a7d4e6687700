// Package metrics exposes the matchmaker counters through the Prometheus
// default registry
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_request_status_transitions_total",
		Help: "Number of request status transitions, by target status",
	}, []string{"to"})

	paymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_payment_transitions_total",
		Help: "Number of escrow sub-state transitions, by target state",
	}, []string{"to"})

	assignmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_assignment_outcomes_total",
		Help: "Number of matching pass decisions, by outcome",
	}, []string{"outcome"})

	chainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_chain_calls_total",
		Help: "Number of escrow contract calls, by method and outcome",
	}, []string{"method", "outcome"})
)

// StatusTransition counts a request reaching the given status
func StatusTransition(to string) {
	statusTransitions.WithLabelValues(to).Inc()
}

// PaymentTransition counts a payment reaching the given sub-state
func PaymentTransition(to string) {
	paymentTransitions.WithLabelValues(to).Inc()
}

// AssignmentOutcome counts a matching pass decision: "assigned",
// "no_operator" or "conflict"
func AssignmentOutcome(outcome string) {
	assignmentOutcomes.WithLabelValues(outcome).Inc()
}

// ChainCall counts an escrow contract call and whether it could be sent
func ChainCall(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	chainCalls.WithLabelValues(method, outcome).Inc()
}
