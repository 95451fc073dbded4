// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/relay/pkg/api"
)

const namespace = "relay"

// Observer implements api.Observer with Prometheus collectors.
type Observer struct {
	rulesMatched   *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	auditGaps      prometheus.Counter
	sequences      *prometheus.CounterVec
	activeSeqs     prometheus.Gauge
	steps          *prometheus.CounterVec
	inbound        *prometheus.CounterVec
	intake         *prometheus.CounterVec
}

var _ api.Observer = (*Observer)(nil)

// NewObserver registers the collectors with reg. A nil reg uses a fresh
// registry, which keeps tests independent of the global one.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Observer{
		rulesMatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_matched_total",
			Help:      "Rules whose conditions matched an event.",
		}, []string{"trigger"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions by kind and outcome.",
		}, []string{"action", "status"}),
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution time including provider delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		auditGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_note_failures_total",
			Help:      "Actions that took effect but whose audit note could not be written.",
		}),
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_transitions_total",
			Help:      "Enrollment lifecycle transitions.",
		}, []string{"event", "reason"}),
		activeSeqs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequences_active",
			Help:      "Enrollments started and not yet stopped or completed by this process.",
		}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_steps_total",
			Help:      "Executed sequence steps by outcome.",
		}, []string{"status"}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Newly routed inbound messages.",
		}, []string{"matched"}),
		intake: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_submissions_total",
			Help:      "Intake submissions by source and HTTP status.",
		}, []string{"source", "status"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (o *Observer) OnRuleMatched(ctx context.Context, rule api.Rule, subject *api.Subject) {
	o.rulesMatched.WithLabelValues(string(rule.Trigger)).Inc()
}

func (o *Observer) OnActionCompleted(ctx context.Context, res api.ActionResult, d time.Duration) {
	o.actions.WithLabelValues(string(res.Action), string(res.Status)).Inc()
	o.actionDuration.WithLabelValues(string(res.Action)).Observe(d.Seconds())
	if res.NoteErr != nil {
		o.auditGaps.Inc()
	}
}

func (o *Observer) OnSequenceStarted(ctx context.Context, e *api.Enrollment, seq *api.Sequence) {
	o.sequences.WithLabelValues("started", "").Inc()
	o.activeSeqs.Inc()
}

func (o *Observer) OnSequenceStopped(ctx context.Context, e *api.Enrollment, seq *api.Sequence) {
	o.sequences.WithLabelValues("stopped", string(e.CancelReason)).Inc()
	o.activeSeqs.Dec()
}

func (o *Observer) OnSequenceCompleted(ctx context.Context, e *api.Enrollment, seq *api.Sequence) {
	o.sequences.WithLabelValues("completed", "").Inc()
	o.activeSeqs.Dec()
}

func (o *Observer) OnStepExecuted(ctx context.Context, entry api.SequenceLogEntry, err error) {
	status := string(api.StepExecuted)
	if err != nil {
		status = string(api.StepFailed)
	}
	o.steps.WithLabelValues(status).Inc()
}

func (o *Observer) OnInboundRouted(ctx context.Context, res *api.RouteResult) {
	o.inbound.WithLabelValues(strconv.FormatBool(len(res.MatchedIDs) > 0)).Inc()
}

func (o *Observer) OnIntakeProcessed(ctx context.Context, source string, res api.IngestResult) {
	if source == "" {
		source = "unknown"
	}
	o.intake.WithLabelValues(source, strconv.Itoa(res.Status)).Inc()
}
