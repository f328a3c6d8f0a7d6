// Package metrics records per-alert timings against their SLA targets.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ridehail/sos/internal/alert"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Stage identifies which latency is being observed.
type Stage string

const (
	StageDispatch    Stage = "dispatch"
	StageAcknowledge Stage = "acknowledge"
	StageResolution  Stage = "resolution"
)

// Target is the SLA for one stage, split by trigger source.
type Target struct {
	Standard time.Duration
	Panic    time.Duration
}

func (t Target) For(a alert.Alert) time.Duration {
	if a.Panic() {
		return t.Panic
	}
	return t.Standard
}

// Targets holds the SLA of every stage.
type Targets map[Stage]Target

// DefaultTargets applies the published dispatch SLA (5000 ms standard, 2000 ms panic) to the
// dispatch stage. Acknowledgement follows the escalation windows and resolution has a generous
// operational target.
func DefaultTargets() Targets {
	return Targets{
		StageDispatch:    {Standard: 5 * time.Second, Panic: 2 * time.Second},
		StageAcknowledge: {Standard: 60 * time.Second, Panic: 30 * time.Second},
		StageResolution:  {Standard: time.Hour, Panic: 30 * time.Minute},
	}
}

// Snapshot is a point-in-time copy of the recorder's totals.
type Snapshot struct {
	Triggered        int64   `json:"triggered"`
	Dispatched       int64   `json:"dispatched"`
	DispatchFailures int64   `json:"dispatch_failures"`
	Acknowledged     int64   `json:"acknowledged"`
	Escalated        int64   `json:"escalated"`
	Resolved         int64   `json:"resolved"`
	FalseAlarms      int64   `json:"false_alarms"`
	Compliant        int64   `json:"compliant"`
	Breached         int64   `json:"breached"`
	ComplianceRate   float64 `json:"compliance_rate"`
	WindowSize       int     `json:"window_size"`
}

// Recorder is injected into the engine; it never fails the caller.
type Recorder struct {
	targets Targets
	log     zerolog.Logger

	latency    *prometheus.HistogramVec
	sla        *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	escalation prometheus.Counter
	compliance prometheus.Gauge

	triggered        atomic.Int64
	dispatched       atomic.Int64
	dispatchFailures atomic.Int64
	acknowledged     atomic.Int64
	escalated        atomic.Int64
	resolved         atomic.Int64
	falseAlarms      atomic.Int64
	compliant        atomic.Int64
	breached         atomic.Int64

	mu     sync.Mutex
	window []bool
	next   int
	filled int
}

// NewRecorder registers the collectors on reg. windowSize bounds the rolling compliance rate.
func NewRecorder(reg prometheus.Registerer, targets Targets, windowSize int, log zerolog.Logger) *Recorder {
	if windowSize <= 0 {
		windowSize = 200
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	r := &Recorder{
		targets: targets,
		log:     log.With().Str("component", "metrics").Logger(),
		window:  make([]bool, windowSize),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sos_alert_latency_seconds",
				Help:    "Time from trigger to dispatch, acknowledgement and resolution.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 1800, 3600},
			},
			[]string{"stage", "source", "emergency_type"},
		),
		sla: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sos_alert_sla_total",
				Help: "Latency observations flagged against their SLA target.",
			},
			[]string{"stage", "source", "outcome"},
		),
		triggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sos_alerts_triggered_total",
				Help: "Alerts accepted by the engine.",
			},
			[]string{"source", "emergency_type", "severity"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sos_dispatch_failures_total",
				Help: "Connector calls that failed or timed out.",
			},
			[]string{"service"},
		),
		escalation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_alerts_escalated_total",
			Help: "Escalations, automatic and manual.",
		}),
		compliance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sos_sla_compliance_ratio",
			Help: "Share of compliant observations in the rolling window.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{r.latency, r.sla, r.triggers, r.failures, r.escalation, r.compliance} {
			if err := reg.Register(c); err != nil {
				r.log.Warn().Err(err).Msg("metric collector not registered")
			}
		}
	}
	return r
}

// Targets returns the SLA targets the recorder flags against.
func (r *Recorder) Targets() Targets {
	out := make(Targets, len(r.targets))
	for k, v := range r.targets {
		out[k] = v
	}
	return out
}

// Triggered counts an accepted alert.
func (r *Recorder) Triggered(a alert.Alert) {
	r.triggered.Add(1)
	r.triggers.WithLabelValues(string(a.Source), string(a.EmergencyType), strconv.Itoa(a.Severity)).Inc()
}

// DispatchFailed counts one failed connector call.
func (r *Recorder) DispatchFailed(svc alert.ServiceType) {
	r.dispatchFailures.Add(1)
	r.failures.WithLabelValues(string(svc)).Inc()
}

// Escalated counts an escalation.
func (r *Recorder) Escalated() {
	r.escalated.Add(1)
	r.escalation.Inc()
}

// FalseAlarm counts an alert closed as a false alarm.
func (r *Recorder) FalseAlarm() {
	r.falseAlarms.Add(1)
}

// Observe records a stage latency in milliseconds and reports whether it met the SLA.
func (r *Recorder) Observe(stage Stage, a alert.Alert, ms int64) bool {
	switch stage {
	case StageDispatch:
		r.dispatched.Add(1)
	case StageAcknowledge:
		r.acknowledged.Add(1)
	case StageResolution:
		r.resolved.Add(1)
	}

	source := string(a.Source)
	r.latency.WithLabelValues(string(stage), source, string(a.EmergencyType)).Observe(float64(ms) / 1000)

	target, ok := r.targets[stage]
	if !ok {
		return true
	}
	limit := target.For(a)
	ok = limit <= 0 || time.Duration(ms)*time.Millisecond <= limit

	outcome := "compliant"
	if ok {
		r.compliant.Add(1)
	} else {
		outcome = "breached"
		r.breached.Add(1)
		r.log.Warn().
			Str("alert_id", a.ID).
			Str("stage", string(stage)).
			Int64("latency_ms", ms).
			Dur("target", limit).
			Msg("sla breached")
	}
	r.sla.WithLabelValues(string(stage), source, outcome).Inc()
	r.compliance.Set(r.push(ok))
	return ok
}

func (r *Recorder) push(ok bool) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window[r.next] = ok
	r.next = (r.next + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
	return r.rateLocked()
}

func (r *Recorder) rateLocked() float64 {
	if r.filled == 0 {
		return 1
	}
	n := 0
	for i := 0; i < r.filled; i++ {
		if r.window[i] {
			n++
		}
	}
	return float64(n) / float64(r.filled)
}

// ComplianceRate is the share of compliant observations in the rolling window, 1 when empty.
func (r *Recorder) ComplianceRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLocked()
}

// Snapshot copies the current totals.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	rate, size := r.rateLocked(), r.filled
	r.mu.Unlock()
	return Snapshot{
		Triggered:        r.triggered.Load(),
		Dispatched:       r.dispatched.Load(),
		DispatchFailures: r.dispatchFailures.Load(),
		Acknowledged:     r.acknowledged.Load(),
		Escalated:        r.escalated.Load(),
		Resolved:         r.resolved.Load(),
		FalseAlarms:      r.falseAlarms.Load(),
		Compliant:        r.compliant.Load(),
		Breached:         r.breached.Load(),
		ComplianceRate:   rate,
		WindowSize:       size,
	}
}

// Reset zeroes the totals and the rolling window. Prometheus collectors are cumulative and kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.window {
		r.window[i] = false
	}
	r.next, r.filled = 0, 0
	for _, c := range []*atomic.Int64{
		&r.triggered, &r.dispatched, &r.dispatchFailures, &r.acknowledged,
		&r.escalated, &r.resolved, &r.falseAlarms, &r.compliant, &r.breached,
	} {
		c.Store(0)
	}
	r.compliance.Set(1)
}
