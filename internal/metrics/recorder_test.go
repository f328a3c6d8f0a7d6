package metrics

import (
	"sync"
	"testing"

	"ridehail/sos/internal/alert"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	panicAlert    = alert.Alert{ID: "p1", Source: alert.SourcePanicButton, EmergencyType: alert.TypeSecurityThreat}
	standardAlert = alert.Alert{ID: "s1", Source: alert.SourceSOS, EmergencyType: alert.TypeMedical}
)

func TestObserveFlagsAgainstSourceTarget(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, nil, 10, zerolog.Nop())

	assert.True(t, r.Observe(StageDispatch, standardAlert, 4999))
	assert.True(t, r.Observe(StageDispatch, standardAlert, 5000))
	assert.False(t, r.Observe(StageDispatch, standardAlert, 5001))

	assert.True(t, r.Observe(StageDispatch, panicAlert, 2000))
	assert.False(t, r.Observe(StageDispatch, panicAlert, 2500))

	snap := r.Snapshot()
	assert.Equal(t, int64(5), snap.Dispatched)
	assert.Equal(t, int64(3), snap.Compliant)
	assert.Equal(t, int64(2), snap.Breached)
	assert.InDelta(t, 0.6, snap.ComplianceRate, 1e-9)

	assert.Equal(t, 1.0, gathered(t, reg, "sos_alert_sla_total", map[string]string{
		"stage": "dispatch", "source": "panic_button", "outcome": "breached",
	}))
	assert.InDelta(t, 0.6, gathered(t, reg, "sos_sla_compliance_ratio", nil), 1e-9)
}

func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not gathered", name, labels)
	return 0
}

func TestRollingWindowEvictsOldest(t *testing.T) {
	r := NewRecorder(nil, nil, 3, zerolog.Nop())

	r.Observe(StageDispatch, standardAlert, 9000)
	r.Observe(StageDispatch, standardAlert, 9000)
	assert.Equal(t, 0.0, r.ComplianceRate())

	r.Observe(StageDispatch, standardAlert, 100)
	r.Observe(StageDispatch, standardAlert, 100)
	r.Observe(StageDispatch, standardAlert, 100)
	assert.Equal(t, 1.0, r.ComplianceRate())
	assert.Equal(t, 3, r.Snapshot().WindowSize)
}

func TestResetClearsTotals(t *testing.T) {
	r := NewRecorder(nil, nil, 5, zerolog.Nop())
	r.Triggered(standardAlert)
	r.Escalated()
	r.FalseAlarm()
	r.DispatchFailed(alert.ServicePolice)
	r.Observe(StageAcknowledge, standardAlert, 120_000)

	r.Reset()
	snap := r.Snapshot()
	assert.Equal(t, Snapshot{ComplianceRate: 1}, snap)
}

func TestRecorderIsIndependentPerInstance(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewRecorder(reg, nil, 5, zerolog.Nop())
	b := NewRecorder(prometheus.NewRegistry(), nil, 5, zerolog.Nop())

	a.Triggered(panicAlert)
	assert.Equal(t, int64(1), a.Snapshot().Triggered)
	assert.Zero(t, b.Snapshot().Triggered)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestConcurrentObserve(t *testing.T) {
	r := NewRecorder(nil, nil, 50, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Observe(StageResolution, standardAlert, int64(i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(100), r.Snapshot().Resolved)
	assert.Equal(t, 50, r.Snapshot().WindowSize)
}
