package escalation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/clock"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firings struct {
	mu    sync.Mutex
	calls []string
}

func (f *firings) record(id string, phase Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id+":"+phase.String())
}

func (f *firings) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestScheduler() (*Scheduler, *clock.Fake, *firings) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &firings{}
	return NewScheduler(fc, f.record, zerolog.Nop()), fc, f
}

func TestFiresAfterWindow(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", 30*time.Second, Primary))

	fc.Advance(29 * time.Second)
	assert.Empty(t, f.list())

	fc.Advance(time.Second)
	assert.Equal(t, []string{"a1:primary"}, f.list())
	assert.Equal(t, 0, s.Armed())
}

func TestCancelBeforeFire(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", 30*time.Second, Primary))

	fc.Advance(30*time.Second - time.Millisecond)
	assert.True(t, s.Cancel("a1"))
	fc.Advance(time.Minute)

	assert.Empty(t, f.list())
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", time.Second, Primary))
	fc.Advance(2 * time.Second)

	assert.False(t, s.Cancel("a1"))
	assert.False(t, s.Cancel("a1"))
	assert.Len(t, f.list(), 1)
}

func TestRearmReplacesTimer(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", 10*time.Second, Primary))
	require.NoError(t, s.Arm("a1", time.Minute, Secondary))

	fc.Advance(30 * time.Second)
	assert.Empty(t, f.list())

	deadline, phase, ok := s.Deadline("a1")
	require.True(t, ok)
	assert.Equal(t, Secondary, phase)
	assert.Equal(t, fc.Now().Add(30*time.Second), deadline)

	fc.Advance(30 * time.Second)
	assert.Equal(t, []string{"a1:secondary"}, f.list())
}

func TestTimersAreIndependent(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", 5*time.Second, Primary))
	require.NoError(t, s.Arm("a2", 10*time.Second, Primary))
	s.Cancel("a1")

	fc.Advance(10 * time.Second)
	assert.Equal(t, []string{"a2:primary"}, f.list())
}

func TestArmAfterStop(t *testing.T) {
	s, fc, f := newTestScheduler()
	require.NoError(t, s.Arm("a1", 5*time.Second, Primary))
	s.Stop()

	err := s.Arm("a2", time.Second, Primary)
	var serr *alert.SchedulerError
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, ErrStopped)

	fc.Advance(time.Minute)
	assert.Empty(t, f.list())
}

func TestConcurrentCancelAndFire(t *testing.T) {
	s := NewScheduler(clock.Real{}, func(string, Phase) {}, zerolog.Nop())
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		id := "alert-" + time.Duration(i).String()
		require.NoError(t, s.Arm(id, time.Millisecond, Primary))
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			s.Cancel(id)
		}()
	}
	wg.Wait()
}

func TestPolicyWindow(t *testing.T) {
	p := DefaultPolicy()
	p.ByType = map[alert.EmergencyType]time.Duration{alert.TypeFire: 20 * time.Second}

	panicAlert := alert.Alert{Source: alert.SourcePanicButton, Severity: 2}
	assert.Equal(t, 30*time.Second, p.Window(panicAlert))

	fire := alert.Alert{Source: alert.SourceSOS, EmergencyType: alert.TypeFire, Severity: 4}
	assert.Equal(t, 20*time.Second, p.Window(fire))

	kidnap := alert.Alert{Source: alert.SourceSOS, EmergencyType: alert.TypeKidnapping, Severity: 5}
	assert.Equal(t, 30*time.Second, p.Window(kidnap))

	general := alert.Alert{Source: alert.SourceSOS, EmergencyType: alert.TypeGeneral, Severity: 2}
	assert.Equal(t, time.Minute, p.Window(general))
}

func TestParseTypeWindows(t *testing.T) {
	windows, err := ParseTypeWindows(map[string]string{"fire": "20s", "medical": " 45s "})
	require.NoError(t, err)
	assert.Equal(t, map[alert.EmergencyType]time.Duration{
		alert.TypeFire:    20 * time.Second,
		alert.TypeMedical: 45 * time.Second,
	}, windows)

	none, err := ParseTypeWindows(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseTypeWindows(map[string]string{"alien_invasion": "10s"})
	assert.ErrorContains(t, err, "unknown emergency type")
	_, err = ParseTypeWindows(map[string]string{"fire": "soon"})
	assert.Error(t, err)
	_, err = ParseTypeWindows(map[string]string{"fire": "0s"})
	assert.ErrorContains(t, err, "positive")
}
