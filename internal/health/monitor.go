package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the health level of a pipeline stage or of the pipeline overall.
// Order matters: higher values are worse, and the overall status is the worst
// stage status.
type Status int

const (
	// StatusHealthy means the stage is serving within thresholds.
	StatusHealthy Status = iota

	// StatusDegraded means the stage works but its windowed error rate or
	// latency is above the degraded threshold.
	StatusDegraded

	// StatusFailing means the majority of recent calls fail.
	StatusFailing

	// StatusOffline means the stage has not been exercised within the idle
	// window, or has never been exercised at all.
	StatusOffline
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailing:
		return "failing"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MonitorConfig holds tuning knobs for a [Monitor]. Zero-value fields are
// replaced with defaults.
type MonitorConfig struct {
	// Window is the rolling window over which error rates and latency are
	// computed. Default: 60s.
	Window time.Duration

	// DegradedErrorRate is the windowed error-rate fraction above which a
	// stage is degraded. Default: 0.2.
	DegradedErrorRate float64

	// FailingErrorRate is the windowed error-rate fraction above which a
	// stage is failing. Default: 0.5.
	FailingErrorRate float64

	// LatencyCeiling marks a stage degraded when its windowed average
	// latency exceeds it. Default: 1s.
	LatencyCeiling time.Duration

	// IdleAfter marks a stage offline when it has recorded nothing for this
	// long. Default: 5m.
	IdleAfter time.Duration

	// ConsecutiveAlert is the consecutive-failure count that triggers the
	// restart suggestion. Default: 3.
	ConsecutiveAlert int

	// Now is the clock used for windowing; defaults to [time.Now]. Tests
	// substitute a fake.
	Now func() time.Time
}

func (c *MonitorConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = 0.2
	}
	if c.FailingErrorRate <= 0 {
		c.FailingErrorRate = 0.5
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = time.Second
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Minute
	}
	if c.ConsecutiveAlert <= 0 {
		c.ConsecutiveAlert = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// sample is one recorded call within the rolling window.
type sample struct {
	at      time.Time
	failed  bool
	latency time.Duration
}

// stageStats accumulates per-stage counters plus the rolling window.
type stageStats struct {
	attempts    int64
	successes   int64
	consecutive int // current consecutive failures
	lastErr     string
	lastSeen    time.Time
	window      []sample
}

// StageReport is a point-in-time view of one stage.
type StageReport struct {
	Name             string
	Status           Status
	Attempts         int64
	Successes        int64
	ConsecutiveFails int
	ErrorRate        float64 // windowed, 0 when the window is empty
	AvgLatency       time.Duration
	MaxLatency       time.Duration
	LastError        string
	Suggestion       string
}

// Monitor tracks call outcomes per pipeline stage ("denoise.demucs",
// "vad.silero", ...) and derives a status per stage and overall. It is safe
// for concurrent use.
type Monitor struct {
	cfg MonitorConfig

	mu     sync.Mutex
	stages map[string]*stageStats
}

// NewMonitor creates a [Monitor] with the supplied configuration.
func NewMonitor(cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	return &Monitor{cfg: cfg, stages: make(map[string]*stageStats)}
}

// Record registers one call outcome for the named stage. A nil err is a
// success.
func (m *Monitor) Record(stage string, err error, latency time.Duration) {
	now := m.cfg.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stages[stage]
	if st == nil {
		st = &stageStats{}
		m.stages[stage] = st
	}

	st.attempts++
	st.lastSeen = now
	if err != nil {
		st.consecutive++
		st.lastErr = err.Error()
	} else {
		st.successes++
		st.consecutive = 0
	}
	st.window = append(st.window, sample{at: now, failed: err != nil, latency: latency})
	st.prune(now.Add(-m.cfg.Window))
}

// prune drops window samples older than cutoff.
func (st *stageStats) prune(cutoff time.Time) {
	i := 0
	for i < len(st.window) && st.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}

// Stage returns the report for one stage. The zero StageReport with
// [StatusOffline] is returned for an unknown stage.
func (m *Monitor) Stage(name string) StageReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stages[name]
	if st == nil {
		return StageReport{Name: name, Status: StatusOffline}
	}
	return m.report(name, st)
}

// Snapshot returns reports for all known stages, sorted by name.
func (m *Monitor) Snapshot() []StageReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StageReport, 0, len(m.stages))
	for name, st := range m.stages {
		out = append(out, m.report(name, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst status across all stages. A monitor with no
// stages yet reports healthy: nothing has had a chance to fail.
func (m *Monitor) Overall() Status {
	worst := StatusHealthy
	for _, r := range m.Snapshot() {
		if r.Status > worst {
			worst = r.Status
		}
	}
	return worst
}

// Check implements the [Checker] contract for /readyz: failing or offline
// overall status is a readiness failure.
func (m *Monitor) Check(context.Context) error {
	if s := m.Overall(); s >= StatusFailing {
		return fmt.Errorf("pipeline is %s", s)
	}
	return nil
}

// report computes a StageReport. Must be called with m.mu held.
func (m *Monitor) report(name string, st *stageStats) StageReport {
	now := m.cfg.Now()
	st.prune(now.Add(-m.cfg.Window))

	r := StageReport{
		Name:             name,
		Attempts:         st.attempts,
		Successes:        st.successes,
		ConsecutiveFails: st.consecutive,
		LastError:        st.lastErr,
	}

	var fails int
	var total, max time.Duration
	for _, s := range st.window {
		if s.failed {
			fails++
		}
		total += s.latency
		if s.latency > max {
			max = s.latency
		}
	}
	if n := len(st.window); n > 0 {
		r.ErrorRate = float64(fails) / float64(n)
		r.AvgLatency = total / time.Duration(n)
		r.MaxLatency = max
	}

	switch {
	case now.Sub(st.lastSeen) >= m.cfg.IdleAfter:
		r.Status = StatusOffline
	case r.ErrorRate > m.cfg.FailingErrorRate:
		r.Status = StatusFailing
	case r.ErrorRate > m.cfg.DegradedErrorRate:
		r.Status = StatusDegraded
	case r.AvgLatency > m.cfg.LatencyCeiling:
		r.Status = StatusDegraded
	default:
		r.Status = StatusHealthy
	}

	r.Suggestion = m.suggest(st, r)
	return r
}

// suggest maps the dominant failure mode to a recovery hint. Must be called
// with m.mu held.
func (m *Monitor) suggest(st *stageStats, r StageReport) string {
	if r.Status == StatusHealthy {
		return ""
	}
	if r.Status == StatusOffline {
		return "stage idle; verify the backend is running and receiving audio"
	}
	if st.consecutive >= m.cfg.ConsecutiveAlert {
		return "repeated failures; restart the backend or reset its circuit breaker"
	}
	switch classify(st.lastErr) {
	case classTimeout:
		return "requests are timing out; lower the buffer size or raise the request timeout"
	case classMemory:
		return "backend is out of memory; switch to a smaller model or restart the service"
	case classInit:
		return "initialisation failed; check the model path and service dependencies"
	default:
		if r.Status == StatusDegraded && r.AvgLatency > m.cfg.LatencyCeiling {
			return "latency above ceiling; consider the lighter fallback backend"
		}
		return "elevated error rate; inspect backend logs"
	}
}

type errClass int

const (
	classOther errClass = iota
	classTimeout
	classMemory
	classInit
)

// classify buckets an error message by its likely failure mode. Messages come
// from heterogeneous backends (subprocess stderr, ONNX runtime, context
// errors), so this is substring matching rather than sentinel comparison.
func classify(msg string) errClass {
	l := strings.ToLower(msg)
	switch {
	case strings.Contains(l, "timeout"), strings.Contains(l, "deadline"):
		return classTimeout
	case strings.Contains(l, "memory"), strings.Contains(l, "oom"), strings.Contains(l, "cuda"):
		return classMemory
	case strings.Contains(l, "init"):
		return classInit
	default:
		return classOther
	}
}

// Report renders a human-readable multi-line summary, one line per stage.
func (m *Monitor) Report() string {
	reports := m.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline: %s\n", m.Overall())
	for _, r := range reports {
		fmt.Fprintf(&b, "  %-20s %-9s attempts=%d successes=%d err_rate=%.0f%% avg=%s max=%s",
			r.Name, r.Status, r.Attempts, r.Successes, r.ErrorRate*100, r.AvgLatency, r.MaxLatency)
		if r.Suggestion != "" {
			fmt.Fprintf(&b, "\n    hint: %s", r.Suggestion)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// IsTimeout reports whether err looks like a timeout, either a context
// deadline or a backend-reported one.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || classify(err.Error()) == classTimeout
}
