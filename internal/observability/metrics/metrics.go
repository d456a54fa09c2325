package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, publishing attempts, engine health, and viewer
// telemetry throughput. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for active sessions and pushes.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	targetEvents    map[string]uint64
	pushAttempts    map[string]uint64
	pushFailures    map[string]uint64
	engineHealth    map[string]float64
	engineState     map[string]string
	sampleEvents    map[string]uint64
	activeSessions  atomic.Int64
	activePushes    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		targetEvents:    make(map[string]uint64),
		pushAttempts:    make(map[string]uint64),
		pushFailures:    make(map[string]uint64),
		engineHealth:    make(map[string]float64),
		engineState:     make(map[string]string),
		sampleEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path,
// and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.ObserveSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionStopped() {
	r.ObserveSessionEvent("stop")
	r.decrementGauge(&r.activeSessions)
}

// ObserveSessionEvent counts one session lifecycle event by type.
func (r *Recorder) ObserveSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// TargetConnected records a target entering the live push set.
func (r *Recorder) TargetConnected() {
	r.ObserveTargetEvent("connected")
	r.activePushes.Add(1)
}

// TargetDisconnected records a target leaving the live push set.
func (r *Recorder) TargetDisconnected() {
	r.ObserveTargetEvent("disconnected")
	r.decrementGauge(&r.activePushes)
}

// ObserveTargetEvent counts one publishing-target event by type.
func (r *Recorder) ObserveTargetEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.targetEvents[normalized]++
	r.mu.Unlock()
}

// ObservePushAttempt records a publishing operation attempt keyed by
// operation name (e.g. "connect", "health_reconnect").
func (r *Recorder) ObservePushAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.pushAttempts[op]++
	r.mu.Unlock()
}

// ObservePushFailure records a failed publishing operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObservePushFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.pushFailures[op]++
	r.mu.Unlock()
}

// ObserveSample counts viewer telemetry samples by outcome
// (e.g. "applied", "dropped").
func (r *Recorder) ObserveSample(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.sampleEvents[normalized]++
	r.mu.Unlock()
}

// SetEngineHealth maps an engine health verdict to a numeric gauge and
// stores both representations for export.
func (r *Recorder) SetEngineHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.engineHealth[normalizedService] = value
	r.engineState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActivePushes exposes the current gauge of live publishing pushes.
func (r *Recorder) ActivePushes() int64 {
	return r.activePushes.Load()
}

// PushCounts returns copies of push attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) PushCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.pushAttempts))
	for k, v := range r.pushAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.pushFailures))
	for k, v := range r.pushFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.targetEvents = make(map[string]uint64)
	r.pushAttempts = make(map[string]uint64)
	r.pushFailures = make(map[string]uint64)
	r.engineHealth = make(map[string]float64)
	r.engineState = make(map[string]string)
	r.sampleEvents = make(map[string]uint64)
	r.activeSessions.Store(0)
	r.activePushes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	targetEvents := sortedKeys(r.targetEvents)
	pushOperations := r.sortedPushOperations()
	engineServices := sortedFloatKeys(r.engineHealth)
	sampleEvents := sortedKeys(r.sampleEvents)

	fmt.Fprintln(w, "# HELP cruvz_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE cruvz_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "cruvz_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP cruvz_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE cruvz_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "cruvz_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP cruvz_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE cruvz_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "cruvz_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP cruvz_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE cruvz_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "cruvz_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP cruvz_active_sessions Current number of sessions marked as active")
	fmt.Fprintln(w, "# TYPE cruvz_active_sessions gauge")
	fmt.Fprintf(w, "cruvz_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP cruvz_target_events_total Publishing target events by type")
	fmt.Fprintln(w, "# TYPE cruvz_target_events_total counter")
	for _, event := range targetEvents {
		fmt.Fprintf(w, "cruvz_target_events_total{event=\"%s\"} %d\n", event, r.targetEvents[event])
	}

	fmt.Fprintln(w, "# HELP cruvz_active_pushes Current number of live publishing pushes")
	fmt.Fprintln(w, "# TYPE cruvz_active_pushes gauge")
	fmt.Fprintf(w, "cruvz_active_pushes %d\n", r.activePushes.Load())

	fmt.Fprintln(w, "# HELP cruvz_push_attempts_total Total publishing operations attempted by action")
	fmt.Fprintln(w, "# TYPE cruvz_push_attempts_total counter")
	for _, op := range pushOperations {
		fmt.Fprintf(w, "cruvz_push_attempts_total{operation=\"%s\"} %d\n", op, r.pushAttempts[op])
	}

	fmt.Fprintln(w, "# HELP cruvz_push_failures_total Total publishing operation failures by action")
	fmt.Fprintln(w, "# TYPE cruvz_push_failures_total counter")
	for _, op := range pushOperations {
		fmt.Fprintf(w, "cruvz_push_failures_total{operation=\"%s\"} %d\n", op, r.pushFailures[op])
	}

	fmt.Fprintln(w, "# HELP cruvz_engine_health Health reported by the media engine (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE cruvz_engine_health gauge")
	for _, service := range engineServices {
		fmt.Fprintf(w, "cruvz_engine_health{service=\"%s\",status=\"%s\"} %f\n", service, r.engineState[service], r.engineHealth[service])
	}

	fmt.Fprintln(w, "# HELP cruvz_viewer_samples_total Viewer telemetry samples by outcome")
	fmt.Fprintln(w, "# TYPE cruvz_viewer_samples_total counter")
	for _, event := range sampleEvents {
		fmt.Fprintf(w, "cruvz_viewer_samples_total{outcome=\"%s\"} %d\n", event, r.sampleEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPushOperations() []string {
	seen := make(map[string]struct{}, len(r.pushAttempts)+len(r.pushFailures))
	for op := range r.pushAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.pushFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	// Generated ids are 32 hex chars; route words never get that long.
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionStopped decrements active sessions on the default recorder.
func SessionStopped() {
	defaultRecorder.SessionStopped()
}

// SetEngineHealth updates engine health on the default recorder.
func SetEngineHealth(service, status string) {
	defaultRecorder.SetEngineHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
