package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ddevcap/vectorlb/internal/alert"
)

const (
	defaultCheckInterval = 30 * time.Second
	checkTimeout         = 5 * time.Second
	// unhealthyThreshold is the number of consecutive failed probes required
	// before an instance is marked unhealthy.
	unhealthyThreshold = 3
)

// status tracks liveness and request-outcome counters for one instance.
type status struct {
	healthy         bool
	lastChecked     time.Time
	lastErr         string
	consecutiveFail int

	requestCount int64
	successCount int64
}

// TransitionFunc is invoked whenever an instance's healthy flag flips.
type TransitionFunc func(name Name, healthy bool)

// Monitor probes both instances on a cooperative loop and keeps an
// in-memory health snapshot. It generalizes the teacher's per-backend
// consecutive-failure counter into a two-instance, named monitor and feeds
// transitions to an alert.Sink instead of only logging them.
type Monitor struct {
	instances []Instance
	client    *http.Client
	interval  time.Duration
	db        *sqlx.DB // optional; nil disables HealthSample persistence
	sink      alert.Sink
	livePath  string

	mu       sync.RWMutex
	statuses map[Name]*status

	listenersMu sync.Mutex
	listeners   []TransitionFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithDB enables persistence of HealthSample rows to the coordination
// database on every probe.
func WithDB(db *sqlx.DB) Option {
	return func(m *Monitor) { m.db = db }
}

// WithAlertSink overrides the default no-op alert sink.
func WithAlertSink(sink alert.Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithLivenessPath overrides the default "/api/v2/heartbeat" probe path.
func WithLivenessPath(path string) Option {
	return func(m *Monitor) { m.livePath = path }
}

// NewMonitor builds a Monitor for the given instances. Every instance starts
// assumed healthy so the first requests aren't blocked before the first probe.
func NewMonitor(instances []Instance, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	m := &Monitor{
		instances: instances,
		client:    &http.Client{Timeout: checkTimeout},
		interval:  interval,
		sink:      alert.NoopSink{},
		livePath:  "/api/v2/heartbeat",
		statuses:  make(map[Name]*status, len(instances)),
	}
	for _, inst := range instances {
		m.statuses[inst.Name] = &status{healthy: true}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins the background probe loop. An immediate check runs before
// the first tick so instances are classified before serving requests.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.checkAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

// Stop signals the probe loop to stop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// OnTransition registers a callback invoked whenever an instance's health
// flips. Callbacks run synchronously from the probing goroutine; they must
// not block.
func (m *Monitor) OnTransition(fn TransitionFunc) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// GetHealthy returns the instances currently considered healthy. May be empty.
func (m *Monitor) GetHealthy() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if s := m.statuses[inst.Name]; s != nil && s.healthy {
			result = append(result, inst)
		}
	}
	return result
}

// IsHealthy reports the current health of a single named instance.
func (m *Monitor) IsHealthy(name Name) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[name]
	if !ok {
		return true
	}
	return s.healthy
}

// ObserveRequestOutcome updates per-instance counters used for success-rate
// reporting. This supplements the periodic probe: callers report the
// outcome of every forwarded request, independent of the health-check loop.
func (m *Monitor) ObserveRequestOutcome(name Name, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.statuses[name]
	if !ok {
		s = &status{healthy: true}
		m.statuses[name] = s
	}
	s.requestCount++
	if success {
		s.successCount++
	}
}

// Snapshot is a point-in-time view of one instance's health for the admin API.
type Snapshot struct {
	Name         Name      `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastChecked  time.Time `json:"last_checked"`
	LastError    string    `json:"last_error,omitempty"`
	RequestCount int64     `json:"request_count"`
	SuccessCount int64     `json:"success_count"`
}

// Snapshots returns a status snapshot of every tracked instance, ordered as
// configured.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.instances))
	for _, inst := range m.instances {
		s := m.statuses[inst.Name]
		if s == nil {
			continue
		}
		out = append(out, Snapshot{
			Name:         inst.Name,
			Healthy:      s.healthy,
			LastChecked:  s.lastChecked,
			LastError:    s.lastErr,
			RequestCount: s.requestCount,
			SuccessCount: s.successCount,
		})
	}
	return out
}

func (m *Monitor) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range m.instances {
		wg.Add(1)
		go func(inst Instance) {
			defer wg.Done()
			m.checkOne(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, inst Instance) {
	start := time.Now()
	url := inst.BaseURL + m.livePath

	reqCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		m.recordResult(ctx, inst.Name, 0, fmt.Errorf("bad url: %w", err))
		return
	}

	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		m.recordResult(ctx, inst.Name, elapsed, err)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		m.recordResult(ctx, inst.Name, elapsed, nil)
	} else {
		m.recordResult(ctx, inst.Name, elapsed, fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (m *Monitor) recordResult(ctx context.Context, name Name, elapsed time.Duration, probeErr error) {
	m.mu.Lock()
	s, ok := m.statuses[name]
	if !ok {
		s = &status{healthy: true}
		m.statuses[name] = s
	}
	s.lastChecked = time.Now()

	var transitioned bool
	var nowHealthy bool

	if probeErr == nil {
		s.consecutiveFail = 0
		s.lastErr = ""
		if !s.healthy {
			s.healthy = true
			transitioned = true
		}
		nowHealthy = true
	} else {
		s.consecutiveFail++
		s.lastErr = probeErr.Error()
		if s.consecutiveFail >= unhealthyThreshold && s.healthy {
			s.healthy = false
			transitioned = true
		}
		nowHealthy = s.healthy
	}
	m.mu.Unlock()

	if m.db != nil {
		m.persistSample(ctx, name, nowHealthy, elapsed, probeErr)
	}

	if transitioned {
		m.fireTransition(ctx, name, nowHealthy, probeErr)
	}
}

func (m *Monitor) fireTransition(ctx context.Context, name Name, healthy bool, cause error) {
	sev := alert.SeverityWarning
	title := fmt.Sprintf("instance %s marked unhealthy", name)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if healthy {
		sev = alert.SeverityInfo
		title = fmt.Sprintf("instance %s recovered", name)
	}

	slog.Warn("instance health transition", "instance", name, "healthy", healthy, "error", detail)
	m.sink.Notify(ctx, alert.Event{Severity: sev, Title: title, Detail: detail})

	m.listenersMu.Lock()
	listeners := append([]TransitionFunc(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(name, healthy)
	}
}

func (m *Monitor) persistSample(ctx context.Context, name Name, healthy bool, elapsed time.Duration, probeErr error) {
	errMsg := ""
	if probeErr != nil {
		errMsg = probeErr.Error()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO health_metrics (instance_name, healthy, response_time_ms, error_message)
		VALUES ($1, $2, $3, $4)`,
		string(name), healthy, elapsed.Milliseconds(), errMsg)
	if err != nil {
		slog.Warn("health monitor: failed to persist sample", "instance", name, "error", err)
	}
}
