package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Severity is an alert's urgency level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// NotificationHandler delivers an alert transition to an external channel
// (email, Slack, webhook). Handlers must not block for long; errors are
// logged, never propagated.
type NotificationHandler func(ctx context.Context, a *AlertDef, currentValue float64, resolved bool) error

// AlertDef is a named threshold condition evaluated against sink metrics,
// mirroring the condition grammar (">", "<", ">=", "<=", "==") used by the
// original monitoring system.
type AlertDef struct {
	ID                  string
	Name                string
	Description         string
	Severity            Severity
	MetricName          string
	Condition           string
	ThresholdValue      float64
	DurationMinutes     int
	Enabled             bool
	NotificationChannels []string

	active         bool
	firstTriggered time.Time
	lastTriggered  time.Time
	triggerCount   int
	conditionSince time.Time
}

func (a *AlertDef) shouldTrigger(value float64) bool {
	if !a.Enabled {
		return false
	}
	cond := strings.TrimSpace(a.Condition)
	switch {
	case strings.HasPrefix(cond, ">="):
		return value >= parseThreshold(cond[2:])
	case strings.HasPrefix(cond, "<="):
		return value <= parseThreshold(cond[2:])
	case strings.HasPrefix(cond, "=="):
		return abs(value-parseThreshold(cond[2:])) < 0.0001
	case strings.HasPrefix(cond, ">"):
		return value > parseThreshold(cond[1:])
	case strings.HasPrefix(cond, "<"):
		return value < parseThreshold(cond[1:])
	default:
		return false
	}
}

func parseThreshold(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// AlertManager evaluates AlertDefs against a Sink on an interval, tracks
// active/resolved state, persists transitions, and dispatches registered
// notification handlers.
type AlertManager struct {
	sink *Sink
	repo *storage.AlertRepository
	log  *logrus.Entry

	mu       sync.Mutex
	alerts   map[string]*AlertDef
	handlers map[string]NotificationHandler

	evalInterval time.Duration
}

// NewAlertManager constructs a manager preloaded with the standard
// production alert set (error rate, throughput, latency, queue backlog,
// connection pool exhaustion, memory, disk).
func NewAlertManager(sink *Sink, repo *storage.AlertRepository, evalInterval time.Duration, log *logrus.Entry) *AlertManager {
	if evalInterval <= 0 {
		evalInterval = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &AlertManager{
		sink:         sink,
		repo:         repo,
		log:          log.WithField("component", "alert_manager"),
		alerts:       make(map[string]*AlertDef),
		handlers:     make(map[string]NotificationHandler),
		evalInterval: evalInterval,
	}
	for _, d := range defaultAlerts() {
		m.AddAlert(d)
	}
	return m
}

func defaultAlerts() []*AlertDef {
	return []*AlertDef{
		{ID: "high_error_rate", Name: "High Error Rate", Severity: SeverityCritical,
			MetricName: "pipeline.batch.error_rate", Condition: "> 0.05", ThresholdValue: 0.05,
			DurationMinutes: 5, Enabled: true, NotificationChannels: []string{"email", "slack"}},
		{ID: "low_throughput", Name: "Low Processing Throughput", Severity: SeverityWarning,
			MetricName: "pipeline.batch.throughput", Condition: "< 100", ThresholdValue: 100,
			DurationMinutes: 10, Enabled: true, NotificationChannels: []string{"slack"}},
		{ID: "high_latency", Name: "High Processing Latency", Severity: SeverityWarning,
			MetricName: "pipeline.batch.duration", Condition: "> 300", ThresholdValue: 300,
			DurationMinutes: 3, Enabled: true, NotificationChannels: []string{"email"}},
		{ID: "queue_backlog", Name: "Large Queue Backlog", Severity: SeverityWarning,
			MetricName: "queue.pending_articles", Condition: "> 10000", ThresholdValue: 10000,
			DurationMinutes: 15, Enabled: true, NotificationChannels: []string{"slack"}},
		{ID: "db_connection_pool_exhausted", Name: "Database Connection Pool Exhausted", Severity: SeverityCritical,
			MetricName: "db.connection_pool.available", Condition: "< 5", ThresholdValue: 5,
			DurationMinutes: 1, Enabled: true, NotificationChannels: []string{"email", "slack"}},
		{ID: "memory_usage_high", Name: "High Memory Usage", Severity: SeverityCritical,
			MetricName: "system.memory.usage_percent", Condition: "> 90", ThresholdValue: 90,
			DurationMinutes: 5, Enabled: true, NotificationChannels: []string{"email"}},
		{ID: "disk_space_low", Name: "Low Disk Space", Severity: SeverityWarning,
			MetricName: "system.disk.available_percent", Condition: "< 20", ThresholdValue: 20,
			DurationMinutes: 10, Enabled: true, NotificationChannels: []string{"email", "slack"}},
	}
}

// AddAlert registers or replaces an alert definition.
func (m *AlertManager) AddAlert(a *AlertDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
}

// RemoveAlert deletes an alert definition.
func (m *AlertManager) RemoveAlert(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, id)
}

// RegisterHandler wires a notification handler to a channel name.
func (m *AlertManager) RegisterHandler(channel string, h NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = h
}

// ListActive returns every currently firing alert.
func (m *AlertManager) ListActive() []*AlertDef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AlertDef
	for _, a := range m.alerts {
		if a.active {
			out = append(out, a)
		}
	}
	return out
}

// RunEvaluationLoop evaluates every alert on evalInterval until ctx is
// cancelled.
func (m *AlertManager) RunEvaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateAll(ctx)
		}
	}
}

func (m *AlertManager) evaluateAll(ctx context.Context) {
	m.mu.Lock()
	defs := make([]*AlertDef, 0, len(m.alerts))
	for _, a := range m.alerts {
		defs = append(defs, a)
	}
	m.mu.Unlock()

	for _, a := range defs {
		if !a.Enabled {
			continue
		}
		if err := m.evaluateOne(ctx, a); err != nil {
			m.log.WithError(err).WithField("alert_id", a.ID).Warn("alert evaluation failed")
		}
	}
}

func (m *AlertManager) currentValue(name string) (float64, bool) {
	if v, ok := m.sink.GaugeValue(name, nil); ok {
		return v, true
	}
	if v := m.sink.CounterValue(name, nil); v != 0 {
		return v, true
	}
	if v := m.sink.RatePerSecond(name, nil, time.Minute); v > 0 {
		return v, true
	}
	if stats := m.sink.HistogramStats(name, nil); stats.Count > 0 {
		return stats.Mean, true
	}
	return 0, false
}

func (m *AlertManager) evaluateOne(ctx context.Context, a *AlertDef) error {
	value, ok := m.currentValue(a.MetricName)
	if !ok {
		return nil
	}
	trigger := a.shouldTrigger(value)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if trigger {
		if !a.active {
			if a.DurationMinutes > 0 {
				if a.conditionSince.IsZero() {
					a.conditionSince = now
					return nil
				}
				if now.Sub(a.conditionSince) < time.Duration(a.DurationMinutes)*time.Minute {
					return nil
				}
			}
			a.conditionSince = time.Time{}
			if a.firstTriggered.IsZero() {
				a.firstTriggered = now
			}
			a.lastTriggered = now
			a.triggerCount++
			a.active = true
			m.notify(ctx, a, value, false)
			if m.repo != nil {
				if err := m.repo.Upsert(ctx, a.ID, string(a.Severity), a.Description, now); err != nil {
					return fmt.Errorf("persisting alert trigger: %w", err)
				}
			}
		}
	} else {
		a.conditionSince = time.Time{}
		if a.active {
			a.active = false
			m.notify(ctx, a, value, true)
			if m.repo != nil {
				if err := m.repo.Resolve(ctx, a.ID, now); err != nil {
					return fmt.Errorf("persisting alert resolution: %w", err)
				}
			}
		}
	}
	return nil
}

func (m *AlertManager) notify(ctx context.Context, a *AlertDef, value float64, resolved bool) {
	for _, channel := range a.NotificationChannels {
		handler, ok := m.handlers[channel]
		if !ok {
			m.log.WithFields(logrus.Fields{"alert_id": a.ID, "channel": channel}).
				Warn("no notification handler registered for channel")
			continue
		}
		if err := handler(ctx, a, value, resolved); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"alert_id": a.ID, "channel": channel}).
				Warn("notification handler failed")
		}
	}
}
