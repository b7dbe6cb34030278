// Package backpressure samples system load and feeds it back into the rate
// limiters and batch planner. The load factor blends CPU, memory, and disk
// I/O wait alongside queue depth, error rate, and success rate.
package backpressure

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/ratelimit"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Level buckets a load factor into the same four tiers the original
// monitoring loop tagged its adjustment events with.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func levelFor(loadFactor float64) Level {
	switch {
	case loadFactor > 0.9:
		return LevelCritical
	case loadFactor > 0.7:
		return LevelHigh
	case loadFactor > 0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// LoadSnapshot is one sample of system load and its derived factor.
type LoadSnapshot struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskIOWaitPercent float64
	QueueDepth        int
	ErrorRate         float64
	SuccessRate       float64
	LoadFactor        float64
	Level             Level
	SampledAt         time.Time
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func loadFactor(cpuPct, memPct, ioWaitPct float64, queueDepth int, errorRate, successRate, errorRateWeight float64) float64 {
	factors := [...]float64{
		clamp01(cpuPct / 100),
		clamp01(memPct / 100),
		clamp01(ioWaitPct / 100),
		clamp01(float64(queueDepth) / 1000),
		clamp01(errorRate * errorRateWeight),
		clamp01(1 - successRate),
	}
	var sum float64
	for _, f := range factors {
		sum += f
	}
	return clamp01(sum / float64(len(factors)))
}

// Options tunes a Monitor's sampling loop and counter sources.
type Options struct {
	// Interval between samples. Defaults to 30s.
	Interval time.Duration
	// SnapshotBuffer sizes the channel Monitor publishes snapshots on.
	// Defaults to 8; publishing never blocks, a full buffer drops the
	// oldest unread snapshot.
	SnapshotBuffer int
	// SuccessCounter and FailureCounter name the metrics.Sink counters
	// whose deltas between samples estimate the recent error/success
	// rate. Default to "pipeline.article.success"/"pipeline.article.failure".
	SuccessCounter string
	FailureCounter string
	// ResponseTimeThresholdMs halves the database limiter's effective
	// capacity once average feed response time crosses it. Defaults to
	// 5000, matching the original throttling thresholds.
	ResponseTimeThresholdMs float64
	// ErrorRateWeight scales the recent error rate's contribution to the
	// load factor before clamping. Defaults to 2.0, matching the original
	// weighting of error rate against the other five signals.
	ErrorRateWeight float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.SnapshotBuffer <= 0 {
		o.SnapshotBuffer = 8
	}
	if o.SuccessCounter == "" {
		o.SuccessCounter = "pipeline.article.success"
	}
	if o.FailureCounter == "" {
		o.FailureCounter = "pipeline.article.failure"
	}
	if o.ResponseTimeThresholdMs <= 0 {
		o.ResponseTimeThresholdMs = 5000
	}
	if o.ErrorRateWeight <= 0 {
		o.ErrorRateWeight = 2.0
	}
	return o
}

// Monitor periodically samples system load and publishes LoadSnapshots,
// optionally driving a ratelimit.Manager's adaptive windows.
type Monitor struct {
	opts        Options
	sink        *metrics.Sink
	metricsRepo *storage.MetricsRepository
	queueDepth  func(ctx context.Context) (int, error)
	respTime    func(ctx context.Context) (float64, error)
	limiter     *ratelimit.Manager
	log         *logrus.Entry

	fs     procfs.FS
	hasFS  bool
	cpuMu  sync.Mutex
	prevCPU    procfs.CPUStat
	prevCPUAt  time.Time
	havePrevCPU bool

	rateMu        sync.Mutex
	prevSuccess   float64
	prevFailure   float64
	havePrevCount bool

	paused    atomic.Bool
	snapshots chan LoadSnapshot
	latest    atomic.Pointer[LoadSnapshot]
}

// New constructs a Monitor. queueDepth and respTime are typically
// storage.BatchRepository.QueueDepth and storage.FeedRepository.AverageResponseTime;
// either may be nil to skip that signal. limiter, sink, metricsRepo, and log
// may all be nil.
func New(
	opts Options,
	queueDepth func(ctx context.Context) (int, error),
	respTime func(ctx context.Context) (float64, error),
	limiter *ratelimit.Manager,
	sink *metrics.Sink,
	metricsRepo *storage.MetricsRepository,
	log *logrus.Entry,
) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fs, err := procfs.NewDefaultFS()
	m := &Monitor{
		opts:        opts.withDefaults(),
		sink:        sink,
		metricsRepo: metricsRepo,
		queueDepth:  queueDepth,
		respTime:    respTime,
		limiter:     limiter,
		log:         log.WithField("component", "backpressure_monitor"),
		fs:          fs,
		hasFS:       err == nil,
		snapshots:   make(chan LoadSnapshot, opts.withDefaults().SnapshotBuffer),
	}
	if err != nil {
		m.log.WithError(err).Info("procfs unavailable, falling back to runtime-derived load proxies")
	}
	return m
}

// Snapshots returns the channel new LoadSnapshots are published on.
func (m *Monitor) Snapshots() <-chan LoadSnapshot { return m.snapshots }

// Latest returns the most recently published snapshot, if any.
func (m *Monitor) Latest() (LoadSnapshot, bool) {
	p := m.latest.Load()
	if p == nil {
		return LoadSnapshot{}, false
	}
	return *p, true
}

// Paused reports whether the last sample crossed the critical threshold,
// at which the batch planner should stop creating new batches entirely.
func (m *Monitor) Paused() bool { return m.paused.Load() }

// LoadFunc adapts Latest into the ratelimit.LoadFunc adaptive limiters
// consult.
func (m *Monitor) LoadFunc() ratelimit.LoadFunc {
	return func() float64 {
		snap, ok := m.Latest()
		if !ok {
			return 0
		}
		return snap.LoadFactor
	}
}

// Run samples on opts.Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := m.sample(ctx)
			if err != nil {
				m.log.WithError(err).Warn("backpressure sample failed")
				continue
			}
			m.publish(snap)
			m.adjust(ctx, snap)
		}
	}
}

func (m *Monitor) publish(snap LoadSnapshot) {
	m.latest.Store(&snap)
	select {
	case m.snapshots <- snap:
	default:
		select {
		case <-m.snapshots:
		default:
		}
		select {
		case m.snapshots <- snap:
		default:
		}
	}
	if m.sink != nil {
		m.sink.Gauge("backpressure.load_factor", snap.LoadFactor, map[string]string{"level": string(snap.Level)})
		m.sink.Gauge("backpressure.queue_depth", float64(snap.QueueDepth), nil)
	}
}

func (m *Monitor) sample(ctx context.Context) (LoadSnapshot, error) {
	cpuPct, ioWaitPct := m.sampleCPU()
	memPct := m.sampleMemory()

	depth := 0
	if m.queueDepth != nil {
		if d, err := m.queueDepth(ctx); err == nil {
			depth = d
		} else {
			m.log.WithError(err).Debug("queue depth sample failed")
		}
	}

	errorRate, successRate := m.sampleRates(ctx)

	lf := loadFactor(cpuPct, memPct, ioWaitPct, depth, errorRate, successRate, m.opts.ErrorRateWeight)
	snap := LoadSnapshot{
		CPUPercent:        cpuPct,
		MemoryPercent:     memPct,
		DiskIOWaitPercent: ioWaitPct,
		QueueDepth:        depth,
		ErrorRate:         errorRate,
		SuccessRate:       successRate,
		LoadFactor:        lf,
		Level:             levelFor(lf),
		SampledAt:         time.Now(),
	}
	return snap, nil
}

// sampleCPU reports cpu-busy and iowait percentages derived from the delta
// between consecutive /proc/stat reads, falling back to a goroutine-count
// proxy when procfs is unavailable.
func (m *Monitor) sampleCPU() (cpuPct, ioWaitPct float64) {
	if !m.hasFS {
		return fallbackCPUPercent(), 0
	}
	stat, err := m.fs.Stat()
	if err != nil {
		m.log.WithError(err).Debug("procfs stat failed")
		return fallbackCPUPercent(), 0
	}
	cur := stat.CPUTotal
	now := time.Now()

	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()
	if !m.havePrevCPU {
		m.prevCPU, m.prevCPUAt, m.havePrevCPU = cur, now, true
		return 0, 0
	}
	prev := m.prevCPU
	m.prevCPU, m.prevCPUAt = cur, now

	busy := (cur.User - prev.User) + (cur.Nice - prev.Nice) + (cur.System - prev.System) +
		(cur.IRQ - prev.IRQ) + (cur.SoftIRQ - prev.SoftIRQ) + (cur.Steal - prev.Steal)
	idle := cur.Idle - prev.Idle
	iowait := cur.Iowait - prev.Iowait
	total := busy + idle + iowait
	if total <= 0 {
		return 0, 0
	}
	return (busy / total) * 100, (iowait / total) * 100
}

func fallbackCPUPercent() float64 {
	// No /proc: use goroutine pressure relative to GOMAXPROCS as a coarse
	// proxy for CPU contention.
	procs := float64(runtime.GOMAXPROCS(0))
	if procs <= 0 {
		procs = 1
	}
	return clamp01(float64(runtime.NumGoroutine())/(procs*200)) * 100
}

func (m *Monitor) sampleMemory() float64 {
	if m.hasFS {
		if mi, err := m.fs.Meminfo(); err == nil && mi.MemTotal != nil && *mi.MemTotal > 0 {
			available := mi.MemTotal
			if mi.MemAvailable != nil {
				available = mi.MemAvailable
			} else if mi.MemFree != nil {
				available = mi.MemFree
			}
			used := float64(*mi.MemTotal-*available) / float64(*mi.MemTotal)
			return clamp01(used) * 100
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return clamp01(float64(ms.HeapAlloc)/float64(ms.HeapSys)) * 100
}

// sampleRates estimates recent error/success rate from the delta of two
// monotonic counters between consecutive samples, falling back to a
// historical average from the durable metrics store when no sink is wired.
func (m *Monitor) sampleRates(ctx context.Context) (errorRate, successRate float64) {
	if m.sink != nil {
		success := m.sink.CounterValue(m.opts.SuccessCounter, nil)
		failure := m.sink.CounterValue(m.opts.FailureCounter, nil)

		m.rateMu.Lock()
		defer m.rateMu.Unlock()
		if !m.havePrevCount {
			m.prevSuccess, m.prevFailure, m.havePrevCount = success, failure, true
			return 0, 1
		}
		dSuccess := success - m.prevSuccess
		dFailure := failure - m.prevFailure
		m.prevSuccess, m.prevFailure = success, failure

		total := dSuccess + dFailure
		if total <= 0 {
			return 0, 1
		}
		return clamp01(dFailure / total), clamp01(dSuccess / total)
	}
	if m.metricsRepo != nil {
		avg, ok, err := m.metricsRepo.RecentAverage(ctx, "pipeline.error_rate", time.Now().Add(-5*time.Minute))
		if err == nil && ok {
			return clamp01(avg), clamp01(1 - avg)
		}
	}
	return 0, 1
}

// adjust reshapes the batch_processing and database rate limiters per the
// current load level and, at critical load, pauses batch creation
// entirely until the next sample recovers.
func (m *Monitor) adjust(ctx context.Context, snap LoadSnapshot) {
	wasPaused := m.paused.Load()
	m.paused.Store(snap.Level == LevelCritical)
	if snap.Level == LevelCritical && !wasPaused {
		m.log.WithField("load_factor", snap.LoadFactor).Warn("pausing batch creation under critical load")
	} else if snap.Level != LevelCritical && wasPaused {
		m.log.Info("resuming batch creation")
	}

	if m.limiter == nil {
		return
	}
	switch snap.Level {
	case LevelCritical:
		// Paused is enforced by the planner checking Paused(); still tighten
		// the window in case a batch already in flight keeps issuing
		// requests.
		m.limiter.AdjustWindow("batch_processing", 120*time.Second)
	case LevelHigh:
		m.limiter.AdjustWindow("batch_processing", 120*time.Second)
	case LevelMedium:
		m.limiter.AdjustWindow("batch_processing", 80*time.Second)
	default:
		m.limiter.AdjustWindow("batch_processing", 60*time.Second)
	}
	m.emitAdjustmentEvent(snap)

	if m.respTime == nil {
		return
	}
	avgMs, err := m.respTime(ctx)
	if err != nil {
		m.log.WithError(err).Debug("feed response time sample failed")
		return
	}
	if avgMs > m.opts.ResponseTimeThresholdMs {
		m.limiter.AdjustMaxMultiplier("database", 0.5)
	} else {
		m.limiter.Reset("database")
	}
}

func (m *Monitor) emitAdjustmentEvent(snap LoadSnapshot) {
	if m.sink == nil {
		return
	}
	m.sink.Incr("backpressure.adjustment", 1, map[string]string{"level": string(snap.Level)})
}
