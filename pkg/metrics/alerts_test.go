package metrics

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AlertManager", func() {
	var (
		sink *Sink
		mgr  *AlertManager
	)

	BeforeEach(func() {
		sink = New(Options{BufferSize: 1000, FlushInterval: time.Minute}, nil, nil, nil)
		mgr = NewAlertManager(sink, nil, time.Hour, nil)
		for _, a := range mgr.ListActive() {
			mgr.RemoveAlert(a.ID)
		}
	})

	It("preloads the standard production alert set", func() {
		mgr.mu.Lock()
		_, ok := mgr.alerts["queue_backlog"]
		mgr.mu.Unlock()
		Expect(ok).To(BeTrue())
	})

	It("triggers immediately when duration_minutes is zero", func() {
		mgr.AddAlert(&AlertDef{ID: "test_alert", MetricName: "queue.depth", Condition: "> 100",
			ThresholdValue: 100, Enabled: true, Severity: SeverityWarning})
		sink.Gauge("queue.depth", 500, nil)

		Expect(mgr.evaluateOne(context.Background(), mustGet(mgr, "test_alert"))).To(Succeed())
		Expect(mustGet(mgr, "test_alert").active).To(BeTrue())
	})

	It("withholds triggering until the condition has persisted for duration_minutes", func() {
		mgr.AddAlert(&AlertDef{ID: "slow_alert", MetricName: "queue.depth", Condition: "> 100",
			ThresholdValue: 100, Enabled: true, Severity: SeverityWarning, DurationMinutes: 5})
		sink.Gauge("queue.depth", 500, nil)

		Expect(mgr.evaluateOne(context.Background(), mustGet(mgr, "slow_alert"))).To(Succeed())
		Expect(mustGet(mgr, "slow_alert").active).To(BeFalse(), "first sighting should only start the timer")
	})

	It("resolves an active alert once its condition clears", func() {
		mgr.AddAlert(&AlertDef{ID: "resolve_alert", MetricName: "queue.depth", Condition: "> 100",
			ThresholdValue: 100, Enabled: true, Severity: SeverityWarning})
		sink.Gauge("queue.depth", 500, nil)
		Expect(mgr.evaluateOne(context.Background(), mustGet(mgr, "resolve_alert"))).To(Succeed())
		Expect(mustGet(mgr, "resolve_alert").active).To(BeTrue())

		sink.Gauge("queue.depth", 10, nil)
		Expect(mgr.evaluateOne(context.Background(), mustGet(mgr, "resolve_alert"))).To(Succeed())
		Expect(mustGet(mgr, "resolve_alert").active).To(BeFalse())
	})

	It("dispatches registered notification handlers on trigger", func() {
		var fired bool
		mgr.RegisterHandler("test_channel", func(ctx context.Context, a *AlertDef, value float64, resolved bool) error {
			fired = true
			return nil
		})
		mgr.AddAlert(&AlertDef{ID: "notify_alert", MetricName: "queue.depth", Condition: "> 100",
			ThresholdValue: 100, Enabled: true, Severity: SeverityWarning,
			NotificationChannels: []string{"test_channel"}})
		sink.Gauge("queue.depth", 500, nil)
		Expect(mgr.evaluateOne(context.Background(), mustGet(mgr, "notify_alert"))).To(Succeed())
		Expect(fired).To(BeTrue())
	})
})

func mustGet(m *AlertManager, id string) *AlertDef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[id]
}
