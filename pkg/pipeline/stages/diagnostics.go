package stages

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

const (
	alertErrorRateThreshold      = 0.1
	alertProcessingTimeThreshold = 300 * time.Second
	alertSuccessRateThreshold    = 0.8
)

// Diagnostics is Stage 8: the terminal stage. It never drops an article;
// it aggregates distributions and per-stage performance over the batch
// and persists them, then raises alerts when the batch's aggregate
// health crosses a threshold.
type Diagnostics struct {
	diagnostics *storage.DiagnosticsRepository
	alerts      *storage.AlertRepository
	sink        *metrics.Sink
	log         *logrus.Entry
}

// NewDiagnostics constructs Stage 8.
func NewDiagnostics(diagnostics *storage.DiagnosticsRepository, alerts *storage.AlertRepository, sink *metrics.Sink, log *logrus.Entry) *Diagnostics {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Diagnostics{diagnostics: diagnostics, alerts: alerts, sink: sink, log: log.WithField("stage", "diagnostics")}
}

func (s *Diagnostics) Name() string { return "diagnostics" }

func (s *Diagnostics) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	now := time.Now().UTC()

	for _, name := range model.StageNames {
		m, ok := pctx.StageMetrics[name]
		if !ok {
			continue
		}
		d := storage.StageDiagnostic{
			BatchID:     pctx.BatchID,
			Stage:       name,
			In:          m.In,
			Out:         m.Out,
			Rejected:    m.Rejected,
			Errors:      m.Errors,
			SuccessRate: m.SuccessRate,
			DurationMs:  pctx.StageTimings[name].Milliseconds(),
			RecordedAt:  now,
		}
		if err := s.diagnostics.Insert(ctx, d); err != nil {
			return nil, err
		}
	}

	// This stage's own row is recorded separately, since the Runner records
	// pctx.StageMetrics for a stage only after it returns; it carries the
	// batch-wide distributions the per-stage rows above don't have room for.
	terminal := storage.StageDiagnostic{
		BatchID:     pctx.BatchID,
		Stage:       s.Name(),
		In:          len(articles),
		Out:         len(articles),
		SuccessRate: 1.0,
		Detail:      stageDetail(articles),
		RecordedAt:  now,
	}
	if err := s.diagnostics.Insert(ctx, terminal); err != nil {
		return nil, err
	}

	initialTotal := 0
	if m, ok := pctx.StageMetrics[model.StageNames[0]]; ok {
		initialTotal = m.In
	}

	totalErrors := 0
	var totalDuration time.Duration
	for _, m := range pctx.StageMetrics {
		totalErrors += m.Errors
	}
	for _, d := range pctx.StageTimings {
		totalDuration += d
	}

	errorRate := 0.0
	if initialTotal > 0 {
		errorRate = float64(totalErrors) / float64(initialTotal)
	}
	successRate := 1.0
	if initialTotal > 0 {
		successRate = float64(len(articles)) / float64(initialTotal)
	}

	if s.sink != nil {
		s.sink.Gauge("pipeline.diagnostics.error_rate", errorRate, nil)
		s.sink.Gauge("pipeline.diagnostics.success_rate", successRate, nil)
		s.sink.Gauge("pipeline.diagnostics.quality_score_p50", percentile(qualityScores(articles), 50), nil)
	}

	if err := s.checkAlerts(ctx, pctx.BatchID, errorRate, successRate, totalDuration, now); err != nil {
		return nil, err
	}

	return articles, nil
}

func (s *Diagnostics) checkAlerts(ctx context.Context, batchID string, errorRate, successRate float64, duration time.Duration, at time.Time) error {
	if errorRate > alertErrorRateThreshold {
		if err := s.alerts.Upsert(ctx, "pipeline.high_error_rate", "warning",
			"batch "+batchID+" error rate above threshold", at); err != nil {
			return err
		}
	}
	if duration > alertProcessingTimeThreshold {
		if err := s.alerts.Upsert(ctx, "pipeline.slow_batch", "warning",
			"batch "+batchID+" processing time above threshold", at); err != nil {
			return err
		}
	}
	if successRate < alertSuccessRateThreshold {
		if err := s.alerts.Upsert(ctx, "pipeline.low_success_rate", "critical",
			"batch "+batchID+" success rate below threshold", at); err != nil {
			return err
		}
	}
	return nil
}

// stageDetail summarizes the batch's final surviving set: status,
// language, category, and domain distributions plus quality-score
// percentiles. Earlier stages' per-stage rows carry only raw counts,
// since their dropped articles' pointers aren't retained past the
// Runner's per-stage loop.
func stageDetail(survivors []*model.RawArticle) map[string]any {
	return map[string]any{
		"status_distribution":   distribution(survivors, func(a *model.RawArticle) string { return string(a.Status) }),
		"language_distribution": distribution(survivors, func(a *model.RawArticle) string { return a.Language }),
		"category_distribution": distribution(survivors, func(a *model.RawArticle) string { return a.Category }),
		"domain_distribution":   distribution(survivors, func(a *model.RawArticle) string { return extractDomain(a.CanonicalURL) }),
		"quality_score_p25":     percentile(qualityScores(survivors), 25),
		"quality_score_p50":     percentile(qualityScores(survivors), 50),
		"quality_score_p75":     percentile(qualityScores(survivors), 75),
		"quality_score_p95":     percentile(qualityScores(survivors), 95),
	}
}

func distribution(articles []*model.RawArticle, key func(*model.RawArticle) string) map[string]int {
	out := make(map[string]int)
	for _, a := range articles {
		k := key(a)
		if k == "" {
			k = "unknown"
		}
		out[k]++
	}
	return out
}

func qualityScores(articles []*model.RawArticle) []float64 {
	out := make([]float64, len(articles))
	for i, a := range articles {
		out[i] = a.QualityScore
	}
	return out
}

// percentile returns the p-th percentile (0-100) of values using
// linear interpolation between the two closest ranks. values need not be
// pre-sorted.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	rank := (p / 100.0) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
