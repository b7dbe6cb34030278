// Package pipeline runs a batch's articles through the ordered stage
// sequence named by model.StageNames.
package pipeline

import "time"

// StageMetrics summarizes one stage's pass over a batch.
type StageMetrics struct {
	In          int
	Out         int
	Rejected    int
	Errors      int
	SuccessRate float64
}

// Context carries cross-stage bookkeeping through a single batch run. It
// is not safe for concurrent mutation from multiple stages; the Runner
// owns it and stages run one at a time.
type Context struct {
	BatchID           string
	WorkerID          string
	CorrelationID     string
	TraceID           string
	ProcessingVersion string
	StartedAt         time.Time

	StageTimings map[string]time.Duration
	StageMetrics map[string]StageMetrics
}

// NewContext constructs a Context with its maps initialized.
func NewContext(batchID, workerID, correlationID, traceID, processingVersion string, startedAt time.Time) *Context {
	return &Context{
		BatchID:           batchID,
		WorkerID:          workerID,
		CorrelationID:     correlationID,
		TraceID:           traceID,
		ProcessingVersion: processingVersion,
		StartedAt:         startedAt,
		StageTimings:      make(map[string]time.Duration),
		StageMetrics:      make(map[string]StageMetrics),
	}
}

func (c *Context) recordStage(name string, d time.Duration, in, out, rejected, errs int) {
	c.StageTimings[name] = d
	sr := 1.0
	if in > 0 {
		sr = float64(out) / float64(in)
	}
	c.StageMetrics[name] = StageMetrics{In: in, Out: out, Rejected: rejected, Errors: errs, SuccessRate: sr}
}
