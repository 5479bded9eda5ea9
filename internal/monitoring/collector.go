// Package monitoring collects job metrics, evaluates alert thresholds and
// runs the periodic health check.
package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/resilience"
	"github.com/sells-group/whale-analyst/internal/store"
)

// scanLimit caps how many jobs one snapshot inspects per status.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsPending   int     `json:"jobs_pending"`
	JobsRunning   int     `json:"jobs_running"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
	AvgTokens     int64   `json:"avg_tokens"`
	// PartialContext counts completed jobs that carried limitations.
	PartialContext int `json:"partial_context"`

	ByProvider     map[string]int `json:"by_provider,omitempty"`
	FailureClasses map[string]int `json:"failure_classes,omitempty"`

	// StuckRunning counts running jobs not updated within the stale window.
	StuckRunning int `json:"stuck_running"`

	// Dispatcher state, when known.
	QueueRunning int64 `json:"queue_running"`
	QueueWaiting int64 `json:"queue_waiting"`

	Breakers []resilience.BreakerStatus `json:"breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// QueueStats reports dispatcher load. *job.Dispatcher satisfies it.
type QueueStats interface {
	Stats() (running, waiting int64)
}

// Collector gathers metrics from the job store.
type Collector struct {
	store      store.Store
	queue      QueueStats
	breakers   *resilience.ServiceBreakers
	staleAfter time.Duration
	now        func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithQueue adds dispatcher load to snapshots.
func WithQueue(q QueueStats) CollectorOption {
	return func(c *Collector) { c.queue = q }
}

// WithBreakers adds provider circuit states to snapshots.
func WithBreakers(sb *resilience.ServiceBreakers) CollectorOption {
	return func(c *Collector) { c.breakers = sb }
}

// WithStaleAfter sets the age past which a running job counts as stuck.
func WithStaleAfter(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:      st,
		staleAfter: 30 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.CountByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	snap.JobsPending = counts[model.JobStatusPending]
	snap.JobsRunning = counts[model.JobStatusRunning]
	snap.JobsCompleted = counts[model.JobStatusCompleted]
	snap.JobsFailed = counts[model.JobStatusFailed]
	snap.JobsTotal = snap.JobsPending + snap.JobsRunning + snap.JobsCompleted + snap.JobsFailed
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.FailRate = float64(snap.JobsFailed) / float64(finished)
	}

	completed, err := c.store.ListJobs(ctx, store.JobFilter{
		Status:       model.JobStatusCompleted,
		UpdatedSince: cutoff,
		Limit:        scanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list completed jobs")
	}
	var totalDuration, totalTokens int64
	for _, j := range completed {
		if j.Result == nil {
			continue
		}
		meta := j.Result.Metadata
		snap.CostUSD += meta.EstimatedCostUSD
		totalDuration += meta.DurationMs
		totalTokens += meta.InputTokens + meta.OutputTokens
		if len(meta.Limitations) > 0 {
			snap.PartialContext++
		}
		if meta.Provider != "" {
			if snap.ByProvider == nil {
				snap.ByProvider = make(map[string]int)
			}
			snap.ByProvider[meta.Provider]++
		}
	}
	if n := int64(len(completed)); n > 0 {
		snap.AvgDurationMs = totalDuration / n
		snap.AvgTokens = totalTokens / n
	}

	failed, err := c.store.ListJobs(ctx, store.JobFilter{
		Status:       model.JobStatusFailed,
		UpdatedSince: cutoff,
		Limit:        scanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed jobs")
	}
	for _, j := range failed {
		if snap.FailureClasses == nil {
			snap.FailureClasses = make(map[string]int)
		}
		snap.FailureClasses[failureClass(j.FailureReason)]++
	}

	stuck, err := c.store.ListJobs(ctx, store.JobFilter{
		Status:        model.JobStatusRunning,
		UpdatedBefore: now.Add(-c.staleAfter),
		Limit:         scanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stuck jobs")
	}
	snap.StuckRunning = len(stuck)

	if c.queue != nil {
		snap.QueueRunning, snap.QueueWaiting = c.queue.Stats()
	}
	if c.breakers != nil {
		snap.Breakers = c.breakers.Snapshot()
	}

	return snap, nil
}

// failureClass returns the "<class>" prefix of a stored failure reason.
func failureClass(reason string) string {
	class, _, ok := strings.Cut(reason, ":")
	if !ok || class == "" {
		return "unknown"
	}
	return class
}
