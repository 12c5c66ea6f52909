package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const (
	defaultMaxMonthsFactor      = 12
	defaultPerformanceTolerance = 3
	defaultFailureTolerance     = 3
	defaultStatisticsRange      = 24 * time.Hour

	maxSeriesSlots = 200_000
	maxBucketWidth = math.MaxInt64 / time.Minute * time.Minute
)

// TelemetryReader supplies raw probe results for a time range.
type TelemetryReader interface {
	ReadRange(ctx context.Context, eserviceRecordID int64, start, end time.Time) ([]models.RawTelemetryPoint, error)
}

// AggregatorConfig tunes bucket sizing and failure thresholds.
type AggregatorConfig struct {
	MaxMonthsFactor      int
	PerformanceTolerance int
	FailureTolerance     int
	DefaultRange         time.Duration
	Now                  func() time.Time
	// OnSkip is called once per discarded raw point.
	OnSkip func()
}

// TelemetryAggregator turns raw probe results into a bounded, gap-free statistics series.
type TelemetryAggregator struct {
	reader TelemetryReader
	cfg    AggregatorConfig
	logger *slog.Logger
}

// NewTelemetryAggregator constructs an aggregator over reader.
func NewTelemetryAggregator(logger *slog.Logger, reader TelemetryReader, cfg AggregatorConfig) *TelemetryAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMonthsFactor < 1 {
		cfg.MaxMonthsFactor = defaultMaxMonthsFactor
	}
	if cfg.PerformanceTolerance < 1 {
		cfg.PerformanceTolerance = defaultPerformanceTolerance
	}
	if cfg.FailureTolerance < 1 {
		cfg.FailureTolerance = defaultFailureTolerance
	}
	if cfg.DefaultRange <= 0 {
		cfg.DefaultRange = defaultStatisticsRange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnSkip == nil {
		cfg.OnSkip = func() {}
	}
	return &TelemetryAggregator{reader: reader, cfg: cfg, logger: logger}
}

// ResolveRange returns the requested range or the default window ending now.
func (a *TelemetryAggregator) ResolveRange(req models.StatisticsRequest) models.TimeRange {
	if req.Range != nil {
		return models.TimeRange{Start: req.Range.Start.UTC(), End: req.Range.End.UTC()}
	}
	end := a.cfg.Now().UTC()
	return models.TimeRange{Start: end.Add(-a.cfg.DefaultRange), End: end}
}

// Aggregate reads the points of req's range and derives performances, failures and percentages.
func (a *TelemetryAggregator) Aggregate(ctx context.Context, req models.StatisticsRequest) (models.Statistics, error) {
	if req.PollingFrequencyMinutes < 1 || req.PollingFrequencyMinutes > models.MaxPollingFrequencyMinutes {
		return models.Statistics{}, utils.Validation("aggregate",
			fmt.Sprintf("pollingFrequency must be between 1 and %d", models.MaxPollingFrequencyMinutes))
	}
	rng := a.ResolveRange(req)
	if rng.End.Before(rng.Start) {
		return models.Statistics{}, utils.Validation("aggregate", "endDate must not precede startDate")
	}
	if a.reader == nil {
		return models.Statistics{}, errors.New("aggregate: telemetry reader not configured")
	}

	width := BucketWidth(req.PollingFrequencyMinutes, rng.Days(), a.cfg.MaxMonthsFactor)

	raw, err := a.reader.ReadRange(ctx, req.EserviceRecordID, rng.Start, rng.End)
	if err != nil {
		if utils.KindOf(err) == utils.KindUpstream {
			return models.Statistics{}, err
		}
		return models.Statistics{}, utils.Upstream("aggregate.read", err)
	}

	points, skipped := a.parsePoints(req.EserviceRecordID, raw)
	windows, err := BuildSeries(points, rng, width)
	if err != nil {
		return models.Statistics{}, err
	}

	stats := models.Statistics{
		Performances: Performances(windows, a.cfg.PerformanceTolerance),
		Failures:     Failures(windows, a.cfg.FailureTolerance),
		Percentages:  Percentages(points),
		Windows:      windows,
		Skipped:      skipped,
	}
	a.logger.Debug("statistics aggregated",
		slog.Int64("eservice_record_id", req.EserviceRecordID),
		slog.String("range", describeRange(rng)),
		slog.Duration("bucket_width", width),
		slog.Int("points", len(points)),
		slog.Int("windows", len(windows)),
		slog.Int("skipped", skipped),
	)
	return stats, nil
}

func (a *TelemetryAggregator) parsePoints(recordID int64, raw []models.RawTelemetryPoint) ([]models.TelemetryPoint, int) {
	points := make([]models.TelemetryPoint, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		ts, err := utils.ParseISO8601(r.Time)
		if err != nil {
			skipped++
			a.cfg.OnSkip()
			a.logger.Warn("skipping telemetry point with unparsable time",
				slog.Int64("eservice_record_id", recordID), slog.String("time", r.Time))
			continue
		}
		status, err := models.ParseTelemetryStatus(r.Status)
		if err != nil {
			skipped++
			a.cfg.OnSkip()
			a.logger.Warn("skipping telemetry point with unknown status",
				slog.Int64("eservice_record_id", recordID), slog.String("status", r.Status))
			continue
		}
		points = append(points, models.TelemetryPoint{Time: ts, Status: status, ResponseTimeMillis: r.ResponseTimeMillis})
	}
	return points, skipped
}

// BucketWidth scales the polling frequency by the number of months the range spans,
// plus one, capped at maxMonthsFactor. The result saturates at maxBucketWidth.
func BucketWidth(pollingFrequencyMinutes int, rangeDays float64, maxMonthsFactor int) time.Duration {
	factor := int64(maxMonthsFactor)
	if months := math.Round(rangeDays / 30); months+1 < float64(maxMonthsFactor) {
		factor = int64(months) + 1
	}
	if factor < 1 {
		factor = 1
	}
	freq := int64(pollingFrequencyMinutes)
	if freq < 1 {
		freq = 1
	}
	const maxMinutes = int64(maxBucketWidth / time.Minute)
	if freq > maxMinutes/factor {
		return maxBucketWidth
	}
	return time.Duration(freq*factor) * time.Minute
}

type bucket struct {
	latencySum   float64
	samples      int
	statusCounts map[models.TelemetryStatus]int
}

// BuildSeries assigns points to width-sized windows and materialises every window
// from the start of the range through its end, empty ones included. It refuses a
// width under a millisecond and any range that would need more than maxSeriesSlots windows.
func BuildSeries(points []models.TelemetryPoint, rng models.TimeRange, width time.Duration) ([]models.TimeWindowStatistic, error) {
	const op = "aggregate.series"
	if width < time.Millisecond {
		return nil, utils.Validation(op, fmt.Sprintf("bucket width must be at least 1ms, got %s", width))
	}
	first := utils.FloorTime(rng.Start, width)
	if rng.End.Before(first) {
		return []models.TimeWindowStatistic{}, nil
	}
	slots := int64(rng.End.Sub(first)/width) + 1
	if slots > maxSeriesSlots {
		return nil, utils.Validation(op, fmt.Sprintf("range needs %d windows of %s, more than the limit of %d", slots, width, maxSeriesSlots))
	}

	buckets := make(map[int64]*bucket)
	for _, p := range points {
		key := utils.FloorTime(p.Time, width).UnixMilli()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{statusCounts: make(map[models.TelemetryStatus]int)}
			buckets[key] = b
		}
		b.statusCounts[p.Status]++
		if p.ResponseTimeMillis != nil && *p.ResponseTimeMillis > 0 {
			b.latencySum += *p.ResponseTimeMillis
			b.samples++
		}
	}

	series := make([]models.TimeWindowStatistic, 0, slots)
	for i := int64(0); i < slots; i++ {
		t := first.Add(time.Duration(i) * width)
		stat := models.TimeWindowStatistic{
			WindowStart:    t,
			DominantStatus: models.TelemetryStatusND,
			StatusCounts:   map[models.TelemetryStatus]int{},
		}
		if b, ok := buckets[t.UnixMilli()]; ok {
			stat.StatusCounts = b.statusCounts
			stat.SampleCount = b.samples
			stat.DominantStatus = DominantStatus(b.statusCounts)
			if b.samples > 0 {
				avg := b.latencySum / float64(b.samples)
				stat.AverageResponseTime = &avg
			}
		}
		series = append(series, stat)
	}
	return series, nil
}

// DominantStatus is the most frequent status; ties go to OK, then KO, then N_D.
func DominantStatus(counts map[models.TelemetryStatus]int) models.TelemetryStatus {
	dominant := models.TelemetryStatusND
	best := 0
	for _, status := range models.TelemetryStatuses {
		if c := counts[status]; c > best {
			dominant, best = status, c
		}
	}
	return dominant
}

// crossesTolerance applies the shared threshold rule: below tolerance observations a
// single hit counts, otherwise hits must reach observations/tolerance.
func crossesTolerance(hits, observations, tolerance int) bool {
	if hits == 0 {
		return false
	}
	if observations < tolerance {
		return true
	}
	return float64(hits) >= float64(observations)/float64(tolerance)
}

// Performances emits one latency point per window, forced to zero when failures
// dominate the window's samples.
func Performances(windows []models.TimeWindowStatistic, performanceTolerance int) []models.Performance {
	out := make([]models.Performance, 0, len(windows))
	for _, w := range windows {
		perf := models.Performance{Time: utils.FormatISO8601(w.WindowStart), ResponseTime: w.AverageResponseTime}
		failed := w.StatusCounts[models.TelemetryStatusKO] + w.StatusCounts[models.TelemetryStatusND]
		if crossesTolerance(failed, w.SampleCount, performanceTolerance) {
			zero := 0.0
			perf.ResponseTime = &zero
		}
		out = append(out, perf)
	}
	return out
}

// Failures marks each window where KO or N_D crossed failureTolerance.
func Failures(windows []models.TimeWindowStatistic, failureTolerance int) []models.Failure {
	out := make([]models.Failure, 0)
	for _, w := range windows {
		total := w.PointCount()
		for _, status := range models.FailureStatuses {
			if crossesTolerance(w.StatusCounts[status], total, failureTolerance) {
				out = append(out, models.Failure{Status: status, Time: utils.FormatISO8601(w.WindowStart)})
			}
		}
	}
	return out
}

// Percentages reports the share of each status over all points, in 0-100 with two
// decimals. Rounding uses largest remainder so non-empty sets sum to exactly 100.
func Percentages(points []models.TelemetryPoint) []models.Percentage {
	counts := make(map[models.TelemetryStatus]int, len(models.TelemetryStatuses))
	for _, p := range points {
		counts[p.Status]++
	}
	out := make([]models.Percentage, len(models.TelemetryStatuses))
	for i, status := range models.TelemetryStatuses {
		out[i] = models.Percentage{Status: status}
	}
	total := len(points)
	if total == 0 {
		return out
	}

	const scale = 10000
	units := make([]int, len(models.TelemetryStatuses))
	remainders := make([]int, len(models.TelemetryStatuses))
	assigned := 0
	for i, status := range models.TelemetryStatuses {
		units[i] = counts[status] * scale / total
		remainders[i] = counts[status] * scale % total
		assigned += units[i]
	}
	order := make([]int, len(units))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return remainders[order[a]] > remainders[order[b]] })
	for i := 0; i < scale-assigned; i++ {
		units[order[i%len(order)]]++
	}
	for i := range out {
		out[i].Value = float64(units[i]) / 100
	}
	return out
}

func describeRange(r models.TimeRange) string {
	return fmt.Sprintf("[%s, %s]", utils.FormatISO8601(r.Start), utils.FormatISO8601(r.End))
}
