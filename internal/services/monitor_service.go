package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/miradorstack/eservice-monitor/internal/cache"
	"github.com/miradorstack/eservice-monitor/internal/engine"
	"github.com/miradorstack/eservice-monitor/internal/metrics"
	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const (
	defaultPollingFrequency = 5
	defaultCandidateBatch   = 200
	defaultMaxRangeDays     = 366
)

// ProbeFactStore is the storage surface the service needs for probe facts.
type ProbeFactStore interface {
	Register(ctx context.Context, fact models.ProbeFact) (int64, error)
	Get(ctx context.Context, id int64) (models.ProbeFact, error)
	ListCandidates(ctx context.Context, afterID int64, limit int) ([]models.ProbeFact, error)
	UpdateProbing(ctx context.Context, id int64, enabled bool) error
	UpdateState(ctx context.Context, id int64, state models.InteropState) error
	UpdateFrequency(ctx context.Context, id int64, upd models.FrequencyUpdate) error
	RecordRequest(ctx context.Context, id int64, at time.Time) error
	RecordResponse(ctx context.Context, id int64, at time.Time, status models.ResponseStatus) error
	Delete(ctx context.Context, id int64) error
}

// TelemetryStore appends probe results and serves ranged reads.
type TelemetryStore interface {
	engine.TelemetryReader
	Append(ctx context.Context, eserviceRecordID int64, point models.TelemetryPoint) error
}

// Options tunes MonitorService. Zero values fall back to defaults.
type Options struct {
	MaxRangeDays   int
	StatisticsTTL  time.Duration
	CandidateBatch int
	Now            func() time.Time
	Tracer         trace.Tracer
}

// MonitorService is the facade behind the HTTP API and the scheduler.
type MonitorService struct {
	logger     *slog.Logger
	facts      ProbeFactStore
	telemetry  TelemetryStore
	aggregator *engine.TelemetryAggregator
	classifier *engine.StateClassifier
	evaluator  *engine.AdmissionEvaluator
	cache      cache.Provider
	tracer     trace.Tracer
	opts       Options
}

// NewMonitorService wires the engine components to their stores.
func NewMonitorService(
	logger *slog.Logger,
	facts ProbeFactStore,
	telemetry TelemetryStore,
	aggregator *engine.TelemetryAggregator,
	classifier *engine.StateClassifier,
	evaluator *engine.AdmissionEvaluator,
	cacheProvider cache.Provider,
	opts Options,
) *MonitorService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if opts.MaxRangeDays < 1 {
		opts.MaxRangeDays = defaultMaxRangeDays
	}
	if opts.CandidateBatch < 1 {
		opts.CandidateBatch = defaultCandidateBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &MonitorService{
		logger:     logger,
		facts:      facts,
		telemetry:  telemetry,
		aggregator: aggregator,
		classifier: classifier,
		evaluator:  evaluator,
		cache:      cacheProvider,
		tracer:     tracer,
		opts:       opts,
	}
}

// GetStatistics aggregates the telemetry of one version. Explicit ranges are cached.
func (s *MonitorService) GetStatistics(ctx context.Context, req models.StatisticsRequest) (stats models.Statistics, err error) {
	ctx, span := s.tracer.Start(ctx, "MonitorService.GetStatistics", trace.WithAttributes(
		attribute.Int64("eservice.record_id", req.EserviceRecordID),
		attribute.Int("eservice.polling_frequency", req.PollingFrequencyMinutes),
		attribute.Bool("statistics.default_range", req.Range == nil),
	))
	start := time.Now()
	defer func() {
		metrics.ObserveStatistics(time.Since(start), err)
		endSpan(span, err)
	}()

	if err := s.validateStatistics(req); err != nil {
		return models.Statistics{}, err
	}
	if _, err := s.facts.Get(ctx, req.EserviceRecordID); err != nil {
		return models.Statistics{}, err
	}

	key := s.statisticsKey(req)
	if key != "" {
		if cached, ok := s.cachedStatistics(ctx, key); ok {
			span.SetAttributes(attribute.Bool("statistics.cache_hit", true))
			return cached, nil
		}
	}

	stats, err = s.aggregator.Aggregate(ctx, req)
	if err != nil {
		s.logger.Warn("statistics aggregation failed",
			slog.Int64("eservice_record_id", req.EserviceRecordID), slog.Any("error", err))
		return models.Statistics{}, err
	}
	if stats.Skipped > 0 {
		span.SetAttributes(attribute.Int("statistics.skipped_samples", stats.Skipped))
	}
	span.SetAttributes(attribute.Int("statistics.windows", len(stats.Windows)))

	if key != "" && s.opts.StatisticsTTL > 0 {
		s.storeStatistics(ctx, key, stats)
	}
	return stats, nil
}

func (s *MonitorService) validateStatistics(req models.StatisticsRequest) error {
	if req.EserviceRecordID < 1 {
		return utils.Validation("statistics", "eserviceRecordId must be a positive integer")
	}
	if err := checkFrequency("statistics", req.PollingFrequencyMinutes); err != nil {
		return err
	}
	if req.Range == nil {
		return nil
	}
	if req.Range.End.Before(req.Range.Start) {
		return utils.Validation("statistics", "endDate must not precede startDate")
	}
	if days := req.Range.Days(); days > float64(s.opts.MaxRangeDays) {
		return utils.Validation("statistics", fmt.Sprintf("range of %.1f days exceeds the maximum of %d", days, s.opts.MaxRangeDays))
	}
	return nil
}

func checkFrequency(op string, minutes int) error {
	if minutes < 1 || minutes > models.MaxPollingFrequencyMinutes {
		return utils.Validation(op, fmt.Sprintf("pollingFrequency must be between 1 and %d", models.MaxPollingFrequencyMinutes))
	}
	return nil
}

// statisticsKey is empty for requests whose result still depends on the clock.
func (s *MonitorService) statisticsKey(req models.StatisticsRequest) string {
	if req.Range == nil || req.Range.End.After(s.opts.Now()) {
		return ""
	}
	return fmt.Sprintf("statistics:%d:%d:%d:%d", req.EserviceRecordID, req.PollingFrequencyMinutes,
		req.Range.Start.UnixMilli(), req.Range.End.UnixMilli())
}

func (s *MonitorService) cachedStatistics(ctx context.Context, key string) (models.Statistics, bool) {
	payload, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("statistics cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		metrics.ObserveCache(false)
		return models.Statistics{}, false
	}
	var stats models.Statistics
	if err := json.Unmarshal(payload, &stats); err != nil {
		s.logger.Warn("discarding corrupt statistics cache entry", slog.String("key", key), slog.Any("error", err))
		metrics.ObserveCache(false)
		return models.Statistics{}, false
	}
	metrics.ObserveCache(true)
	return stats, true
}

func (s *MonitorService) storeStatistics(ctx context.Context, key string, stats models.Statistics) {
	payload, err := json.Marshal(stats)
	if err != nil {
		s.logger.Warn("encode statistics for cache", slog.Any("error", err))
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.opts.StatisticsTTL); err != nil {
		s.logger.Warn("statistics cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// GetStatus classifies the live state of one version.
func (s *MonitorService) GetStatus(ctx context.Context, id int64) (models.LiveStatus, error) {
	if id < 1 {
		return models.LiveStatus{}, utils.Validation("status", "eserviceRecordId must be a positive integer")
	}
	fact, err := s.facts.Get(ctx, id)
	if err != nil {
		return models.LiveStatus{}, err
	}
	state, err := s.classifier.Classify(fact)
	if err != nil {
		s.logger.Error("cannot classify probe fact",
			slog.Int64("eservice_record_id", id), slog.String("interop_state", string(fact.InteropState)), slog.Any("error", err))
		return models.LiveStatus{}, err
	}
	return models.LiveStatus{
		ProbingEnabled:   fact.ProbingEnabled,
		State:            state,
		EserviceActive:   fact.InteropState == models.InteropStateActive,
		ResponseReceived: fact.LastResponseAt,
	}, nil
}

// ReadySet evaluates admission for every candidate at one instant and returns the
// requested page along with the total number of admitted versions.
func (s *MonitorService) ReadySet(ctx context.Context, offset, limit int) (models.ReadyPage, error) {
	if offset < 0 {
		return models.ReadyPage{}, utils.Validation("ready", "offset must not be negative")
	}
	if limit < 1 {
		return models.ReadyPage{}, utils.Validation("ready", "limit must be at least 1")
	}

	now := s.opts.Now()
	page := models.ReadyPage{Content: make([]models.ProbeTarget, 0), Offset: offset, Limit: limit}
	var afterID int64
	for {
		batch, err := s.facts.ListCandidates(ctx, afterID, s.opts.CandidateBatch)
		if err != nil {
			return models.ReadyPage{}, err
		}
		for _, fact := range s.evaluator.Filter(batch, now) {
			if page.TotalElements >= offset && len(page.Content) < limit {
				page.Content = append(page.Content, fact.Target())
			}
			page.TotalElements++
		}
		if len(batch) < s.opts.CandidateBatch {
			return page, nil
		}
		afterID = batch[len(batch)-1].RecordID
	}
}

// MarkRequested records that a probe was dispatched to a version.
func (s *MonitorService) MarkRequested(ctx context.Context, id int64, at time.Time) error {
	return s.facts.RecordRequest(ctx, id, at)
}

// RecordProbeResult appends the telemetry of a probe and, if the version answered,
// stores it as the latest response.
func (s *MonitorService) RecordProbeResult(ctx context.Context, result models.ProbeResult) error {
	point := models.TelemetryPoint{Time: result.RequestedAt, Status: result.Status, ResponseTimeMillis: result.ResponseTimeMillis}
	if err := s.telemetry.Append(ctx, result.RecordID, point); err != nil {
		return err
	}
	if !result.Answered {
		return nil
	}
	status := models.ResponseStatusOK
	if result.Status != models.TelemetryStatusOK {
		status = models.ResponseStatusKO
	}
	return s.facts.RecordResponse(ctx, result.RecordID, result.RespondedAt, status)
}

// Register validates req and stores it as a new or replaced version.
func (s *MonitorService) Register(ctx context.Context, req models.RegisterRequest) (models.ProbeFact, error) {
	fact, err := factFromRequest(req)
	if err != nil {
		return models.ProbeFact{}, err
	}
	id, err := s.facts.Register(ctx, fact)
	if err != nil {
		return models.ProbeFact{}, err
	}
	s.logger.Info("e-service version registered",
		slog.Int64("eservice_record_id", id), slog.String("eservice_id", fact.EserviceID), slog.String("version_id", fact.VersionID))
	return s.facts.Get(ctx, id)
}

func factFromRequest(req models.RegisterRequest) (models.ProbeFact, error) {
	const op = "register"
	if strings.TrimSpace(req.EserviceID) == "" || strings.TrimSpace(req.VersionID) == "" {
		return models.ProbeFact{}, utils.Validation(op, "eserviceId and versionId are required")
	}
	if strings.TrimSpace(req.BasePath) == "" {
		return models.ProbeFact{}, utils.Validation(op, "basePath is required")
	}
	technology, err := models.ParseTechnology(req.Technology)
	if err != nil {
		return models.ProbeFact{}, utils.Validation(op, err.Error())
	}
	state := models.InteropStateActive
	if req.State != "" {
		if state, err = models.ParseInteropState(req.State); err != nil {
			return models.ProbeFact{}, utils.Validation(op, err.Error())
		}
	}
	frequency := req.PollingFrequencyMinutes
	if frequency == 0 {
		frequency = defaultPollingFrequency
	}
	window, err := parseWindow(op, req.PollingStartTime, req.PollingEndTime)
	if err != nil {
		return models.ProbeFact{}, err
	}
	if err := checkFrequency(op, frequency); err != nil {
		return models.ProbeFact{}, err
	}
	enabled := true
	if req.ProbingEnabled != nil {
		enabled = *req.ProbingEnabled
	}
	return models.ProbeFact{
		EserviceID:              req.EserviceID,
		VersionID:               req.VersionID,
		EserviceName:            req.EserviceName,
		Technology:              technology,
		BasePath:                req.BasePath,
		Audience:                req.Audience,
		InteropState:            state,
		ProbingEnabled:          enabled,
		PollingFrequencyMinutes: frequency,
		PollingWindow:           window,
	}, nil
}

func parseWindow(op, start, end string) (models.PollingWindow, error) {
	if start == "" && end == "" {
		return models.FullDayWindow, nil
	}
	if start == "" || end == "" {
		return models.PollingWindow{}, utils.Validation(op, "pollingStartTime and pollingEndTime must be provided together")
	}
	from, err := models.ParseTimeOfDay(start)
	if err != nil {
		return models.PollingWindow{}, utils.Validation(op, err.Error())
	}
	to, err := models.ParseTimeOfDay(end)
	if err != nil {
		return models.PollingWindow{}, utils.Validation(op, err.Error())
	}
	return models.PollingWindow{Start: from, End: to}, nil
}

// SetProbing enables or disables probing of a version.
func (s *MonitorService) SetProbing(ctx context.Context, id int64, enabled bool) error {
	if id < 1 {
		return utils.Validation("probing", "eserviceRecordId must be a positive integer")
	}
	return s.facts.UpdateProbing(ctx, id, enabled)
}

// SetState records a new interop state for a version.
func (s *MonitorService) SetState(ctx context.Context, id int64, raw string) error {
	if id < 1 {
		return utils.Validation("state", "eserviceRecordId must be a positive integer")
	}
	state, err := models.ParseInteropState(raw)
	if err != nil {
		return utils.Validation("state", err.Error())
	}
	return s.facts.UpdateState(ctx, id, state)
}

// SetFrequency changes the polling cadence and window of a version.
func (s *MonitorService) SetFrequency(ctx context.Context, id int64, frequency int, start, end string) error {
	const op = "frequency"
	if id < 1 {
		return utils.Validation(op, "eserviceRecordId must be a positive integer")
	}
	if err := checkFrequency(op, frequency); err != nil {
		return err
	}
	window, err := parseWindow(op, start, end)
	if err != nil {
		return err
	}
	return s.facts.UpdateFrequency(ctx, id, models.FrequencyUpdate{PollingFrequencyMinutes: frequency, PollingWindow: window})
}

// Deregister removes a version. Its telemetry history is kept.
func (s *MonitorService) Deregister(ctx context.Context, id int64) error {
	if id < 1 {
		return utils.Validation("deregister", "eserviceRecordId must be a positive integer")
	}
	if err := s.facts.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("e-service version deregistered", slog.Int64("eservice_record_id", id))
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, utils.Message(err))
		span.SetAttributes(attribute.String("error.kind", string(utils.KindOf(err))))
	}
	span.End()
}
