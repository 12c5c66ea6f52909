package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/miradorstack/eservice-monitor/internal/metrics"
	"github.com/miradorstack/eservice-monitor/internal/models"
)

const (
	defaultSchedule     = "@every 1m"
	defaultPageSize     = 100
	defaultMaxWorkers   = 16
	defaultProbeTimeout = 10 * time.Second
)

// Monitor is the part of the monitor service a probe cycle drives.
type Monitor interface {
	ReadySet(ctx context.Context, offset, limit int) (models.ReadyPage, error)
	MarkRequested(ctx context.Context, id int64, at time.Time) error
	RecordProbeResult(ctx context.Context, result models.ProbeResult) error
}

// Prober performs one probe. It never fails: transport problems are reported
// as an unanswered N_D result.
type Prober interface {
	Probe(ctx context.Context, target models.ProbeTarget) models.ProbeResult
}

// Config controls cadence and concurrency of probe cycles.
type Config struct {
	Schedule     string
	PageSize     int
	MaxWorkers   int
	ProbeTimeout time.Duration
	Now          func() time.Time
	Tracer       trace.Tracer
}

// CycleReport summarises one probe cycle.
type CycleReport struct {
	CycleID    string
	Admitted   int
	Dispatched int
	Failed     int
	Duration   time.Duration
	Latency    LatencySummary
}

// Scheduler runs a probe cycle on a cron schedule. A tick that fires while the
// previous cycle is still running is skipped.
type Scheduler struct {
	logger  *slog.Logger
	monitor Monitor
	prober  Prober
	cfg     Config
	pool    pond.Pool
	cron    *cron.Cron

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopPool sync.Once
}

// New validates the schedule and prepares the worker pool.
func New(logger *slog.Logger, monitor Monitor, prober Prober, cfg Config) (*Scheduler, error) {
	if monitor == nil || prober == nil {
		return nil, errors.New("scheduler: monitor and prober are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}

	cronLogger := cronLogAdapter{logger: logger.With(slog.String("component", "cron"))}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s := &Scheduler{
		logger:  logger,
		monitor: monitor,
		prober:  prober,
		cfg:     cfg,
		pool:    pond.NewPool(cfg.MaxWorkers),
		cron:    c,
	}
	if _, err := c.AddFunc(cfg.Schedule, s.tick); err != nil {
		s.pool.StopAndWait()
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins firing cycles. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron.Start()
	s.logger.Info("probe scheduler started", slog.String("schedule", s.cfg.Schedule), slog.Int("max_workers", s.cfg.MaxWorkers))
}

// Stop cancels the running cycle, waits for it to return or ctx to expire, and
// releases the worker pool.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.stopPool.Do(s.pool.StopAndWait)
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("probe cycle failed", slog.Any("error", err))
	}
}

// RunOnce collects the whole ready set, then probes every admitted version on the
// worker pool. A failing task is logged and counted without affecting the others.
func (s *Scheduler) RunOnce(ctx context.Context) (report CycleReport, err error) {
	report.CycleID = uuid.NewString()
	ctx, span := s.cfg.Tracer.Start(ctx, "Scheduler.RunOnce", trace.WithAttributes(attribute.String("cycle.id", report.CycleID)))
	start := time.Now()
	logger := s.logger.With(slog.String("cycle_id", report.CycleID))
	defer func() {
		report.Duration = time.Since(start)
		metrics.ObserveCycle(report.Admitted, err)
		span.SetAttributes(
			attribute.Int("cycle.admitted", report.Admitted),
			attribute.Int("cycle.failed", report.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	targets, err := s.collect(ctx)
	if err != nil {
		return report, err
	}
	report.Admitted = len(targets)
	if len(targets) == 0 {
		logger.Debug("no versions ready for probing")
		return report, nil
	}

	var (
		failed    atomic.Int64
		latencies cycleLatencies
	)
	group := s.pool.NewGroup()
	for _, target := range targets {
		group.Submit(func() {
			select {
			case <-ctx.Done():
				failed.Add(1)
				return
			default:
			}
			if !s.probe(ctx, logger, target, &latencies) {
				failed.Add(1)
			}
		})
	}
	report.Dispatched = len(targets)
	if err := group.Wait(); err != nil {
		logger.Warn("probe cycle interrupted", slog.Any("error", err))
	}
	report.Failed = int(failed.Load())
	report.Latency = latencies.summary()

	logger.Info("probe cycle completed",
		slog.Int("admitted", report.Admitted),
		slog.Int("dispatched", report.Dispatched),
		slog.Int("failed", report.Failed),
		slog.Int("answered", report.Latency.Answered),
		slog.Duration("latency_p95", report.Latency.P95),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (s *Scheduler) collect(ctx context.Context) ([]models.ProbeTarget, error) {
	var targets []models.ProbeTarget
	offset := 0
	for {
		page, err := s.monitor.ReadySet(ctx, offset, s.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("read ready set at offset %d: %w", offset, err)
		}
		targets = append(targets, page.Content...)
		offset += s.cfg.PageSize
		if offset >= page.TotalElements || len(page.Content) == 0 {
			return targets, nil
		}
	}
}

func (s *Scheduler) probe(ctx context.Context, logger *slog.Logger, target models.ProbeTarget, latencies *cycleLatencies) bool {
	logger = logger.With(slog.Int64("eservice_record_id", target.RecordID))
	requestedAt := s.cfg.Now()
	if err := s.monitor.MarkRequested(ctx, target.RecordID, requestedAt); err != nil {
		metrics.IncProbeTaskFailure()
		logger.Warn("cannot record probe request", slog.Any("error", err))
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	result := s.prober.Probe(probeCtx, target)
	cancel()
	result.RecordID = target.RecordID
	result.RequestedAt = requestedAt

	var latency time.Duration
	if result.ResponseTimeMillis != nil {
		latency = time.Duration(*result.ResponseTimeMillis * float64(time.Millisecond))
	}
	if result.Answered {
		latencies.observe(latency)
	}
	metrics.ObserveProbe(string(target.Technology), string(result.Status), latency)

	if err := s.monitor.RecordProbeResult(ctx, result); err != nil {
		metrics.IncProbeTaskFailure()
		logger.Warn("cannot record probe result", slog.String("status", string(result.Status)), slog.Any("error", err))
		return false
	}
	logger.Debug("probe recorded", slog.String("status", string(result.Status)), slog.Bool("answered", result.Answered))
	return true
}

// cronLogAdapter routes cron's key/value logging into slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
