// Package orchestrator fans a destination year out into month fetch tasks on
// a bounded worker pool and assembles the annual table.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/clock/system"
	"github.com/JakeFAU/stayprice-crawler/internal/id/uuid"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/progress"
	"github.com/JakeFAU/stayprice-crawler/internal/task"
)

const monthsPerYear = 12

// Fetcher produces one outcome per month request. Implementations must report
// failures as outcomes rather than panicking.
type Fetcher interface {
	Fetch(ctx context.Context, req task.Request) pricing.FetchOutcome
}

// Config holds run defaults.
type Config struct {
	// Workers is the default pool size (default 3).
	Workers int `mapstructure:"workers"`
	// StayDays is the default stay length in nights (default 7).
	StayDays int `mapstructure:"stay_days"`
	// ShutdownGrace bounds how long a canceled run waits for in-flight months
	// to release their browser sessions (default 15s).
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// Topic receives a snapshot notification after each successful run.
	Topic string `mapstructure:"topic"`
}

const (
	defaultWorkers       = 3
	defaultStayDays      = 7
	defaultShutdownGrace = 15 * time.Second
)

// Deps are the collaborators of an Orchestrator. Fetcher and Snapshots are
// required.
type Deps struct {
	Fetcher   Fetcher
	Snapshots pricing.SnapshotWriter
	Publisher pricing.Publisher
	Progress  progress.Emitter
	Clock     pricing.Clock
	IDs       pricing.IDGenerator
	Logger    *zap.Logger
}

// Result describes a settled run.
type Result struct {
	RunID      string
	Table      pricing.AnnualTable
	Snapshot   pricing.SnapshotRef
	Failed     []pricing.FetchOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Orchestrator runs annual fetches. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	snapshots pricing.SnapshotWriter
	publisher pricing.Publisher
	progress  progress.Emitter
	clock     pricing.Clock
	ids       pricing.IDGenerator
	logger    *zap.Logger
}

// New validates deps and applies config defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("orchestrator requires a fetcher")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("orchestrator requires a snapshot writer")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.StayDays <= 0 {
		cfg.StayDays = defaultStayDays
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		progress:  deps.Progress,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
	}, nil
}

// Normalize fills zero fields of req with defaults and validates it.
func (o *Orchestrator) Normalize(req pricing.RunRequest) (pricing.RunRequest, error) {
	if err := pricing.ValidateDestination(req.Destination); err != nil {
		return req, err
	}
	if req.Year == 0 {
		req.Year = o.clock.Now().Year()
	}
	if req.Year < 1 {
		return req, fmt.Errorf("%w: year %d", pricing.ErrInvalidKey, req.Year)
	}
	if req.StayDays == 0 {
		req.StayDays = o.cfg.StayDays
	}
	if req.StayDays < 1 {
		return req, fmt.Errorf("stay days must be >= 1, got %d", req.StayDays)
	}
	if req.Workers == 0 {
		req.Workers = o.cfg.Workers
	}
	if req.Workers < 1 {
		return req, fmt.Errorf("workers must be >= 1, got %d", req.Workers)
	}
	return req, nil
}

// Run fetches all twelve months of req.Year. It returns pricing.ErrTotalFailure
// when no month succeeded and the context error when the run was canceled;
// in both cases nothing is persisted.
func (o *Orchestrator) Run(ctx context.Context, req pricing.RunRequest) (Result, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate run id: %w", err)
	}
	return o.RunWithID(ctx, runID, req)
}

// RunWithID is Run with a caller-assigned run ID.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, req pricing.RunRequest) (Result, error) {
	req, err := o.Normalize(req)
	if err != nil {
		return Result{}, err
	}

	ctx, span := otel.Tracer("stayprice/orchestrator").Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.destination", req.Destination),
		attribute.Int("run.year", req.Year),
		attribute.Int("run.workers", req.Workers),
	)

	logger := o.logger.With(
		zap.String("run_id", runID),
		zap.String("destination", req.Destination),
		zap.Int("year", req.Year),
	)
	res := Result{RunID: runID, StartedAt: o.clock.Now()}
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, Destination: req.Destination, Year: req.Year})
	logger.Info("run started",
		zap.Int("workers", req.Workers),
		zap.Int("stay_days", req.StayDays),
		zap.Bool("force_refresh", req.ForceRefresh),
	)

	outcomes, err := o.collect(ctx, req, runID, logger)
	if err != nil {
		o.fail(span, &res, req, err, logger)
		return res, err
	}

	res.Table = pricing.AnnualTable{Destination: req.Destination, Year: req.Year}
	for _, out := range outcomes {
		if out.OK() {
			res.Table.Rows = append(res.Table.Rows, *out.Summary)
			continue
		}
		res.Failed = append(res.Failed, out)
	}
	slices.SortFunc(res.Table.Rows, func(a, b pricing.MonthSummary) int { return a.Month - b.Month })
	slices.SortFunc(res.Failed, func(a, b pricing.FetchOutcome) int { return a.Key.Month - b.Key.Month })

	if len(res.Table.Rows) == 0 {
		err := fmt.Errorf("%s %d: %w", req.Destination, req.Year, pricing.ErrTotalFailure)
		o.fail(span, &res, req, err, logger)
		return res, err
	}

	snap := pricing.Snapshot{RunID: runID, Table: res.Table, CreatedAt: res.StartedAt}
	ref, err := o.snapshots.Write(ctx, snap)
	if err != nil {
		err = fmt.Errorf("write snapshot: %w", err)
		o.fail(span, &res, req, err, logger)
		return res, err
	}
	res.Snapshot = ref
	res.FinishedAt = o.clock.Now()

	o.notify(ctx, res, logger)

	o.emit(progress.Event{
		RunID:       runID,
		Stage:       progress.StageRunDone,
		Destination: req.Destination,
		Year:        req.Year,
		Dur:         res.FinishedAt.Sub(res.StartedAt),
		Note:        ref.URI,
	})
	span.SetAttributes(attribute.Int("run.months", len(res.Table.Rows)))
	logger.Info("run finished",
		zap.Ints("months", res.Table.Months()),
		zap.Int("failed", len(res.Failed)),
		zap.String("snapshot", ref.URI),
	)
	return res, nil
}

// collect runs the worker pool and returns one outcome per month in
// completion order.
func (o *Orchestrator) collect(
	ctx context.Context,
	req pricing.RunRequest,
	runID string,
	logger *zap.Logger,
) ([]pricing.FetchOutcome, error) {
	keys := make(chan pricing.MonthKey, monthsPerYear)
	for month := 1; month <= monthsPerYear; month++ {
		keys <- pricing.MonthKey{Destination: req.Destination, Year: req.Year, Month: month}
	}
	close(keys)

	// Every key yields exactly one outcome, so sends never block.
	results := make(chan pricing.FetchOutcome, monthsPerYear)
	var wg sync.WaitGroup
	for i := 0; i < min(req.Workers, monthsPerYear); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keys {
				if err := ctx.Err(); err != nil {
					results <- pricing.Failure(key, pricing.ReasonCanceled, err)
					continue
				}
				results <- o.fetcher.Fetch(ctx, task.Request{
					Key:          key,
					StayDays:     req.StayDays,
					ForceRefresh: req.ForceRefresh,
				})
			}
		}()
	}
	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	outcomes := make([]pricing.FetchOutcome, 0, monthsPerYear)
	for len(outcomes) < monthsPerYear {
		select {
		case out := <-results:
			outcomes = append(outcomes, out)
			o.record(runID, req, out, logger)
		case <-ctx.Done():
			o.drain(settled, logger)
			return nil, fmt.Errorf("run canceled: %w", ctx.Err())
		}
	}
	// Outcomes can win the race against Done; a canceled run still persists nothing.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run canceled: %w", err)
	}
	return outcomes, nil
}

// drain gives in-flight months the configured grace to close their sessions.
func (o *Orchestrator) drain(settled <-chan struct{}, logger *zap.Logger) {
	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-settled:
		logger.Info("in-flight months settled after cancellation")
	case <-timer.C:
		logger.Error("in-flight months did not settle within grace period",
			zap.Duration("grace", o.cfg.ShutdownGrace),
		)
	}
}

func (o *Orchestrator) record(runID string, req pricing.RunRequest, out pricing.FetchOutcome, logger *zap.Logger) {
	evt := progress.Event{
		RunID:       runID,
		Destination: req.Destination,
		Year:        req.Year,
		Month:       out.Key.Month,
		FromCache:   out.FromCache,
		Attempts:    out.Attempts,
		Dur:         out.Duration,
	}
	if out.OK() {
		evt.Stage = progress.StageMonthDone
		evt.Samples = out.Summary.SampleSize
		o.emit(evt)
		logger.Debug("month settled",
			zap.Int("month", out.Key.Month),
			zap.Bool("from_cache", out.FromCache),
		)
		return
	}
	evt.Stage = progress.StageMonthFailed
	evt.Reason = string(out.Reason)
	o.emit(evt)
	logger.Warn("month failed",
		zap.Stringer("key", out.Key),
		zap.String("reason", string(out.Reason)),
		zap.Int("attempts", out.Attempts),
		zap.Error(out.Err),
	)
}

func (o *Orchestrator) fail(span trace.Span, res *Result, req pricing.RunRequest, err error, logger *zap.Logger) {
	res.FinishedAt = o.clock.Now()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.emit(progress.Event{
		RunID:       res.RunID,
		Stage:       progress.StageRunError,
		Destination: req.Destination,
		Year:        req.Year,
		Dur:         res.FinishedAt.Sub(res.StartedAt),
		Note:        err.Error(),
	})
	logger.Error("run failed", zap.Error(err))
}

// notify publishes the snapshot notification; failures only log.
func (o *Orchestrator) notify(ctx context.Context, res Result, logger *zap.Logger) {
	if o.cfg.Topic == "" || o.publisher == nil {
		return
	}
	failed := make([]int, 0, len(res.Failed))
	for _, out := range res.Failed {
		failed = append(failed, out.Key.Month)
	}
	payload := map[string]any{
		"run_id":        res.RunID,
		"destination":   res.Table.Destination,
		"year":          res.Table.Year,
		"snapshot_uri":  res.Snapshot.URI,
		"sha256":        res.Snapshot.SHA256,
		"months":        res.Table.Months(),
		"failed_months": failed,
		"finished_at":   res.FinishedAt.Format(time.RFC3339),
	}
	id, err := o.publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		logger.Warn("snapshot notification failed", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("snapshot notification published", zap.String("message_id", id))
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.progress.Emit(evt)
}
