package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subgraph-lag-monitor/internal/alerting"
	"subgraph-lag-monitor/internal/collector"
	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/logging"
	"subgraph-lag-monitor/internal/metrics"
	"subgraph-lag-monitor/internal/scheduler"
	"subgraph-lag-monitor/internal/storage"
	"subgraph-lag-monitor/internal/telemetry"
)

// TickStatus is the terminal state of one RunTick call.
type TickStatus string

const (
	TickSkipped       TickStatus = "skipped"
	TickLoadFailed    TickStatus = "load_failed"
	TickPersisted     TickStatus = "persisted"
	TickPersistFailed TickStatus = "persist_failed"
)

// GroupError wraps any failure that made a group sit out one tick.
type GroupError struct {
	Group string
	Err   error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s: %v", e.Group, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// SnapshotBuilder produces one group's snapshot for a tick.
type SnapshotBuilder interface {
	Build(ctx context.Context, group collector.Group, previous []string, timestamp int64) (history.Snapshot, error)
}

// Group is a monitored group plus its alert threshold in blocks (0 disables alerts).
type Group struct {
	collector.Group
	AlertThreshold uint64
}

// Options carries the optional collaborators of a Service.
type Options struct {
	MaxEntries int
	Mirror     storage.LagSampleStore
	Metrics    *metrics.Recorder
	Notifier   alerting.Notifier
	Tracer     trace.Tracer
	Now        func() time.Time
}

// TickReport summarises one RunTick call.
type TickReport struct {
	Status    TickStatus
	Timestamp int64
	Groups    int
	Failed    []string
	Points    int
	Alerts    int
	Duration  time.Duration
}

// Service is the run coordinator: one tick at a time, one timestamp per tick,
// one persist per tick.
type Service struct {
	scheduler *scheduler.Scheduler
	store     history.Store
	builder   SnapshotBuilder
	groups    []Group
	opts      Options
	logger    zerolog.Logger

	running       atomic.Bool
	lastTimestamp int64
}

// New constructs the run coordinator.
func New(sched *scheduler.Scheduler, store history.Store, builder SnapshotBuilder, groups []Group, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = history.DefaultMaxEntries
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		scheduler: sched,
		store:     store,
		builder:   builder,
		groups:    groups,
		opts:      opts,
		logger:    logging.Component(logger, "service"),
	}
}

// Run drives ticks from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick adapts RunTick to the scheduler callback.
func (s *Service) Tick(ctx context.Context, bucket time.Time) error {
	report, err := s.RunTick(ctx)
	if report.Status == TickSkipped {
		s.logger.Warn().Time("bucket", bucket).Msg("previous tick still running; trigger skipped")
	}
	return err
}

// RunTick performs one collection pass. A concurrent call while a tick is in
// flight returns immediately with TickSkipped and touches nothing.
func (s *Service) RunTick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.opts.Metrics.ObserveTick(string(TickSkipped), 0)
		return TickReport{Status: TickSkipped}, nil
	}
	defer s.running.Store(false)

	started := s.opts.Now()
	ctx, span := s.opts.Tracer.Start(ctx, "tick")
	defer span.End()

	report, err := s.runTick(ctx, started)
	report.Duration = s.opts.Now().Sub(started)
	s.opts.Metrics.ObserveTick(string(report.Status), report.Duration)

	span.SetAttributes(
		attribute.String("tick.status", string(report.Status)),
		attribute.Int64("tick.timestamp", report.Timestamp),
		attribute.Int("tick.failed_groups", len(report.Failed)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (s *Service) runTick(ctx context.Context, started time.Time) (TickReport, error) {
	report := TickReport{Groups: len(s.groups)}

	doc, err := s.store.Load(ctx)
	if err != nil {
		report.Status = TickLoadFailed
		s.logger.Error().Err(err).Msg("failed to load history; tick aborted")
		return report, fmt.Errorf("load history: %w", err)
	}

	timestamp := s.nextTimestamp(started, history.LatestTimestamp(doc))
	report.Timestamp = timestamp
	s.logger.Info().Int64("timestamp", timestamp).Int("groups", len(s.groups)).Msg("tick started")

	next := doc.Clone()
	appended := make(map[string][]history.Point, len(s.groups))
	for _, group := range s.groups {
		merged, points, err := s.processGroup(ctx, group, next[group.Name], timestamp)
		if err != nil {
			report.Failed = append(report.Failed, group.Name)
			s.logger.Error().Err(err).Str("group", group.Name).Msg("group skipped for this tick")
			continue
		}
		next[group.Name] = merged
		appended[group.Name] = points
		report.Points += len(points)
	}

	if err := s.store.Persist(ctx, next); err != nil {
		report.Status = TickPersistFailed
		s.logger.Error().Err(err).Int64("timestamp", timestamp).Msg("failed to persist history")
		return report, err
	}
	report.Status = TickPersisted

	for _, group := range s.groups {
		points, ok := appended[group.Name]
		if !ok {
			continue
		}
		s.opts.Metrics.ObservePoints(group.Name, points)
		s.mirror(ctx, group.Name, points)
		report.Alerts += s.evaluateAlerts(ctx, group, next[group.Name], points, timestamp)
	}

	s.logger.Info().Int64("timestamp", timestamp).
		Int("points", report.Points).
		Int("failed_groups", len(report.Failed)).
		Msg("tick persisted")
	return report, nil
}

// maxClockSkew bounds how far a persisted timestamp may sit ahead of the clock
// and still push the next tick's timestamp forward.
const maxClockSkew = 10 * time.Minute

// nextTimestamp returns a unix second strictly after every timestamp this
// service has used and after the newest persisted one. A persisted timestamp
// more than maxClockSkew ahead of now is ignored so a single bad entry cannot
// pull every later tick away from wall-clock time.
func (s *Service) nextTimestamp(now time.Time, persisted int64) int64 {
	ts := now.Unix()
	floor := s.lastTimestamp
	if persisted > floor {
		if ahead := time.Duration(persisted-ts) * time.Second; ahead > maxClockSkew {
			s.logger.Warn().
				Int64("persisted", persisted).
				Int64("now", ts).
				Dur("ahead", ahead).
				Msg("persisted history is ahead of the clock; ignoring it for the tick timestamp")
		} else {
			floor = persisted
		}
	}
	if ts <= floor {
		ts = floor + 1
	}
	s.lastTimestamp = ts
	return ts
}

func (s *Service) processGroup(ctx context.Context, group Group, prev history.GroupHistory, timestamp int64) (merged history.GroupHistory, points []history.Point, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "group", trace.WithAttributes(attribute.String("group", group.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = &GroupError{Group: group.Name, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	snap, err := s.builder.Build(ctx, group.Group, prev.IndexerIDs(), timestamp)
	if err != nil {
		return history.GroupHistory{}, nil, &GroupError{Group: group.Name, Err: err}
	}
	if snap.Timestamp != timestamp {
		return history.GroupHistory{}, nil, &GroupError{Group: group.Name, Err: fmt.Errorf("snapshot timestamp %d does not match tick %d", snap.Timestamp, timestamp)}
	}

	points = snap.Points()
	span.SetAttributes(attribute.Int("points", len(points)), attribute.Bool("discovery_failed", snap.DiscoveryFailed))
	return history.Merge(prev, snap, s.opts.MaxEntries), points, nil
}

func (s *Service) mirror(ctx context.Context, group string, points []history.Point) {
	if s.opts.Mirror == nil || len(points) == 0 {
		return
	}
	if err := s.opts.Mirror.UpsertLagSamples(ctx, storage.SamplesFromPoints(group, points)); err != nil {
		s.logger.Error().Err(err).Str("group", group).Msg("failed to mirror lag samples")
	}
}

func (s *Service) evaluateAlerts(ctx context.Context, group Group, merged history.GroupHistory, points []history.Point, timestamp int64) int {
	if s.opts.Notifier == nil || group.AlertThreshold == 0 {
		return 0
	}

	touched := make(map[string]bool, 2)
	for _, point := range points {
		if point.Series == history.SeriesGateway || point.Series == history.SeriesFallback {
			touched[point.Series] = true
		}
	}

	sent := 0
	for _, candidate := range []struct {
		name   string
		series history.Series
	}{
		{history.SeriesGateway, merged.Gateway},
		{history.SeriesFallback, merged.Fallback},
	} {
		if !touched[candidate.name] {
			continue
		}
		lag, crossed := alerting.Crossed(candidate.series, group.AlertThreshold)
		if !crossed {
			continue
		}
		note := alerting.Notification{
			Group:     group.Name,
			Series:    candidate.name,
			Lag:       lag,
			Threshold: group.AlertThreshold,
			Timestamp: time.Unix(timestamp, 0).UTC(),
		}
		if err := s.opts.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("group", group.Name).Str("series", candidate.name).Msg("failed to dispatch alert")
			continue
		}
		sent++
	}
	return sent
}
