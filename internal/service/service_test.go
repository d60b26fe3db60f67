package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"subgraph-lag-monitor/internal/alerting"
	"subgraph-lag-monitor/internal/collector"
	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/storage"
)

type buildFunc func(ctx context.Context, group collector.Group, previous []string, timestamp int64) (history.Snapshot, error)

type fakeBuilder struct {
	build buildFunc
	calls atomic.Int32
}

func (b *fakeBuilder) Build(ctx context.Context, group collector.Group, previous []string, timestamp int64) (history.Snapshot, error) {
	b.calls.Add(1)
	return b.build(ctx, group, previous, timestamp)
}

func constantBuilder(gateway, fallback uint64) *fakeBuilder {
	return &fakeBuilder{build: func(_ context.Context, _ collector.Group, _ []string, ts int64) (history.Snapshot, error) {
		gw, fb := history.Ok(gateway), history.Ok(fallback)
		return history.Snapshot{Timestamp: ts, Gateway: &gw, Fallback: &fb}, nil
	}}
}

type failingStore struct {
	*history.MemoryStore
	loadErr    error
	persistErr error
}

func (s *failingStore) Load(ctx context.Context) (history.Document, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemoryStore.Load(ctx)
}

func (s *failingStore) Persist(ctx context.Context, doc history.Document) error {
	if s.persistErr != nil {
		return &history.PersistError{Backend: "test", Err: s.persistErr}
	}
	return s.MemoryStore.Persist(ctx, doc)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type fakeMirror struct {
	samples []storage.LagSample
	err     error
}

func (m *fakeMirror) UpsertLagSamples(_ context.Context, samples []storage.LagSample) error {
	m.samples = append(m.samples, samples...)
	return m.err
}

func (m *fakeMirror) DeleteSamplesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func groups(names ...string) []Group {
	out := make([]Group, 0, len(names))
	for _, name := range names {
		out = append(out, Group{Group: collector.Group{
			Name:     name,
			Chain:    "mainnet",
			Gateway:  &collector.GatewayTarget{Endpoint: "gw/" + name, DeploymentID: "Qm" + name},
			Fallback: &collector.FallbackTarget{Endpoint: "fb/" + name},
		}})
	}
	return out
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func newMemoryStore(t *testing.T, doc history.Document) *history.MemoryStore {
	t.Helper()
	store, err := history.NewMemoryStore(doc)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	return store
}

func loadDoc(t *testing.T, store history.Store) history.Document {
	t.Helper()
	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return doc
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRunTickSharesOneTimestamp(t *testing.T) {
	store := newMemoryStore(t, nil)
	svc := New(nil, store, constantBuilder(5, 3), groups("a", "b"), Options{Now: fixedClock(1000)}, testLogger())

	report, err := svc.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.Status != TickPersisted || report.Timestamp != 1000 || report.Points != 4 {
		t.Fatalf("report = %+v", report)
	}

	doc := loadDoc(t, store)
	for _, name := range []string{"a", "b"} {
		group := doc[name]
		if len(group.Gateway) != 1 || group.Gateway[0].Timestamp != 1000 || group.Gateway[0].Delay.Blocks() != 5 {
			t.Fatalf("%s gateway = %+v", name, group.Gateway)
		}
		if len(group.Fallback) != 1 || group.Fallback[0].Timestamp != 1000 || group.Fallback[0].Delay.Blocks() != 3 {
			t.Fatalf("%s fallback = %+v", name, group.Fallback)
		}
	}
}

func TestConsecutiveTicksUseDistinctTimestamps(t *testing.T) {
	store := newMemoryStore(t, nil)
	svc := New(nil, store, constantBuilder(1, 1), groups("a"), Options{Now: fixedClock(1000)}, testLogger())

	first, err := svc.RunTick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.RunTick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Timestamp == second.Timestamp || second.Timestamp != 1001 {
		t.Fatalf("timestamps %d and %d", first.Timestamp, second.Timestamp)
	}

	// A fresh coordinator must not reuse a timestamp already persisted.
	restarted := New(nil, store, constantBuilder(1, 1), groups("a"), Options{Now: fixedClock(1000)}, testLogger())
	third, err := restarted.RunTick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third.Timestamp != 1002 {
		t.Fatalf("restarted timestamp = %d", third.Timestamp)
	}
}

func TestFutureHistoryDoesNotDriftTimestamps(t *testing.T) {
	prior := history.Document{
		"a": {Gateway: history.Series{{Timestamp: 1000 + 7*24*3600, Delay: history.Ok(1)}}},
	}
	store := newMemoryStore(t, prior)
	svc := New(nil, store, constantBuilder(1, 1), groups("a"), Options{Now: fixedClock(1000)}, testLogger())

	report, err := svc.RunTick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Timestamp != 1000 {
		t.Fatalf("timestamp = %d, want wall clock", report.Timestamp)
	}

	// Small skew still keeps timestamps increasing.
	near := newMemoryStore(t, history.Document{
		"a": {Gateway: history.Series{{Timestamp: 1060, Delay: history.Ok(1)}}},
	})
	svc = New(nil, near, constantBuilder(1, 1), groups("a"), Options{Now: fixedClock(1000)}, testLogger())
	report, err = svc.RunTick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Timestamp != 1061 {
		t.Fatalf("timestamp = %d, want 1061", report.Timestamp)
	}
}

func TestRunTickIsolatesGroupFailures(t *testing.T) {
	prior := history.Document{
		"bad": {Gateway: history.Series{{Timestamp: 10, Delay: history.Ok(7)}}},
	}
	store := newMemoryStore(t, prior)

	builder := &fakeBuilder{build: func(_ context.Context, group collector.Group, _ []string, ts int64) (history.Snapshot, error) {
		switch group.Name {
		case "bad":
			return history.Snapshot{}, errors.New("no rpc endpoint")
		case "panics":
			panic("nil map")
		}
		v := history.Ok(2)
		return history.Snapshot{Timestamp: ts, Gateway: &v}, nil
	}}
	svc := New(nil, store, builder, groups("bad", "panics", "good"), Options{Now: fixedClock(2000)}, testLogger())

	report, err := svc.RunTick(context.Background())
	if err != nil {
		t.Fatalf("group failures must not fail the tick: %v", err)
	}
	if report.Status != TickPersisted || len(report.Failed) != 2 {
		t.Fatalf("report = %+v", report)
	}

	doc := loadDoc(t, store)
	if len(doc["good"].Gateway) != 1 {
		t.Fatalf("good group not merged: %+v", doc["good"])
	}
	if len(doc["bad"].Gateway) != 1 || doc["bad"].Gateway[0].Timestamp != 10 {
		t.Fatalf("failed group history changed: %+v", doc["bad"])
	}
	if _, ok := doc["panics"]; ok {
		t.Fatalf("panicking group should not gain a history: %+v", doc["panics"])
	}
}

func TestProcessGroupWrapsPanic(t *testing.T) {
	builder := &fakeBuilder{build: func(context.Context, collector.Group, []string, int64) (history.Snapshot, error) {
		panic("boom")
	}}
	svc := New(nil, newMemoryStore(t, nil), builder, nil, Options{}, testLogger())

	_, _, err := svc.processGroup(context.Background(), groups("g")[0], history.GroupHistory{}, 1)
	var groupErr *GroupError
	if !errors.As(err, &groupErr) || groupErr.Group != "g" {
		t.Fatalf("err = %v", err)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	store := newMemoryStore(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	builder := &fakeBuilder{build: func(_ context.Context, _ collector.Group, _ []string, ts int64) (history.Snapshot, error) {
		close(entered)
		<-release
		v := history.Ok(4)
		return history.Snapshot{Timestamp: ts, Gateway: &v}, nil
	}}
	svc := New(nil, store, builder, groups("a"), Options{Now: fixedClock(3000)}, testLogger())

	done := make(chan TickReport)
	go func() {
		report, _ := svc.RunTick(context.Background())
		done <- report
	}()

	<-entered
	skipped, err := svc.RunTick(context.Background())
	if err != nil || skipped.Status != TickSkipped {
		t.Fatalf("overlapping tick: report=%+v err=%v", skipped, err)
	}
	close(release)

	first := <-done
	if first.Status != TickPersisted {
		t.Fatalf("first tick = %+v", first)
	}
	if builder.calls.Load() != 1 {
		t.Fatalf("builder calls = %d", builder.calls.Load())
	}

	reference := newMemoryStore(t, nil)
	v := history.Ok(4)
	if err := reference.Persist(context.Background(), history.Document{
		"a": history.Merge(history.GroupHistory{}, history.Snapshot{Timestamp: 3000, Gateway: &v}, history.DefaultMaxEntries),
	}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(store.Bytes(), reference.Bytes()) {
		t.Fatalf("state after overlap:\n%s\nwant:\n%s", store.Bytes(), reference.Bytes())
	}
}

func TestRunTickPersistFailure(t *testing.T) {
	prior := history.Document{"a": {Gateway: history.Series{{Timestamp: 1, Delay: history.Ok(1)}}}}
	store := &failingStore{MemoryStore: newMemoryStore(t, prior), persistErr: errors.New("disk full")}
	mirror := &fakeMirror{}
	svc := New(nil, store, constantBuilder(9, 9), groups("a"), Options{Now: fixedClock(4000), Mirror: mirror}, testLogger())

	report, err := svc.RunTick(context.Background())
	var persistErr *history.PersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if report.Status != TickPersistFailed {
		t.Fatalf("status = %s", report.Status)
	}
	if len(mirror.samples) != 0 {
		t.Fatal("mirror must not run when persist fails")
	}
	if doc := loadDoc(t, store.MemoryStore); len(doc["a"].Gateway) != 1 {
		t.Fatalf("previous document changed: %+v", doc)
	}

	// The next successful tick starts from the last good write.
	store.persistErr = nil
	if _, err := svc.RunTick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if doc := loadDoc(t, store.MemoryStore); len(doc["a"].Gateway) != 2 {
		t.Fatalf("recovered document = %+v", doc["a"].Gateway)
	}
}

func TestRunTickLoadFailureAborts(t *testing.T) {
	store := &failingStore{MemoryStore: newMemoryStore(t, nil), loadErr: errors.New("corrupt")}
	builder := constantBuilder(1, 1)
	svc := New(nil, store, builder, groups("a"), Options{}, testLogger())

	report, err := svc.RunTick(context.Background())
	if err == nil || report.Status != TickLoadFailed {
		t.Fatalf("report=%+v err=%v", report, err)
	}
	if builder.calls.Load() != 0 {
		t.Fatal("no group should be processed after a failed load")
	}
}

func TestRunTickMirrorsPersistedPoints(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("db down")}
	svc := New(nil, newMemoryStore(t, nil), constantBuilder(6, 2), groups("a"), Options{Now: fixedClock(5000), Mirror: mirror}, testLogger())

	report, err := svc.RunTick(context.Background())
	if err != nil || report.Status != TickPersisted {
		t.Fatalf("mirror failure must not change the outcome: report=%+v err=%v", report, err)
	}
	if len(mirror.samples) != 2 || mirror.samples[0].Series != history.SeriesGateway || *mirror.samples[0].DelayBlocks != 6 {
		t.Fatalf("mirrored = %+v", mirror.samples)
	}
}

func TestRunTickAlertsOnRisingEdge(t *testing.T) {
	lags := []uint64{10, 80, 90, 20, 70}
	var tick atomic.Int32
	builder := &fakeBuilder{build: func(_ context.Context, _ collector.Group, _ []string, ts int64) (history.Snapshot, error) {
		v := history.Ok(lags[tick.Add(1)-1])
		return history.Snapshot{Timestamp: ts, Gateway: &v}, nil
	}}

	grp := groups("a")
	grp[0].AlertThreshold = 50
	notifier := &fakeNotifier{}
	svc := New(nil, newMemoryStore(t, nil), builder, grp, Options{Now: fixedClock(6000), Notifier: notifier}, testLogger())

	for range lags {
		if _, err := svc.RunTick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if len(notifier.notes) != 2 {
		t.Fatalf("alerts = %+v", notifier.notes)
	}
	if notifier.notes[0].Lag != 80 || notifier.notes[1].Lag != 70 || notifier.notes[0].Series != history.SeriesGateway {
		t.Fatalf("alerts = %+v", notifier.notes)
	}
}

func TestRunTickRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	svc := New(nil, newMemoryStore(t, nil), constantBuilder(1, 1), groups("a", "b"), Options{Tracer: provider.Tracer("test")}, testLogger())
	if _, err := svc.RunTick(context.Background()); err != nil {
		t.Fatal(err)
	}

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	if names["tick"] != 1 || names["group"] != 2 {
		t.Fatalf("spans = %v", names)
	}
}
