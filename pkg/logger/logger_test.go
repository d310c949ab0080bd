package logger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
)

// MockStore records saved entries and can be told to fail.
type MockStore struct {
	storage.LogStore

	mu    sync.Mutex
	saved []model.LogEntry
	fail  bool
	calls int
}

func (m *MockStore) SaveLogs(ctx context.Context, entries []model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return storage.ErrStorageUnavailable
	}
	m.saved = append(m.saved, entries...)
	return nil
}

func (m *MockStore) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *MockStore) Saved() []model.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LogEntry(nil), m.saved...)
}

// MockKV is an in-memory storage.KeyValue.
type MockKV struct {
	mu   sync.Mutex
	data map[string]string
	fail bool
}

func NewMockKV() *MockKV {
	return &MockKV{data: make(map[string]string)}
}

func (m *MockKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", false, errors.New("kv down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MockKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MockKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func newTestLogger(store *MockStore, kv *MockKV, opts Options) *Logger {
	n := 0
	var mu sync.Mutex
	opts.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1000
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if kv == nil {
		return New(store, nil, opts)
	}
	return New(store, kv, opts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func messages(entries []model.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestFlushFailureLosesNothing(t *testing.T) {
	ctx := context.Background()
	store := &MockStore{fail: true}
	l := newTestLogger(store, nil, Options{})

	l.Info("A", nil)
	l.Info("B", nil)
	if err := l.ForceFlush(ctx); !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("Expected storage error, got %v", err)
	}
	if l.Pending() != 2 {
		t.Fatalf("Expected 2 pending after failure, got %d", l.Pending())
	}

	l.Info("C", nil)
	store.setFail(false)
	if err := l.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	if diff := cmp.Diff([]string{"A", "B", "C"}, messages(store.Saved())); diff != "" {
		t.Errorf("Unexpected saved entries (-want +got):\n%s", diff)
	}
	if l.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", l.Pending())
	}
}

func TestMinLevelDrops(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{MinLevel: model.LevelWarn})

	l.Debug("debug", nil)
	l.Info("info", nil)
	l.Warn("warn", nil)
	_ = l.ForceFlush(context.Background())

	if diff := cmp.Diff([]string{"warn"}, messages(store.Saved())); diff != "" {
		t.Errorf("Unexpected saved entries (-want +got):\n%s", diff)
	}
}

func TestErrorTriggersImmediateFlush(t *testing.T) {
	store := &MockStore{}
	flushed := make(chan struct{}, 1)
	l := newTestLogger(store, nil, Options{OnFlush: func(context.Context) {
		select {
		case flushed <- struct{}{}:
		default:
		}
	}})

	l.Info("before", nil)
	l.Error("boom", errors.New("network down"), map[string]any{"attempt": 1})

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a background flush after ERROR")
	}

	saved := store.Saved()
	if len(saved) != 2 {
		t.Fatalf("Expected 2 saved entries, got %d", len(saved))
	}
	e := saved[1]
	if e.Error == nil || e.Error.Name != "Error" || e.Error.Message != "network down" {
		t.Errorf("Unexpected error info %+v", e.Error)
	}
	if e.Error.Stack == "" {
		t.Error("Expected captured stack")
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{BatchSize: 3})

	l.Info("1", nil)
	l.Info("2", nil)
	if len(store.Saved()) != 0 {
		t.Fatal("Flushed before reaching batch size")
	}
	l.Info("3", nil)
	waitFor(t, func() bool { return len(store.Saved()) == 3 })
}

func TestPeriodicFlush(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{FlushInterval: 10 * time.Millisecond})
	l.Start()
	defer l.Close(context.Background())

	l.Info("tick", nil)
	waitFor(t, func() bool { return len(store.Saved()) == 1 })
}

func TestMaxPendingDropsOldest(t *testing.T) {
	store := &MockStore{fail: true}
	l := newTestLogger(store, nil, Options{MaxPending: 3})

	for i := 0; i < 5; i++ {
		l.Info(fmt.Sprint(i), nil)
	}
	store.setFail(false)
	_ = l.ForceFlush(context.Background())

	if diff := cmp.Diff([]string{"2", "3", "4"}, messages(store.Saved())); diff != "" {
		t.Errorf("Unexpected survivors (-want +got):\n%s", diff)
	}
}

func TestPatientIdentity(t *testing.T) {
	ctx := context.Background()
	store := &MockStore{}
	kv := NewMockKV()
	l := newTestLogger(store, kv, Options{})

	l.Info("anonymous", nil)

	// Another component of the app sets the patient directly in durable state.
	kv.Set(ctx, KeyPatientID, "P1")
	l.Info("from kv", nil)

	if err := l.ClearPatientID(ctx); err != nil {
		t.Fatalf("ClearPatientID failed: %v", err)
	}
	l.Info("cleared", nil)

	// A failing KV keeps the cached value.
	if err := l.SetPatientID(ctx, "P2"); err != nil {
		t.Fatalf("SetPatientID failed: %v", err)
	}
	kv.mu.Lock()
	kv.fail = true
	kv.mu.Unlock()
	l.Info("cached", nil)

	_ = l.ForceFlush(ctx)
	saved := store.Saved()
	var got []string
	for _, e := range saved {
		got = append(got, e.Metadata.PatientID)
	}
	if diff := cmp.Diff([]string{"", "P1", "", "P2"}, got); diff != "" {
		t.Errorf("Unexpected patient ids (-want +got):\n%s", diff)
	}

	ps := saved[0].Metadata.PatientSessionID
	if ps == "" {
		t.Fatal("Expected a generated patient session id")
	}
	if stored := kv.data[KeyPatientSessionID]; stored != ps {
		t.Errorf("Patient session not persisted: %q vs %q", stored, ps)
	}
	if saved[0].EffectivePatientID() != ps {
		t.Errorf("Expected session id as effective identity, got %q", saved[0].EffectivePatientID())
	}
}

func TestNewPatientSession(t *testing.T) {
	ctx := context.Background()
	store := &MockStore{}
	kv := NewMockKV()
	kv.Set(ctx, KeyPatientSessionID, "old-session")
	l := newTestLogger(store, kv, Options{})

	l.Info("old", nil)
	id, err := l.StartNewPatientSession(ctx)
	if err != nil {
		t.Fatalf("StartNewPatientSession failed: %v", err)
	}
	l.Info("new", nil)
	_ = l.ForceFlush(ctx)

	saved := store.Saved()
	if saved[0].Metadata.PatientSessionID != "old-session" {
		t.Errorf("Queued entry must keep old session, got %q", saved[0].Metadata.PatientSessionID)
	}
	if saved[1].Metadata.PatientSessionID != id || id == "old-session" {
		t.Errorf("Expected rotated session %q, got %q", id, saved[1].Metadata.PatientSessionID)
	}
	if kv.data[KeyPatientSessionID] != id {
		t.Errorf("Rotated session not persisted")
	}
}

func TestMetadataStamping(t *testing.T) {
	store := &MockStore{}
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	l := newTestLogger(store, nil, Options{Now: func() time.Time { return now }})

	l.SetUserID("nurse-4")
	l.SetLocation("app://intake/record", "/record")
	l.Info("first", map[string]any{"step": 1})
	l.Record(Event{Level: model.LevelWarn, Message: "second", Route: "/consent"})
	_ = l.ForceFlush(context.Background())

	saved := store.Saved()
	if len(saved) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(saved))
	}
	first, second := saved[0], saved[1]
	if first.Metadata.SessionID != l.SessionID() || first.Metadata.UserID != "nurse-4" || first.Metadata.Route != "/record" {
		t.Errorf("Unexpected metadata %+v", first.Metadata)
	}
	if !first.Timestamp.Equal(now) || first.Sequence >= second.Sequence {
		t.Errorf("Expected fixed time and increasing sequence, got %v %d/%d", first.Timestamp, first.Sequence, second.Sequence)
	}
	if second.Metadata.Route != "/consent" || second.Metadata.URL != "app://intake/record" {
		t.Errorf("Event location override not applied: %+v", second.Metadata)
	}
	if first.Metadata.Device.Name == "" {
		t.Error("Expected a device descriptor before detection finishes")
	}
}

func TestReportUploadFailureDoesNotFlush(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{})

	b := model.LogBatch{BatchID: "b1", PatientID: "P1", LogType: model.LogTypeInfo, Logs: make([]model.LogEntry, 3)}
	l.ReportUploadFailure(b, "transfer", errors.New("status 503"))

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != 0 {
		t.Fatalf("Upload failure report must not flush immediately")
	}

	_ = l.ForceFlush(context.Background())
	saved := store.Saved()
	if len(saved) != 1 || saved[0].Level != model.LevelError || saved[0].Context["stage"] != "transfer" {
		t.Errorf("Unexpected failure entry %+v", saved)
	}
}

func TestCloseFlushesAndRejects(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{})
	l.Start()

	l.Info("last words", nil)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	l.Info("after close", nil)
	l.Start()

	if diff := cmp.Diff([]string{"last words"}, messages(store.Saved())); diff != "" {
		t.Errorf("Unexpected saved entries (-want +got):\n%s", diff)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored", nil)
	l.Start()
	if err := l.ForceFlush(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	l := newTestLogger(&MockStore{}, nil, Options{})
	SetDefault(l)
	if Default() != l {
		t.Error("Expected Default to return the registered logger")
	}
}

func TestUnencodableContextIsStored(t *testing.T) {
	ctx := context.Background()
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{})

	l.Info("bad", map[string]any{"ratio": math.NaN(), "cb": func() {}, "ok": 1})
	l.Info("good", nil)
	if err := l.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	saved := store.Saved()
	if diff := cmp.Diff([]string{"bad", "good"}, messages(saved)); diff != "" {
		t.Fatalf("Unexpected saved entries (-want +got):\n%s", diff)
	}
	if _, err := json.Marshal(saved[0]); err != nil {
		t.Errorf("Stored entry must encode, got %v", err)
	}
	if saved[0].Context["ratio"] != "NaN" || saved[0].Context["ok"] != 1 {
		t.Errorf("Unexpected context %v", saved[0].Context)
	}
	if l.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", l.Pending())
	}
}

func TestOutOfRangeLevelIsClamped(t *testing.T) {
	store := &MockStore{}
	l := newTestLogger(store, nil, Options{})

	l.Record(Event{Level: model.Level(9), Message: "too high"})
	l.Record(Event{Level: model.Level(-3), Message: "too low"})
	if err := l.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	saved := store.Saved()
	if len(saved) != 2 || saved[0].Level != model.LevelFatal || saved[1].Level != model.LevelDebug {
		t.Errorf("Unexpected levels %+v", saved)
	}
	for _, e := range saved {
		if _, err := json.Marshal(e); err != nil {
			t.Errorf("Stored entry must encode, got %v", err)
		}
	}
}
