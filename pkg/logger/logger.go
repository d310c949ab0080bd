// Package logger is the facade the intake application logs through. Entries
// are stamped with session, patient and device metadata, queued in memory and
// flushed to the durable store in the background.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/predatorx7/intakelog/pkg/device"
	"github.com/predatorx7/intakelog/pkg/metrics"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
	"go.uber.org/zap"
)

// Durable keys of the per-process identity.
const (
	KeyPatientID        = "patient_id"
	KeyPatientSessionID = "patient_session_id"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxPending    = 10000
)

type Options struct {
	MinLevel      model.Level
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending bounds the in-memory queue while the store is unavailable.
	// The oldest entries are dropped first.
	MaxPending int
	// OnFlush runs after every successful non-empty flush.
	OnFlush func(ctx context.Context)
	Console *zap.Logger
	Device  device.Config

	Now   func() time.Time
	NewID func() string
}

// Event is a fully described log call.
type Event struct {
	Level   model.Level
	Message string
	Context map[string]any
	Error   *model.ErrorInfo
	// URL and Route override the current location for this entry.
	URL   string
	Route string

	deferFlush bool
}

type Logger struct {
	store   storage.LogStore
	kv      storage.KeyValue
	opts    Options
	log     *zap.Logger
	session string

	seq    atomic.Uint64
	device atomic.Pointer[model.Device]

	mu               sync.Mutex
	queue            []model.LogEntry
	patientID        string
	patientSessionID string
	userID           string
	url              string
	route            string
	closed           bool

	sessionMu sync.Mutex
	flushMu   sync.Mutex
	flushes   sync.WaitGroup

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
}

// New returns a logger writing to store. kv holds the patient identity and
// may be nil. Nothing runs in the background until Start.
func New(store storage.LogStore, kv storage.KeyValue, opts Options) *Logger {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Console == nil {
		opts.Console = zap.NewNop()
	}

	l := &Logger{
		store:   store,
		kv:      kv,
		opts:    opts,
		log:     opts.Console.Named("logger"),
		session: opts.NewID(),
		stop:    make(chan struct{}),
	}
	unknown := device.Unknown
	if opts.Device.Name != "" {
		unknown.Name = opts.Device.Name
	}
	l.device.Store(&unknown)
	return l
}

var std atomic.Pointer[Logger]

// Default returns the process-wide logger set by SetDefault, or nil. All
// methods are safe to call on a nil *Logger.
func Default() *Logger {
	return std.Load()
}

func SetDefault(l *Logger) {
	std.Store(l)
}

// SessionID identifies this process run.
func (l *Logger) SessionID() string {
	if l == nil {
		return ""
	}
	return l.session
}

// Start launches the periodic flush and device detection. Calling it again
// is a no-op.
func (l *Logger) Start() {
	if l == nil {
		return
	}
	l.startOnce.Do(func() {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			d := device.Detect(ctx, l.opts.Device)
			l.device.Store(&d)
			l.log.Debug("device detected", zap.String("name", d.Name), zap.String("timezone", d.Timezone))
		}()

		l.loopDone = make(chan struct{})
		go l.loop()
	})
}

func (l *Logger) loop() {
	defer close(l.loopDone)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = l.flush(context.Background())
		case <-l.stop:
			return
		}
	}
}

func (l *Logger) Log(level model.Level, msg string, fields map[string]any, err error) {
	if l == nil {
		return
	}
	ev := Event{Level: level, Message: msg, Context: fields}
	if err != nil {
		ev.Error = errorInfo(err, callers(3))
	}
	l.record(ev)
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.Log(model.LevelDebug, msg, fields, nil)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.Log(model.LevelInfo, msg, fields, nil)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.Log(model.LevelWarn, msg, fields, nil)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	l.Log(model.LevelError, msg, fields, err)
}

// Fatal records a FATAL entry. It does not exit the process.
func (l *Logger) Fatal(msg string, err error, fields map[string]any) {
	l.Log(model.LevelFatal, msg, fields, err)
}

// Record logs a pre-built event, e.g. one received from the intake UI.
func (l *Logger) Record(ev Event) {
	if l == nil {
		return
	}
	l.record(ev)
}

func (l *Logger) record(ev Event) {
	ev.Level = clampLevel(ev.Level)
	if ev.Level < l.opts.MinLevel {
		metrics.LogsDropped.WithLabelValues("below_min_level").Inc()
		return
	}

	ev.Context = encodableContext(ev.Context)

	ctx := context.Background()
	l.refreshIdentity(ctx)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		metrics.LogsDropped.WithLabelValues("closed").Inc()
		return
	}
	url, route := l.url, l.route
	if ev.URL != "" {
		url = ev.URL
	}
	if ev.Route != "" {
		route = ev.Route
	}
	entry := model.LogEntry{
		ID:        l.opts.NewID(),
		Timestamp: l.opts.Now(),
		Sequence:  l.seq.Add(1),
		Level:     ev.Level,
		Message:   ev.Message,
		Context:   ev.Context,
		Error:     ev.Error,
		Metadata: model.Metadata{
			SessionID:        l.session,
			UserID:           l.userID,
			PatientID:        l.patientID,
			PatientSessionID: l.patientSessionID,
			Device:           *l.device.Load(),
			URL:              url,
			Route:            route,
		},
	}
	l.queue = append(l.queue, entry)
	l.trimLocked()
	pending := len(l.queue)
	l.mu.Unlock()

	metrics.LogsRecorded.WithLabelValues(ev.Level.String()).Inc()
	metrics.PendingLogs.Set(float64(pending))

	switch {
	case ev.Level.IsErrorClass() && !ev.deferFlush:
		l.flushAsync()
	case pending >= l.opts.BatchSize:
		l.flushAsync()
	}
}

// trimLocked drops the oldest entries beyond MaxPending. l.mu must be held.
func (l *Logger) trimLocked() {
	over := len(l.queue) - l.opts.MaxPending
	if over <= 0 {
		return
	}
	l.queue = append([]model.LogEntry(nil), l.queue[over:]...)
	metrics.LogsDropped.WithLabelValues("queue_full").Add(float64(over))
	l.log.Warn("pending queue full, dropped oldest entries", zap.Int("dropped", over))
}

func (l *Logger) refreshIdentity(ctx context.Context) {
	if l.kv == nil {
		return
	}

	v, ok, err := l.kv.Get(ctx, KeyPatientID)
	if err != nil {
		l.log.Debug("patient id read failed, keeping cached value", zap.Error(err))
	} else {
		l.mu.Lock()
		if ok {
			l.patientID = v
		} else {
			l.patientID = ""
		}
		l.mu.Unlock()
	}

	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	l.mu.Lock()
	known := l.patientSessionID != ""
	l.mu.Unlock()
	if known {
		return
	}

	id, ok, err := l.kv.Get(ctx, KeyPatientSessionID)
	if err != nil {
		l.log.Debug("patient session read failed", zap.Error(err))
		return
	}
	if !ok || model.IsSentinel(id) {
		id = l.opts.NewID()
		if err := l.kv.Set(ctx, KeyPatientSessionID, id); err != nil {
			l.log.Warn("failed to persist patient session id", zap.Error(err))
		}
	}
	l.mu.Lock()
	l.patientSessionID = id
	l.mu.Unlock()
}

func (l *Logger) flushAsync() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.flushes.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.flushes.Done()
		_ = l.flush(context.Background())
	}()
}

// flush moves the pending queue to the store. On failure the entries go back
// in front of anything logged meanwhile.
func (l *Logger) flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := l.store.SaveLogs(ctx, batch); err != nil {
		l.mu.Lock()
		l.queue = append(batch, l.queue...)
		l.trimLocked()
		pending := len(l.queue)
		l.mu.Unlock()

		metrics.Flushes.WithLabelValues("error").Inc()
		metrics.PendingLogs.Set(float64(pending))
		l.log.Warn("flush failed, entries kept for retry", zap.Int("count", len(batch)), zap.Error(err))
		return err
	}

	metrics.Flushes.WithLabelValues("ok").Inc()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	l.mu.Lock()
	metrics.PendingLogs.Set(float64(len(l.queue)))
	l.mu.Unlock()

	if l.opts.OnFlush != nil {
		l.opts.OnFlush(ctx)
	}
	return nil
}

// ForceFlush persists everything queued so far and waits for it.
func (l *Logger) ForceFlush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.flush(ctx)
}

// FlushOnHide starts a flush without waiting. Used when the process is about
// to go away; delivery is not guaranteed.
func (l *Logger) FlushOnHide() {
	if l == nil {
		return
	}
	l.flushAsync()
}

// StartNewPatientSession rotates the patient-session id. Entries already
// queued keep the previous id.
func (l *Logger) StartNewPatientSession(ctx context.Context) (string, error) {
	if l == nil {
		return "", nil
	}
	id := l.opts.NewID()

	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	l.mu.Lock()
	l.patientSessionID = id
	l.mu.Unlock()

	if l.kv != nil {
		if err := l.kv.Set(ctx, KeyPatientSessionID, id); err != nil {
			return id, fmt.Errorf("failed to persist patient session: %w", err)
		}
	}
	return id, nil
}

func (l *Logger) PatientSessionID() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.patientSessionID
}

func (l *Logger) SetPatientID(ctx context.Context, id string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	l.patientID = id
	l.mu.Unlock()

	if l.kv == nil {
		return nil
	}
	if err := l.kv.Set(ctx, KeyPatientID, id); err != nil {
		return fmt.Errorf("failed to persist patient id: %w", err)
	}
	return nil
}

func (l *Logger) ClearPatientID(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	l.patientID = ""
	l.mu.Unlock()

	if l.kv == nil {
		return nil
	}
	if err := l.kv.Delete(ctx, KeyPatientID); err != nil {
		return fmt.Errorf("failed to clear patient id: %w", err)
	}
	return nil
}

func (l *Logger) SetUserID(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.userID = id
	l.mu.Unlock()
}

// SetLocation sets the url and route stamped on subsequent entries.
func (l *Logger) SetLocation(url, route string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.url, l.route = url, route
	l.mu.Unlock()
}

// ReportUploadFailure records an ERROR entry about a failed upload. It waits
// for the next regular flush so a failing upload cannot retrigger itself.
func (l *Logger) ReportUploadFailure(b model.LogBatch, stage string, err error) {
	if l == nil {
		return
	}
	l.record(Event{
		Level:   model.LevelError,
		Message: "Log upload failed",
		Context: map[string]any{
			"batchId":   b.BatchID,
			"patientId": b.PatientID,
			"logType":   string(b.LogType),
			"logCount":  len(b.Logs),
			"stage":     stage,
		},
		Error:      errorInfo(err, ""),
		deferFlush: true,
	})
}

// Pending returns the number of entries waiting for a flush.
func (l *Logger) Pending() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the periodic flush, waits for background flushes and flushes
// what is left. Later log calls are dropped.
func (l *Logger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.stopOnce.Do(func() { close(l.stop) })
	l.startOnce.Do(func() {})
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.flush(ctx)
}

// clampLevel maps out-of-range levels onto the nearest defined one.
func clampLevel(level model.Level) model.Level {
	switch {
	case level < model.LevelDebug:
		return model.LevelDebug
	case level > model.LevelFatal:
		return model.LevelFatal
	}
	return level
}

// encodableContext replaces values encoding/json rejects (NaN, funcs,
// channels) with their printed form so the entry can always be stored.
func encodableContext(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return fields
	}
	if _, err := json.Marshal(fields); err == nil {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

func errorInfo(err error, stack string) *model.ErrorInfo {
	if err == nil {
		return nil
	}
	name := fmt.Sprintf("%T", err)
	name = name[strings.LastIndex(name, ".")+1:]
	switch name {
	case "errorString", "wrapError", "wrapErrors", "joinError":
		name = "Error"
	}
	return &model.ErrorInfo{Name: name, Message: err.Error(), Stack: stack}
}

// callers formats the call stack above the logger, innermost first.
func callers(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "at %s (%s:%d)\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
