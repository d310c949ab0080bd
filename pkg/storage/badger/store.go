package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	logPrefix = []byte("log/")
	kvPrefix  = []byte("kv/")
)

// Ids touched per read-write transaction, well below badger's txn size limit.
const updateChunk = 500

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateClosed
)

// Store is a badger-backed storage.LogStore and storage.KeyValue.
//
// The database is opened lazily on first use. Concurrent first callers share
// one open attempt. If the database gets closed underneath the store it is
// reopened on the next call; only Close is terminal.
type Store struct {
	opts  badger.Options
	log   *zap.Logger
	group singleflight.Group
	now   func() time.Time

	mu    sync.Mutex
	state state
	db    *badger.DB
}

// NewStore returns a store persisting to dir. Nothing is opened until the
// first operation.
func NewStore(dir string, log *zap.Logger) *Store {
	return newStore(badger.DefaultOptions(dir), log)
}

// NewInMemoryStore returns a store that keeps everything in memory.
func NewInMemoryStore(log *zap.Logger) *Store {
	return newStore(badger.DefaultOptions("").WithInMemory(true), log)
}

func newStore(opts badger.Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.WithLogger(badgerLogger{log.Named("badger").Sugar()})
	return &Store{
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

func (s *Store) handle(ctx context.Context) (*badger.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return nil, storage.ErrClosed
	case stateReady:
		if !s.db.IsClosed() {
			db := s.db
			s.mu.Unlock()
			return db, nil
		}
		s.log.Warn("log database closed unexpectedly, reopening")
		s.db = nil
	}
	s.state = stateInitializing
	s.mu.Unlock()

	v, err, _ := s.group.Do("open", func() (any, error) {
		// A previous call may have finished opening since we looked.
		s.mu.Lock()
		if s.state == stateClosed {
			s.mu.Unlock()
			return nil, storage.ErrClosed
		}
		if s.state == stateReady && !s.db.IsClosed() {
			db := s.db
			s.mu.Unlock()
			return db, nil
		}
		s.mu.Unlock()

		db, err := badger.Open(s.opts)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			if s.state != stateClosed {
				s.state = stateUninitialized
			}
			return nil, err
		}
		if s.state == stateClosed {
			_ = db.Close()
			return nil, storage.ErrClosed
		}
		s.db = db
		s.state = stateReady
		return db, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open: %v", storage.ErrStorageUnavailable, err)
	}
	return v.(*badger.DB), nil
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrStorageUnavailable, op, err)
}

func logKey(id string) []byte {
	return append(append([]byte{}, logPrefix...), id...)
}

func kvKey(key string) []byte {
	return append(append([]byte{}, kvPrefix...), key...)
}

// SaveLogs stores entries as unsent. Entries that cannot be encoded are
// skipped and logged so they never block the rest of the batch.
func (s *Store) SaveLogs(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		data, err := json.Marshal(storage.Record{LogEntry: entry})
		if err != nil {
			s.log.Warn("skipping unencodable log entry", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		if err := wb.Set(logKey(entry.ID), data); err != nil {
			return unavailable("save", err)
		}
	}
	return unavailable("save", wb.Flush())
}

// scan visits every stored row. Undecodable rows are skipped.
func (s *Store) scan(db *badger.DB, fn func(storage.Record)) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(logPrefix); it.ValidForPrefix(logPrefix); it.Next() {
			item := it.Item()
			var rec storage.Record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.log.Warn("skipping malformed log row", zap.ByteString("key", item.Key()), zap.Error(err))
				continue
			}
			fn(rec)
		}
		return nil
	})
}

func (s *Store) GetUnuploadedLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	var entries []model.LogEntry
	err = s.scan(db, func(rec storage.Record) {
		if !rec.Uploaded && !rec.DeadLetter {
			entries = append(entries, rec.LogEntry)
		}
	})
	if err != nil {
		return nil, unavailable("read unuploaded", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// update applies fn to each existing row; rows fn reports unchanged are not rewritten.
func (s *Store) update(db *badger.DB, ids []string, fn func(*storage.Record) bool) error {
	for start := 0; start < len(ids); start += updateChunk {
		end := min(start+updateChunk, len(ids))
		err := db.Update(func(txn *badger.Txn) error {
			for _, id := range ids[start:end] {
				item, err := txn.Get(logKey(id))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}

				var rec storage.Record
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				}); err != nil {
					s.log.Warn("skipping malformed log row", zap.String("id", id), zap.Error(err))
					continue
				}
				if !fn(&rec) {
					continue
				}

				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := txn.Set(logKey(id), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkLogsAsUploaded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	err = s.update(db, ids, func(rec *storage.Record) bool {
		if rec.Uploaded {
			return false
		}
		rec.Uploaded = true
		return true
	})
	return unavailable("mark uploaded", err)
}

func (s *Store) RecordUploadFailure(ctx context.Context, ids []string, maxAttempts int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	dead := 0
	err = s.update(db, ids, func(rec *storage.Record) bool {
		rec.Attempts++
		if maxAttempts > 0 && rec.Attempts >= maxAttempts && !rec.DeadLetter {
			rec.DeadLetter = true
			dead++
		}
		return true
	})
	if err != nil {
		return 0, unavailable("record failure", err)
	}
	return dead, nil
}

func (s *Store) DeleteLogs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(logKey(id)); err != nil {
			return unavailable("delete", err)
		}
	}
	return unavailable("delete", wb.Flush())
}

func (s *Store) GetAllLogs(ctx context.Context, limit int) ([]storage.Record, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	var records []storage.Record
	if err := s.scan(db, func(rec storage.Record) {
		records = append(records, rec)
	}); err != nil {
		return nil, unavailable("read all", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Before(records[j].LogEntry)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) GetLogCount(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(logPrefix); it.ValidForPrefix(logPrefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// uploadState is the part of a stored row that counting needs.
type uploadState struct {
	Uploaded   bool `json:"uploaded"`
	DeadLetter bool `json:"deadLetter"`
}

func (s *Store) CountUnuploaded(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(logPrefix); it.ValidForPrefix(logPrefix); it.Next() {
			var st uploadState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				continue
			}
			if !st.Uploaded && !st.DeadLetter {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("count unuploaded", err)
	}
	return count, nil
}

func (s *Store) DeleteOldLogs(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	var ids []string
	if err := s.scan(db, func(rec storage.Record) {
		if rec.Timestamp.Before(cutoff) {
			ids = append(ids, rec.ID)
		}
	}); err != nil {
		return 0, unavailable("scan old", err)
	}

	if err := s.DeleteLogs(ctx, ids); err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.log.Info("deleted old logs", zap.Int("count", len(ids)), zap.Int("max_age_days", maxAgeDays))
	}
	return len(ids), nil
}

func (s *Store) ClearAllLogs(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return unavailable("clear", db.DropPrefix(logPrefix))
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return "", false, err
	}

	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get "+key, err)
	}
	return string(value), true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return unavailable("set "+key, db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), []byte(value))
	}))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return unavailable("delete "+key, db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(key))
	}))
}

// Close closes the database. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	s.state = stateClosed
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil || db.IsClosed() {
		return nil
	}
	return db.Close()
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

var (
	_ storage.LogStore = (*Store)(nil)
	_ storage.KeyValue = (*Store)(nil)
)
