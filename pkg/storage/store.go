package storage

import (
	"context"
	"errors"

	"github.com/predatorx7/intakelog/pkg/model"
)

var (
	// ErrStorageUnavailable wraps every failure to open or transact the
	// underlying storage. Callers keep their data and retry later.
	ErrStorageUnavailable = errors.New("log storage unavailable")

	// ErrClosed is returned after the store was explicitly closed.
	ErrClosed = errors.New("log storage closed")
)

// Record is a stored row: the entry plus its upload state.
type Record struct {
	model.LogEntry
	Uploaded   bool `json:"uploaded"`
	Attempts   int  `json:"attempts,omitempty"`
	DeadLetter bool `json:"deadLetter,omitempty"`
}

// LogStore is the durable table of log entries and upload flags.
type LogStore interface {
	// SaveLogs upserts entries with uploaded=false.
	SaveLogs(ctx context.Context, entries []model.LogEntry) error
	// GetUnuploadedLogs returns unsent, non dead-lettered entries oldest
	// first. A limit of 0 means unbounded.
	GetUnuploadedLogs(ctx context.Context, limit int) ([]model.LogEntry, error)
	MarkLogsAsUploaded(ctx context.Context, ids []string) error
	DeleteLogs(ctx context.Context, ids []string) error
	// RecordUploadFailure bumps the attempt counter of each row and
	// dead-letters rows reaching maxAttempts (0 disables dead-lettering).
	RecordUploadFailure(ctx context.Context, ids []string, maxAttempts int) (int, error)

	GetAllLogs(ctx context.Context, limit int) ([]Record, error)
	GetLogCount(ctx context.Context) (int, error)
	// CountUnuploaded counts the rows GetUnuploadedLogs would return.
	CountUnuploaded(ctx context.Context) (int, error)
	DeleteOldLogs(ctx context.Context, maxAgeDays int) (int, error)
	ClearAllLogs(ctx context.Context) error
}

// KeyValue is small durable per-process state (current patient, patient session).
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
