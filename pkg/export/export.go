// Package export writes the contents of the log store to local files for
// manual troubleshooting. It never changes the upload state of any row.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/predatorx7/intakelog/pkg/batch"
	"github.com/predatorx7/intakelog/pkg/format"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
)

// EmptyNotice is reported instead of writing files when there is nothing to export.
const EmptyNotice = "no logs to export"

// Source is the read side of the log store.
type Source interface {
	GetAllLogs(ctx context.Context, limit int) ([]storage.Record, error)
}

// Result lists the written files. Notice is set when nothing was written.
type Result struct {
	Files  []string `json:"files"`
	Total  int      `json:"total"`
	Notice string   `json:"notice,omitempty"`
}

// Document is the JSON export layout.
type Document struct {
	ExportedAt time.Time        `json:"exportedAt"`
	TotalLogs  int              `json:"totalLogs"`
	Logs       []storage.Record `json:"logs"`
}

var now = time.Now

// TextFiles writes one text file per batch, grouped like uploads.
func TextFiles(ctx context.Context, src Source, dir string) (Result, error) {
	records, err := src.GetAllLogs(ctx, 0)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read logs: %w", err)
	}
	if len(records) == 0 {
		return Result{Notice: EmptyNotice}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	entries := make([]model.LogEntry, len(records))
	for i, r := range records {
		entries[i] = r.LogEntry
	}

	res := Result{Total: len(records)}
	at := now()
	for _, b := range batch.Partition(entries) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		text, err := format.Batch(b)
		if err != nil {
			return res, fmt.Errorf("failed to format batch %s: %w", b.BatchID, err)
		}
		path := filepath.Join(dir, format.BatchFilename(b, at))
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return res, fmt.Errorf("failed to write %s: %w", path, err)
		}
		res.Files = append(res.Files, path)
	}
	return res, nil
}

// JSONFile writes every row into logs_export_<timestamp>.json in dir.
func JSONFile(ctx context.Context, src Source, dir string) (Result, error) {
	records, err := src.GetAllLogs(ctx, 0)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read logs: %w", err)
	}
	if len(records) == 0 {
		return Result{Notice: EmptyNotice}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	at := now().UTC()
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.Format("2006-01-02T15:04:05.000Z"))
	path := filepath.Join(dir, "logs_export_"+stamp+".json")

	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := encode(f, at, records); err != nil {
		f.Close()
		return Result{}, err
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return Result{Files: []string{path}, Total: len(records)}, nil
}

// WriteJSON streams the JSON document to w. An empty store yields a
// document with no logs.
func WriteJSON(ctx context.Context, src Source, w io.Writer) (int, error) {
	records, err := src.GetAllLogs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read logs: %w", err)
	}
	if records == nil {
		records = []storage.Record{}
	}
	return len(records), encode(w, now().UTC(), records)
}

func encode(w io.Writer, at time.Time, records []storage.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Document{ExportedAt: at, TotalLogs: len(records), Logs: records}); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}
