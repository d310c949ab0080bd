// Package upload turns unsent log rows into files in object storage: batches
// are queued, a presigned URL is requested for each, the serialized text is
// transferred and the rows are deleted once the transfer succeeded.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/predatorx7/intakelog/pkg/format"
	"github.com/predatorx7/intakelog/pkg/metrics"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/storage"
	"go.uber.org/zap"
)

// Stages reported on failure.
const (
	StageCredential = "credential"
	StageSerialize  = "serialize"
	StageTransfer   = "transfer"
	StageCleanup    = "cleanup"
)

// AudioType tags log uploads in credential requests.
const AudioType = "logs"

const DefaultMaxAttempts = 10

// FailureReporter is told about every failed batch. The logging facade
// implements it.
type FailureReporter interface {
	ReportUploadFailure(b model.LogBatch, stage string, err error)
}

// Worker uploads one batch at a time.
type Worker struct {
	Store       storage.LogStore
	Credentials CredentialIssuer
	Transport   Transport
	Reporter    FailureReporter
	// MaxAttempts dead-letters rows after that many failed uploads. 0 disables.
	MaxAttempts int
	Now         func() time.Time
	Log         *zap.Logger
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logger() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

// Process uploads b. Rows are deleted only after a successful transfer.
func (w *Worker) Process(ctx context.Context, b model.LogBatch) error {
	if len(b.Logs) == 0 {
		return nil
	}
	start := time.Now()
	first := b.Logs[0]
	filename := format.BatchFilename(b, w.now())

	cred, err := w.Credentials.Issue(ctx, CredentialRequest{
		PatientID:   b.PatientID,
		Filename:    filename,
		AudioType:   AudioType,
		DeviceName:  first.Metadata.Device.Name,
		ContentType: format.ContentType,
		LogCount:    len(b.Logs),
		SessionID:   first.Metadata.SessionID,
	})
	if err != nil {
		return w.fail(ctx, b, StageCredential, err)
	}
	if cred.UploadURL == "" || cred.Key == "" {
		return w.fail(ctx, b, StageCredential, ErrInvalidCredential)
	}

	body, err := format.Batch(b)
	if err != nil {
		return w.fail(ctx, b, StageSerialize, err)
	}
	if err := w.Transport.Transfer(ctx, cred, []byte(body)); err != nil {
		return w.fail(ctx, b, StageTransfer, err)
	}

	ids := model.IDs(b.Logs)
	if err := w.Store.DeleteLogs(context.WithoutCancel(ctx), ids); err != nil {
		// The file is already uploaded; make sure it is not sent twice.
		if markErr := w.Store.MarkLogsAsUploaded(context.WithoutCancel(ctx), ids); markErr != nil {
			w.logger().Error("uploaded rows could be neither deleted nor marked",
				zap.String("batch_id", b.BatchID), zap.Error(err), zap.NamedError("mark_error", markErr))
		}
		metrics.UploadBatches.WithLabelValues(string(b.LogType), "cleanup_failed").Inc()
		return fmt.Errorf("%s: %w", StageCleanup, err)
	}

	metrics.UploadBatches.WithLabelValues(string(b.LogType), "ok").Inc()
	metrics.UploadDuration.WithLabelValues(string(b.LogType)).Observe(time.Since(start).Seconds())
	w.logger().Info("uploaded log batch",
		zap.String("batch_id", b.BatchID),
		zap.String("key", cred.Key),
		zap.Int("count", len(b.Logs)))
	return nil
}

func (w *Worker) fail(ctx context.Context, b model.LogBatch, stage string, err error) error {
	metrics.UploadBatches.WithLabelValues(string(b.LogType), "error").Inc()
	w.logger().Warn("log batch upload failed",
		zap.String("batch_id", b.BatchID),
		zap.String("stage", stage),
		zap.Int("count", len(b.Logs)),
		zap.Error(err))

	if w.Reporter != nil {
		w.Reporter.ReportUploadFailure(b, stage, err)
	}

	dead, rerr := w.Store.RecordUploadFailure(context.WithoutCancel(ctx), model.IDs(b.Logs), w.MaxAttempts)
	if rerr != nil {
		w.logger().Warn("failed to record upload attempt", zap.Error(rerr))
	}
	if dead > 0 {
		metrics.DeadLettered.Add(float64(dead))
		w.logger().Error("log rows exceeded upload attempts", zap.String("batch_id", b.BatchID), zap.Int("rows", dead))
	}
	return fmt.Errorf("%s: %w", stage, err)
}
