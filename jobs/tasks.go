package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vantage-saas/vantage-iam/internal/iam"
	jobmetrics "github.com/vantage-saas/vantage-iam/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditRecord is the task type for persisting audit entries.
	TaskTypeAuditRecord = "audit:record"
)

// NewAuditRecordTask constructs an Asynq task carrying one audit entry.
func NewAuditRecordTask(rec iam.AuditRecord) (*asynq.Task, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditRecord, data), nil
}

// NewAuditRecordHandler returns the worker-side handler that persists audit
// entries through the given recorder.
func NewAuditRecordHandler(recorder iam.Emitter, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("audit_record")
		var rec iam.AuditRecord
		if err := json.Unmarshal(t.Payload(), &rec); err != nil {
			logger.Warn("audit task payload malformed", slog.Any("error", err))
			return tracker.End(asynq.SkipRetry)
		}
		return tracker.End(recorder.Record(ctx, rec))
	}
}

// AsyncEmitter enqueues audit records for background persistence. It keeps
// mutation latency independent of the audit store.
type AsyncEmitter struct {
	client *Client
	logger *slog.Logger
}

// NewAsyncEmitter constructs an AsyncEmitter over the queue client.
func NewAsyncEmitter(client *Client, logger *slog.Logger) *AsyncEmitter {
	return &AsyncEmitter{client: client, logger: logger}
}

// Record enqueues the audit entry.
func (e *AsyncEmitter) Record(ctx context.Context, rec iam.AuditRecord) error {
	if e == nil || e.client == nil {
		return nil
	}
	if _, err := e.client.EnqueueAuditRecord(ctx, rec); err != nil {
		return err
	}
	return nil
}

var _ iam.Emitter = (*AsyncEmitter)(nil)
