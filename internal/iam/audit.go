package iam

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord is a structured change record emitted on role/permission
// mutations and on super-admin bypasses.
type AuditRecord struct {
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	TenantID   string         `json:"tenant_id"`
	Changes    map[string]any `json:"changes,omitempty"`
	At         time.Time      `json:"at"`
}

// Emitter receives audit records. The engine calls it but does not own its
// storage; emission failures must never fail the underlying mutation.
type Emitter interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// NopEmitter discards records. Used in tests and when auditing is disabled.
type NopEmitter struct{}

// Record implements Emitter.
func (NopEmitter) Record(ctx context.Context, rec AuditRecord) error { return nil }

// AuditRecorder writes records into iam_audit_logs.
type AuditRecorder struct {
	pool *pgxpool.Pool
}

// NewAuditRecorder returns a Postgres-backed recorder.
func NewAuditRecorder(pool *pgxpool.Pool) *AuditRecorder {
	return &AuditRecorder{pool: pool}
}

// Record persists the audit entry.
func (r *AuditRecorder) Record(ctx context.Context, rec AuditRecord) error {
	if r == nil || r.pool == nil {
		return errors.New("iam: audit recorder not initialised")
	}
	if rec.Action == "" || rec.EntityType == "" || rec.EntityID == "" {
		return errors.New("iam: audit record requires action/entity_type/entity_id")
	}
	changesJSON, err := json.Marshal(rec.Changes)
	if err != nil {
		return err
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO iam_audit_logs (actor_id, tenant_id, action, entity_type, entity_id, changes, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ActorID, rec.TenantID, rec.Action, rec.EntityType, rec.EntityID, changesJSON, at)
	return err
}
