package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

// AuditSink receives security-relevant records. Sinks absorb their own
// failures; an audit write must never fail the operation it describes.
type AuditSink interface {
	Record(ctx context.Context, record *models.AuditRecord)
}

// AuditEntry builds a record from the calling tenant context.
func AuditEntry(tc tenant.Context, action, resource, outcome string, detail models.JSONMap) *models.AuditRecord {
	record := &models.AuditRecord{
		OrganizationID: tc.OrganizationID,
		Action:         action,
		Resource:       resource,
		Outcome:        outcome,
		Detail:         detail,
	}
	if tc.ActorID != uuid.Nil {
		actor := tc.ActorID
		record.ActorID = &actor
	}
	return record
}

// LogAuditSink writes audit records to the structured log.
type LogAuditSink struct {
	logger observability.Logger
}

// NewLogAuditSink creates a log-backed audit sink.
func NewLogAuditSink(logger observability.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Record logs the audit record.
func (s *LogAuditSink) Record(ctx context.Context, record *models.AuditRecord) {
	s.logger.Info("AUDIT: "+record.Action, map[string]interface{}{
		"organization_id": record.OrganizationID.String(),
		"actor_id":        actorField(record),
		"resource":        record.Resource,
		"outcome":         record.Outcome,
		"detail":          record.Detail,
	})
}

// StoreAuditSink persists audit records through the MetaStore.
type StoreAuditSink struct {
	store  MetaStore
	logger observability.Logger
}

// NewStoreAuditSink creates a store-backed audit sink.
func NewStoreAuditSink(store MetaStore, logger observability.Logger) *StoreAuditSink {
	return &StoreAuditSink{store: store, logger: logger}
}

// Record inserts the audit record, logging rather than propagating failures.
func (s *StoreAuditSink) Record(ctx context.Context, record *models.AuditRecord) {
	if err := s.store.InsertAudit(ctx, record); err != nil {
		s.logger.Error("Failed to persist audit record", map[string]interface{}{
			"action":          record.Action,
			"organization_id": record.OrganizationID.String(),
			"error":           err.Error(),
		})
	}
}

// MultiAuditSink fans a record out to several sinks.
type MultiAuditSink struct {
	sinks []AuditSink
}

// NewMultiAuditSink combines sinks into one.
func NewMultiAuditSink(sinks ...AuditSink) *MultiAuditSink {
	return &MultiAuditSink{sinks: sinks}
}

// Record delivers the record to every sink.
func (s *MultiAuditSink) Record(ctx context.Context, record *models.AuditRecord) {
	for _, sink := range s.sinks {
		sink.Record(ctx, record)
	}
}

// NopAuditSink discards records. Used by components that run without
// audit logging enabled.
type NopAuditSink struct{}

// Record drops the record.
func (NopAuditSink) Record(ctx context.Context, record *models.AuditRecord) {}

func actorField(record *models.AuditRecord) string {
	if record.ActorID == nil {
		return ""
	}
	return record.ActorID.String()
}
