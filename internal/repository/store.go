package repository

import (
	"context"
	"time"

	"wisefido-incident/internal/models"
)

// IncidentReader 快照与审计查询
type IncidentReader interface {
	// GetIncident returns models.ErrNotFound when the incident does not exist.
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)

	// FindAuditByOperation returns the earliest audit entry carrying clientOperationID,
	// or nil when none exists. An empty incidentID searches every incident.
	FindAuditByOperation(ctx context.Context, incidentID, clientOperationID string) (*models.AuditEntry, error)
}

// Tx is the unit of work used by the engine: snapshot, audit entry and durable
// envelopes of one transition are committed together or not at all.
type Tx interface {
	IncidentReader

	InsertIncident(ctx context.Context, inc *models.Incident) error
	// UpdateIncident writes inc only if the stored version equals expectedVersion,
	// otherwise models.ErrVersionConflict.
	UpdateIncident(ctx context.Context, inc *models.Incident, expectedVersion int64) error
	// AppendAudit assigns entry.Sequence.
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	// AppendEnvelope assigns the next per-group env.SequenceNumber.
	AppendEnvelope(ctx context.Context, env *models.NotificationEnvelope) error
}

// IncidentStore 事件存储
type IncidentStore interface {
	IncidentReader

	// WithinTx runs fn in a transaction; any error from fn rolls back every write.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ListAudit returns entries of one incident in insertion order.
	ListAudit(ctx context.Context, incidentID string) ([]models.AuditEntry, error)

	// NextReferenceSeq draws from a never-reused sequence.
	NextReferenceSeq(ctx context.Context) (int64, error)
}

// NotificationQueue 持久化推送队列（按 group 单写者递增序号）
type NotificationQueue interface {
	// ReplayEnvelopes returns envelopes with sequence > afterSeq in sequence order.
	ReplayEnvelopes(ctx context.Context, groupKey string, afterSeq int64, limit int) ([]models.NotificationEnvelope, error)
	// AckEnvelopes moves the subscriber cursor forward; it never moves back.
	AckEnvelopes(ctx context.Context, groupKey, subscriberID string, seq int64) error
	// PurgeEnvelopes drops envelopes created before cutoff and envelopes every
	// known subscriber of their group has acknowledged.
	PurgeEnvelopes(ctx context.Context, cutoff time.Time) (int64, error)
}

// IntegrationRepository 外部转发记录
type IntegrationRepository interface {
	// GetActiveIntegration returns the non-failed record for the pair, or models.ErrNotFound.
	GetActiveIntegration(ctx context.Context, incidentID, service string) (*models.IntegrationRecord, error)
	// SaveIntegration inserts or updates the non-failed record for the pair.
	SaveIntegration(ctx context.Context, rec *models.IntegrationRecord) error
	ListDueIntegrations(ctx context.Context, now time.Time, limit int) ([]models.IntegrationRecord, error)
	ListIntegrations(ctx context.Context, incidentID string) ([]models.IntegrationRecord, error)
}

// Store bundles every persistence concern of the service.
type Store interface {
	IncidentStore
	NotificationQueue
	IntegrationRepository
}
