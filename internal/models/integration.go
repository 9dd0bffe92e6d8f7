package models

import (
	"time"
)

// IntegrationStatus 外部转发状态
type IntegrationStatus string

const (
	IntegrationPending      IntegrationStatus = "pending"
	IntegrationSent         IntegrationStatus = "sent"
	IntegrationAcknowledged IntegrationStatus = "acknowledged"
	IntegrationFailed       IntegrationStatus = "failed"
)

// IntegrationRecord 外部急救服务转发记录（integration_records 表）
// At most one non-failed record exists per (incident, external service).
type IntegrationRecord struct {
	IncidentID          string            `json:"incident_id" db:"incident_id"`
	ExternalService     string            `json:"external_service" db:"external_service"`
	ExternalReferenceID *string           `json:"external_reference_id,omitempty" db:"external_reference_id"`
	Status              IntegrationStatus `json:"status" db:"status"`
	AttemptCount        int               `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt       *time.Time        `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextRetryAt         *time.Time        `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError           string            `json:"last_error,omitempty" db:"last_error"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}
