package models

import (
	"time"
)

// NewIncidentRef marks an offline operation that creates an incident.
const NewIncidentRef = "new"

// OfflineOperation 离线缓存的客户端操作
type OfflineOperation struct {
	ClientOperationID string    `json:"client_operation_id"`
	DeviceID          string    `json:"device_id"`
	ActorID           string    `json:"actor_id,omitempty"` // empty: the device acts for itself
	IncidentID        string    `json:"incident_id"`        // "new", an incident id, or the client_operation_id of an earlier create
	OperationType     Action    `json:"operation_type"`
	ExpectedVersion   int64     `json:"expected_version"`
	Payload           Payload   `json:"payload"`
	CapturedAt        time.Time `json:"captured_at"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// SyncOutcome 回放结果
type SyncOutcome string

const (
	OutcomeApplied           SyncOutcome = "applied"
	OutcomeAlreadyApplied    SyncOutcome = "alreadyApplied"
	OutcomeSuperseded        SyncOutcome = "superseded"
	OutcomeAppliedWithRebase SyncOutcome = "appliedWithRebase"
	OutcomeRejected          SyncOutcome = "rejected"
	OutcomeTimeout           SyncOutcome = "timeout"
)

// OutcomeRecord is returned to the device for every submitted operation.
type OutcomeRecord struct {
	ClientOperationID string      `json:"client_operation_id"`
	IncidentID        string      `json:"incident_id,omitempty"`
	Outcome           SyncOutcome `json:"outcome"`
	Version           int64       `json:"version,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	Incident          *Incident   `json:"incident,omitempty"`
}
