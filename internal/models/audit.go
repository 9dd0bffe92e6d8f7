package models

import (
	"time"
)

// Action 请求动作
type Action string

const (
	ActionCreate      Action = "create"
	ActionAcknowledge Action = "acknowledge"
	ActionStart       Action = "start"
	ActionResolve     Action = "resolve"
	ActionClose       Action = "close"
	ActionEscalate    Action = "escalate"
	ActionReopen      Action = "reopen"
	ActionAssign      Action = "assign"
	ActionPrioritize  Action = "prioritize"
	ActionRelocate    Action = "relocate"
	ActionAnnotate    Action = "annotate"
	ActionDescribe    Action = "describe"
)

// Audit action tags written to incident_audit.action
const (
	AuditCreated            = "created"
	AuditStatusChanged      = "status_changed"
	AuditEscalated          = "escalated"
	AuditReopened           = "reopened"
	AuditAssigned           = "assigned"
	AuditPriorityChanged    = "priority_changed"
	AuditLocationUpdated    = "location_updated"
	AuditAnnotated          = "annotated"
	AuditDescriptionUpdated = "description_updated"

	// sync outcome records are prefixed, e.g. "sync_superseded"
	AuditSyncPrefix = "sync_"
)

// Audit field names
const (
	FieldIncident          = "incident"
	FieldStatus            = "status"
	FieldAssignee          = "assignee_id"
	FieldPriority          = "priority"
	FieldLocation          = "location"
	FieldMedicalAnnotation = "medical_annotation"
	FieldDescription       = "description"
)

// SourceOrigin 变更来源
type SourceOrigin string

const (
	OriginLive          SourceOrigin = "live"
	OriginOfflineReplay SourceOrigin = "offline-replay"
)

// AuditEntry 审计记录（incident_audit 表，只追加）
type AuditEntry struct {
	Sequence          int64        `json:"sequence" db:"seq"`
	IncidentID        string       `json:"incident_id" db:"incident_id"`
	Version           int64        `json:"version" db:"version"` // 0 = not a transition
	ActorID           *string      `json:"actor_id,omitempty" db:"actor_id"`
	Action            string       `json:"action" db:"action"`
	FieldName         string       `json:"field_name" db:"field_name"`
	OldValue          string       `json:"old_value" db:"old_value"`
	NewValue          string       `json:"new_value" db:"new_value"`
	SourceOrigin      SourceOrigin `json:"source_origin" db:"source_origin"`
	ClientOperationID *string      `json:"client_operation_id,omitempty" db:"client_operation_id"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// IsTransition reports whether the entry changed the snapshot.
func (e AuditEntry) IsTransition() bool {
	return e.Version > 0
}

// TransitionEvent is handed to fan-out once a transition is accepted.
type TransitionEvent struct {
	Incident         *Incident
	Entry            AuditEntry
	PreviousAssignee string
}
