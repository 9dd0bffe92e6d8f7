package models

import (
	"strings"
	"time"
)

const (
	groupResponderPrefix = "responder:"
	groupFamilyPrefix    = "family:"

	// DashboardGroup receives every transition and dispatcher alerts.
	DashboardGroup = "dashboard:global"
	// ExternalEscalationGroup is the placeholder group for escalations handed to the dispatcher.
	ExternalEscalationGroup = "external:escalation"
)

func ResponderGroup(userID string) string  { return groupResponderPrefix + userID }
func FamilyGroup(incidentID string) string { return groupFamilyPrefix + incidentID }

// ValidGroupKey accepts the group shapes produced by fan-out.
func ValidGroupKey(key string) bool {
	switch {
	case key == DashboardGroup, key == ExternalEscalationGroup:
		return true
	case strings.HasPrefix(key, groupResponderPrefix):
		return len(key) > len(groupResponderPrefix)
	case strings.HasPrefix(key, groupFamilyPrefix):
		return len(key) > len(groupFamilyPrefix)
	}
	return false
}

// EnvelopePayload 推送内容
type EnvelopePayload struct {
	Status Status         `json:"status"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// NotificationEnvelope 推送单元（notification_envelopes 表）
type NotificationEnvelope struct {
	IncidentID     string          `json:"incident_id" db:"incident_id"`
	GroupKey       string          `json:"group_key" db:"group_key"`
	Payload        EnvelopePayload `json:"payload" db:"payload"` // JSONB
	SequenceNumber int64           `json:"sequence_number" db:"seq"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Alert is a human-visible failure report (e.g. dispatch gave up).
type Alert struct {
	Kind       string    `json:"kind"`
	IncidentID string    `json:"incident_id"`
	Service    string    `json:"service,omitempty"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
}
