package models

import (
	"time"
)

// Status 事件生命周期状态
type Status string

const (
	StatusReported     Status = "reported"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "inProgress"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
	StatusEscalated    Status = "escalated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReported, StatusAcknowledged, StatusInProgress, StatusResolved, StatusClosed, StatusEscalated:
		return true
	}
	return false
}

// Terminal resolved/closed only accept the administrative reopen.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Rank orders statuses along the path used by offline conflict resolution.
// escalated ranks above the terminal states: an escalation always wins over a
// replayed resolution the device recorded without seeing it.
func (s Status) Rank() int {
	switch s {
	case StatusReported:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusInProgress:
		return 2
	case StatusResolved, StatusClosed:
		return 3
	case StatusEscalated:
		return 4
	}
	return -1
}

// Priority 优先级（low < medium < high < critical）
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Level returns the ordinal of p, or 0 for an unknown priority.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool { return p.Level() > 0 }

// Category drives the external dispatch policy.
type Category string

const (
	CategoryMedical  Category = "medical"
	CategoryFall     Category = "fall"
	CategoryFire     Category = "fire"
	CategorySecurity Category = "security"
	CategoryOther    Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryMedical, CategoryFall, CategoryFire, CategorySecurity, CategoryOther:
		return true
	}
	return false
}

// Location 上报位置
type Location struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	Source         string    `json:"source"` // gps, network, manual
	CapturedAt     time.Time `json:"captured_at"`
}

// MedicalAnnotation is encrypted by the client; the service only stores it.
type MedicalAnnotation struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// Incident 事件快照（incidents 表）
type Incident struct {
	ID                string             `json:"id" db:"incident_id"`
	Reference         string             `json:"reference" db:"reference"`
	Category          Category           `json:"category" db:"category"`
	Status            Status             `json:"status" db:"status"`
	Priority          Priority           `json:"priority" db:"priority"`
	ReporterID        string             `json:"reporter_id" db:"reporter_id"`
	AssigneeID        *string            `json:"assignee_id,omitempty" db:"assignee_id"`
	Location          Location           `json:"location" db:"location"` // JSONB
	Description       string             `json:"description,omitempty" db:"description"`
	MedicalAnnotation *MedicalAnnotation `json:"medical_annotation,omitempty" db:"medical_annotation"` // JSONB
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
	Version           int64              `json:"version" db:"version"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	if i.AssigneeID != nil {
		v := *i.AssigneeID
		out.AssigneeID = &v
	}
	if i.MedicalAnnotation != nil {
		m := *i.MedicalAnnotation
		m.Ciphertext = append([]byte(nil), i.MedicalAnnotation.Ciphertext...)
		out.MedicalAnnotation = &m
	}
	return &out
}

// Assignee returns the assignee id or "".
func (i *Incident) Assignee() string {
	if i == nil || i.AssigneeID == nil {
		return ""
	}
	return *i.AssigneeID
}

// Payload carries the fields an action may change. Create uses Category,
// Priority, Location, Description and MedicalAnnotation.
type Payload struct {
	Category          Category           `json:"category,omitempty"`
	Priority          Priority           `json:"priority,omitempty"`
	AssigneeID        *string            `json:"assignee_id,omitempty"`
	Location          *Location          `json:"location,omitempty"`
	Description       *string            `json:"description,omitempty"`
	MedicalAnnotation *MedicalAnnotation `json:"medical_annotation,omitempty"`
}
