package engine

import (
	"wisefido-incident/internal/models"
)

// rule 状态机规则
type rule struct {
	from  []models.Status // nil: any non-terminal status
	to    models.Status   // "": status unchanged
	tag   string
	field string
	admin bool
}

var rules = map[models.Action]rule{
	models.ActionAcknowledge: {
		from: []models.Status{models.StatusReported},
		to:   models.StatusAcknowledged, tag: models.AuditStatusChanged, field: models.FieldStatus,
	},
	models.ActionStart: {
		from: []models.Status{models.StatusAcknowledged, models.StatusEscalated},
		to:   models.StatusInProgress, tag: models.AuditStatusChanged, field: models.FieldStatus,
	},
	models.ActionResolve: {
		from: []models.Status{models.StatusAcknowledged, models.StatusInProgress, models.StatusEscalated},
		to:   models.StatusResolved, tag: models.AuditStatusChanged, field: models.FieldStatus,
	},
	models.ActionClose: {
		from: []models.Status{models.StatusReported, models.StatusAcknowledged, models.StatusInProgress, models.StatusEscalated},
		to:   models.StatusClosed, tag: models.AuditStatusChanged, field: models.FieldStatus,
	},
	models.ActionEscalate: {
		from: []models.Status{models.StatusReported, models.StatusAcknowledged, models.StatusInProgress},
		to:   models.StatusEscalated, tag: models.AuditEscalated, field: models.FieldStatus,
	},
	models.ActionReopen: {
		from: []models.Status{models.StatusResolved, models.StatusClosed},
		to:   models.StatusAcknowledged, tag: models.AuditReopened, field: models.FieldStatus, admin: true,
	},
	models.ActionAssign:     {tag: models.AuditAssigned, field: models.FieldAssignee},
	models.ActionPrioritize: {tag: models.AuditPriorityChanged, field: models.FieldPriority},
	models.ActionRelocate:   {tag: models.AuditLocationUpdated, field: models.FieldLocation},
	models.ActionAnnotate:   {tag: models.AuditAnnotated, field: models.FieldMedicalAnnotation},
	models.ActionDescribe:   {tag: models.AuditDescriptionUpdated, field: models.FieldDescription},
}

// Known reports whether a is a transition action (create is handled separately).
func Known(a models.Action) bool {
	_, ok := rules[a]
	return ok
}

// CanApply reports whether a is legal from status, ignoring authorization.
func CanApply(status models.Status, a models.Action) bool {
	r, ok := rules[a]
	if !ok {
		return false
	}
	if r.from == nil {
		return status.Valid() && !status.Terminal()
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a status-changing action leads to.
func TargetStatus(a models.Action) (models.Status, bool) {
	r, ok := rules[a]
	if !ok || r.to == "" {
		return "", false
	}
	return r.to, true
}

// FieldOf returns the audit field name written by a.
func FieldOf(a models.Action) string {
	if a == models.ActionCreate {
		return models.FieldIncident
	}
	return rules[a].field
}

// RequiresAdmin reports whether a is an administrative action.
func RequiresAdmin(a models.Action) bool {
	return rules[a].admin
}
