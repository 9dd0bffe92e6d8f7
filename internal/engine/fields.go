package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-incident/internal/models"
)

// apply 在快照副本上执行动作，返回新快照和审计旧值/新值
func apply(cur *models.Incident, action models.Action, p models.Payload) (next *models.Incident, oldVal, newVal string, err error) {
	r := rules[action]
	next = cur.Clone()

	if r.to != "" {
		next.Status = r.to
		return next, string(cur.Status), string(r.to), nil
	}

	oldVal = FieldValue(cur, r.field)
	switch action {
	case models.ActionAssign:
		if p.AssigneeID == nil || strings.TrimSpace(*p.AssigneeID) == "" {
			return nil, "", "", models.Validationf("assignee_id is required")
		}
		v := strings.TrimSpace(*p.AssigneeID)
		next.AssigneeID = &v
	case models.ActionPrioritize:
		if !p.Priority.Valid() {
			return nil, "", "", models.Validationf("invalid priority %q", p.Priority)
		}
		next.Priority = p.Priority
	case models.ActionRelocate:
		if p.Location == nil {
			return nil, "", "", models.Validationf("location is required")
		}
		if err := validateLocation(*p.Location); err != nil {
			return nil, "", "", err
		}
		next.Location = *p.Location
	case models.ActionAnnotate:
		m := p.MedicalAnnotation
		if m == nil || m.KeyID == "" || len(m.Ciphertext) == 0 {
			return nil, "", "", models.Validationf("medical_annotation requires key_id and ciphertext")
		}
		next.MedicalAnnotation = &models.MedicalAnnotation{KeyID: m.KeyID, Ciphertext: append([]byte(nil), m.Ciphertext...)}
	case models.ActionDescribe:
		if p.Description == nil {
			return nil, "", "", models.Validationf("description is required")
		}
		next.Description = *p.Description
	default:
		return nil, "", "", models.Validationf("unsupported action %q", action)
	}
	return next, oldVal, FieldValue(next, r.field), nil
}

func validateLocation(l models.Location) error {
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
		return models.Validationf("location out of range")
	}
	if l.AccuracyMeters < 0 {
		return models.Validationf("location accuracy must not be negative")
	}
	return nil
}

// FieldValue renders one snapshot field the way audit entries store it.
func FieldValue(inc *models.Incident, field string) string {
	switch field {
	case models.FieldStatus:
		return string(inc.Status)
	case models.FieldAssignee:
		return inc.Assignee()
	case models.FieldPriority:
		return string(inc.Priority)
	case models.FieldDescription:
		return inc.Description
	case models.FieldLocation:
		b, _ := json.Marshal(inc.Location)
		return string(b)
	case models.FieldMedicalAnnotation:
		if inc.MedicalAnnotation == nil {
			return ""
		}
		b, _ := json.Marshal(inc.MedicalAnnotation)
		return string(b)
	case models.FieldIncident:
		b, _ := json.Marshal(inc)
		return string(b)
	}
	return ""
}

// IntendedValue renders what an action would write, without a base snapshot.
func IntendedValue(action models.Action, p models.Payload) string {
	if to, ok := TargetStatus(action); ok {
		return string(to)
	}
	probe := &models.Incident{}
	switch action {
	case models.ActionAssign:
		probe.AssigneeID = p.AssigneeID
	case models.ActionPrioritize:
		probe.Priority = p.Priority
	case models.ActionRelocate:
		if p.Location != nil {
			probe.Location = *p.Location
		}
	case models.ActionAnnotate:
		probe.MedicalAnnotation = p.MedicalAnnotation
	case models.ActionDescribe:
		if p.Description != nil {
			probe.Description = *p.Description
		}
	}
	return FieldValue(probe, FieldOf(action))
}

// setField is the inverse of FieldValue, used when folding the audit log.
func setField(inc *models.Incident, field, value string) error {
	switch field {
	case models.FieldStatus:
		inc.Status = models.Status(value)
	case models.FieldAssignee:
		if value == "" {
			inc.AssigneeID = nil
		} else {
			v := value
			inc.AssigneeID = &v
		}
	case models.FieldPriority:
		inc.Priority = models.Priority(value)
	case models.FieldDescription:
		inc.Description = value
	case models.FieldLocation:
		var l models.Location
		if err := json.Unmarshal([]byte(value), &l); err != nil {
			return fmt.Errorf("decode location: %w", err)
		}
		inc.Location = l
	case models.FieldMedicalAnnotation:
		if value == "" {
			inc.MedicalAnnotation = nil
			return nil
		}
		var m models.MedicalAnnotation
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return fmt.Errorf("decode medical annotation: %w", err)
		}
		inc.MedicalAnnotation = &m
	default:
		return fmt.Errorf("unknown audit field %q", field)
	}
	return nil
}
