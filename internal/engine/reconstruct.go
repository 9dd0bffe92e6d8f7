package engine

import (
	"encoding/json"
	"fmt"

	"wisefido-incident/internal/models"
)

// Reconstruct folds audit entries (insertion order) back into a snapshot.
// Entries with Version 0 are sync outcome records and carry no state.
func Reconstruct(entries []models.AuditEntry) (*models.Incident, error) {
	var inc *models.Incident
	for _, e := range entries {
		if !e.IsTransition() {
			continue
		}
		if inc == nil {
			if e.Action != models.AuditCreated {
				return nil, fmt.Errorf("audit log of %s does not start with %s", e.IncidentID, models.AuditCreated)
			}
			inc = &models.Incident{}
			if err := json.Unmarshal([]byte(e.NewValue), inc); err != nil {
				return nil, fmt.Errorf("decode created snapshot: %w", err)
			}
			inc.Version = e.Version
			continue
		}
		if e.Version != inc.Version+1 {
			return nil, fmt.Errorf("audit gap for %s: version %d after %d", e.IncidentID, e.Version, inc.Version)
		}
		if err := setField(inc, e.FieldName, e.NewValue); err != nil {
			return nil, err
		}
		inc.Version = e.Version
		inc.UpdatedAt = e.CreatedAt
	}
	if inc == nil {
		return nil, models.ErrNotFound
	}
	return inc, nil
}
