package notify

import (
	"wisefido-incident/internal/models"
)

// GroupsFor 计算一次状态变更需要推送的订阅组
// The previous assignee is notified on reassignment; escalations also reach the external placeholder group.
func GroupsFor(inc *models.Incident, auditAction, previousAssignee string) []string {
	groups := make([]string, 0, 5)
	if a := inc.Assignee(); a != "" {
		groups = append(groups, models.ResponderGroup(a))
	}
	if previousAssignee != "" && previousAssignee != inc.Assignee() {
		groups = append(groups, models.ResponderGroup(previousAssignee))
	}
	groups = append(groups, models.FamilyGroup(inc.ID), models.DashboardGroup)
	if auditAction == models.AuditEscalated {
		groups = append(groups, models.ExternalEscalationGroup)
	}
	return groups
}
