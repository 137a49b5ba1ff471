// Package reconcile computes the changes that bring the internal roster in
// line with the provider. It performs no I/O; callers apply the plans.
package reconcile

import "rostersync.org/internal/roster"

// GroupPlan lists mapping writes for one run.
type GroupPlan struct {
	// Create holds mappings for lists seen for the first time. They are
	// created unlinked; only an operator links them.
	Create []roster.GroupMapping
	// Refresh holds existing mappings whose external metadata changed.
	Refresh []roster.GroupMapping
	// Counters counts a linked mapping as updated only when its name or type
	// changed; an unchanged mapping counts as skipped.
	Counters roster.Counters
	// Present is the set of external ids returned by the provider.
	Present map[string]bool
}

// PlanGroups compares the provider's lists with the stored mappings.
// Mappings whose list disappeared are left alone.
func PlanGroups(integrationID string, lists []roster.ExternalList, mappings []roster.GroupMapping) GroupPlan {
	byExternal := make(map[string]roster.GroupMapping, len(mappings))
	for _, m := range mappings {
		byExternal[m.ExternalGroupID] = m
	}
	plan := GroupPlan{Present: make(map[string]bool, len(lists))}
	for _, l := range lists {
		if l.ID == "" || plan.Present[l.ID] {
			continue
		}
		plan.Present[l.ID] = true

		m, ok := byExternal[l.ID]
		if !ok {
			plan.Create = append(plan.Create, roster.GroupMapping{
				IntegrationID:     integrationID,
				ExternalGroupID:   l.ID,
				ExternalGroupName: l.Name,
				ExternalGroupType: l.Type,
				SyncMembers:       true,
			})
			plan.Counters.GroupsAdded++
			continue
		}
		changed := m.ExternalGroupName != l.Name || m.ExternalGroupType != l.Type
		if changed {
			m.ExternalGroupName = l.Name
			m.ExternalGroupType = l.Type
			plan.Refresh = append(plan.Refresh, m)
		}
		if changed && m.Mapped() {
			plan.Counters.GroupsUpdated++
		} else {
			plan.Counters.GroupsSkipped++
		}
	}
	return plan
}

// Syncable reports whether the members of m are reconciled.
func Syncable(m roster.GroupMapping) bool {
	return m.Mapped() && m.SyncMembers
}
