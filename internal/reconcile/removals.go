package reconcile

import (
	"slices"

	"rostersync.org/internal/roster"
)

// RemovalPlan lists sync-originated people to deactivate.
type RemovalPlan struct {
	PersonIDs []string
	Counters  roster.Counters
}

// PlanRemovals finds active sync-originated people who belong to none of the
// currently mapped groups. memberships must be the post-reconciliation
// membership rows of mappedGroupIDs.
func PlanRemovals(synced []roster.Person, memberships []roster.Membership, mappedGroupIDs []string) RemovalPlan {
	mapped := make(map[string]bool, len(mappedGroupIDs))
	for _, id := range mappedGroupIDs {
		mapped[id] = true
	}
	inMapped := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		if mapped[m.GroupID] {
			inMapped[m.PersonID] = true
		}
	}
	var plan RemovalPlan
	for _, p := range synced {
		if !p.Active() || inMapped[p.ID] {
			continue
		}
		plan.PersonIDs = append(plan.PersonIDs, p.ID)
		plan.Counters.PeopleRemoved++
	}
	slices.Sort(plan.PersonIDs)
	return plan
}
