package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"rostersync.org/internal/obs"
	"rostersync.org/internal/reconcile"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/stream"
)

// run carries the state of one PerformSync call.
type run struct {
	*Syncer
	in           roster.Integration
	logID        string
	stage        Stage
	counters     roster.Counters
	failedGroups []string
}

// groupFetch is the people of one internal group, merged across every
// syncable mapping that points at it.
type groupFetch struct {
	mappings []roster.GroupMapping
	people   []roster.ExternalPerson
	failed   bool
}

func (r *run) enter(stage Stage) {
	r.stage = stage
	r.publish(stream.Event{IntegrationID: r.in.ID, SyncLogID: r.logID, Stage: string(stage)})
}

func (r *run) execute(ctx context.Context) error {
	r.enter(StageFetchingGroups)
	src, err := r.connector.Connect(ctx, r.in)
	if err != nil {
		return err
	}
	lists, err := src.Lists(ctx)
	if err != nil {
		return err
	}
	mappings, err := r.store.Mappings().ListByIntegration(ctx, r.in.ID)
	if err != nil {
		return &roster.ReconciliationError{Op: "list mappings", Err: err}
	}
	groupPlan := reconcile.PlanGroups(r.in.ID, lists, mappings)

	r.enter(StageFetchingPeople)
	groups, order, err := r.fetchPeople(ctx, src, mappings, groupPlan.Present)
	if err != nil {
		return err
	}

	r.enter(StageReconciling)
	if err := r.applyGroups(ctx, groupPlan); err != nil {
		return err
	}
	if err := r.applyMembers(ctx, groups, order); err != nil {
		return err
	}
	if err := r.applyRemovals(ctx, mappings); err != nil {
		return err
	}
	r.enter(StageFinalizing)
	return nil
}

// fetchPeople loads the people of every mapped, member-synced list that the
// provider still returns. A failed list is recorded and skipped unless the
// failure means the credentials are unusable.
func (r *run) fetchPeople(ctx context.Context, src Source, mappings []roster.GroupMapping, present map[string]bool) (map[string]*groupFetch, []string, error) {
	groups := make(map[string]*groupFetch)
	var order []string
	var targets []roster.GroupMapping
	for _, m := range mappings {
		if !reconcile.Syncable(m) || !present[m.ExternalGroupID] {
			continue
		}
		g, ok := groups[m.GroupID()]
		if !ok {
			g = &groupFetch{}
			groups[m.GroupID()] = g
			order = append(order, m.GroupID())
		}
		g.mappings = append(g.mappings, m)
		targets = append(targets, m)
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for _, m := range targets {
		eg.Go(func() error {
			people, err := src.ListPeople(egCtx, m.ExternalGroupID)
			mu.Lock()
			defer mu.Unlock()
			g := groups[m.GroupID()]
			if err != nil {
				if !roster.Retryable(err) {
					return err
				}
				g.failed = true
				r.failedGroups = append(r.failedGroups, m.ExternalGroupID)
				obs.SyncFailedGroups.Inc()
				obs.Logger().Warn().Err(err).
					Str("integration_id", r.in.ID).
					Str("external_group_id", m.ExternalGroupID).
					Msg("people fetch failed; group skipped")
				return nil
			}
			g.people = append(g.people, people...)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	slices.Sort(r.failedGroups)
	return groups, order, nil
}

func (r *run) applyGroups(ctx context.Context, plan reconcile.GroupPlan) error {
	mappings := r.store.Mappings()
	for _, m := range plan.Create {
		err := mappings.Create(ctx, &m)
		if errors.Is(err, roster.ErrConflict) {
			// created concurrently by another writer; fall back to refresh
			err = r.refreshByExternalID(ctx, m)
		}
		if err != nil {
			return &roster.ReconciliationError{Op: "create mapping " + m.ExternalGroupID, Err: err}
		}
	}
	for _, m := range plan.Refresh {
		if err := mappings.UpdateExternal(ctx, m.ID, m.ExternalGroupName, m.ExternalGroupType); err != nil {
			return &roster.ReconciliationError{Op: "refresh mapping " + m.ExternalGroupID, Err: err}
		}
	}
	r.counters.Add(plan.Counters)
	return nil
}

func (r *run) refreshByExternalID(ctx context.Context, m roster.GroupMapping) error {
	current, err := r.store.Mappings().ListByIntegration(ctx, r.in.ID)
	if err != nil {
		return err
	}
	for _, c := range current {
		if c.ExternalGroupID == m.ExternalGroupID {
			return r.store.Mappings().UpdateExternal(ctx, c.ID, m.ExternalGroupName, m.ExternalGroupType)
		}
	}
	return fmt.Errorf("mapping %s conflicted but was not found", m.ExternalGroupID)
}

func (r *run) applyMembers(ctx context.Context, groups map[string]*groupFetch, order []string) error {
	if len(order) == 0 {
		return nil
	}
	people, err := r.store.People().ListByOrganization(ctx, r.in.OrganizationID)
	if err != nil {
		return &roster.ReconciliationError{Op: "list people", Err: err}
	}
	current, err := r.store.Memberships().ListByGroups(ctx, order)
	if err != nil {
		return &roster.ReconciliationError{Op: "list memberships", Err: err}
	}
	members := make(map[string][]string, len(order))
	for _, m := range current {
		members[m.GroupID] = append(members[m.GroupID], m.PersonID)
	}

	planner := reconcile.NewPlanner(r.in.OrganizationID, r.in.ID, people)
	for _, groupID := range order {
		g := groups[groupID]
		// membership can only be made exact when every contributing list was read
		if g.failed {
			continue
		}
		plan := planner.PlanGroup(g.mappings[0], g.people, members[groupID])
		if err := r.applyMemberPlan(ctx, plan); err != nil {
			return err
		}
		r.counters.Add(plan.Counters)
	}
	return nil
}

func (r *run) applyMemberPlan(ctx context.Context, plan reconcile.MemberPlan) error {
	people := r.store.People()
	for _, p := range plan.Create {
		if r.passwords != nil {
			hash, err := r.passwords.TemporaryPassword()
			if err != nil {
				return &roster.ReconciliationError{Op: "provision password", Err: err}
			}
			p.PasswordHash = hash
			p.MustResetPassword = true
		}
		if err := people.Create(ctx, &p); err != nil {
			return &roster.ReconciliationError{Op: "create person", Err: err}
		}
	}
	for _, p := range plan.Update {
		if err := people.UpdateSyncFields(ctx, p); err != nil {
			return &roster.ReconciliationError{Op: "update person " + p.ID, Err: err}
		}
	}
	memberships := r.store.Memberships()
	for _, id := range plan.Add {
		if err := memberships.Add(ctx, id, plan.GroupID); err != nil {
			return &roster.ReconciliationError{Op: "add membership", Err: err}
		}
	}
	for _, id := range plan.Remove {
		if err := memberships.Remove(ctx, id, plan.GroupID); err != nil {
			return &roster.ReconciliationError{Op: "remove membership", Err: err}
		}
	}
	return nil
}

// applyRemovals deactivates sync-originated people that are no longer in any
// currently mapped group.
func (r *run) applyRemovals(ctx context.Context, mappings []roster.GroupMapping) error {
	var mapped []string
	for _, m := range mappings {
		if m.Mapped() && !slices.Contains(mapped, m.GroupID()) {
			mapped = append(mapped, m.GroupID())
		}
	}
	synced, err := r.store.People().ListSyncOriginated(ctx, r.in.ID)
	if err != nil {
		return &roster.ReconciliationError{Op: "list synced people", Err: err}
	}
	if len(synced) == 0 {
		return nil
	}
	var memberships []roster.Membership
	if len(mapped) > 0 {
		if memberships, err = r.store.Memberships().ListByGroups(ctx, mapped); err != nil {
			return &roster.ReconciliationError{Op: "list memberships", Err: err}
		}
	}
	plan := reconcile.PlanRemovals(synced, memberships, mapped)
	for _, id := range plan.PersonIDs {
		if err := r.store.Memberships().RemoveAllForPerson(ctx, id); err != nil {
			return &roster.ReconciliationError{Op: "remove memberships " + id, Err: err}
		}
		if err := r.store.People().Deactivate(ctx, id); err != nil {
			return &roster.ReconciliationError{Op: "deactivate " + id, Err: err}
		}
	}
	r.counters.Add(plan.Counters)
	return nil
}
