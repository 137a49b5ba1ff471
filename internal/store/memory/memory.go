// Package memory implements the roster repositories in process memory.
// It backs tests and local single-node runs.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

// Store implements roster.Store. All repositories share one lock so multi-field
// writes such as credential rotation are never observed half applied.
type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	integrations map[string]*roster.Integration
	mappings     map[string]*roster.GroupMapping
	people       map[string]*roster.Person
	memberships  map[membershipKey]time.Time
	logs         map[string]*roster.SyncLog
	logOrder     []string
}

type membershipKey struct {
	person string
	group  string
}

var _ roster.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		integrations: make(map[string]*roster.Integration),
		mappings:     make(map[string]*roster.GroupMapping),
		people:       make(map[string]*roster.Person),
		memberships:  make(map[membershipKey]time.Time),
		logs:         make(map[string]*roster.SyncLog),
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Integrations() roster.IntegrationStore { return integrationRepo{s} }
func (s *Store) Mappings() roster.MappingStore         { return mappingRepo{s} }
func (s *Store) People() roster.PersonStore            { return personRepo{s} }
func (s *Store) Memberships() roster.MembershipStore   { return membershipRepo{s} }
func (s *Store) SyncLogs() roster.SyncLogStore         { return syncLogRepo{s} }

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func strPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyIntegration(in *roster.Integration) roster.Integration {
	out := *in
	out.LastSyncAt = timePtr(in.LastSyncAt)
	out.NextSyncAt = timePtr(in.NextSyncAt)
	out.Credentials = roster.SealedCredentials{
		Ciphertext: slices.Clone(in.Credentials.Ciphertext),
		IV:         slices.Clone(in.Credentials.IV),
		Tag:        slices.Clone(in.Credentials.Tag),
	}
	return out
}

func copyMapping(in *roster.GroupMapping) roster.GroupMapping {
	out := *in
	out.InternalGroupID = strPtr(in.InternalGroupID)
	return out
}

func copyPerson(in *roster.Person) roster.Person {
	out := *in
	out.ExternalData = maps.Clone(in.ExternalData)
	return out
}

func copyLog(in *roster.SyncLog) roster.SyncLog {
	out := *in
	out.FinishedAt = timePtr(in.FinishedAt)
	out.Metadata = maps.Clone(in.Metadata)
	return out
}

// ---- integrations ----

type integrationRepo struct{ s *Store }

func (r integrationRepo) Create(_ context.Context, in *roster.Integration) error {
	if in == nil || in.OrganizationID == "" {
		return roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.integrations {
		if existing.OrganizationID == in.OrganizationID {
			return roster.ErrConflict
		}
	}
	if in.ID == "" {
		in.ID = ids.New()
	}
	now := r.s.now()
	in.CreatedAt, in.UpdatedAt = now, now
	stored := copyIntegration(in)
	r.s.integrations[in.ID] = &stored
	return nil
}

func (r integrationRepo) Get(_ context.Context, id string) (roster.Integration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	in, ok := r.s.integrations[id]
	if !ok {
		return roster.Integration{}, roster.ErrNotFound
	}
	return copyIntegration(in), nil
}

func (r integrationRepo) GetByOrganization(_ context.Context, organizationID string) (roster.Integration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, in := range r.s.integrations {
		if in.OrganizationID == organizationID {
			return copyIntegration(in), nil
		}
	}
	return roster.Integration{}, roster.ErrNotFound
}

func (r integrationRepo) ListSchedulable(_ context.Context) ([]roster.Integration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]roster.Integration, 0, len(r.s.integrations))
	for _, in := range r.s.integrations {
		if in.SyncEnabled && in.Status == roster.IntegrationActive {
			out = append(out, copyIntegration(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r integrationRepo) UpdateSettings(_ context.Context, id string, set roster.IntegrationSettings) (roster.Integration, error) {
	if set.SyncFrequency != nil && !set.SyncFrequency.Valid() {
		return roster.Integration{}, roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in, ok := r.s.integrations[id]
	if !ok {
		return roster.Integration{}, roster.ErrNotFound
	}
	if set.SyncEnabled != nil {
		in.SyncEnabled = *set.SyncEnabled
	}
	if set.SyncFrequency != nil {
		in.SyncFrequency = *set.SyncFrequency
	}
	in.UpdatedAt = r.s.now()
	return copyIntegration(in), nil
}

func (r integrationRepo) RecordOutcome(_ context.Context, id string, out roster.SyncOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in, ok := r.s.integrations[id]
	if !ok {
		return roster.ErrNotFound
	}
	in.Status = out.Status
	in.LastSyncStatus = out.LastSyncStatus
	if out.LastSyncAt != nil {
		in.LastSyncAt = timePtr(out.LastSyncAt)
	}
	in.LastError = out.LastError
	in.UpdatedAt = r.s.now()
	return nil
}

func (r integrationRepo) SetNextSyncAt(_ context.Context, id string, at *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in, ok := r.s.integrations[id]
	if !ok {
		return roster.ErrNotFound
	}
	in.NextSyncAt = timePtr(at)
	in.UpdatedAt = r.s.now()
	return nil
}

func (r integrationRepo) RotateCredentials(_ context.Context, id string, sealed roster.SealedCredentials, accessToken string, expiresAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in, ok := r.s.integrations[id]
	if !ok {
		return roster.ErrNotFound
	}
	in.Credentials = roster.SealedCredentials{
		Ciphertext: slices.Clone(sealed.Ciphertext),
		IV:         slices.Clone(sealed.IV),
		Tag:        slices.Clone(sealed.Tag),
	}
	in.AccessToken = accessToken
	in.TokenExpiresAt = expiresAt
	in.UpdatedAt = r.s.now()
	return nil
}

func (r integrationRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.integrations[id]; !ok {
		return roster.ErrNotFound
	}
	delete(r.s.integrations, id)
	for mid, m := range r.s.mappings {
		if m.IntegrationID == id {
			delete(r.s.mappings, mid)
		}
	}
	kept := r.s.logOrder[:0]
	for _, lid := range r.s.logOrder {
		if r.s.logs[lid].IntegrationID == id {
			delete(r.s.logs, lid)
			continue
		}
		kept = append(kept, lid)
	}
	r.s.logOrder = kept
	for _, p := range r.s.people {
		if p.SyncIntegrationID == id {
			p.SyncIntegrationID = ""
		}
	}
	return nil
}

// ---- mappings ----

type mappingRepo struct{ s *Store }

func (r mappingRepo) ListByIntegration(_ context.Context, integrationID string) ([]roster.GroupMapping, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []roster.GroupMapping
	for _, m := range r.s.mappings {
		if m.IntegrationID == integrationID {
			out = append(out, copyMapping(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalGroupID < out[j].ExternalGroupID })
	return out, nil
}

func (r mappingRepo) Get(_ context.Context, id string) (roster.GroupMapping, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.mappings[id]
	if !ok {
		return roster.GroupMapping{}, roster.ErrNotFound
	}
	return copyMapping(m), nil
}

func (r mappingRepo) Create(_ context.Context, m *roster.GroupMapping) error {
	if m == nil || m.IntegrationID == "" || m.ExternalGroupID == "" {
		return roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.mappings {
		if existing.IntegrationID == m.IntegrationID && existing.ExternalGroupID == m.ExternalGroupID {
			return roster.ErrConflict
		}
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	now := r.s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	stored := copyMapping(m)
	r.s.mappings[m.ID] = &stored
	return nil
}

func (r mappingRepo) UpdateExternal(_ context.Context, id, name, groupType string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.mappings[id]
	if !ok {
		return roster.ErrNotFound
	}
	m.ExternalGroupName = name
	m.ExternalGroupType = groupType
	m.UpdatedAt = r.s.now()
	return nil
}

func (r mappingRepo) Link(_ context.Context, id string, internalGroupID *string, syncMembers, syncLeaders bool) (roster.GroupMapping, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.mappings[id]
	if !ok {
		return roster.GroupMapping{}, roster.ErrNotFound
	}
	m.InternalGroupID = strPtr(internalGroupID)
	m.SyncMembers = syncMembers
	m.SyncLeaders = syncLeaders
	m.UpdatedAt = r.s.now()
	return copyMapping(m), nil
}

// ---- people ----

type personRepo struct{ s *Store }

func (r personRepo) Get(_ context.Context, id string) (roster.Person, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.people[id]
	if !ok {
		return roster.Person{}, roster.ErrNotFound
	}
	return copyPerson(p), nil
}

func (r personRepo) ListByOrganization(_ context.Context, organizationID string) ([]roster.Person, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []roster.Person
	for _, p := range r.s.people {
		if p.OrganizationID == organizationID {
			out = append(out, copyPerson(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r personRepo) ListSyncOriginated(_ context.Context, integrationID string) ([]roster.Person, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []roster.Person
	for _, p := range r.s.people {
		if p.SyncIntegrationID == integrationID {
			out = append(out, copyPerson(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r personRepo) Create(_ context.Context, p *roster.Person) error {
	if p == nil || p.OrganizationID == "" || roster.NormalizeEmail(p.Email) == "" {
		return roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email := roster.NormalizeEmail(p.Email)
	for _, existing := range r.s.people {
		if existing.OrganizationID == p.OrganizationID && roster.NormalizeEmail(existing.Email) == email {
			return roster.ErrConflict
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = roster.PersonActive
	}
	now := r.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	stored := copyPerson(p)
	r.s.people[p.ID] = &stored
	return nil
}

func (r personRepo) UpdateSyncFields(_ context.Context, p roster.Person) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.people[p.ID]
	if !ok {
		return roster.ErrNotFound
	}
	cur.Email = p.Email
	cur.FirstName = p.FirstName
	cur.LastName = p.LastName
	cur.Status = p.Status
	cur.ExternalID = p.ExternalID
	cur.ExternalData = maps.Clone(p.ExternalData)
	cur.SyncIntegrationID = p.SyncIntegrationID
	cur.UpdatedAt = r.s.now()
	return nil
}

func (r personRepo) Deactivate(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.people[id]
	if !ok {
		return roster.ErrNotFound
	}
	p.Status = roster.PersonInactive
	p.UpdatedAt = r.s.now()
	return nil
}

// ---- memberships ----

type membershipRepo struct{ s *Store }

func (r membershipRepo) ListByGroups(_ context.Context, groupIDs []string) ([]roster.Membership, error) {
	want := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		want[id] = struct{}{}
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []roster.Membership
	for k, at := range r.s.memberships {
		if _, ok := want[k.group]; ok {
			out = append(out, roster.Membership{PersonID: k.person, GroupID: k.group, CreatedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out, nil
}

func (r membershipRepo) Add(_ context.Context, personID, groupID string) error {
	if personID == "" || groupID == "" {
		return roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := membershipKey{person: personID, group: groupID}
	if _, ok := r.s.memberships[k]; !ok {
		r.s.memberships[k] = r.s.now()
	}
	return nil
}

func (r membershipRepo) Remove(_ context.Context, personID, groupID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.memberships, membershipKey{person: personID, group: groupID})
	return nil
}

func (r membershipRepo) RemoveAllForPerson(_ context.Context, personID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k := range r.s.memberships {
		if k.person == personID {
			delete(r.s.memberships, k)
		}
	}
	return nil
}

// ---- sync logs ----

type syncLogRepo struct{ s *Store }

func (r syncLogRepo) Create(_ context.Context, l *roster.SyncLog) error {
	if l == nil || l.IntegrationID == "" {
		return roster.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.Status == "" {
		l.Status = roster.SyncRunning
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = r.s.now()
	}
	stored := copyLog(l)
	r.s.logs[l.ID] = &stored
	r.s.logOrder = append(r.s.logOrder, l.ID)
	return nil
}

func (r syncLogRepo) Finalize(_ context.Context, l roster.SyncLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.logs[l.ID]
	if !ok {
		return roster.ErrNotFound
	}
	if cur.Status != roster.SyncRunning {
		return roster.ErrConflict
	}
	cur.Status = l.Status
	cur.FinishedAt = timePtr(l.FinishedAt)
	cur.Duration = l.Duration
	cur.Counters = l.Counters
	cur.ErrorMessage = l.ErrorMessage
	cur.Metadata = maps.Clone(l.Metadata)
	return nil
}

func (r syncLogRepo) Get(_ context.Context, id string) (roster.SyncLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.logs[id]
	if !ok {
		return roster.SyncLog{}, roster.ErrNotFound
	}
	return copyLog(l), nil
}

// ListByIntegration returns the newest logs first.
func (r syncLogRepo) ListByIntegration(_ context.Context, integrationID string, limit int) ([]roster.SyncLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []roster.SyncLog
	for i := len(r.s.logOrder) - 1; i >= 0; i-- {
		l := r.s.logs[r.s.logOrder[i]]
		if l.IntegrationID != integrationID {
			continue
		}
		out = append(out, copyLog(l))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
