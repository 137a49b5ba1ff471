package reconcile

import (
	"maps"
	"slices"
	"strings"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

// MemberPlan lists the writes for one mapped group.
type MemberPlan struct {
	GroupID string
	Create  []roster.Person
	Update  []roster.Person
	// Add and Remove hold person ids.
	Add      []string
	Remove   []string
	Counters roster.Counters
	// SkippedNoEmail counts provider people without an email address.
	SkippedNoEmail int
}

// Empty reports whether the plan has nothing to write.
func (p MemberPlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Add) == 0 && len(p.Remove) == 0
}

// Planner matches provider people against the organization's people across
// all groups of one run. A person is counted at most once per run.
type Planner struct {
	organizationID string
	integrationID  string
	newID          func() string

	byExternal map[string]*roster.Person
	byEmail    map[string]*roster.Person
	touched    map[string]bool
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithIDs overrides the id source for planned people.
func WithIDs(fn func() string) PlannerOption {
	return func(p *Planner) { p.newID = fn }
}

// NewPlanner indexes people by external id and by lowercased email.
func NewPlanner(organizationID, integrationID string, people []roster.Person, opts ...PlannerOption) *Planner {
	p := &Planner{
		organizationID: organizationID,
		integrationID:  integrationID,
		newID:          ids.New,
		byExternal:     make(map[string]*roster.Person, len(people)),
		byEmail:        make(map[string]*roster.Person, len(people)),
		touched:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	people = slices.Clone(people)
	for i := range people {
		p.index(&people[i])
	}
	return p
}

func (p *Planner) index(person *roster.Person) {
	if person.ExternalID != "" {
		p.byExternal[person.ExternalID] = person
	}
	if email := roster.NormalizeEmail(person.Email); email != "" {
		if _, taken := p.byEmail[email]; !taken {
			p.byEmail[email] = person
		}
	}
}

// match prefers the external id and falls back to email.
func (p *Planner) match(ext roster.ExternalPerson, email string) *roster.Person {
	if ext.ID != "" {
		if person, ok := p.byExternal[ext.ID]; ok {
			return person
		}
	}
	return p.byEmail[email]
}

// PlanGroup reconciles one mapped group. current holds the person ids that
// are members of the group now. The resulting membership is exactly the
// matched provider people that have an email.
func (p *Planner) PlanGroup(m roster.GroupMapping, external []roster.ExternalPerson, current []string) MemberPlan {
	plan := MemberPlan{GroupID: m.GroupID()}
	desired := make(map[string]bool, len(external))
	var order []string
	seen := make(map[string]bool, len(external))

	for _, ext := range external {
		email := roster.NormalizeEmail(ext.Email)
		if email == "" {
			plan.SkippedNoEmail++
			continue
		}
		key := ext.ID
		if key == "" {
			key = "email:" + email
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		person := p.match(ext, email)
		switch {
		case person == nil:
			created := roster.Person{
				ID:                p.newID(),
				OrganizationID:    p.organizationID,
				Email:             strings.TrimSpace(ext.Email),
				FirstName:         ext.FirstName,
				LastName:          ext.LastName,
				Status:            roster.PersonActive,
				ExternalID:        ext.ID,
				ExternalData:      maps.Clone(ext.Attributes),
				SyncIntegrationID: p.integrationID,
				MustResetPassword: true,
			}
			p.index(&created)
			p.touched[created.ID] = true
			plan.Create = append(plan.Create, created)
			plan.Counters.PeopleAdded++
			person = &created
		case !p.touched[person.ID]:
			p.touched[person.ID] = true
			changed := applyExternal(person, ext)
			if p.adoptEmail(person, ext.Email, email) {
				changed = true
			}
			if p.claim(person) {
				changed = true
			}
			if changed {
				if person.ExternalID != "" {
					p.byExternal[person.ExternalID] = person
				}
				plan.Update = append(plan.Update, *person)
				plan.Counters.PeopleUpdated++
			}
		}
		if !desired[person.ID] {
			desired[person.ID] = true
			order = append(order, person.ID)
		}
	}

	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
		if !desired[id] {
			plan.Remove = append(plan.Remove, id)
		}
	}
	for _, id := range order {
		if !have[id] {
			plan.Add = append(plan.Add, id)
		}
	}
	return plan
}

// claim marks an unowned matched person as originated by this integration,
// so the removal pass sees it. A marker left by a disconnected integration
// is cleared on disconnect and reclaimed here.
func (p *Planner) claim(person *roster.Person) bool {
	if person.SyncIntegrationID != "" || p.integrationID == "" {
		return false
	}
	person.SyncIntegrationID = p.integrationID
	return true
}

// adoptEmail moves person to the provider's email unless another person
// already holds it.
func (p *Planner) adoptEmail(person *roster.Person, raw, email string) bool {
	if roster.NormalizeEmail(person.Email) == email {
		return false
	}
	if holder, taken := p.byEmail[email]; taken && holder.ID != person.ID {
		return false
	}
	delete(p.byEmail, roster.NormalizeEmail(person.Email))
	person.Email = strings.TrimSpace(raw)
	p.byEmail[email] = person
	return true
}

// applyExternal copies provider-owned fields onto person and reports whether
// anything that is compared changed. Attributes ride along with a change but
// never trigger one.
func applyExternal(person *roster.Person, ext roster.ExternalPerson) bool {
	changed := false
	if ext.FirstName != person.FirstName {
		person.FirstName = ext.FirstName
		changed = true
	}
	if ext.LastName != person.LastName {
		person.LastName = ext.LastName
		changed = true
	}
	if ext.ID != "" && ext.ID != person.ExternalID {
		person.ExternalID = ext.ID
		changed = true
	}
	if !person.Active() {
		person.Status = roster.PersonActive
		changed = true
	}
	if changed {
		person.ExternalData = maps.Clone(ext.Attributes)
	}
	return changed
}
