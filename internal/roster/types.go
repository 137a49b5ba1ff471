package roster

import (
	"strings"
	"time"
)

// IntegrationStatus reflects whether an integration can currently sync.
type IntegrationStatus string

const (
	IntegrationActive IntegrationStatus = "ACTIVE"
	IntegrationError  IntegrationStatus = "ERROR"
)

// SyncStatus is the outcome of a sync run. Running is only ever observed on a
// SyncLog that has not been finalized yet.
type SyncStatus string

const (
	SyncRunning SyncStatus = "RUNNING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncError   SyncStatus = "ERROR"
)

// Frequency controls automatic scheduling.
type Frequency string

const (
	FrequencyManual Frequency = "MANUAL"
	FrequencyHourly Frequency = "HOURLY"
	FrequencyDaily  Frequency = "DAILY"
	FrequencyWeekly Frequency = "WEEKLY"
)

// Interval returns the delay between runs; zero for MANUAL or unknown values.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// PersonStatus values.
const (
	PersonActive   = "active"
	PersonInactive = "inactive"
)

// SealedCredentials is the encrypted OAuth token blob stored with an integration.
type SealedCredentials struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Empty reports whether no credential material is stored.
func (s SealedCredentials) Empty() bool {
	return len(s.Ciphertext) == 0 && len(s.IV) == 0 && len(s.Tag) == 0
}

// Integration is one organization's connection to the external roster provider.
type Integration struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Provider       string            `json:"provider"`
	Status         IntegrationStatus `json:"status"`
	SyncEnabled    bool              `json:"sync_enabled"`
	SyncFrequency  Frequency         `json:"sync_frequency"`
	LastSyncAt     *time.Time        `json:"last_sync_at,omitempty"`
	LastSyncStatus SyncStatus        `json:"last_sync_status,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	NextSyncAt     *time.Time        `json:"next_sync_at,omitempty"`

	Credentials SealedCredentials `json:"-"`
	// AccessToken and TokenExpiresAt cache the current token for expiry checks.
	// The sealed blob is authoritative.
	AccessToken    string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedulable reports whether the integration should have automatic runs armed.
func (i Integration) Schedulable() bool {
	return i.SyncEnabled && i.Status == IntegrationActive && i.SyncFrequency.Interval() > 0
}

// GroupMapping links an external list to at most one internal group.
type GroupMapping struct {
	ID                string    `json:"id"`
	IntegrationID     string    `json:"integration_id"`
	ExternalGroupID   string    `json:"external_group_id"`
	ExternalGroupName string    `json:"external_group_name"`
	ExternalGroupType string    `json:"external_group_type"`
	InternalGroupID   *string   `json:"internal_group_id,omitempty"`
	SyncMembers       bool      `json:"sync_members"`
	SyncLeaders       bool      `json:"sync_leaders"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Mapped reports whether an operator linked the mapping to an internal group.
func (m GroupMapping) Mapped() bool {
	return m.InternalGroupID != nil && *m.InternalGroupID != ""
}

// GroupID returns the linked internal group or "".
func (m GroupMapping) GroupID() string {
	if m.InternalGroupID == nil {
		return ""
	}
	return *m.InternalGroupID
}

// Person is an internal user account together with its sync fields.
type Person struct {
	ID                string         `json:"id"`
	OrganizationID    string         `json:"organization_id"`
	Email             string         `json:"email"`
	FirstName         string         `json:"first_name"`
	LastName          string         `json:"last_name"`
	Status            string         `json:"status"`
	ExternalID        string         `json:"external_id,omitempty"`
	ExternalData      map[string]any `json:"external_data,omitempty"`
	SyncIntegrationID string         `json:"sync_integration_id,omitempty"`
	PasswordHash      string         `json:"-"`
	MustResetPassword bool           `json:"must_reset_password"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Active reports whether the account is enabled.
func (p Person) Active() bool { return p.Status != PersonInactive }

// Membership joins a person to an internal group.
type Membership struct {
	PersonID  string    `json:"person_id"`
	GroupID   string    `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Counters are the per-run reconciliation tallies.
type Counters struct {
	PeopleAdded   int `json:"people_added"`
	PeopleUpdated int `json:"people_updated"`
	PeopleRemoved int `json:"people_removed"`
	GroupsAdded   int `json:"groups_added"`
	GroupsUpdated int `json:"groups_updated"`
	GroupsSkipped int `json:"groups_skipped"`
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.PeopleAdded += other.PeopleAdded
	c.PeopleUpdated += other.PeopleUpdated
	c.PeopleRemoved += other.PeopleRemoved
	c.GroupsAdded += other.GroupsAdded
	c.GroupsUpdated += other.GroupsUpdated
	c.GroupsSkipped += other.GroupsSkipped
}

// SyncLog is the audit record of one run.
type SyncLog struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integration_id"`
	Status        SyncStatus     `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Counters      Counters       `json:"counters"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ExternalList is a list as returned by the provider.
type ExternalList struct {
	ID   string
	Name string
	Type string
}

// ExternalPerson is a person as returned by the provider.
type ExternalPerson struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Attributes map[string]any
}

// NormalizeEmail is the comparison key for email matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
