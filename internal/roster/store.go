package roster

import (
	"context"
	"time"
)

// Store groups the repositories used by the sync engine.
type Store interface {
	Integrations() IntegrationStore
	Mappings() MappingStore
	People() PersonStore
	Memberships() MembershipStore
	SyncLogs() SyncLogStore
}

// SyncOutcome is written to an integration when a run finishes.
type SyncOutcome struct {
	Status         IntegrationStatus
	LastSyncStatus SyncStatus
	LastSyncAt     *time.Time
	LastError      string
}

// IntegrationSettings are operator-controlled scheduling switches.
type IntegrationSettings struct {
	SyncEnabled   *bool
	SyncFrequency *Frequency
}

// IntegrationStore manages integrations and their credential blobs.
type IntegrationStore interface {
	Create(ctx context.Context, in *Integration) error
	Get(ctx context.Context, id string) (Integration, error)
	GetByOrganization(ctx context.Context, organizationID string) (Integration, error)
	// ListSchedulable returns enabled, ACTIVE integrations.
	ListSchedulable(ctx context.Context) ([]Integration, error)
	UpdateSettings(ctx context.Context, id string, s IntegrationSettings) (Integration, error)
	RecordOutcome(ctx context.Context, id string, out SyncOutcome) error
	SetNextSyncAt(ctx context.Context, id string, at *time.Time) error
	// RotateCredentials replaces the sealed blob and the plaintext cache in
	// one atomic write.
	RotateCredentials(ctx context.Context, id string, sealed SealedCredentials, accessToken string, expiresAt time.Time) error
	// Delete removes the integration with its mappings and sync logs.
	Delete(ctx context.Context, id string) error
}

// MappingStore manages external group mappings.
type MappingStore interface {
	ListByIntegration(ctx context.Context, integrationID string) ([]GroupMapping, error)
	Get(ctx context.Context, id string) (GroupMapping, error)
	// Create returns ErrConflict if (integration, external group) already exists.
	Create(ctx context.Context, m *GroupMapping) error
	// UpdateExternal refreshes cached display metadata only.
	UpdateExternal(ctx context.Context, id, name, groupType string) error
	// Link is the operator action that points a mapping at an internal group.
	Link(ctx context.Context, id string, internalGroupID *string, syncMembers, syncLeaders bool) (GroupMapping, error)
}

// PersonStore manages people and their sync fields.
type PersonStore interface {
	Get(ctx context.Context, id string) (Person, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]Person, error)
	// ListSyncOriginated returns people whose sync integration is integrationID.
	ListSyncOriginated(ctx context.Context, integrationID string) ([]Person, error)
	Create(ctx context.Context, p *Person) error
	// UpdateSyncFields writes the provider-owned fields: email, names, status,
	// external id and data, and the sync integration marker.
	UpdateSyncFields(ctx context.Context, p Person) error
	Deactivate(ctx context.Context, id string) error
}

// MembershipStore manages group membership rows.
type MembershipStore interface {
	ListByGroups(ctx context.Context, groupIDs []string) ([]Membership, error)
	// Add is idempotent.
	Add(ctx context.Context, personID, groupID string) error
	Remove(ctx context.Context, personID, groupID string) error
	RemoveAllForPerson(ctx context.Context, personID string) error
}

// SyncLogStore appends run records.
type SyncLogStore interface {
	Create(ctx context.Context, l *SyncLog) error
	// Finalize writes the terminal state. It fails with ErrConflict when the
	// log is no longer RUNNING.
	Finalize(ctx context.Context, l SyncLog) error
	Get(ctx context.Context, id string) (SyncLog, error)
	ListByIntegration(ctx context.Context, integrationID string, limit int) ([]SyncLog, error)
}
