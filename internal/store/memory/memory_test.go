package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync.org/internal/roster"
)

func newIntegration(t *testing.T, s *Store, org string) roster.Integration {
	t.Helper()
	in := roster.Integration{OrganizationID: org, Provider: "pco", Status: roster.IntegrationActive, SyncFrequency: roster.FrequencyDaily}
	require.NoError(t, s.Integrations().Create(context.Background(), &in))
	return in
}

func TestIntegrationOnePerOrganization(t *testing.T) {
	s := New()
	newIntegration(t, s, "org-1")
	dup := roster.Integration{OrganizationID: "org-1"}
	assert.ErrorIs(t, s.Integrations().Create(context.Background(), &dup), roster.ErrConflict)
}

func TestMappingUniquePerIntegration(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := newIntegration(t, s, "org-1")

	m := roster.GroupMapping{IntegrationID: in.ID, ExternalGroupID: "L1", ExternalGroupName: "Youth"}
	require.NoError(t, s.Mappings().Create(ctx, &m))
	dup := roster.GroupMapping{IntegrationID: in.ID, ExternalGroupID: "L1"}
	assert.ErrorIs(t, s.Mappings().Create(ctx, &dup), roster.ErrConflict)

	gid := "G1"
	linked, err := s.Mappings().Link(ctx, m.ID, &gid, true, false)
	require.NoError(t, err)
	require.NoError(t, s.Mappings().UpdateExternal(ctx, m.ID, "Youth Group", "smart"))

	got, err := s.Mappings().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "G1", got.GroupID())
	assert.Equal(t, "Youth Group", got.ExternalGroupName)
	assert.True(t, linked.SyncMembers)
}

func TestRotateCredentialsWritesBlobAndCache(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := newIntegration(t, s, "org-1")
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	sealed := roster.SealedCredentials{Ciphertext: []byte("c"), IV: []byte("i"), Tag: []byte("t")}
	require.NoError(t, s.Integrations().RotateCredentials(ctx, in.ID, sealed, "tok", exp))
	sealed.Ciphertext[0] = 'x'

	got, err := s.Integrations().Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.Credentials.Ciphertext)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, exp, got.TokenExpiresAt)
}

func TestSyncLogFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	l := roster.SyncLog{IntegrationID: "int-1"}
	require.NoError(t, s.SyncLogs().Create(ctx, &l))
	assert.Equal(t, roster.SyncRunning, l.Status)

	l.Status = roster.SyncSuccess
	require.NoError(t, s.SyncLogs().Finalize(ctx, l))
	assert.ErrorIs(t, s.SyncLogs().Finalize(ctx, l), roster.ErrConflict)
}

func TestSyncLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for range 3 {
		require.NoError(t, s.SyncLogs().Create(ctx, &roster.SyncLog{IntegrationID: "int-1"}))
	}
	require.NoError(t, s.SyncLogs().Create(ctx, &roster.SyncLog{IntegrationID: "other"}))

	logs, err := s.SyncLogs().ListByIntegration(ctx, "int-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	all, _ := s.SyncLogs().ListByIntegration(ctx, "int-1", 0)
	assert.Equal(t, all[0].ID, logs[0].ID)
	assert.Len(t, all, 3)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := newIntegration(t, s, "org-1")
	require.NoError(t, s.Mappings().Create(ctx, &roster.GroupMapping{IntegrationID: in.ID, ExternalGroupID: "L1"}))
	require.NoError(t, s.SyncLogs().Create(ctx, &roster.SyncLog{IntegrationID: in.ID}))
	p := roster.Person{OrganizationID: "org-1", Email: "a@x.org", SyncIntegrationID: in.ID}
	require.NoError(t, s.People().Create(ctx, &p))

	require.NoError(t, s.Integrations().Delete(ctx, in.ID))

	maps, _ := s.Mappings().ListByIntegration(ctx, in.ID)
	logs, _ := s.SyncLogs().ListByIntegration(ctx, in.ID, 0)
	assert.Empty(t, maps)
	assert.Empty(t, logs)
	got, err := s.People().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SyncIntegrationID)
	assert.True(t, got.Active())
}

func TestMembershipsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Memberships().Add(ctx, "p1", "g1"))
	require.NoError(t, s.Memberships().Add(ctx, "p1", "g1"))
	require.NoError(t, s.Memberships().Add(ctx, "p1", "g2"))
	require.NoError(t, s.Memberships().Add(ctx, "p2", "g3"))

	got, err := s.Memberships().ListByGroups(ctx, []string{"g1", "g2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.Memberships().RemoveAllForPerson(ctx, "p1"))
	got, _ = s.Memberships().ListByGroups(ctx, []string{"g1", "g2", "g3"})
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].PersonID)
}

func TestPersonEmailConflictIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.People().Create(ctx, &roster.Person{OrganizationID: "o", Email: "A@x.org"}))
	assert.ErrorIs(t, s.People().Create(ctx, &roster.Person{OrganizationID: "o", Email: "a@X.org"}), roster.ErrConflict)
	assert.ErrorIs(t, s.People().Create(ctx, &roster.Person{OrganizationID: "o"}), roster.ErrInvalidInput)
}
