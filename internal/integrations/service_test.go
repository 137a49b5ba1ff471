package integrations

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync.org/internal/auth"
	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/sealer"
	"rostersync.org/internal/store/memory"
	"rostersync.org/internal/vault"
)

type fakeProvider struct {
	creds vault.Credentials
	err   error
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/oauth/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (vault.Credentials, error) {
	if p.err != nil {
		return vault.Credentials{}, p.err
	}
	return p.creds, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
	triggered []string
}

func (f *fakeScheduler) ScheduleSyncJob(_ context.Context, id string) (*jobqueue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, id)
	return nil, nil
}

func (f *fakeScheduler) TriggerImmediateSync(_ context.Context, id string) (*jobqueue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
	return &jobqueue.Handle{JobID: "job-1"}, nil
}

func (f *fakeScheduler) CancelScheduledSync(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return 1, nil
}

type fakeProber struct{ ok bool }

func (p fakeProber) Probe(context.Context, roster.Integration) (bool, error) { return p.ok, nil }

type fixture struct {
	store    *memory.Store
	vault    *vault.Vault
	provider *fakeProvider
	signer   *auth.Signer
	sched    *fakeScheduler
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	seal, err := sealer.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	v := vault.New(seal, st.Integrations())
	signer, err := auth.NewSigner("state-secret-state-secret-state-secret")
	require.NoError(t, err)
	prov := &fakeProvider{creds: vault.Credentials{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: time.Now().Add(time.Hour)}}
	sched := &fakeScheduler{}
	svc := NewService(Config{}, st, v, prov, signer, sched, fakeProber{ok: true})
	return &fixture{store: st, vault: v, provider: prov, signer: signer, sched: sched, svc: svc}
}

func (f *fixture) connect(t *testing.T, org string) roster.Integration {
	t.Helper()
	state, err := f.signer.StateToken(org, time.Minute)
	require.NoError(t, err)
	in, err := f.svc.Connect(context.Background(), "code", state)
	require.NoError(t, err)
	return in
}

func TestAuthorizeURLCarriesVerifiableState(t *testing.T) {
	f := newFixture(t)
	raw, err := f.svc.AuthorizeURL("org-1")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	org, err := f.signer.ParseState(u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)

	_, err = f.svc.AuthorizeURL("")
	assert.ErrorIs(t, err, roster.ErrInvalidInput)
}

func TestConnectCreatesSealedIntegration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")

	assert.Equal(t, roster.IntegrationActive, in.Status)
	assert.True(t, in.SyncEnabled)
	assert.Equal(t, roster.FrequencyDaily, in.SyncFrequency)
	assert.False(t, in.Credentials.Empty())
	assert.NotContains(t, string(in.Credentials.Ciphertext), "R1")
	assert.Equal(t, []string{in.ID}, f.sched.scheduled)

	creds, err := f.vault.Credentials(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "R1", creds.RefreshToken)
}

func TestReconnectReplacesCredentialsAndClearsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")
	require.NoError(t, f.store.Integrations().RecordOutcome(ctx, in.ID, roster.SyncOutcome{
		Status: roster.IntegrationError, LastSyncStatus: roster.SyncError, LastError: "reauthorize",
	}))

	f.provider.creds = vault.Credentials{AccessToken: "A9", RefreshToken: "R9"}
	again := f.connect(t, "org-1")
	assert.Equal(t, in.ID, again.ID)
	assert.Equal(t, roster.IntegrationActive, again.Status)
	assert.Empty(t, again.LastError)

	creds, err := f.vault.Credentials(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "R9", creds.RefreshToken)
}

func TestConnectRejectsBadStateAndExchangeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Connect(ctx, "code", "not-a-token")
	assert.ErrorIs(t, err, roster.ErrInvalidInput)

	f.provider.err = &roster.AuthExchangeError{Err: errors.New("invalid_grant")}
	state, err := f.signer.StateToken("org-1", time.Minute)
	require.NoError(t, err)
	_, err = f.svc.Connect(ctx, "code", state)
	var exchange *roster.AuthExchangeError
	assert.ErrorAs(t, err, &exchange)

	_, err = f.store.Integrations().GetByOrganization(ctx, "org-1")
	assert.ErrorIs(t, err, roster.ErrNotFound)
}

func TestUpdateSettingsReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")
	f.sched.scheduled = nil

	hourly := roster.FrequencyHourly
	got, err := f.svc.UpdateSettings(ctx, in.ID, roster.IntegrationSettings{SyncFrequency: &hourly})
	require.NoError(t, err)
	assert.Equal(t, roster.FrequencyHourly, got.SyncFrequency)
	assert.Equal(t, []string{in.ID}, f.sched.cancelled)
	assert.Equal(t, []string{in.ID}, f.sched.scheduled)

	off := false
	_, err = f.svc.UpdateSettings(ctx, in.ID, roster.IntegrationSettings{SyncEnabled: &off})
	require.NoError(t, err)
	assert.Len(t, f.sched.cancelled, 2)
	assert.Len(t, f.sched.scheduled, 1)

	bad := roster.Frequency("MONTHLY")
	_, err = f.svc.UpdateSettings(ctx, in.ID, roster.IntegrationSettings{SyncFrequency: &bad})
	assert.ErrorIs(t, err, roster.ErrInvalidInput)
}

func TestDisconnectCancelsAndDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")

	require.NoError(t, f.svc.Disconnect(ctx, in.ID))
	assert.Equal(t, []string{in.ID}, f.sched.cancelled)
	_, err := f.svc.Get(ctx, in.ID)
	assert.ErrorIs(t, err, roster.ErrNotFound)
	assert.ErrorIs(t, f.svc.Disconnect(ctx, in.ID), roster.ErrNotFound)
}

func TestLinkMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")
	m := roster.GroupMapping{IntegrationID: in.ID, ExternalGroupID: "L1", ExternalGroupName: "Youth"}
	require.NoError(t, f.store.Mappings().Create(ctx, &m))

	group := "G1"
	linked, err := f.svc.LinkMapping(ctx, m.ID, LinkRequest{InternalGroupID: &group, SyncMembers: true})
	require.NoError(t, err)
	assert.Equal(t, "G1", linked.GroupID())
	assert.True(t, linked.SyncMembers)

	empty := ""
	unlinked, err := f.svc.LinkMapping(ctx, m.ID, LinkRequest{InternalGroupID: &empty})
	require.NoError(t, err)
	assert.False(t, unlinked.Mapped())

	list, err := f.svc.Mappings(ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestSyncAndTestConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.connect(t, "org-1")

	h, err := f.svc.RequestSync(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.JobID)
	assert.Equal(t, []string{in.ID}, f.sched.triggered)

	ok, err := f.svc.TestConnection(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := f.svc.CancelSchedule(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	logs, err := f.svc.SyncLogs(ctx, in.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
