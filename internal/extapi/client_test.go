package extapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync.org/internal/roster"
	"rostersync.org/internal/vault"
)

type memCreds struct {
	mu      sync.Mutex
	current vault.Credentials
	rotated []vault.Credentials
}

func (m *memCreds) Credentials(context.Context, roster.Integration) (vault.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *memCreds) Rotate(_ context.Context, _ string, c vault.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = c
	m.rotated = append(m.rotated, c)
	return nil
}

type provider struct {
	*httptest.Server
	validToken  atomic.Value
	refreshHits atomic.Int32
	apiHits     atomic.Int32
	rejectAll   atomic.Bool
	tokenStatus int
	newToken    string
	routes      map[string]string
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{tokenStatus: http.StatusOK, newToken: "A2", routes: map[string]string{}}
	p.validToken.Store("A1")
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		p.refreshHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if p.tokenStatus != http.StatusOK {
			w.WriteHeader(p.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		p.validToken.Store(p.newToken)
		_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600}`, p.newToken)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		p.apiHits.Add(1)
		if p.rejectAll.Load() || r.Header.Get("Authorization") != "Bearer "+p.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/api")
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
		body, ok := p.routes[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if body == "500" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *provider) factory(creds CredentialStore, maxItems int) *Factory {
	return p.factoryWith(creds, Config{MaxItems: maxItems})
}

func (p *provider) factoryWith(creds CredentialStore, cfg Config) *Factory {
	return NewFactory(Config{
		BaseURL:       p.URL + "/api",
		AuthURL:       p.URL + "/oauth/authorize",
		TokenURL:      p.URL + "/oauth/token",
		ClientID:      "client",
		ClientSecret:  "secret",
		RedirectURL:   "https://app.example/callback",
		MaxItems:      cfg.MaxItems,
		MaxPages:      cfg.MaxPages,
		RatePerSecond: 1000,
		Burst:         1000,
	}, creds, WithHTTPClient(p.Client()))
}

func validCreds() *memCreds {
	return &memCreds{current: vault.Credentials{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: time.Now().Add(time.Hour)}}
}

func newClient(t *testing.T, p *provider, creds *memCreds, maxItems int) *Client {
	t.Helper()
	c, err := p.factory(creds, maxItems).Client(context.Background(), roster.Integration{ID: "int-1"})
	require.NoError(t, err)
	return c
}

func TestListsFollowsNextLinks(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists"] = `{"data":[{"id":"L1","type":"List","attributes":{"name":"Youth","list_type":"smart"}}],"links":{"next":"/api/lists?offset=1"}}`
	p.routes["/lists?offset=1"] = `{"data":[{"id":42,"type":"List","attributes":{"name":"Adults"}}],"links":{"next":"` + p.URL + `/api/lists?offset=2"}}`
	p.routes["/lists?offset=2"] = `{"data":[],"links":{"next":"lists?offset=3"}}`
	p.routes["/lists?offset=3"] = `{"data":[],"links":{}}`

	lists, err := newClient(t, p, validCreds(), 0).Lists(context.Background())
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, roster.ExternalList{ID: "L1", Name: "Youth", Type: "smart"}, lists[0])
	assert.Equal(t, "42", lists[1].ID)
	assert.EqualValues(t, 4, p.apiHits.Load())
}

func TestFetchAllStopsAtCap(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists"] = `{"data":[{"id":"1"},{"id":"2"}],"links":{"next":"lists?page=2"}}`
	p.routes["/lists?page=2"] = `{"data":[{"id":"3"},{"id":"4"}],"links":{"next":"lists?page=3"}}`

	lists, err := newClient(t, p, validCreds(), 3).Lists(context.Background())
	require.NoError(t, err)
	assert.Len(t, lists, 3)
}

func TestFetchAllStopsOnSelfLinkedEmptyPage(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists"] = `{"data":[],"links":{"next":"/api/lists"}}`

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	lists, err := newClient(t, p, validCreds(), 0).Lists(ctx)
	require.NoError(t, err)
	assert.Empty(t, lists)
	assert.EqualValues(t, 1, p.apiHits.Load())
}

func TestFetchAllStopsAtPageCap(t *testing.T) {
	p := newProvider(t)
	for i := 0; i < 5; i++ {
		p.routes[fmt.Sprintf("/lists?page=%d", i)] = fmt.Sprintf(`{"data":[],"links":{"next":"lists?page=%d"}}`, i+1)
	}

	f := p.factoryWith(validCreds(), Config{MaxPages: 3})
	c, err := f.Client(context.Background(), roster.Integration{ID: "int-1"})
	require.NoError(t, err)
	items, err := c.FetchAll(context.Background(), "lists", "/lists?page=0")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.EqualValues(t, 3, p.apiHits.Load())
}

func TestResolveNextLinks(t *testing.T) {
	c := &Client{f: &Factory{cfg: Config{BaseURL: "https://provider.example/api/v2"}}}

	cases := map[string]string{
		"/api/v2/lists?offset=25":            "https://provider.example/api/v2/lists?offset=25",
		"lists?offset=25":                    "https://provider.example/api/v2/lists?offset=25",
		"https://other.example/x?cursor=abc": "https://other.example/x?cursor=abc",
	}
	for ref, want := range cases {
		got, err := c.resolve(ref)
		require.NoError(t, err)
		assert.Equal(t, want, got, ref)
	}

	got, err := c.endpoint("/lists/a%2Fb/people")
	require.NoError(t, err)
	assert.Equal(t, "https://provider.example/api/v2/lists/a%2Fb/people", got)
}

func TestListPeopleMapsAttributes(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists/L1/people"] = `{"data":[
		{"id":"P1","attributes":{"first_name":"Ann","last_name":"Lee","email":" ann@x.org "}},
		{"id":"P2","attributes":{"name":"Bo Ray Diaz"}}
	],"links":{"next":null}}`

	people, err := newClient(t, p, validCreds(), 0).ListPeople(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, people, 2)
	assert.Equal(t, "ann@x.org", people[0].Email)
	assert.Equal(t, "Ann", people[0].FirstName)
	assert.Equal(t, "Bo", people[1].FirstName)
	assert.Equal(t, "Ray Diaz", people[1].LastName)
	assert.Empty(t, people[1].Email)
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	p := newProvider(t)
	p.validToken.Store("A2")
	p.routes["/lists"] = `{"data":[{"id":"L1","attributes":{"name":"Youth"}}]}`
	creds := validCreds()

	lists, err := newClient(t, p, creds, 0).Lists(context.Background())
	require.NoError(t, err)
	assert.Len(t, lists, 1)
	assert.EqualValues(t, 1, p.refreshHits.Load())

	require.Len(t, creds.rotated, 1)
	assert.Equal(t, "A2", creds.rotated[0].AccessToken)
	assert.Equal(t, "R1", creds.rotated[0].RefreshToken)
}

func TestSecondUnauthorizedRequiresReauthorization(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists"] = `{"data":[]}`
	// refresh succeeds but the retry is rejected as well
	p.rejectAll.Store(true)

	_, err := newClient(t, p, validCreds(), 0).Lists(context.Background())
	var reauth *roster.ReauthorizationRequiredError
	require.True(t, errors.As(err, &reauth), "got %v", err)
	assert.Equal(t, "int-1", reauth.IntegrationID)
	assert.EqualValues(t, 1, p.refreshHits.Load())
	assert.False(t, roster.Retryable(err))
}

func TestRefreshRejectedRequiresReauthorization(t *testing.T) {
	p := newProvider(t)
	p.validToken.Store("A2")
	p.tokenStatus = http.StatusBadRequest
	p.routes["/lists"] = `{"data":[]}`
	creds := validCreds()

	_, err := newClient(t, p, creds, 0).Lists(context.Background())
	var reauth *roster.ReauthorizationRequiredError
	require.True(t, errors.As(err, &reauth), "got %v", err)
	assert.Empty(t, creds.rotated)
}

func TestExpiredTokenRefreshedBeforeRequest(t *testing.T) {
	p := newProvider(t)
	p.validToken.Store("unused")
	p.routes["/me"] = `{"data":{"id":"1"}}`
	creds := &memCreds{current: vault.Credentials{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: time.Now().Add(-time.Minute)}}

	c := newClient(t, p, creds, 0)
	assert.True(t, c.TestConnection(context.Background()))
	assert.EqualValues(t, 1, p.refreshHits.Load())
	require.Len(t, creds.rotated, 1)
}

func TestTestConnectionFalseOnError(t *testing.T) {
	p := newProvider(t)
	assert.False(t, newClient(t, p, validCreds(), 0).TestConnection(context.Background()))
}

func TestServerErrorIsFetchError(t *testing.T) {
	p := newProvider(t)
	p.routes["/lists/L9/people"] = "500"

	_, err := newClient(t, p, validCreds(), 0).ListPeople(context.Background(), "L9")
	var fetchErr *roster.ExternalFetchError
	require.True(t, errors.As(err, &fetchErr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
	assert.True(t, roster.Retryable(err))
}

func TestExchange(t *testing.T) {
	p := newProvider(t)
	f := p.factory(validCreds(), 0)

	creds, err := f.OAuth().Exchange(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "A2", creds.AccessToken)
	assert.False(t, creds.ExpiresAt.IsZero())

	p.tokenStatus = http.StatusBadRequest
	_, err = f.OAuth().Exchange(context.Background(), "bad")
	var exch *roster.AuthExchangeError
	assert.True(t, errors.As(err, &exch))

	_, err = f.OAuth().Exchange(context.Background(), "")
	assert.True(t, errors.As(err, &exch))

	assert.Contains(t, f.OAuth().AuthCodeURL("st"), "state=st")
}

func TestProbe(t *testing.T) {
	p := newProvider(t)
	p.routes["/me"] = `{"data":{"id":"1","type":"Person","attributes":{}}}`
	f := p.factory(validCreds(), 0)

	ok, err := f.Probe(context.Background(), roster.Integration{ID: "int-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	p.rejectAll.Store(true)
	ok, err = f.Probe(context.Background(), roster.Integration{ID: "int-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}
