// Package extapi talks to the external roster provider.
//
// Every request carries the integration's bearer token. An expired token is
// refreshed before use, and a 401 triggers one refresh and one retry; a second
// 401 means the grant is gone and an operator must reconnect.
package extapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/vault"
)

// DefaultMaxItems bounds a single paginated fetch.
const DefaultMaxItems = 10000

// DefaultMaxPages bounds the number of pages requested by one fetch.
const DefaultMaxPages = 1000

const maxBodyBytes = 8 << 20

// Config describes the provider endpoints and client limits.
type Config struct {
	BaseURL      string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	MaxItems      int
	MaxPages      int
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// CredentialStore opens and rotates integration credentials.
type CredentialStore interface {
	Credentials(ctx context.Context, in roster.Integration) (vault.Credentials, error)
	Rotate(ctx context.Context, integrationID string, creds vault.Credentials) error
}

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient overrides the transport used for API and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.httpClient = c }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// Factory builds per-integration clients that share one circuit breaker.
type Factory struct {
	cfg        Config
	creds      CredentialStore
	httpClient *http.Client
	now        func() time.Time
	oauth      *OAuth
	breaker    *gobreaker.CircuitBreaker[response]
}

type response struct {
	status int
	body   []byte
}

var errServer = errors.New("provider server error")

func NewFactory(cfg Config, creds CredentialStore, opts ...Option) *Factory {
	cfg = cfg.withDefaults()
	f := &Factory{cfg: cfg, creds: creds, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	f.oauth = newOAuth(cfg, f.httpClient)
	f.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:    "roster-provider",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.BreakerState.WithLabelValues(name).Set(float64(to))
			obs.Logger().Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return f
}

// OAuth exposes the code exchange used when connecting an integration.
func (f *Factory) OAuth() *OAuth { return f.oauth }

// Client opens the stored credentials of in and returns a client bound to them.
func (f *Factory) Client(ctx context.Context, in roster.Integration) (*Client, error) {
	creds, err := f.creds.Credentials(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Client{
		f:             f,
		integrationID: in.ID,
		creds:         creds,
		limiter:       rate.NewLimiter(rate.Limit(f.cfg.RatePerSecond), f.cfg.Burst),
	}, nil
}

// Client is bound to one integration. It is safe for concurrent use; token
// refreshes are serialized.
type Client struct {
	f             *Factory
	integrationID string
	limiter       *rate.Limiter

	mu    sync.Mutex
	creds vault.Credentials
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	expired := c.creds.Expired(c.f.now())
	tok := c.creds.AccessToken
	c.mu.Unlock()
	if !expired && tok != "" {
		return tok, nil
	}
	return c.refresh(ctx, tok)
}

// refresh swaps the token unless another caller already replaced stale.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds.AccessToken != stale && !c.creds.Expired(c.f.now()) {
		return c.creds.AccessToken, nil
	}
	next, err := c.f.oauth.Refresh(ctx, c.creds)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) || c.creds.RefreshToken == "" {
			return "", &roster.ReauthorizationRequiredError{IntegrationID: c.integrationID, Err: err}
		}
		return "", &roster.ExternalFetchError{Resource: "token", Err: err}
	}
	if err := c.f.creds.Rotate(ctx, c.integrationID, next); err != nil {
		return "", err
	}
	c.creds = next
	obs.Logger().Info().Str("integration_id", c.integrationID).Time("expires_at", next.ExpiresAt).Msg("access token refreshed")
	return next.AccessToken, nil
}

func (c *Client) send(ctx context.Context, rawURL, token string) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, err
	}
	return c.f.breaker.Execute(func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return response{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		resp, err := c.f.httpClient.Do(req)
		if err != nil {
			obs.ExternalRequests.WithLabelValues("transport_error").Inc()
			return response{}, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			obs.ExternalRequests.WithLabelValues("transport_error").Inc()
			return response{}, err
		}
		obs.ExternalRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
		if resp.StatusCode >= 500 {
			return response{status: resp.StatusCode, body: body}, errServer
		}
		return response{status: resp.StatusCode, body: body}, nil
	})
}

func statusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "unauthorized"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "ok"
	}
}

// get performs one logical authenticated GET with at most one refresh-retry.
func (c *Client) get(ctx context.Context, resource, rawURL string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.send(ctx, rawURL, token)
	if err != nil {
		return nil, &roster.ExternalFetchError{Resource: resource, StatusCode: res.status, Err: err}
	}
	if res.status == http.StatusUnauthorized {
		token, err = c.refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		res, err = c.send(ctx, rawURL, token)
		if err != nil {
			return nil, &roster.ExternalFetchError{Resource: resource, StatusCode: res.status, Err: err}
		}
		if res.status == http.StatusUnauthorized {
			return nil, &roster.ReauthorizationRequiredError{
				IntegrationID: c.integrationID,
				Err:           errors.New("provider rejected refreshed token"),
			}
		}
	}
	if res.status < 200 || res.status >= 300 {
		return nil, &roster.ExternalFetchError{
			Resource:   resource,
			StatusCode: res.status,
			Err:        fmt.Errorf("unexpected status: %s", snippet(res.body)),
		}
	}
	return res.body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func (c *Client) baseURL() (*url.URL, error) {
	return url.Parse(strings.TrimSuffix(c.f.cfg.BaseURL, "/") + "/")
}

// endpoint joins an API path onto BaseURL.
func (c *Client) endpoint(path string) (string, error) {
	base, err := c.baseURL()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// resolve turns a links.next value into a request URL. Absolute and
// root-relative links keep their own path; bare relative links sit under
// BaseURL.
func (c *Client) resolve(ref string) (string, error) {
	base, err := c.baseURL()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (c *Client) warnTruncated(resource, reason string) {
	obs.Logger().Warn().
		Str("integration_id", c.integrationID).
		Str("resource", resource).
		Int("max_items", c.f.cfg.MaxItems).
		Int("max_pages", c.f.cfg.MaxPages).
		Str("reason", reason).
		Msg("pagination cap reached; result truncated")
}

// FetchAll follows links.next from path until the provider stops returning
// one, MaxItems resources were collected, MaxPages pages were read or a link
// points at a page already read.
func (c *Client) FetchAll(ctx context.Context, resource, path string) ([]Resource, error) {
	next, err := c.endpoint(path)
	if err != nil {
		return nil, &roster.ExternalFetchError{Resource: resource, Err: err}
	}
	limit := c.f.cfg.MaxItems
	visited := make(map[string]struct{})
	var out []Resource
	for pages := 0; next != ""; pages++ {
		if pages >= c.f.cfg.MaxPages {
			c.warnTruncated(resource, "max_pages")
			break
		}
		visited[next] = struct{}{}
		body, err := c.get(ctx, resource, next)
		if err != nil {
			return nil, err
		}
		page, err := decodePage(body)
		if err != nil {
			return nil, &roster.ExternalFetchError{Resource: resource, Err: err}
		}
		out = append(out, page.Data...)
		if len(out) >= limit {
			if len(out) > limit || page.Links.Next != "" {
				c.warnTruncated(resource, "max_items")
			}
			return out[:limit], nil
		}
		next = ""
		if page.Links.Next != "" {
			if next, err = c.resolve(page.Links.Next); err != nil {
				return nil, &roster.ExternalFetchError{Resource: resource, Err: err}
			}
			if _, seen := visited[next]; seen {
				c.warnTruncated(resource, "repeated_link")
				break
			}
		}
	}
	return out, nil
}

// Lists returns every list visible to the integration.
func (c *Client) Lists(ctx context.Context) ([]roster.ExternalList, error) {
	items, err := c.FetchAll(ctx, "lists", "/lists")
	if err != nil {
		return nil, err
	}
	out := make([]roster.ExternalList, 0, len(items))
	for _, it := range items {
		out = append(out, it.List())
	}
	return out, nil
}

// ListPeople returns the people currently on list listID.
func (c *Client) ListPeople(ctx context.Context, listID string) ([]roster.ExternalPerson, error) {
	items, err := c.FetchAll(ctx, "lists/"+listID+"/people", "/lists/"+url.PathEscape(listID)+"/people")
	if err != nil {
		return nil, err
	}
	out := make([]roster.ExternalPerson, 0, len(items))
	for _, it := range items {
		out = append(out, it.Person())
	}
	return out, nil
}

// TestConnection reports whether the stored grant can read /me.
func (c *Client) TestConnection(ctx context.Context) bool {
	target, err := c.endpoint("/me")
	if err != nil {
		return false
	}
	_, err = c.get(ctx, "me", target)
	return err == nil
}

// Probe opens the credentials of in and checks them against /me. Only a
// credential store failure is returned as an error.
func (f *Factory) Probe(ctx context.Context, in roster.Integration) (bool, error) {
	c, err := f.Client(ctx, in)
	if err != nil {
		return false, err
	}
	return c.TestConnection(ctx), nil
}
