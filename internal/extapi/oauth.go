package extapi

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/vault"
)

// OAuth performs the authorization code exchange and token refresh against
// the provider's token endpoint.
type OAuth struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

func newOAuth(cfg Config, httpClient *http.Client) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: httpClient,
	}
}

func (o *OAuth) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// AuthCodeURL is where an operator is sent to grant access.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a credential record.
func (o *OAuth) Exchange(ctx context.Context, code string) (vault.Credentials, error) {
	if code == "" {
		return vault.Credentials{}, &roster.AuthExchangeError{Err: errors.New("missing authorization code")}
	}
	tok, err := o.cfg.Exchange(o.context(ctx), code)
	if err != nil {
		return vault.Credentials{}, &roster.AuthExchangeError{Err: err}
	}
	return vault.FromToken(tok), nil
}

// Refresh obtains a new access token with the stored refresh token.
func (o *OAuth) Refresh(ctx context.Context, creds vault.Credentials) (vault.Credentials, error) {
	if creds.RefreshToken == "" {
		obs.TokenRefreshes.WithLabelValues("missing").Inc()
		return vault.Credentials{}, errors.New("no refresh token")
	}
	tok, err := o.cfg.TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		obs.TokenRefreshes.WithLabelValues("error").Inc()
		return vault.Credentials{}, err
	}
	obs.TokenRefreshes.WithLabelValues("ok").Inc()
	return creds.Rotated(tok), nil
}
