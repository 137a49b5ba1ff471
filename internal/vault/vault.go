// Package vault stores OAuth credentials for integrations in sealed form.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"rostersync.org/internal/roster"
	"rostersync.org/internal/sealer"
)

// Credentials is the decrypted OAuth grant of one integration.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
// A zero expiry never expires.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Rotated returns the record that replaces c after a refresh. The provider may
// omit the refresh token, in which case the old one stays valid.
func (c Credentials) Rotated(tok *oauth2.Token) Credentials {
	next := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        c.Scope,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = c.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		next.Scope = scope
	}
	return next
}

// FromToken builds a fresh record from an exchanged token.
func FromToken(tok *oauth2.Token) Credentials {
	return Credentials{}.Rotated(tok)
}

// Token converts c for use with golang.org/x/oauth2.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}

// Vault seals and opens integration credentials.
type Vault struct {
	sealer sealer.Sealer
	store  roster.IntegrationStore
}

func New(s sealer.Sealer, store roster.IntegrationStore) *Vault {
	return &Vault{sealer: s, store: store}
}

// Seal encrypts creds for a new integration row.
func (v *Vault) Seal(creds Credentials) (roster.SealedCredentials, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return roster.SealedCredentials{}, fmt.Errorf("vault: encode credentials: %w", err)
	}
	sealed, err := v.sealer.Seal(raw)
	if err != nil {
		return roster.SealedCredentials{}, fmt.Errorf("vault: seal: %w", err)
	}
	return roster.SealedCredentials{Ciphertext: sealed.Ciphertext, IV: sealed.IV, Tag: sealed.Tag}, nil
}

// Credentials opens the blob stored on in.
func (v *Vault) Credentials(_ context.Context, in roster.Integration) (Credentials, error) {
	if in.Credentials.Empty() {
		return Credentials{}, &roster.DecryptionError{IntegrationID: in.ID, Err: errors.New("no credentials stored")}
	}
	raw, err := v.sealer.Open(sealer.Sealed{
		Ciphertext: in.Credentials.Ciphertext,
		IV:         in.Credentials.IV,
		Tag:        in.Credentials.Tag,
	})
	if err != nil {
		return Credentials{}, &roster.DecryptionError{IntegrationID: in.ID, Err: err}
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, &roster.DecryptionError{IntegrationID: in.ID, Err: err}
	}
	return creds, nil
}

// Rotate replaces the stored credentials of integrationID. The sealed blob and
// the plaintext token cache are written together.
func (v *Vault) Rotate(ctx context.Context, integrationID string, creds Credentials) error {
	sealed, err := v.Seal(creds)
	if err != nil {
		return err
	}
	if err := v.store.RotateCredentials(ctx, integrationID, sealed, creds.AccessToken, creds.ExpiresAt); err != nil {
		return fmt.Errorf("vault: rotate %s: %w", integrationID, err)
	}
	return nil
}
