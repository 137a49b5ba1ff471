package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

type integrationRepo struct{ db *sql.DB }

const integrationColumns = `id, organization_id, provider, status, sync_enabled, sync_frequency,
	last_sync_at, coalesce(last_sync_status, ''), coalesce(last_error, ''), next_sync_at,
	credentials_ciphertext, credentials_iv, credentials_tag,
	coalesce(access_token, ''), token_expires_at, created_at, updated_at`

func scanIntegration(row scanner) (roster.Integration, error) {
	var (
		in                    roster.Integration
		lastSync, next, tokEx sql.NullTime
	)
	err := row.Scan(&in.ID, &in.OrganizationID, &in.Provider, &in.Status, &in.SyncEnabled, &in.SyncFrequency,
		&lastSync, &in.LastSyncStatus, &in.LastError, &next,
		&in.Credentials.Ciphertext, &in.Credentials.IV, &in.Credentials.Tag,
		&in.AccessToken, &tokEx, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Integration{}, roster.ErrNotFound
	}
	if err != nil {
		return roster.Integration{}, err
	}
	in.LastSyncAt = timeOrNil(lastSync)
	in.NextSyncAt = timeOrNil(next)
	if tokEx.Valid {
		in.TokenExpiresAt = tokEx.Time.UTC()
	}
	return in, nil
}

func (r integrationRepo) Create(ctx context.Context, in *roster.Integration) error {
	if in == nil || in.OrganizationID == "" {
		return roster.ErrInvalidInput
	}
	if in.ID == "" {
		in.ID = ids.New()
	}
	err := r.db.QueryRowContext(ctx, `
		insert into integrations (id, organization_id, provider, status, sync_enabled, sync_frequency,
			credentials_ciphertext, credentials_iv, credentials_tag, access_token, token_expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning created_at, updated_at
	`, in.ID, in.OrganizationID, in.Provider, in.Status, in.SyncEnabled, in.SyncFrequency,
		in.Credentials.Ciphertext, in.Credentials.IV, in.Credentials.Tag,
		nullIfEmpty(in.AccessToken), nullTime(&in.TokenExpiresAt)).Scan(&in.CreatedAt, &in.UpdatedAt)
	if isUniqueViolation(err) {
		return roster.ErrConflict
	}
	return err
}

func (r integrationRepo) Get(ctx context.Context, id string) (roster.Integration, error) {
	return scanIntegration(r.db.QueryRowContext(ctx, `select `+integrationColumns+` from integrations where id = $1`, id))
}

func (r integrationRepo) GetByOrganization(ctx context.Context, organizationID string) (roster.Integration, error) {
	return scanIntegration(r.db.QueryRowContext(ctx,
		`select `+integrationColumns+` from integrations where organization_id = $1`, organizationID))
}

func (r integrationRepo) ListSchedulable(ctx context.Context) ([]roster.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+integrationColumns+`
		from integrations
		where sync_enabled and status = $1
		order by id
	`, roster.IntegrationActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roster.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r integrationRepo) UpdateSettings(ctx context.Context, id string, set roster.IntegrationSettings) (roster.Integration, error) {
	if set.SyncFrequency != nil && !set.SyncFrequency.Valid() {
		return roster.Integration{}, roster.ErrInvalidInput
	}
	var (
		enabled sql.NullBool
		freq    sql.NullString
	)
	if set.SyncEnabled != nil {
		enabled = sql.NullBool{Bool: *set.SyncEnabled, Valid: true}
	}
	if set.SyncFrequency != nil {
		freq = sql.NullString{String: string(*set.SyncFrequency), Valid: true}
	}
	return scanIntegration(r.db.QueryRowContext(ctx, `
		update integrations
		set sync_enabled = coalesce($2, sync_enabled),
		    sync_frequency = coalesce($3, sync_frequency),
		    updated_at = now()
		where id = $1
		returning `+integrationColumns, id, enabled, freq))
}

func (r integrationRepo) RecordOutcome(ctx context.Context, id string, out roster.SyncOutcome) error {
	res, err := r.db.ExecContext(ctx, `
		update integrations
		set status = $2,
		    last_sync_status = $3,
		    last_sync_at = coalesce($4, last_sync_at),
		    last_error = $5,
		    updated_at = now()
		where id = $1
	`, id, out.Status, nullIfEmpty(string(out.LastSyncStatus)), nullTime(out.LastSyncAt), nullIfEmpty(out.LastError))
	return expectOne(res, err, roster.ErrNotFound)
}

func (r integrationRepo) SetNextSyncAt(ctx context.Context, id string, at *time.Time) error {
	res, err := r.db.ExecContext(ctx, `update integrations set next_sync_at = $2, updated_at = now() where id = $1`, id, nullTime(at))
	return expectOne(res, err, roster.ErrNotFound)
}

// RotateCredentials writes the sealed blob and the token cache in one
// statement so readers never see a mismatched pair.
func (r integrationRepo) RotateCredentials(ctx context.Context, id string, sealed roster.SealedCredentials, accessToken string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		update integrations
		set credentials_ciphertext = $2,
		    credentials_iv = $3,
		    credentials_tag = $4,
		    access_token = $5,
		    token_expires_at = $6,
		    updated_at = now()
		where id = $1
	`, id, sealed.Ciphertext, sealed.IV, sealed.Tag, nullIfEmpty(accessToken), nullTime(&expiresAt))
	return expectOne(res, err, roster.ErrNotFound)
}

// Delete relies on the schema cascades: mappings, logs and jobs go with the
// integration and people keep their rows with the marker cleared.
func (r integrationRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `delete from integrations where id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return expectOne(res, nil, roster.ErrNotFound)
}
