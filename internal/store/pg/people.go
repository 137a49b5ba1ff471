package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

type personRepo struct{ db *sql.DB }

const personColumns = `id, organization_id, email, first_name, last_name, status, password_hash,
	must_reset_password, coalesce(external_id, ''), external_data, coalesce(sync_integration_id, ''),
	created_at, updated_at`

func scanPerson(row scanner) (roster.Person, error) {
	var (
		p   roster.Person
		raw []byte
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Email, &p.FirstName, &p.LastName, &p.Status, &p.PasswordHash,
		&p.MustResetPassword, &p.ExternalID, &raw, &p.SyncIntegrationID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Person{}, roster.ErrNotFound
	}
	if err != nil {
		return roster.Person{}, err
	}
	if len(raw) > 0 && string(raw) != "{}" {
		if err := json.Unmarshal(raw, &p.ExternalData); err != nil {
			return roster.Person{}, fmt.Errorf("decode external data: %w", err)
		}
	}
	return p, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode external data: %w", err)
	}
	return b, nil
}

func (r personRepo) queryPeople(ctx context.Context, query string, args ...any) ([]roster.Person, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roster.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r personRepo) Get(ctx context.Context, id string) (roster.Person, error) {
	return scanPerson(r.db.QueryRowContext(ctx, `select `+personColumns+` from people where id = $1`, id))
}

func (r personRepo) ListByOrganization(ctx context.Context, organizationID string) ([]roster.Person, error) {
	return r.queryPeople(ctx, `select `+personColumns+` from people where organization_id = $1 order by id`, organizationID)
}

func (r personRepo) ListSyncOriginated(ctx context.Context, integrationID string) ([]roster.Person, error) {
	return r.queryPeople(ctx, `select `+personColumns+` from people where sync_integration_id = $1 order by id`, integrationID)
}

func (r personRepo) Create(ctx context.Context, p *roster.Person) error {
	if p == nil || p.OrganizationID == "" || roster.NormalizeEmail(p.Email) == "" {
		return roster.ErrInvalidInput
	}
	data, err := encodeData(p.ExternalData)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = roster.PersonActive
	}
	err = r.db.QueryRowContext(ctx, `
		insert into people (id, organization_id, email, first_name, last_name, status, password_hash,
			must_reset_password, external_id, external_data, sync_integration_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning created_at, updated_at
	`, p.ID, p.OrganizationID, p.Email, p.FirstName, p.LastName, p.Status, p.PasswordHash,
		p.MustResetPassword, nullIfEmpty(p.ExternalID), data, nullIfEmpty(p.SyncIntegrationID)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return roster.ErrConflict
	}
	return err
}

func (r personRepo) UpdateSyncFields(ctx context.Context, p roster.Person) error {
	data, err := encodeData(p.ExternalData)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		update people
		set email = $2, first_name = $3, last_name = $4, status = $5,
		    external_id = $6, external_data = $7, sync_integration_id = $8, updated_at = now()
		where id = $1
	`, p.ID, p.Email, p.FirstName, p.LastName, p.Status, nullIfEmpty(p.ExternalID), data, nullIfEmpty(p.SyncIntegrationID))
	if isUniqueViolation(err) {
		return roster.ErrConflict
	}
	return expectOne(res, err, roster.ErrNotFound)
}

func (r personRepo) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `update people set status = $2, updated_at = now() where id = $1`, id, roster.PersonInactive)
	return expectOne(res, err, roster.ErrNotFound)
}
