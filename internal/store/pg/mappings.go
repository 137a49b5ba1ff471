package pg

import (
	"context"
	"database/sql"
	"errors"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

type mappingRepo struct{ db *sql.DB }

const mappingColumns = `id, integration_id, external_group_id, external_group_name, external_group_type,
	internal_group_id, sync_members, sync_leaders, created_at, updated_at`

func scanMapping(row scanner) (roster.GroupMapping, error) {
	var (
		m     roster.GroupMapping
		group sql.NullString
	)
	err := row.Scan(&m.ID, &m.IntegrationID, &m.ExternalGroupID, &m.ExternalGroupName, &m.ExternalGroupType,
		&group, &m.SyncMembers, &m.SyncLeaders, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.GroupMapping{}, roster.ErrNotFound
	}
	if err != nil {
		return roster.GroupMapping{}, err
	}
	if group.Valid {
		m.InternalGroupID = &group.String
	}
	return m, nil
}

func (r mappingRepo) ListByIntegration(ctx context.Context, integrationID string) ([]roster.GroupMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+mappingColumns+`
		from group_mappings
		where integration_id = $1
		order by external_group_id
	`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roster.GroupMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r mappingRepo) Get(ctx context.Context, id string) (roster.GroupMapping, error) {
	return scanMapping(r.db.QueryRowContext(ctx, `select `+mappingColumns+` from group_mappings where id = $1`, id))
}

func (r mappingRepo) Create(ctx context.Context, m *roster.GroupMapping) error {
	if m == nil || m.IntegrationID == "" || m.ExternalGroupID == "" {
		return roster.ErrInvalidInput
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	var group sql.NullString
	if m.InternalGroupID != nil {
		group = nullIfEmpty(*m.InternalGroupID)
	}
	err := r.db.QueryRowContext(ctx, `
		insert into group_mappings (id, integration_id, external_group_id, external_group_name,
			external_group_type, internal_group_id, sync_members, sync_leaders)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, m.ID, m.IntegrationID, m.ExternalGroupID, m.ExternalGroupName, m.ExternalGroupType,
		group, m.SyncMembers, m.SyncLeaders).Scan(&m.CreatedAt, &m.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return roster.ErrConflict
		case pgErrForeignKeyViolation:
			return roster.ErrNotFound
		}
	}
	return err
}

func (r mappingRepo) UpdateExternal(ctx context.Context, id, name, groupType string) error {
	res, err := r.db.ExecContext(ctx, `
		update group_mappings
		set external_group_name = $2, external_group_type = $3, updated_at = now()
		where id = $1
	`, id, name, groupType)
	return expectOne(res, err, roster.ErrNotFound)
}

func (r mappingRepo) Link(ctx context.Context, id string, internalGroupID *string, syncMembers, syncLeaders bool) (roster.GroupMapping, error) {
	var group sql.NullString
	if internalGroupID != nil {
		group = nullIfEmpty(*internalGroupID)
	}
	return scanMapping(r.db.QueryRowContext(ctx, `
		update group_mappings
		set internal_group_id = $2, sync_members = $3, sync_leaders = $4, updated_at = now()
		where id = $1
		returning `+mappingColumns, id, group, syncMembers, syncLeaders))
}
