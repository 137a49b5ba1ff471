package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rostersync.org/internal/roster"
)

type membershipRepo struct{ db *sql.DB }

func (r membershipRepo) ListByGroups(ctx context.Context, groupIDs []string) ([]roster.Membership, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	marks := make([]string, len(groupIDs))
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
		select person_id, group_id, created_at
		from memberships
		where group_id in (`+strings.Join(marks, ", ")+`)
		order by group_id, person_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roster.Membership
	for rows.Next() {
		var m roster.Membership
		if err := rows.Scan(&m.PersonID, &m.GroupID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r membershipRepo) Add(ctx context.Context, personID, groupID string) error {
	if personID == "" || groupID == "" {
		return roster.ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, `
		insert into memberships (person_id, group_id)
		values ($1, $2)
		on conflict do nothing
	`, personID, groupID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return roster.ErrNotFound
	}
	return err
}

func (r membershipRepo) Remove(ctx context.Context, personID, groupID string) error {
	_, err := r.db.ExecContext(ctx, `delete from memberships where person_id = $1 and group_id = $2`, personID, groupID)
	return err
}

func (r membershipRepo) RemoveAllForPerson(ctx context.Context, personID string) error {
	_, err := r.db.ExecContext(ctx, `delete from memberships where person_id = $1`, personID)
	return err
}
