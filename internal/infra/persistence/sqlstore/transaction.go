package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"labportal/pkg/domain"
)

// Every upsert resolves its id in the same statement. The no-op assignment on
// conflict makes RETURNING yield the existing row without changing it.
const (
	upsertExperimentSQL = `INSERT INTO experiments (experiment_name, description) VALUES (?, ?)
ON CONFLICT (experiment_name) DO UPDATE SET description = excluded.description
RETURNING experiment_id`
	upsertRigSQL = `INSERT INTO rigs (experiment_id, rig_name) VALUES (?, ?)
ON CONFLICT (experiment_id, rig_name) DO UPDATE SET rig_name = excluded.rig_name
RETURNING rig_id`
	upsertGroupSQL = `INSERT INTO exp_groups (rig_id, group_name) VALUES (?, ?)
ON CONFLICT (rig_id, group_name) DO UPDATE SET group_name = excluded.group_name
RETURNING group_id`
	upsertFolderSQL = `INSERT INTO training_folders (group_id, folder_name, folder_type) VALUES (?, ?, ?)
ON CONFLICT (group_id, folder_name) DO UPDATE SET folder_name = excluded.folder_name
RETURNING folder_id`
	upsertDaySQL = `INSERT INTO days (folder_id, day_number, session_date, day_label) VALUES (?, ?, ?, ?)
ON CONFLICT (folder_id, session_date) DO UPDATE SET session_date = excluded.session_date
RETURNING day_id`
	upsertMouseSQL = `INSERT INTO mice (mouse_id, group_id) VALUES (?, ?)
ON CONFLICT (mouse_id) DO NOTHING`
	insertFileSQL = `INSERT INTO files (day_id, original_name, mouse_id, uploader, file_url) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (day_id, original_name) DO NOTHING`
)

type transaction struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *transaction) returningID(ctx context.Context, what, query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("upsert %s: %w", what, domain.ErrUnresolved)
	case err != nil:
		return 0, fmt.Errorf("upsert %s: %w", what, err)
	}
	return id, nil
}

func (t *transaction) UpsertExperiment(ctx context.Context, name, description string) (int64, error) {
	return t.returningID(ctx, "experiment", upsertExperimentSQL, name, description)
}

func (t *transaction) UpsertRig(ctx context.Context, experimentID int64, name string) (int64, error) {
	return t.returningID(ctx, "rig", upsertRigSQL, experimentID, name)
}

func (t *transaction) UpsertGroup(ctx context.Context, rigID int64, name string) (int64, error) {
	return t.returningID(ctx, "group", upsertGroupSQL, rigID, name)
}

func (t *transaction) UpsertTrainingFolder(ctx context.Context, groupID int64, name string, folderType domain.FolderType) (int64, error) {
	if !folderType.Valid() {
		return 0, fmt.Errorf("upsert training folder %s: invalid folder type %q", name, folderType)
	}
	return t.returningID(ctx, "training folder", upsertFolderSQL, groupID, name, string(folderType))
}

func (t *transaction) UpsertDay(ctx context.Context, day domain.Day) (int64, error) {
	if day.Number < 1 {
		return 0, fmt.Errorf("upsert day %s: day number %d out of range", day.Label, day.Number)
	}
	return t.returningID(ctx, "day", upsertDaySQL, day.FolderID, day.Number, t.dialect.DateValue(day.SessionDate), day.Label)
}

func (t *transaction) UpsertMouse(ctx context.Context, mouseID string, groupID int64) error {
	if _, err := t.tx.ExecContext(ctx, t.dialect.Rebind(upsertMouseSQL), mouseID, groupID); err != nil {
		return fmt.Errorf("upsert mouse %s: %w", mouseID, err)
	}
	return nil
}

func (t *transaction) InsertFile(ctx context.Context, file domain.File) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(insertFileSQL),
		file.DayID, file.OriginalName, file.MouseID, file.Uploader, file.URL)
	if err != nil {
		return false, fmt.Errorf("insert file %s: %w", file.OriginalName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert file %s: %w", file.OriginalName, err)
	}
	return n > 0, nil
}
