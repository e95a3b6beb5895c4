package domain

import (
	"context"
	"errors"
	"time"
)

// ErrUnresolved is returned when an upsert neither inserted a row nor could
// resolve the identifier of the conflicting one.
var ErrUnresolved = errors.New("domain: identifier unresolved after upsert")

// Transaction exposes the write operations an ingestion walk performs within
// one atomic scope. Every upsert is a single insert-or-fetch statement keyed
// by the natural key of its level, so concurrent walks converge on one row.
type Transaction interface {
	// UpsertExperiment returns the experiment id for name. The description is
	// overwritten when the experiment already exists.
	UpsertExperiment(ctx context.Context, name, description string) (int64, error)
	UpsertRig(ctx context.Context, experimentID int64, name string) (int64, error)
	UpsertGroup(ctx context.Context, rigID int64, name string) (int64, error)
	// UpsertTrainingFolder keeps the folder type recorded on first insert.
	UpsertTrainingFolder(ctx context.Context, groupID int64, name string, folderType FolderType) (int64, error)
	// UpsertDay is keyed by (FolderID, SessionDate). Number and Label are only
	// written on first insert.
	UpsertDay(ctx context.Context, day Day) (int64, error)
	// UpsertMouse records mouseID under groupID unless it already exists anywhere.
	UpsertMouse(ctx context.Context, mouseID string, groupID int64) error
	// InsertFile inserts the file row, reporting false when (DayID, OriginalName)
	// already existed.
	InsertFile(ctx context.Context, file File) (bool, error)
}

// PersistentStore is the relational capability used by the portal.
type PersistentStore interface {
	// RunInTransaction executes fn within one transaction. A non-nil error from
	// fn, or a failed commit, leaves no partial state behind.
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	// Browse returns up to limit rows of table ordered by its first column, newest first.
	Browse(ctx context.Context, table Table, limit int) (TableView, error)
	Close() error
}

// SessionDateLayout is the canonical text form of a session date.
const SessionDateLayout = time.DateOnly

// ErrUnknownTable is returned when a browse request names a table outside
// the allow-list.
var ErrUnknownTable = errors.New("domain: unknown table")

// DefaultBrowseLimit caps browse results when the caller does not.
const DefaultBrowseLimit = 100
