package core

import (
	"context"
	"fmt"
	"os"

	"labportal/internal/infra/persistence/memory"
	"labportal/internal/infra/persistence/postgres"
	"labportal/internal/infra/persistence/sqlite"
	"labportal/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend using environment variables and
// applies the schema. Defaults to sqlite when unset.
//
//	LABPORTAL_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	LABPORTAL_SQLITE_PATH: path to sqlite file (default ./labportal.db)
//	LABPORTAL_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context) (PersistentStore, error) {
	driver := os.Getenv("LABPORTAL_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, os.Getenv("LABPORTAL_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv("LABPORTAL_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
