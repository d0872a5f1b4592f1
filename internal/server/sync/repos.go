package sync

import (
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/permission"
	"github.com/dmitrijs2005/walletsync/internal/server/storage"
	"github.com/dmitrijs2005/walletsync/internal/snapshot"
)

// PostgresRepos vends the PostgreSQL-backed repositories.
type PostgresRepos struct{}

func (PostgresRepos) Events(db dbx.DBTX) EventLog {
	return storage.NewEventRepository(db)
}

func (PostgresRepos) Permissions(db dbx.DBTX) permission.Store {
	return storage.NewPermissionRepository(db)
}

func (PostgresRepos) Snapshots(db dbx.DBTX) snapshot.Store {
	return storage.NewSnapshotRepository(db)
}
