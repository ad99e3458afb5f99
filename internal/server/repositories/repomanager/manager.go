package repomanager

import (
	"context"
	"database/sql"

	"github.com/upstitch/upstitch/internal/dbx"
	"github.com/upstitch/upstitch/internal/server/repositories/secrets"
	"github.com/upstitch/upstitch/internal/server/repositories/segments"
	"github.com/upstitch/upstitch/internal/server/repositories/uploads"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Uploads(db dbx.DBTX) uploads.Repository
	Segments(db dbx.DBTX) segments.Repository
	Secrets(db dbx.DBTX) secrets.Repository
}
