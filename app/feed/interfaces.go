package feed

import (
	"context"
	"io"

	"github.com/jmoiron/sqlx"
)

// DocumentFetcher retrieves remote documents. *Fetcher is the production implementation.
type DocumentFetcher interface {
	Fetch(ctx context.Context, target string) (string, error)
	Open(ctx context.Context, target string) (io.ReadCloser, error)
}

var _ DocumentFetcher = (*Fetcher)(nil)

// Transactor runs fn in a single store transaction. *database.DB is the
// production implementation.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}
