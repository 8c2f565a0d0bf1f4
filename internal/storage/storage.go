package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionsync/internal/model"
	"optionsync/internal/storage/postgres"
	"optionsync/internal/storage/sqlite"
)

// IssueSink receives events the ingestor could not apply.
type IssueSink interface {
	PutIssue(issue model.Issue) error
}

// Mirror is the off-chain projection of OptionManager state.
//
// Writes that take a record id act on provisional rows only (chain_id IS
// NULL) and are used by the coordinator and gateway. Writes keyed by chain id
// belong to the ingestor.
type Mirror interface {
	InsertProvisional(ctx context.Context, o model.Option) (model.Option, error)
	AttachSubmission(ctx context.Context, id int64, txHash string) error
	MarkProvisionalFailed(ctx context.Context, id int64, reason string) error
	PatchProvisional(ctx context.Context, id int64, p model.Patch) (model.Option, error)
	DeleteProvisional(ctx context.Context, id int64) (bool, error)

	GetByID(ctx context.Context, id int64) (model.Option, error)
	GetByChainID(ctx context.Context, chainID uint64) (model.Option, error)
	List(ctx context.Context, f model.ListFilter) ([]model.Option, error)

	FindProvisionalMatch(ctx context.Context, key model.MatchKey) (model.Option, error)
	Promote(ctx context.Context, id int64, p model.Promotion) (model.Option, error)
	InsertConfirmed(ctx context.Context, o model.Option) (model.Option, bool, error)
	SaveTransition(ctx context.Context, prev, next model.Option) (bool, error)
	DeleteByChainID(ctx context.Context, chainID uint64) (bool, error)
	SettleExpired(ctx context.Context, now time.Time) (int64, error)

	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, block uint64) error

	// Migrate applies the schema. It is idempotent.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the mirror named by dsn: postgres:// and postgresql://
// URLs use Postgres, sqlite:<path> an embedded database file.
func Open(ctx context.Context, dsn string) (Mirror, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.NewStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.NewStore(ctx, strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//"))
	case dsn == "":
		return nil, fmt.Errorf("store dsn is required")
	default:
		return nil, fmt.Errorf("unsupported store dsn: %s", Redact(dsn))
	}
}

// Redact hides credentials in a DSN for logging.
func Redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	user, _, _ := strings.Cut(rest[:at], ":")
	return scheme + "://" + user + ":***@" + rest[at+1:]
}
