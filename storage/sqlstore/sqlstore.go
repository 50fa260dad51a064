package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/overtonx/eventstore/storage"
)

const (
	tableSnapshots   = "snapshots"
	tableEvents      = "events"
	tableOutbox      = "outbox"
	tableDeadletters = "outbox_deadletters"
	tableSchedules   = "schedules_view"
)

var _ storage.Store = (*SQLStore)(nil)

// SQLStore implements every repository on one database. Each call runs on the
// transaction carried by ctx, if any, and on the pool otherwise.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	txm     *manager.Manager
	logger  *zap.Logger
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		txm:     manager.Must(trmsql.NewDefaultFactory(db)),
		logger:  logger,
	}
}

// Open connects to driver ("sqlite" or "mysql") and verifies the connection.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if dialect == DialectMySQL {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return NewSQLStore(db, dialect, logger), nil
}

// SQLiteDSN turns a database file path into a DSN with the pragmas the runtime
// relies on. Values that already carry query parameters are returned unchanged.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// TxManager returns the transaction manager bound to this store's database.
func (s *SQLStore) TxManager() *manager.Manager {
	return s.txm
}

// Conn returns the transaction stored in ctx or the pool.
func (s *SQLStore) Conn(ctx context.Context) storage.DBTX {
	return trmsql.DefaultCtxGetter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// isDuplicateKey reports unique and primary key violations of either backend.
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
