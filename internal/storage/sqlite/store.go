package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/sempervigil/sempervigil/internal/storage"
)

// Verify interface conformance at compile time.
var (
	_ storage.Storage     = (*SQLiteStore)(nil)
	_ storage.Transaction = (*sqliteTx)(nil)
)

// SQLiteStore implements the storage interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching to cut SQLite
// startup time. wazero keys the cache by its own version, so stale
// entries from upgrades are harmless.
//
// Falls back to an in-memory cache when the cache directory cannot be
// created; first open then pays the full compile cost.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "sempervigil", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	_ = setupWASMCache()
}

// New opens (creating if necessary) the database at path, applies
// pending migrations, and returns the store.
//
// For :memory: databases the pool is pinned to a single connection:
// SQLite in-memory databases are per-connection, and a pool of them
// would each see an empty schema.
func New(ctx context.Context, path string) (*SQLiteStore, error) {
	var connStr string
	if path == ":memory:" {
		// WAL does not apply to shared in-memory databases; use DELETE mode.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL allows 1 writer + N readers; bounding the pool keeps worker
		// goroutines from piling up on the write lock.
		maxConns := runtime.NumCPU() + 1
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &SQLiteStore{db: db, dbPath: absPath}, nil
}

// Migrate applies any pending migrations. Safe to call repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return RunMigrations(ctx, s.db)
}

// Close closes the database connection. The WAL is checkpointed first so
// writes are not stranded in the -wal file between process invocations.
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// IsClosed reports whether Close has been called.
func (s *SQLiteStore) IsClosed() bool {
	return s.closed.Load()
}

// Path returns the path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// UnderlyingDB exposes the raw connection pool for diagnostics commands.
func (s *SQLiteStore) UnderlyingDB() *sql.DB {
	return s.db
}

// CheckpointWAL flushes the WAL into the main database file, making the
// file safe to copy for backups.
func (s *SQLiteStore) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

// sqliteTx implements storage.Transaction over a dedicated connection
// holding an open IMMEDIATE transaction.
type sqliteTx struct {
	conn *sql.Conn
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to take the write lock up front,
// so competing writers queue instead of deadlocking mid-transaction.
//
// Lifecycle: acquire a dedicated connection, BEGIN IMMEDIATE with
// busy-retry, run fn, COMMIT on nil or ROLLBACK on error. A panic in fn
// rolls back and re-raises.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback still runs when ctx is canceled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// withImmediateTx runs fn on a dedicated connection inside a BEGIN
// IMMEDIATE transaction. It backs the claim path, which must read a
// candidate row and update it without another writer interleaving.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(q dbtx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}
