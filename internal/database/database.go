// Package database manages the per-repository metadata store: a SQLite
// database at <repo>/.vault/vault.db next to the encrypted blob tree.
//
// The core is single-writer against each repository. DB serializes all
// structural changes through InTx. Reads through Reader may be issued from
// any goroutine, but they share the single connection, so a read waits
// while a transaction is open.
// Transactions are explicit values - helpers that must participate in a
// caller's transaction take a *Tx parameter, so nested BEGINs are
// structurally impossible.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	verrors "SecureVault/internal/errors"

	// CGo-free port of SQLite.
	_ "modernc.org/sqlite"
)

// Repository directory layout under <repo>/.vault/.
const (
	VaultDirName   = ".vault"
	DBFileName     = "vault.db"
	BlocksDirName  = "blocks"
	RepoConfigName = "config.json"
	LockFileName   = "lock"
)

const pragma = `
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;
PRAGMA synchronous = FULL;
`

// DB is an open per-repository metadata database.
type DB struct {
	sql      *sql.DB
	repoRoot string

	// mu serializes writers: every InTx holds it for the whole transaction.
	mu sync.Mutex
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Read helpers accept it so they run either standalone or inside a
// transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx is an open transaction. It implements Querier.
type Tx struct {
	*sql.Tx
}

// VaultDir returns <root>/.vault for a repository root.
func VaultDir(repoRoot string) string {
	return filepath.Join(repoRoot, VaultDirName)
}

// BlocksDir returns the encrypted blob tree directory for a repository root.
func BlocksDir(repoRoot string) string {
	return filepath.Join(VaultDir(repoRoot), BlocksDirName)
}

// Path returns the metadata database path for a repository root.
func Path(repoRoot string) string {
	return filepath.Join(VaultDir(repoRoot), DBFileName)
}

// Open creates the repository directory structure if needed, opens the
// metadata database and initializes the schema.
//
// Open never touches a previously opened DB: when the active repository
// changes, callers open the new database first and close the old one only
// after Open succeeds.
func Open(repoRoot string) (*DB, error) {
	if err := os.MkdirAll(BlocksDir(repoRoot), 0o700); err != nil {
		return nil, verrors.NewIOError("create", BlocksDir(repoRoot), err)
	}

	sqlDB, err := sql.Open("sqlite", Path(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", Path(repoRoot), err)
	}
	// database/sql pooling would hand writers separate connections; one
	// connection keeps the single-writer model honest.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(pragma); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{sql: sqlDB, repoRoot: repoRoot}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// RepoRoot returns the repository root this database belongs to.
func (db *DB) RepoRoot() string {
	return db.repoRoot
}

// Reader returns a Querier for standalone reads outside any transaction.
func (db *DB) Reader() Querier {
	return db.sql
}

// InTx runs fn inside a transaction, serialized against all other writers
// on this repository. The transaction commits iff fn returns nil;
// otherwise it rolls back and InTx returns fn's error.
func (db *DB) InTx(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sqlTx, err := db.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// NotFound maps sql.ErrNoRows to the vault taxonomy.
func NotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return verrors.ErrNotFound
	}
	return err
}
