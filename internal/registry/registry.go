// Package registry catalogs the known repositories in a small global
// database kept next to the global config. The registry records name, path
// and quota only; it does not guarantee the on-disk repository still
// exists - callers verify at unlock.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	verrors "SecureVault/internal/errors"

	// CGo-free port of SQLite.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    path TEXT NOT NULL UNIQUE,
    quota_bytes INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Descriptor describes one registered repository.
type Descriptor struct {
	ID         int64
	Name       string
	Path       string
	QuotaBytes uint64
	CreatedAt  time.Time
}

// Registry is the open global repository catalog.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// List returns all registered repositories ordered by name.
func (r *Registry) List() ([]Descriptor, error) {
	rows, err := r.db.Query(
		`SELECT id, name, path, quota_bytes, created_at FROM repositories ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.QuotaBytes, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns the repository with the given id.
func (r *Registry) Get(id int64) (*Descriptor, error) {
	var d Descriptor
	err := r.db.QueryRow(
		`SELECT id, name, path, quota_bytes, created_at FROM repositories WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Path, &d.QuotaBytes, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %d: %w", id, verrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %d: %w", id, err)
	}
	return &d, nil
}

// Create registers a new repository. Name and path must be unique.
func (r *Registry) Create(name, path string, quotaBytes uint64) (*Descriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, verrors.ErrInvalidName
	}
	path = filepath.Clean(path)

	if taken, err := r.nameTaken(name, 0); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("repository name %q: %w", name, verrors.ErrNameCollision)
	}
	if taken, err := r.pathTaken(path); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("repository path %q: %w", path, verrors.ErrPathCollision)
	}

	res, err := r.db.Exec(
		`INSERT INTO repositories (name, path, quota_bytes) VALUES (?, ?, ?)`,
		name, path, quotaBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert repository: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.Get(id)
}

// Rename changes a repository's display name.
func (r *Registry) Rename(id int64, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return verrors.ErrInvalidName
	}
	if taken, err := r.nameTaken(newName, id); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("repository name %q: %w", newName, verrors.ErrNameCollision)
	}

	res, err := r.db.Exec(`UPDATE repositories SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("rename repository %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// SetQuota changes a repository's quota.
func (r *Registry) SetQuota(id int64, quotaBytes uint64) error {
	res, err := r.db.Exec(`UPDATE repositories SET quota_bytes = ? WHERE id = ?`, quotaBytes, id)
	if err != nil {
		return fmt.Errorf("set quota for repository %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// Delete removes a repository from the catalog. The on-disk tree is the
// caller's responsibility.
func (r *Registry) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repository %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %d: %w", id, verrors.ErrNotFound)
	}
	return nil
}

// Import reconstitutes a registry row from an existing repository config
// file inside <repo>/.vault/. On a name collision the name gets a numeric
// suffix and renamed reports true. A path collision fails.
func (r *Registry) Import(repoRoot string, cfg *RepoConfig) (desc *Descriptor, renamed bool, err error) {
	path := filepath.Clean(repoRoot)

	if taken, err := r.pathTaken(path); err != nil {
		return nil, false, err
	} else if taken {
		return nil, false, fmt.Errorf("repository path %q: %w", path, verrors.ErrPathCollision)
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = filepath.Base(path)
	}
	unique, err := r.uniqueName(name)
	if err != nil {
		return nil, false, err
	}
	renamed = unique != name

	desc, err = r.Create(unique, path, cfg.QuotaBytes)
	if err != nil {
		return nil, false, err
	}
	return desc, renamed, nil
}

// uniqueName appends " (N)" until the name is free, starting at 2.
func (r *Registry) uniqueName(name string) (string, error) {
	candidate := name
	for n := 2; ; n++ {
		taken, err := r.nameTaken(candidate, 0)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)", name, n)
	}
}

func (r *Registry) nameTaken(name string, excludeID int64) (bool, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT count(*) FROM repositories WHERE name = ? AND id != ?`, name, excludeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check name: %w", err)
	}
	return n > 0, nil
}

func (r *Registry) pathTaken(path string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT count(*) FROM repositories WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check path: %w", err)
	}
	return n > 0, nil
}
