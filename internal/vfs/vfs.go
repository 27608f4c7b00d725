// Package vfs implements the encrypted virtual directory tree layered over
// the per-repository metadata database.
//
// Names and comments are sealed with a key derived from the master key;
// nonces are fresh on every reseal, so two siblings with equal plaintext
// names have unrelated ciphertexts. Collision checks therefore decrypt the
// siblings.
package vfs

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"SecureVault/internal/blockstore"
	"SecureVault/internal/crypto"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
)

// RootID is the implicit root directory (parent_id IS NULL in the schema).
const RootID int64 = 0

// File is a decrypted view of one virtual tree node.
type File struct {
	ID          int64
	ParentID    int64 // RootID when at the top level
	Name        string
	IsDirectory bool
	LogicalSize int64
	Comment     string
	CreatedAt   time.Time
}

// Tree provides operations on one repository's virtual filesystem.
type Tree struct {
	db      *database.DB
	blocks  *blockstore.Manager
	nameKey []byte
}

// NewTree creates a tree handle. The name key is derived from the borrowed
// master key once per session.
func NewTree(db *database.DB, blocks *blockstore.Manager, masterKey []byte) *Tree {
	return &Tree{
		db:      db,
		blocks:  blocks,
		nameKey: crypto.DeriveNameKey(masterKey),
	}
}

// Close zeroes the derived name key.
func (t *Tree) Close() {
	crypto.SecureZero(t.nameKey)
}

// Get returns one node by id.
func (t *Tree) Get(id int64) (*File, error) {
	return t.get(t.db.Reader(), id)
}

// ListChildren returns the decrypted children of a directory, unsorted.
// The façade sorts by decrypted name after directory grouping.
func (t *Tree) ListChildren(dirID int64) ([]*File, error) {
	return t.listChildren(t.db.Reader(), dirID)
}

// CreateDirectory creates a subdirectory. Fails with ErrNameCollision if a
// sibling decrypts to the same name.
func (t *Tree) CreateDirectory(parentID int64, name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var created *File
	err := t.db.InTx(func(tx *database.Tx) error {
		if err := t.checkParentDir(tx, parentID); err != nil {
			return err
		}
		if taken, err := t.nameTaken(tx, parentID, name); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("directory %q: %w", name, verrors.ErrNameCollision)
		}

		id, err := t.insertNode(tx, parentID, name, true, 0)
		if err != nil {
			return err
		}
		var err2 error
		created, err2 = t.get(tx, id)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateFile inserts a file row and its ordered block edges inside the
// caller's transaction. The refcount increments from the blocks' commits
// and these edge inserts must share that transaction - that is the
// refcount discipline.
//
// The caller resolves name collisions first (UniqueChildName); a surviving
// collision still fails.
func (t *Tree) CreateFile(tx *database.Tx, parentID int64, name string, logicalSize int64, blockIDs []int64) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if err := t.checkParentDir(tx, parentID); err != nil {
		return 0, err
	}
	if taken, err := t.nameTaken(tx, parentID, name); err != nil {
		return 0, err
	} else if taken {
		return 0, fmt.Errorf("file %q: %w", name, verrors.ErrNameCollision)
	}

	id, err := t.insertNode(tx, parentID, name, false, logicalSize)
	if err != nil {
		return 0, err
	}

	for i, blockID := range blockIDs {
		if _, err := tx.Exec(
			`INSERT INTO file_blocks (file_id, block_id, order_index) VALUES (?, ?, ?)`,
			id, blockID, i,
		); err != nil {
			return 0, fmt.Errorf("insert block edge %d: %w", i, err)
		}
	}
	return id, nil
}

// Rename reseals a node's name with a fresh nonce.
func (t *Tree) Rename(id int64, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}

	return t.db.InTx(func(tx *database.Tx) error {
		node, err := t.get(tx, id)
		if err != nil {
			return err
		}
		if node.Name == newName {
			return nil
		}
		if taken, err := t.nameTaken(tx, node.ParentID, newName); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("rename to %q: %w", newName, verrors.ErrNameCollision)
		}

		ciphertext, nonce, err := t.seal(newName)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE files SET name_ciphertext = ?, name_nonce = ? WHERE id = ?`,
			ciphertext, nonce, id,
		)
		return err
	})
}

// SetComment reseals a node's comment with a fresh nonce. An empty text
// clears the comment.
func (t *Tree) SetComment(id int64, text string) error {
	return t.db.InTx(func(tx *database.Tx) error {
		if _, err := t.get(tx, id); err != nil {
			return err
		}
		if text == "" {
			_, err := tx.Exec(
				`UPDATE files SET comment_ciphertext = NULL, comment_nonce = NULL WHERE id = ?`, id)
			return err
		}

		ciphertext, nonce, err := t.seal(text)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE files SET comment_ciphertext = ?, comment_nonce = ? WHERE id = ?`,
			ciphertext, nonce, id,
		)
		return err
	})
}

// Delete removes nodes and all their descendants. Block references are
// released through an explicit walk - never through the schema's cascade,
// which would leak refcounts - and all row changes share one transaction.
// Blobs whose refcount reached zero are removed from disk after commit.
func (t *Tree) Delete(ids []int64) error {
	var orphanBlobs []string

	err := t.db.InTx(func(tx *database.Tx) error {
		seen := map[int64]bool{}
		var all []int64
		for _, id := range ids {
			if err := t.collectSubtree(tx, id, seen, &all); err != nil {
				return err
			}
		}

		for _, fileID := range all {
			blocks, err := t.blocks.BlocksForFile(tx, fileID)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				removed, relPath, err := t.blocks.Release(tx, b.ID)
				if err != nil {
					return err
				}
				if removed {
					orphanBlobs = append(orphanBlobs, relPath)
				}
			}
			// Edges go with the row via the FK cascade.
			if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, fileID); err != nil {
				return fmt.Errorf("delete file %d: %w", fileID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, relPath := range orphanBlobs {
		if rmErr := t.blocks.RemoveBlob(relPath); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

// UniqueChildName resolves a Windows-style unique sibling name:
// "file.txt" -> "file (2).txt" -> "file (3).txt".
func (t *Tree) UniqueChildName(q database.Querier, parentID int64, name string) (string, error) {
	siblings, err := t.listChildren(q, parentID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		taken[s.Name] = true
	}
	return UniqueName(name, taken), nil
}

// RelativePaths maps every descendant file (not directory) of root to its
// decrypted path relative to root. Used by export to mirror the virtual
// layout on the host.
func (t *Tree) RelativePaths(rootID int64) (map[int64]string, error) {
	root, err := t.Get(rootID)
	if err != nil {
		return nil, err
	}

	out := map[int64]string{}
	if !root.IsDirectory {
		out[root.ID] = root.Name
		return out, nil
	}

	var walk func(dirID int64, prefix string) error
	walk = func(dirID int64, prefix string) error {
		children, err := t.ListChildren(dirID)
		if err != nil {
			return err
		}
		for _, c := range children {
			p := path.Join(prefix, c.Name)
			if c.IsDirectory {
				if err := walk(c.ID, p); err != nil {
					return err
				}
			} else {
				out[c.ID] = p
			}
		}
		return nil
	}
	if err := walk(root.ID, root.Name); err != nil {
		return nil, err
	}
	return out, nil
}

// SortEntries orders entries directories-first, then by decrypted name.
func SortEntries(entries []*File) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Name < entries[j].Name
	})
}

// UniqueName appends " (N)" before the extension until the name is free.
func UniqueName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%q: %w", name, verrors.ErrInvalidName)
	}
	return nil
}

func (t *Tree) seal(text string) (ciphertext, nonce []byte, err error) {
	nonce, err = crypto.GenerateNonce()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = crypto.Seal(t.nameKey, nonce, []byte(text))
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

func (t *Tree) open(ciphertext, nonce []byte) (string, error) {
	plaintext, err := crypto.Open(t.nameKey, nonce, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (t *Tree) insertNode(tx *database.Tx, parentID int64, name string, isDir bool, logicalSize int64) (int64, error) {
	ciphertext, nonce, err := t.seal(name)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`INSERT INTO files (parent_id, name_ciphertext, name_nonce, is_directory, logical_size)
		 VALUES (?, ?, ?, ?, ?)`,
		nullableID(parentID), ciphertext, nonce, isDir, logicalSize,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file row: %w", err)
	}
	return res.LastInsertId()
}

func (t *Tree) get(q database.Querier, id int64) (*File, error) {
	if id == RootID {
		return nil, fmt.Errorf("file %d: %w", id, verrors.ErrNotFound)
	}
	row := q.QueryRow(
		`SELECT id, parent_id, name_ciphertext, name_nonce, is_directory, logical_size,
		        comment_ciphertext, comment_nonce, created_at
		 FROM files WHERE id = ?`, id)
	f, err := t.scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, verrors.ErrNotFound)
	}
	return f, err
}

func (t *Tree) listChildren(q database.Querier, dirID int64) ([]*File, error) {
	query := `SELECT id, parent_id, name_ciphertext, name_nonce, is_directory, logical_size,
	                 comment_ciphertext, comment_nonce, created_at
	          FROM files WHERE parent_id = ?`
	args := []any{dirID}
	if dirID == RootID {
		query = strings.Replace(query, "parent_id = ?", "parent_id IS NULL", 1)
		args = nil
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", dirID, err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := t.scanFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *Tree) scanFile(scan func(...any) error) (*File, error) {
	var (
		f             File
		parentID      sql.NullInt64
		nameCT, nameN []byte
		commCT, commN []byte
		createdAt     time.Time
	)
	if err := scan(&f.ID, &parentID, &nameCT, &nameN, &f.IsDirectory, &f.LogicalSize, &commCT, &commN, &createdAt); err != nil {
		return nil, err
	}
	f.ParentID = parentID.Int64
	f.CreatedAt = createdAt

	name, err := t.open(nameCT, nameN)
	if err != nil {
		return nil, fmt.Errorf("decrypt name of file %d: %w", f.ID, err)
	}
	f.Name = name

	if len(commCT) > 0 {
		comment, err := t.open(commCT, commN)
		if err != nil {
			return nil, fmt.Errorf("decrypt comment of file %d: %w", f.ID, err)
		}
		f.Comment = comment
	}
	return &f, nil
}

// checkParentDir verifies the parent exists and is a directory. RootID is
// always valid.
func (t *Tree) checkParentDir(q database.Querier, parentID int64) error {
	if parentID == RootID {
		return nil
	}
	parent, err := t.get(q, parentID)
	if err != nil {
		return err
	}
	if !parent.IsDirectory {
		return fmt.Errorf("parent %d is not a directory: %w", parentID, verrors.ErrInvalidName)
	}
	return nil
}

// nameTaken decrypts the siblings of parentID and compares case-sensitively.
func (t *Tree) nameTaken(q database.Querier, parentID int64, name string) (bool, error) {
	siblings, err := t.listChildren(q, parentID)
	if err != nil {
		return false, err
	}
	for _, s := range siblings {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// collectSubtree appends id and all its descendants to out, children before
// their parent, each id once. Delete depends on that order: removing a
// parent row first would cascade away its children's rows and block edges
// before their blocks were released.
func (t *Tree) collectSubtree(q database.Querier, id int64, seen map[int64]bool, out *[]int64) error {
	if seen[id] {
		return nil
	}
	node, err := t.get(q, id)
	if err != nil {
		return err
	}
	seen[id] = true

	if node.IsDirectory {
		children, err := t.listChildren(q, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := t.collectSubtree(q, c.ID, seen, out); err != nil {
				return err
			}
		}
	}
	*out = append(*out, id)
	return nil
}

func nullableID(id int64) any {
	if id == RootID {
		return nil
	}
	return id
}
