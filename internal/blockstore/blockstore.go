// Package blockstore implements the deduplicating content-addressed store
// of encrypted blocks under <repo>/.vault/blocks/.
//
// Blobs on disk are raw AEAD ciphertext and nothing else; salt, nonce and
// content hash live only in the metadata database. Blob paths are derived
// from a fresh random identifier, never from the content hash, so an
// out-of-band observer of the blocks directory cannot correlate blobs with
// equal plaintext.
//
// Prepare is pure and safe on a worker pool. Commit and Release mutate the
// database and MUST run inside a database.InTx transaction, which also
// serializes them against all other writers.
package blockstore

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"SecureVault/internal/crypto"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"

	"github.com/google/uuid"
)

// Block mirrors one row of the blocks table.
type Block struct {
	ID           int64
	ContentHash  string // hex keyed hash of the plaintext chunk
	RelativePath string // sharded path under the blocks directory
	StoredSize   int64  // ciphertext length
	Salt         []byte
	Nonce        []byte
	Refcount     int64
}

// PreparedBlock carries everything Prepare computed for one plaintext
// chunk: the dedup hash, fresh salt and nonce, the sealed ciphertext, and
// the sharded path the blob will live at if it turns out to be new.
type PreparedBlock struct {
	Hash         string
	Salt         []byte
	Nonce        []byte
	Ciphertext   []byte
	RelativePath string
	OriginalSize int64
}

// Manager owns the blob tree of one open repository. The master key is
// borrowed from the session and treated as immutable.
type Manager struct {
	db        *database.DB
	dir       string
	masterKey []byte
}

// NewManager creates a block manager for an open repository database.
func NewManager(db *database.DB, masterKey []byte) *Manager {
	return &Manager{
		db:        db,
		dir:       database.BlocksDir(db.RepoRoot()),
		masterKey: masterKey,
	}
}

// Dir returns the blocks directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Prepare hashes, encrypts and paths one plaintext chunk. It touches no
// shared state - no database, no disk - and is safe to run concurrently on
// a worker pool.
func (m *Manager) Prepare(plaintext []byte) (*PreparedBlock, error) {
	hash := crypto.HashHex(plaintext)

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	blockKey := crypto.DeriveBlockKey(m.masterKey, salt)
	defer crypto.SecureZero(blockKey)

	ciphertext, err := crypto.Seal(blockKey, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	return &PreparedBlock{
		Hash:         hash,
		Salt:         salt,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
		RelativePath: newBlobPath(),
		OriginalSize: int64(len(plaintext)),
	}, nil
}

// Commit stores a prepared block. If a row with the same content hash
// already exists its refcount is incremented and the prepared ciphertext is
// discarded; otherwise the blob is written and a fresh row inserted with
// refcount 1.
//
// Commit must run inside the caller's transaction. If the enclosing
// transaction later rolls back, the caller must remove the blob of every
// Commit that reported isNew (the relative path is on the returned Block).
func (m *Manager) Commit(tx *database.Tx, p *PreparedBlock) (block *Block, isNew bool, err error) {
	existing, err := m.getByHash(tx, p.Hash)
	if err == nil {
		// Dedup hit: bump the refcount, drop the prepared ciphertext.
		if _, err := tx.Exec(
			`UPDATE blocks SET refcount = refcount + 1 WHERE id = ?`, existing.ID,
		); err != nil {
			return nil, false, fmt.Errorf("increment refcount: %w", err)
		}
		existing.Refcount++
		return existing, false, nil
	}
	if !errors.Is(err, verrors.ErrNotFound) {
		return nil, false, err
	}

	fullPath := filepath.Join(m.dir, filepath.FromSlash(p.RelativePath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o700); err != nil {
		return nil, false, verrors.NewIOError("create", filepath.Dir(fullPath), err)
	}
	if err := os.WriteFile(fullPath, p.Ciphertext, 0o600); err != nil {
		_ = os.Remove(fullPath) // partial write
		return nil, false, verrors.NewIOError("write", fullPath, err)
	}

	res, err := tx.Exec(
		`INSERT INTO blocks (content_hash, relative_path, stored_size, salt, nonce, refcount)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		p.Hash, p.RelativePath, len(p.Ciphertext), p.Salt, p.Nonce,
	)
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, false, fmt.Errorf("insert block: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, false, err
	}

	return &Block{
		ID:           id,
		ContentHash:  p.Hash,
		RelativePath: p.RelativePath,
		StoredSize:   int64(len(p.Ciphertext)),
		Salt:         p.Salt,
		Nonce:        p.Nonce,
		Refcount:     1,
	}, true, nil
}

// Read loads and decrypts one block. Safe on a worker pool: it only reads.
// Returns ErrMissingBlob if the blob file is gone (repository corruption)
// and ErrCryptoFailure if authentication fails.
func (m *Manager) Read(b *Block) ([]byte, error) {
	fullPath := filepath.Join(m.dir, filepath.FromSlash(b.RelativePath))

	ciphertext, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("block %d at %s: %w", b.ID, b.RelativePath, verrors.ErrMissingBlob)
		}
		return nil, verrors.NewIOError("read", fullPath, err)
	}

	blockKey := crypto.DeriveBlockKey(m.masterKey, b.Salt)
	defer crypto.SecureZero(blockKey)

	return crypto.Open(blockKey, b.Nonce, ciphertext)
}

// Release decrements a block's refcount. At zero the row is deleted and
// Release reports removed=true; the caller must delete the blob with
// RemoveBlob after the transaction commits (never before - a rollback must
// be able to restore the row to a state where the blob still exists).
func (m *Manager) Release(tx *database.Tx, blockID int64) (removed bool, relativePath string, err error) {
	var refcount int64
	err = tx.QueryRow(`SELECT refcount, relative_path FROM blocks WHERE id = ?`, blockID).
		Scan(&refcount, &relativePath)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("block %d: %w", blockID, verrors.ErrNotFound)
	}
	if err != nil {
		return false, "", fmt.Errorf("load block %d: %w", blockID, err)
	}
	if refcount < 1 {
		return false, "", verrors.NewInvariantError("block %d has refcount %d", blockID, refcount)
	}

	if refcount > 1 {
		if _, err := tx.Exec(`UPDATE blocks SET refcount = refcount - 1 WHERE id = ?`, blockID); err != nil {
			return false, "", fmt.Errorf("decrement refcount: %w", err)
		}
		return false, relativePath, nil
	}

	if _, err := tx.Exec(`DELETE FROM blocks WHERE id = ?`, blockID); err != nil {
		return false, "", fmt.Errorf("delete block row: %w", err)
	}
	return true, relativePath, nil
}

// RemoveBlob deletes a blob file after its row removal committed.
// Best-effort: a missing blob is not an error here.
func (m *Manager) RemoveBlob(relativePath string) error {
	fullPath := filepath.Join(m.dir, filepath.FromSlash(relativePath))
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return verrors.NewIOError("remove", fullPath, err)
	}
	// Drop emptied shard directories; stop at the first non-empty level.
	dir := filepath.Dir(fullPath)
	for dir != m.dir {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Get returns one block row by id.
func (m *Manager) Get(q database.Querier, id int64) (*Block, error) {
	return scanBlock(q.QueryRow(
		`SELECT id, content_hash, relative_path, stored_size, salt, nonce, refcount
		 FROM blocks WHERE id = ?`, id))
}

// BlocksForFile returns a file's blocks ordered by order_index.
func (m *Manager) BlocksForFile(q database.Querier, fileID int64) ([]*Block, error) {
	rows, err := q.Query(
		`SELECT b.id, b.content_hash, b.relative_path, b.stored_size, b.salt, b.nonce, b.refcount
		 FROM file_blocks fb JOIN blocks b ON b.id = fb.block_id
		 WHERE fb.file_id = ? ORDER BY fb.order_index`, fileID)
	if err != nil {
		return nil, fmt.Errorf("load blocks for file %d: %w", fileID, err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.ContentHash, &b.RelativePath, &b.StoredSize, &b.Salt, &b.Nonce, &b.Refcount); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// UsedBytes sums the stored ciphertext sizes. This is the authoritative
// measure for quota accounting: what the disk actually consumes.
func (m *Manager) UsedBytes(q database.Querier) (int64, error) {
	var used sql.NullInt64
	if err := q.QueryRow(`SELECT sum(stored_size) FROM blocks`).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum stored sizes: %w", err)
	}
	return used.Int64, nil
}

// ExistsOnDisk reports whether a block's blob file is present. Diagnostic
// only.
func (m *Manager) ExistsOnDisk(b *Block) bool {
	_, err := os.Stat(filepath.Join(m.dir, filepath.FromSlash(b.RelativePath)))
	return err == nil
}

func (m *Manager) getByHash(q database.Querier, hash string) (*Block, error) {
	return scanBlock(q.QueryRow(
		`SELECT id, content_hash, relative_path, stored_size, salt, nonce, refcount
		 FROM blocks WHERE content_hash = ?`, hash))
}

func scanBlock(row *sql.Row) (*Block, error) {
	var b Block
	err := row.Scan(&b.ID, &b.ContentHash, &b.RelativePath, &b.StoredSize, &b.Salt, &b.Nonce, &b.Refcount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan block: %w", err)
	}
	return &b, nil
}

// newBlobPath allocates a sharded relative path "aa/bb/<uuid>" from a fresh
// random identifier. Two 2-character levels keep directory fanout small.
func newBlobPath() string {
	id := uuid.New()
	hexID := fmt.Sprintf("%x", id[:])
	return fmt.Sprintf("%s/%s/%s", hexID[:2], hexID[2:4], hexID)
}
