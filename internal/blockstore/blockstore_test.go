package blockstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"SecureVault/internal/crypto"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
)

func newTestManager(t *testing.T) (*Manager, *database.DB) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	master, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	return NewManager(db, master), db
}

func commitOne(t *testing.T, m *Manager, db *database.DB, data []byte) (*Block, bool) {
	t.Helper()
	p, err := m.Prepare(data)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	var block *Block
	var isNew bool
	err = db.InTx(func(tx *database.Tx) error {
		var err error
		block, isNew, err = m.Commit(tx, p)
		return err
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return block, isNew
}

func TestPrepareIsPure(t *testing.T) {
	m, _ := newTestManager(t)
	data := []byte("some chunk data")

	p1, err := m.Prepare(data)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	p2, err := m.Prepare(data)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// Same plaintext, same hash - that is the dedup key.
	if p1.Hash != p2.Hash {
		t.Error("same plaintext should produce the same content hash")
	}
	// Everything else is fresh per call.
	if bytes.Equal(p1.Salt, p2.Salt) {
		t.Error("salts should be fresh per prepare")
	}
	if bytes.Equal(p1.Nonce, p2.Nonce) {
		t.Error("nonces should be fresh per prepare")
	}
	if bytes.Equal(p1.Ciphertext, p2.Ciphertext) {
		t.Error("ciphertexts should differ under fresh keys and nonces")
	}
	if p1.RelativePath == p2.RelativePath {
		t.Error("blob paths should be fresh per prepare")
	}
	if p1.OriginalSize != int64(len(data)) {
		t.Errorf("OriginalSize = %d; want %d", p1.OriginalSize, len(data))
	}

	// Prepare must not create anything on disk.
	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Error("Prepare must not touch the blocks directory")
	}
}

func TestBlobPathShape(t *testing.T) {
	m, _ := newTestManager(t)
	p, err := m.Prepare([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	shape := regexp.MustCompile(`^[0-9a-f]{2}/[0-9a-f]{2}/[0-9a-f]{32}$`)
	if !shape.MatchString(p.RelativePath) {
		t.Errorf("blob path %q does not match aa/bb/<uuid>", p.RelativePath)
	}
	// Shard levels are the identifier's own prefix, so the blob name alone
	// determines its directory.
	name := p.RelativePath[6:]
	if !strings.HasPrefix(name, p.RelativePath[:2]+p.RelativePath[3:5]) {
		t.Errorf("shard levels of %q should be the identifier prefix", p.RelativePath)
	}
}

func TestCommitAndRead(t *testing.T) {
	m, db := newTestManager(t)
	data := []byte("hello block store")

	block, isNew := commitOne(t, m, db, data)
	if !isNew {
		t.Error("first commit should be new")
	}
	if block.Refcount != 1 {
		t.Errorf("refcount = %d; want 1", block.Refcount)
	}
	if block.StoredSize != int64(len(data)+crypto.TagOverhead) {
		t.Errorf("stored size = %d; want %d", block.StoredSize, len(data)+crypto.TagOverhead)
	}
	if !m.ExistsOnDisk(block) {
		t.Error("blob should exist on disk after commit")
	}

	plaintext, err := m.Read(block)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(plaintext, data) {
		t.Error("Read should return the original plaintext")
	}
}

func TestCommitDeduplicates(t *testing.T) {
	m, db := newTestManager(t)
	data := []byte("duplicate content")

	first, _ := commitOne(t, m, db, data)
	second, isNew := commitOne(t, m, db, data)

	if isNew {
		t.Error("second commit of identical content should dedup")
	}
	if second.ID != first.ID {
		t.Errorf("dedup returned id %d; want %d", second.ID, first.ID)
	}
	if second.Refcount != 2 {
		t.Errorf("refcount after dedup = %d; want 2", second.Refcount)
	}

	// Exactly one blob on disk.
	var blobs int
	filepath.WalkDir(m.Dir(), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			blobs++
		}
		return nil
	})
	if blobs != 1 {
		t.Errorf("blob count = %d; want 1", blobs)
	}
}

func TestCommitRollbackLeavesNoRow(t *testing.T) {
	m, db := newTestManager(t)

	p, err := m.Prepare([]byte("rollback me"))
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	var newPath string
	err = db.InTx(func(tx *database.Tx) error {
		block, isNew, err := m.Commit(tx, p)
		if err != nil {
			return err
		}
		if isNew {
			newPath = block.RelativePath
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v; want boom", err)
	}

	// The row rolled back; the caller is responsible for the orphan blob.
	var n int
	if err := db.Reader().QueryRow(`SELECT count(*) FROM blocks`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("blocks count after rollback = %d; want 0", n)
	}
	if err := m.RemoveBlob(newPath); err != nil {
		t.Errorf("RemoveBlob failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), filepath.FromSlash(newPath))); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphan blob should be removable after rollback")
	}
}

func TestReleaseRefcountDiscipline(t *testing.T) {
	m, db := newTestManager(t)
	data := []byte("shared block")

	block, _ := commitOne(t, m, db, data)
	commitOne(t, m, db, data) // refcount 2

	// First release: refcount back to 1, row and blob stay.
	var removed bool
	err := db.InTx(func(tx *database.Tx) error {
		var err error
		removed, _, err = m.Release(tx, block.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if removed {
		t.Error("release at refcount 2 should not remove the row")
	}
	got, err := m.Get(db.Reader(), block.ID)
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	if got.Refcount != 1 {
		t.Errorf("refcount = %d; want 1", got.Refcount)
	}
	if !m.ExistsOnDisk(block) {
		t.Error("blob must remain while refcount > 0")
	}

	// Second release: row removed, caller deletes the blob.
	var relPath string
	err = db.InTx(func(tx *database.Tx) error {
		var err error
		removed, relPath, err = m.Release(tx, block.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !removed {
		t.Error("release at refcount 1 should remove the row")
	}
	if err := m.RemoveBlob(relPath); err != nil {
		t.Fatalf("RemoveBlob failed: %v", err)
	}
	if _, err := m.Get(db.Reader(), block.ID); !errors.Is(err, verrors.ErrNotFound) {
		t.Errorf("Get after removal: err = %v; want ErrNotFound", err)
	}
	if m.ExistsOnDisk(block) {
		t.Error("blob should be gone after final release")
	}

	// Releasing a missing block reports ErrNotFound.
	err = db.InTx(func(tx *database.Tx) error {
		_, _, err := m.Release(tx, block.ID)
		return err
	})
	if !errors.Is(err, verrors.ErrNotFound) {
		t.Errorf("release of missing block: err = %v; want ErrNotFound", err)
	}
}

func TestReadMissingBlob(t *testing.T) {
	m, db := newTestManager(t)
	block, _ := commitOne(t, m, db, []byte("soon gone"))

	if err := os.Remove(filepath.Join(m.Dir(), filepath.FromSlash(block.RelativePath))); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(block); !errors.Is(err, verrors.ErrMissingBlob) {
		t.Errorf("Read without blob: err = %v; want ErrMissingBlob", err)
	}
}

func TestReadTamperedBlob(t *testing.T) {
	m, db := newTestManager(t)
	block, _ := commitOne(t, m, db, []byte("tamper target"))

	fullPath := filepath.Join(m.Dir(), filepath.FromSlash(block.RelativePath))
	raw, err := os.ReadFile(fullPath)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(fullPath, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Read(block); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("Read of tampered blob: err = %v; want ErrCryptoFailure", err)
	}
}

func TestUsedBytes(t *testing.T) {
	m, db := newTestManager(t)

	used, err := m.UsedBytes(db.Reader())
	if err != nil {
		t.Fatalf("UsedBytes failed: %v", err)
	}
	if used != 0 {
		t.Errorf("empty store used = %d; want 0", used)
	}

	a, _ := commitOne(t, m, db, []byte("aaaa"))
	b, _ := commitOne(t, m, db, []byte("bbbbbbbb"))
	commitOne(t, m, db, []byte("aaaa")) // dedup, no extra bytes

	used, err = m.UsedBytes(db.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if want := a.StoredSize + b.StoredSize; used != want {
		t.Errorf("used = %d; want %d", used, want)
	}
}
