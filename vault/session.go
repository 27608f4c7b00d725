package vault

import (
	"fmt"
	"path/filepath"
	"sync"

	"SecureVault/internal/blockstore"
	"SecureVault/internal/crypto"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
	"SecureVault/internal/log"
	"SecureVault/internal/pipeline"
	"SecureVault/internal/vfs"

	"github.com/gofrs/flock"
)

// OperationRecord is the journal row describing one import or export.
type OperationRecord = pipeline.Record

// Operation statuses surfaced through Poll.
const (
	StatusPending    = pipeline.StatusPending
	StatusProcessing = pipeline.StatusProcessing
	StatusCancelling = pipeline.StatusCancelling
	StatusCompleted  = pipeline.StatusCompleted
	StatusFailed     = pipeline.StatusFailed
)

// ProgressReporter receives live status and progress updates from running
// operations. Implementations must be thread-safe.
type ProgressReporter = pipeline.ProgressReporter

// SessionOption configures OpenRepo.
type SessionOption func(*Session)

// WithReporter attaches a progress reporter to all operations started
// through the session.
func WithReporter(r ProgressReporter) SessionOption {
	return func(s *Session) {
		s.reporter = r
	}
}

// Session is one open repository: the borrowed master key, the metadata
// database, the block store and the pipelines. A session assumes exclusive
// process access, guarded by an advisory lock inside .vault/.
type Session struct {
	repo     *RepositoryDescriptor
	db       *database.DB
	lock     *flock.Flock
	master   *crypto.KeyMaterial // session's own copy, zeroed on Close
	blocks   *blockstore.Manager
	tree     *vfs.Tree
	journal  *pipeline.Journal
	importer *pipeline.Importer
	exporter *pipeline.Exporter
	reporter ProgressReporter

	wg        sync.WaitGroup // running operation goroutines
	closeOnce sync.Once
}

// OpenRepo opens a repository session. The master key is borrowed: the
// session keeps its own copy and zeroes it on Close, the caller's key stays
// valid.
//
// When switching repositories, open the new session BEFORE closing the old
// one - a failed open (removed drive) must not tear down the session the
// user still has.
//
// Interrupted operations from a previous process are marked failed here.
func (c *Core) OpenRepo(id int64, key *MasterKey, opts ...SessionOption) (*Session, error) {
	desc, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if key == nil || key.Len() != crypto.MasterKeySize {
		return nil, verrors.ErrCryptoFailure
	}

	db, err := openRepoDB(desc.Path)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(database.VaultDir(desc.Path), database.LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		_ = db.Close()
		return nil, verrors.NewIOError("lock", lock.Path(), err)
	}
	if !locked {
		_ = db.Close()
		return nil, fmt.Errorf("repository %q: %w", desc.Name, verrors.ErrLocked)
	}

	s := &Session{
		repo:     desc,
		db:       db,
		lock:     lock,
		master:   crypto.NewKeyMaterial(key.Bytes()),
		reporter: pipeline.NopReporter{},
	}
	s.blocks = blockstore.NewManager(db, s.master.Bytes())
	s.tree = vfs.NewTree(db, s.blocks, s.master.Bytes())
	s.journal = pipeline.NewJournal(db)
	s.importer = pipeline.NewImporter(db, s.blocks, s.tree, s.journal, desc.QuotaBytes)
	s.exporter = pipeline.NewExporter(db, s.blocks, s.tree, s.journal)

	for _, opt := range opts {
		opt(s)
	}

	if n, err := s.journal.RecoverInterrupted(); err != nil {
		s.release()
		return nil, err
	} else if n > 0 {
		l := log.WithComponent("session")
		l.Warn().Int("count", n).Msg("marked interrupted operations failed")
	}

	_ = c.cfg.SetActiveRepositoryID(id)
	return s, nil
}

// Repo returns the repository descriptor of this session.
func (s *Session) Repo() *RepositoryDescriptor {
	return s.repo
}

// Quota returns the repository quota in bytes (0 means unlimited).
func (s *Session) Quota() uint64 {
	return s.repo.QuotaBytes
}

// UsedBytes returns the ciphertext bytes currently stored.
func (s *Session) UsedBytes() (int64, error) {
	return s.blocks.UsedBytes(s.db.Reader())
}

// ListChildren returns the decrypted entries of a directory, directories
// first, each group sorted by name.
func (s *Session) ListChildren(dirID int64) ([]*Entry, error) {
	entries, err := s.tree.ListChildren(dirID)
	if err != nil {
		return nil, err
	}
	vfs.SortEntries(entries)
	return entries, nil
}

// Stat returns one decrypted entry.
func (s *Session) Stat(id int64) (*Entry, error) {
	return s.tree.Get(id)
}

// CreateDirectory creates a virtual subdirectory.
func (s *Session) CreateDirectory(parentID int64, name string) (*Entry, error) {
	return s.tree.CreateDirectory(parentID, name)
}

// Rename renames a virtual file or directory.
func (s *Session) Rename(id int64, newName string) error {
	return s.tree.Rename(id, newName)
}

// SetComment sets or clears the sealed comment of an entry.
func (s *Session) SetComment(id int64, text string) error {
	return s.tree.SetComment(id, text)
}

// Delete removes entries recursively, releasing their blocks.
func (s *Session) Delete(ids []int64) error {
	return s.tree.Delete(ids)
}

// Import starts an asynchronous import of host paths into a virtual
// directory and returns the operation id. Progress and terminal status are
// visible through Poll and the session reporter; quota violations surface
// on the record as a failed status.
func (s *Session) Import(sources []string, parentID int64) (int64, error) {
	req := &pipeline.ImportRequest{Sources: sources, ParentID: parentID, Reporter: s.reporter}
	rec, err := s.importer.Begin(req)
	if err != nil {
		return 0, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.importer.Run(rec, req) // outcome lands in the journal row
	}()
	return rec.ID, nil
}

// Export starts an asynchronous export of virtual files or directories to
// a host directory and returns the operation id.
func (s *Session) Export(fileIDs []int64, destDir string) (int64, error) {
	req := &pipeline.ExportRequest{FileIDs: fileIDs, DestDir: destDir, Reporter: s.reporter}
	rec, err := s.exporter.Begin(req)
	if err != nil {
		return 0, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.exporter.Run(rec, req)
	}()
	return rec.ID, nil
}

// Cancel requests cooperative cancellation of a running operation. The
// pipeline honors it at the next file boundary.
func (s *Session) Cancel(opID int64) error {
	return s.journal.RequestCancel(opID)
}

// Poll returns the current journal row of an operation.
func (s *Session) Poll(opID int64) (*OperationRecord, error) {
	return s.journal.Get(opID)
}

// Wait blocks until all running operations have finished. Mainly for
// embedding code that wants a synchronous import/export.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close waits for running operations, zeroes the session's key material,
// closes the database and releases the advisory lock. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.wg.Wait()
		err = s.release()
	})
	return err
}

func (s *Session) release() error {
	s.tree.Close()
	s.master.Close()
	dbErr := s.db.Close()
	unlockErr := s.lock.Unlock()
	if dbErr != nil {
		return dbErr
	}
	return unlockErr
}

// openRepoDB materializes the on-disk layout and opens the metadata
// database for a repository root.
func openRepoDB(repoRoot string) (*database.DB, error) {
	return database.Open(repoRoot)
}
