package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"SecureVault/internal/blockstore"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
	"SecureVault/internal/log"
	"SecureVault/internal/util"
	"SecureVault/internal/vfs"
)

// ExportRequest describes one export operation.
type ExportRequest struct {
	FileIDs  []int64 // selected virtual files or directories
	DestDir  string  // host destination directory
	Reporter ProgressReporter
	Workers  int // decrypt pool size; defaults to GOMAXPROCS
}

// exportLeaf is one virtual file resolved to its host output path.
type exportLeaf struct {
	fileID  int64
	relPath string // virtual path under the selection root, slash-separated
	size    int64
}

// Exporter runs export operations against one open repository session.
type Exporter struct {
	db      *database.DB
	blocks  *blockstore.Manager
	tree    *vfs.Tree
	journal *Journal
}

// NewExporter creates an exporter.
func NewExporter(db *database.DB, blocks *blockstore.Manager, tree *vfs.Tree, journal *Journal) *Exporter {
	return &Exporter{db: db, blocks: blocks, tree: tree, journal: journal}
}

// Begin flattens the selection, totals plaintext sizes and writes the
// pending journal row.
func (ex *Exporter) Begin(req *ExportRequest) (*Record, error) {
	reporter(req.Reporter).SetStatus("Resolving selection...")

	if len(req.FileIDs) == 0 {
		return nil, fmt.Errorf("export: empty selection: %w", verrors.ErrNotFound)
	}

	_, total, err := ex.flatten(req.FileIDs)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, verrors.NewIOError("create", req.DestDir, err)
	}

	sources := make([]string, len(req.FileIDs))
	for i, id := range req.FileIDs {
		sources[i] = strconv.FormatInt(id, 10)
	}
	return ex.journal.Create(KindExport, sources, req.DestDir, total)
}

// Run executes the export symmetrically to Importer.Run.
func (ex *Exporter) Run(rec *Record, req *ExportRequest) error {
	logger := log.WithComponent("export")
	rep := reporter(req.Reporter)

	// pending -> processing only; a cancel requested before Run stays in
	// place and is observed at the first file boundary.
	if err := ex.journal.update(rec.ID,
		`UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(StatusProcessing), rec.ID, string(StatusPending)); err != nil {
		return err
	}

	err := ex.run(rec, req, rep)
	switch {
	case err == nil:
		if jErr := ex.journal.Complete(rec.ID); jErr != nil {
			return jErr
		}
		rep.SetStatus("Export complete")
		return nil
	case errors.Is(err, verrors.ErrCancelled):
		logger.Info().Int64("op", rec.ID).Msg("export cancelled")
		if jErr := ex.journal.Fail(rec.ID, err.Error()); jErr != nil {
			return jErr
		}
		rep.SetStatus("Export cancelled")
		return err
	default:
		logger.Error().Err(err).Int64("op", rec.ID).Msg("export failed")
		if jErr := ex.journal.Fail(rec.ID, err.Error()); jErr != nil {
			return errors.Join(err, jErr)
		}
		rep.SetStatus("Export failed")
		return err
	}
}

func (ex *Exporter) run(rec *Record, req *ExportRequest, rep ProgressReporter) error {
	rep.SetStatus("Exporting...")
	start := time.Now()

	leaves, total, err := ex.flatten(req.FileIDs)
	if err != nil {
		return err
	}
	if total != rec.TotalBytes {
		// The tree changed between Begin and Run; the journal keeps the
		// original total, progress just clamps.
		total = rec.TotalBytes
	}

	var processed int64
	var lastPersisted int64

	for _, leaf := range leaves {
		// A file is an atomic output unit; cancellation lands between files.
		if cancelling, err := ex.journal.IsCancelling(rec.ID); err != nil {
			return err
		} else if cancelling {
			return verrors.ErrCancelled
		}

		if err := ex.exportFile(leaf, req.DestDir, req.Workers); err != nil {
			return err
		}

		processed += leaf.size
		progress, _, eta := util.Statify(processed, total, start)
		rep.SetProgress(progress, fmt.Sprintf("%s / %s, ETA %s",
			util.Sizeify(processed), util.Sizeify(total), eta))

		if processed-lastPersisted >= progressGranularity {
			if err := ex.journal.SetProcessed(rec.ID, processed); err != nil {
				return err
			}
			lastPersisted = processed
		}
	}

	return ex.journal.SetProcessed(rec.ID, processed)
}

// exportFile decrypts one virtual file into the destination tree. Block
// reads run on the pool; writes are serialized here so the output is in
// order. A missing blob hard-fails the operation.
func (ex *Exporter) exportFile(leaf exportLeaf, destDir string, workers int) error {
	target, err := hostTarget(destDir, leaf.relPath)
	if err != nil {
		return err
	}

	blocks, err := ex.blocks.BlocksForFile(ex.db.Reader(), leaf.fileID)
	if err != nil {
		return err
	}

	fout, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return verrors.NewIOError("create", target, err)
	}

	results := dispatchRead(ex.blocks, blocks, workers)

	writeErr := func() error {
		for ch := range results {
			res := <-ch
			if res.err != nil {
				return res.err
			}
			if _, err := fout.Write(res.plaintext); err != nil {
				return verrors.NewIOError("write", target, err)
			}
		}
		return nil
	}()

	closeErr := fout.Close()
	if writeErr != nil {
		for range results {
			// Drain remaining reads.
		}
		_ = os.Remove(target) // partial output
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(target)
		return verrors.NewIOError("close", target, closeErr)
	}
	return nil
}

// flatten resolves the selection to leaves with their virtual relative
// paths, preserving each selected root's own name, and totals plaintext
// sizes.
func (ex *Exporter) flatten(fileIDs []int64) ([]exportLeaf, int64, error) {
	var leaves []exportLeaf
	var total int64
	seen := map[int64]bool{}

	for _, id := range fileIDs {
		paths, err := ex.tree.RelativePaths(id)
		if err != nil {
			return nil, 0, err
		}
		for fileID, relPath := range paths {
			if seen[fileID] {
				continue
			}
			seen[fileID] = true

			f, err := ex.tree.Get(fileID)
			if err != nil {
				return nil, 0, err
			}
			leaves = append(leaves, exportLeaf{fileID: fileID, relPath: relPath, size: f.LogicalSize})
			total += f.LogicalSize
		}
	}

	// Deterministic order: by virtual path.
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].relPath < leaves[j].relPath })
	return leaves, total, nil
}

type readResult struct {
	plaintext []byte
	err       error
}

// dispatchRead fans block reads out to the pool, yielding one result
// channel per block in file order.
func dispatchRead(m *blockstore.Manager, blocks []*blockstore.Block, workers int) <-chan chan readResult {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	sem := make(chan struct{}, workers)
	results := make(chan chan readResult, workers)

	go func() {
		defer close(results)
		for _, b := range blocks {
			ch := make(chan readResult, 1)
			results <- ch
			sem <- struct{}{}
			go func(b *blockstore.Block) {
				plaintext, err := m.Read(b)
				<-sem
				ch <- readResult{plaintext: plaintext, err: err}
			}(b)
		}
	}()

	return results
}

// hostTarget materializes the parent directories of a leaf's host path and
// resolves host filename collisions with the same "(N)" policy as import.
func hostTarget(destDir, relPath string) (string, error) {
	full := filepath.Join(destDir, filepath.FromSlash(relPath))
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", verrors.NewIOError("create", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", verrors.NewIOError("read", dir, err)
	}
	taken := make(map[string]bool, len(entries))
	for _, e := range entries {
		taken[e.Name()] = true
	}

	unique := vfs.UniqueName(filepath.Base(full), taken)
	return filepath.Join(dir, unique), nil
}
