package pipeline

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"SecureVault/internal/blockstore"
	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
	"SecureVault/internal/log"
	"SecureVault/internal/util"
	"SecureVault/internal/vfs"
)

// progressGranularity bounds journal write amplification: processed_bytes
// is persisted at most once per this many bytes.
const progressGranularity = 32 * util.MiB

// ImportRequest describes one import operation.
type ImportRequest struct {
	Sources  []string // host files or directories, recursed in discovery order
	ParentID int64    // destination directory in the virtual tree
	Reporter ProgressReporter
	Workers  int // prepare pool size; defaults to GOMAXPROCS
}

// hostFile is one walked input: the host path, the virtual directory key it
// lands under, and its size.
type hostFile struct {
	path   string
	name   string
	dirKey string
	size   int64
}

// Importer runs import operations against one open repository session.
type Importer struct {
	db      *database.DB
	blocks  *blockstore.Manager
	tree    *vfs.Tree
	journal *Journal
	quota   uint64
}

// NewImporter creates an importer.
func NewImporter(db *database.DB, blocks *blockstore.Manager, tree *vfs.Tree, journal *Journal, quota uint64) *Importer {
	return &Importer{db: db, blocks: blocks, tree: tree, journal: journal, quota: quota}
}

// Begin walks the sources, totals their sizes and writes the pending
// journal row. The returned record's id is the operation handle.
func (im *Importer) Begin(req *ImportRequest) (*Record, error) {
	reporter(req.Reporter).SetStatus("Scanning files...")

	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("import: no sources: %w", verrors.ErrNotFound)
	}
	if req.ParentID != vfs.RootID {
		parent, err := im.tree.Get(req.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsDirectory {
			return nil, fmt.Errorf("import destination %d is not a directory: %w", req.ParentID, verrors.ErrInvalidName)
		}
	}

	var total int64
	for _, src := range req.Sources {
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return verrors.NewIOError("stat", path, err)
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return verrors.NewIOError("stat", path, err)
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return im.journal.Create(KindImport, req.Sources, strconv.FormatInt(req.ParentID, 10), total)
}

// Run executes the import. Every outcome lands in the journal row: the
// caller polls the record for terminal status, and Run's error is the same
// failure for synchronous callers.
func (im *Importer) Run(rec *Record, req *ImportRequest) error {
	logger := log.WithComponent("import")
	rep := reporter(req.Reporter)

	// pending -> processing only; a cancel requested before Run stays in
	// place and is observed at the first file boundary.
	if err := im.journal.update(rec.ID,
		`UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(StatusProcessing), rec.ID, string(StatusPending)); err != nil {
		return err
	}

	err := im.run(rec, req, rep)
	switch {
	case err == nil:
		if jErr := im.journal.Complete(rec.ID); jErr != nil {
			return jErr
		}
		rep.SetStatus("Import complete")
		return nil
	case errors.Is(err, verrors.ErrCancelled):
		logger.Info().Int64("op", rec.ID).Msg("import cancelled")
		if jErr := im.journal.Fail(rec.ID, err.Error()); jErr != nil {
			return jErr
		}
		rep.SetStatus("Import cancelled")
		return err
	default:
		logger.Error().Err(err).Int64("op", rec.ID).Msg("import failed")
		if jErr := im.journal.Fail(rec.ID, err.Error()); jErr != nil {
			return errors.Join(err, jErr)
		}
		rep.SetStatus("Import failed")
		return err
	}
}

func (im *Importer) run(rec *Record, req *ImportRequest, rep ProgressReporter) error {
	rep.SetStatus("Importing...")
	start := time.Now()

	// Mirror each walked host directory in the virtual tree as files from
	// it are imported.
	dirIDs := map[string]int64{"": req.ParentID}
	var processed int64
	var lastPersisted int64

	for _, src := range req.Sources {
		files, err := walkSource(src)
		if err != nil {
			return err
		}

		for _, hf := range files {
			// Cancellation is polled between files: a file is an atomic
			// commit unit.
			if cancelling, err := im.journal.IsCancelling(rec.ID); err != nil {
				return err
			} else if cancelling {
				return verrors.ErrCancelled
			}

			parentID, err := im.ensureDirs(dirIDs, hf.dirKey)
			if err != nil {
				return err
			}

			if err := im.importFile(hf.path, hf.name, parentID, req.Workers); err != nil {
				return err
			}

			processed += hf.size
			progress, _, eta := util.Statify(processed, rec.TotalBytes, start)
			rep.SetProgress(progress, fmt.Sprintf("%s / %s, ETA %s",
				util.Sizeify(processed), util.Sizeify(rec.TotalBytes), eta))

			if processed-lastPersisted >= progressGranularity {
				if err := im.journal.SetProcessed(rec.ID, processed); err != nil {
					return err
				}
				lastPersisted = processed
			}
		}
	}

	return im.journal.SetProcessed(rec.ID, processed)
}

// importFile chunks, encrypts and commits one host file. All block commits,
// the edge inserts and the file row share one transaction: either the file
// and all its edges appear, or nothing does.
func (im *Importer) importFile(path, name string, parentID int64, workers int) error {
	fin, err := os.Open(path)
	if err != nil {
		return verrors.NewIOError("open", path, err)
	}
	defer fin.Close()

	results := dispatchPrepare(im.blocks, fin, workers)

	var newBlobs []string
	txErr := im.db.InTx(func(tx *database.Tx) error {
		used, err := im.blocks.UsedBytes(tx)
		if err != nil {
			return err
		}

		var blockIDs []int64
		var logicalSize int64
		for ch := range results {
			res := <-ch
			if res.err != nil {
				return res.err
			}

			block, isNew, err := im.blocks.Commit(tx, res.prepared)
			if err != nil {
				return err
			}
			if isNew {
				newBlobs = append(newBlobs, block.RelativePath)
				used += block.StoredSize
				if im.quota > 0 && uint64(used) > im.quota {
					return fmt.Errorf("import of %s: %w", name, verrors.ErrQuotaExceeded)
				}
			}
			blockIDs = append(blockIDs, block.ID)
			logicalSize += res.prepared.OriginalSize
		}

		unique, err := im.tree.UniqueChildName(tx, parentID, name)
		if err != nil {
			return err
		}
		_, err = im.tree.CreateFile(tx, parentID, unique, logicalSize, blockIDs)
		return err
	})
	if txErr != nil {
		// The transaction rolled back; blobs written for it are orphans.
		for range results {
			// Drain so the prepare workers can finish.
		}
		for _, relPath := range newBlobs {
			_ = im.blocks.RemoveBlob(relPath)
		}
		return txErr
	}
	return nil
}

// ensureDirs materializes the virtual directories for a walked host
// subpath, creating each level once per run.
func (im *Importer) ensureDirs(dirIDs map[string]int64, dirKey string) (int64, error) {
	if id, ok := dirIDs[dirKey]; ok {
		return id, nil
	}

	parentKey, name := filepath.Split(dirKey)
	parentKey = filepath.Clean(parentKey)
	if parentKey == "." {
		parentKey = ""
	}
	parentID, err := im.ensureDirs(dirIDs, parentKey)
	if err != nil {
		return 0, err
	}

	// Reuse an existing directory of that name; create otherwise.
	children, err := im.tree.ListChildren(parentID)
	if err != nil {
		return 0, err
	}
	for _, c := range children {
		if c.IsDirectory && c.Name == name {
			dirIDs[dirKey] = c.ID
			return c.ID, nil
		}
	}

	created, err := im.tree.CreateDirectory(parentID, name)
	if err != nil {
		return 0, err
	}
	dirIDs[dirKey] = created.ID
	return created.ID, nil
}

// walkSource lists the files under one source in discovery order. A plain
// file yields itself with an empty dirKey; a directory contributes its own
// name as the top-level virtual directory.
func walkSource(src string) ([]hostFile, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, verrors.NewIOError("stat", src, err)
	}

	if !info.IsDir() {
		return []hostFile{{path: src, name: filepath.Base(src), dirKey: "", size: info.Size()}}, nil
	}

	base := filepath.Dir(src)
	var out []hostFile
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return verrors.NewIOError("stat", path, err)
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return verrors.NewIOError("stat", path, err)
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		dirKey := filepath.Dir(rel)
		if dirKey == "." {
			dirKey = ""
		}
		out = append(out, hostFile{
			path:   path,
			name:   filepath.Base(path),
			dirKey: dirKey,
			size:   fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type prepareResult struct {
	prepared *blockstore.PreparedBlock
	err      error
}

// dispatchPrepare reads r in ChunkSize pieces and fans each one out to the
// prepare pool. The returned channel yields one result channel per chunk in
// read order, so the committer consumes blocks exactly as they appeared in
// the file regardless of which worker finished first.
func dispatchPrepare(blocks *blockstore.Manager, r io.Reader, workers int) <-chan chan prepareResult {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	sem := make(chan struct{}, workers)
	results := make(chan chan prepareResult, workers)

	go func() {
		defer close(results)
		for {
			buf := util.GetChunkBuffer()
			n, readErr := io.ReadFull(r, buf)
			if n > 0 {
				ch := make(chan prepareResult, 1)
				results <- ch
				sem <- struct{}{}
				go func(data []byte, full []byte) {
					p, err := blocks.Prepare(data)
					util.PutChunkBuffer(full)
					<-sem
					ch <- prepareResult{prepared: p, err: err}
				}(buf[:n], buf)
			} else {
				util.PutChunkBuffer(buf)
			}

			if readErr != nil {
				if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
					ch := make(chan prepareResult, 1)
					ch <- prepareResult{err: verrors.NewIOError("read", "", readErr)}
					results <- ch
				}
				return
			}
		}
	}()

	return results
}

func reporter(r ProgressReporter) ProgressReporter {
	if r == nil {
		return NopReporter{}
	}
	return r
}
