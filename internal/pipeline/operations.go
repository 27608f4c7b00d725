// Package pipeline implements the long-running import and export
// operations and their crash-recovery journal.
//
// Both pipelines follow the same shape: a walker sizes the work and writes
// a journal row, a bounded worker pool runs the pure per-chunk transforms
// (blockstore.Prepare on import, blockstore.Read on export), and a single
// committer serializes every database and output-file mutation. Order is
// preserved with one result channel per chunk, queued in dispatch order.
package pipeline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
)

// Kind discriminates journal rows.
type Kind string

// Operation kinds.
const (
	KindImport Kind = "import"
	KindExport Kind = "export"
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record mirrors one row of the operations table.
type Record struct {
	ID             int64
	Kind           Kind
	Status         Status
	Sources        []string // host paths (import) or virtual file ids (export)
	Destination    string   // parent dir id (import) or host directory (export)
	TotalBytes     int64
	ProcessedBytes int64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Journal persists operation records in the per-repository database.
type Journal struct {
	db *database.DB
}

// NewJournal creates a journal over an open repository database.
func NewJournal(db *database.DB) *Journal {
	return &Journal{db: db}
}

// Create inserts a new pending record.
func (j *Journal) Create(kind Kind, sources []string, destination string, totalBytes int64) (*Record, error) {
	encoded, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}

	var id int64
	err = j.db.InTx(func(tx *database.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO operations (kind, status, sources, destination, total_bytes) VALUES (?, ?, ?, ?, ?)`,
			string(kind), string(StatusPending), string(encoded), destination, totalBytes,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create operation record: %w", err)
	}
	return j.Get(id)
}

// Get returns one record by id.
func (j *Journal) Get(id int64) (*Record, error) {
	var (
		r       Record
		kind    string
		status  string
		sources string
		dest    sql.NullString
		errMsg  sql.NullString
	)
	err := j.db.Reader().QueryRow(
		`SELECT id, kind, status, sources, destination, total_bytes, processed_bytes, error, created_at, updated_at
		 FROM operations WHERE id = ?`, id,
	).Scan(&r.ID, &kind, &status, &sources, &dest, &r.TotalBytes, &r.ProcessedBytes, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %d: %w", id, verrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load operation %d: %w", id, err)
	}

	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.Destination = dest.String
	r.Error = errMsg.String
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return nil, fmt.Errorf("decode sources of operation %d: %w", id, err)
	}
	return &r, nil
}

// SetStatus transitions a record to the given status.
func (j *Journal) SetStatus(id int64, status Status) error {
	return j.update(id, `UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
}

// SetProcessed records progress. Called coarsely, not per chunk, to bound
// write amplification.
func (j *Journal) SetProcessed(id int64, processedBytes int64) error {
	return j.update(id, `UPDATE operations SET processed_bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		processedBytes, id)
}

// Complete marks a record completed.
func (j *Journal) Complete(id int64) error {
	return j.SetStatus(id, StatusCompleted)
}

// Fail marks a record failed with an error message.
func (j *Journal) Fail(id int64, msg string) error {
	return j.update(id,
		`UPDATE operations SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(StatusFailed), msg, id)
}

// RequestCancel moves a pending or processing record to cancelling. The
// running pipeline observes it at the next file boundary. Terminal records
// are left alone.
func (j *Journal) RequestCancel(id int64) error {
	return j.update(id,
		`UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelling), id, string(StatusPending), string(StatusProcessing))
}

// IsCancelling reports whether cancellation was requested.
func (j *Journal) IsCancelling(id int64) (bool, error) {
	var status string
	err := j.db.Reader().QueryRow(`SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("operation %d: %w", id, verrors.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return Status(status) == StatusCancelling, nil
}

// RecoverInterrupted marks every processing or cancelling record as failed.
// Called once at session open: such rows mean a previous process died
// mid-operation. Block and refcount state is already consistent because
// every file commits atomically, so no blob-level recovery is needed.
func (j *Journal) RecoverInterrupted() (int, error) {
	var n int64
	err := j.db.InTx(func(tx *database.Tx) error {
		res, err := tx.Exec(
			`UPDATE operations SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE status IN (?, ?)`,
			string(StatusFailed), "interrupted",
			string(StatusProcessing), string(StatusCancelling),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted operations: %w", err)
	}
	return int(n), nil
}

func (j *Journal) update(id int64, query string, args ...any) error {
	err := j.db.InTx(func(tx *database.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Either the record is missing or a guarded transition did not
			// apply; distinguish for the caller.
			var exists int
			if err := tx.QueryRow(`SELECT count(*) FROM operations WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("operation %d: %w", id, verrors.ErrNotFound)
			}
		}
		return nil
	})
	return err
}
