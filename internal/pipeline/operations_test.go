package pipeline

import (
	"errors"
	"testing"

	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJournal(db)
}

func TestJournalCreateAndGet(t *testing.T) {
	j := newTestJournal(t)

	rec, err := j.Create(KindImport, []string{"/tmp/a", "/tmp/b"}, "0", 1234)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Kind != KindImport || rec.Status != StatusPending {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Sources) != 2 || rec.Sources[0] != "/tmp/a" {
		t.Errorf("sources = %v", rec.Sources)
	}
	if rec.TotalBytes != 1234 || rec.ProcessedBytes != 0 {
		t.Errorf("totals = %d %d", rec.TotalBytes, rec.ProcessedBytes)
	}

	if _, err := j.Get(9999); !errors.Is(err, verrors.ErrNotFound) {
		t.Errorf("Get missing: err = %v; want ErrNotFound", err)
	}
}

func TestJournalTransitions(t *testing.T) {
	j := newTestJournal(t)
	rec, _ := j.Create(KindExport, []string{"1"}, "/tmp/out", 10)

	if err := j.SetStatus(rec.ID, StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := j.SetProcessed(rec.ID, 5); err != nil {
		t.Fatal(err)
	}
	got, _ := j.Get(rec.ID)
	if got.Status != StatusProcessing || got.ProcessedBytes != 5 {
		t.Errorf("record = %+v", got)
	}

	if err := j.Complete(rec.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = j.Get(rec.ID)
	if got.Status != StatusCompleted || !got.Status.Terminal() {
		t.Errorf("status = %v; want completed/terminal", got.Status)
	}
}

func TestJournalFail(t *testing.T) {
	j := newTestJournal(t)
	rec, _ := j.Create(KindImport, []string{"/x"}, "0", 1)

	if err := j.Fail(rec.ID, "disk on fire"); err != nil {
		t.Fatal(err)
	}
	got, _ := j.Get(rec.ID)
	if got.Status != StatusFailed || got.Error != "disk on fire" {
		t.Errorf("record = %+v", got)
	}
}

func TestRequestCancel(t *testing.T) {
	j := newTestJournal(t)
	rec, _ := j.Create(KindImport, []string{"/x"}, "0", 1)

	if err := j.RequestCancel(rec.ID); err != nil {
		t.Fatal(err)
	}
	cancelling, err := j.IsCancelling(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelling {
		t.Error("record should be cancelling")
	}

	// Cancel does not fire on terminal records.
	done, _ := j.Create(KindImport, []string{"/y"}, "0", 1)
	if err := j.Complete(done.ID); err != nil {
		t.Fatal(err)
	}
	if err := j.RequestCancel(done.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := j.Get(done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %v; terminal records must not become cancelling", got.Status)
	}

	if err := j.RequestCancel(9999); !errors.Is(err, verrors.ErrNotFound) {
		t.Errorf("cancel missing: err = %v; want ErrNotFound", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	j := newTestJournal(t)

	processing, _ := j.Create(KindImport, []string{"/a"}, "0", 1)
	_ = j.SetStatus(processing.ID, StatusProcessing)
	cancelling, _ := j.Create(KindExport, []string{"2"}, "/tmp", 1)
	_ = j.SetStatus(cancelling.ID, StatusCancelling)
	completed, _ := j.Create(KindImport, []string{"/b"}, "0", 1)
	_ = j.Complete(completed.ID)
	pending, _ := j.Create(KindImport, []string{"/c"}, "0", 1)

	n, err := j.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d; want 2", n)
	}

	for _, id := range []int64{processing.ID, cancelling.ID} {
		got, _ := j.Get(id)
		if got.Status != StatusFailed || got.Error != "interrupted" {
			t.Errorf("record %d = %+v; want failed/interrupted", id, got)
		}
	}

	got, _ := j.Get(completed.ID)
	if got.Status != StatusCompleted {
		t.Error("completed record must not be touched by recovery")
	}
	got, _ = j.Get(pending.ID)
	if got.Status != StatusPending {
		t.Error("pending record must not be touched by recovery")
	}
}
