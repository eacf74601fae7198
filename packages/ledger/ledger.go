// Package ledger keeps the durable record of submitted embedding batch jobs.
//
// The document lives in a single JSON file with pending, completed and failed
// lists. Every mutation is checkpointed before the method returns, so a
// crash never loses a job that was reported as created.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"ingestor/packages/domain"
)

var (
	ErrJobNotFound    = errors.New("batch job not found in pending list")
	ErrInvalidStatus  = errors.New("status is not terminal")
	ErrDuplicateBatch = errors.New("batch job already recorded")
)

// Document is the on-disk shape of the ledger.
type Document struct {
	Pending   []domain.JobRecord `json:"pending"`
	Completed []domain.JobRecord `json:"completed"`
	Failed    []domain.JobRecord `json:"failed"`
}

func (d Document) clone() Document {
	return Document{
		Pending:   slices.Clone(d.Pending),
		Completed: slices.Clone(d.Completed),
		Failed:    slices.Clone(d.Failed),
	}
}

func (d Document) contains(batchID string) bool {
	for _, list := range [][]domain.JobRecord{d.Pending, d.Completed, d.Failed} {
		for _, j := range list {
			if j.BatchID == batchID {
				return true
			}
		}
	}
	return false
}

type Ledger struct {
	mu      sync.Mutex
	path    string
	doc     Document
	release func(context.Context) error
	logger  *slog.Logger
}

// Open loads the ledger at path and takes ownership through locker. A
// missing file yields an empty ledger. An unreadable or corrupt file also
// yields an empty ledger; its bytes are kept beside it as <path>.corrupt.
func Open(ctx context.Context, path string, locker Locker) (*Ledger, error) {
	if locker == nil {
		locker = NoopLocker{}
	}
	release, err := locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		path:    path,
		release: release,
		logger:  slog.Default().With("component", "ledger"),
	}
	l.doc = l.recover()
	return l, nil
}

func (l *Ledger) recover() Document {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}
	}
	if err != nil {
		l.logger.Warn("Could not read batch ledger, starting empty", "path", l.path, "error", err)
		return Document{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		backup := l.path + ".corrupt"
		if werr := os.WriteFile(backup, data, 0o644); werr != nil {
			l.logger.Error("Could not preserve corrupt ledger", "path", backup, "error", werr)
		}
		l.logger.Warn("Batch ledger is corrupt, starting empty", "path", l.path, "backup", backup, "error", err)
		return Document{}
	}
	return doc
}

// Close releases ownership of the ledger.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.release == nil {
		return nil
	}
	err := l.release(ctx)
	l.release = nil
	return err
}

// AddPending records a freshly created job and checkpoints immediately.
func (l *Ledger) AddPending(job domain.JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.doc.contains(job.BatchID) {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, job.BatchID)
	}
	job.Status = domain.JobPending
	next := l.doc.clone()
	next.Pending = append(next.Pending, job)
	return l.commit(next)
}

// Resolve moves a pending job to its terminal list. Completed jobs go to the
// completed list, every other terminal status to failed.
func (l *Ledger) Resolve(batchID string, status domain.JobStatus, processed int, at time.Time) (domain.JobRecord, error) {
	if !IsTerminal(status) {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	idx := slices.IndexFunc(l.doc.Pending, func(j domain.JobRecord) bool { return j.BatchID == batchID })
	if idx < 0 {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, batchID)
	}

	next := l.doc.clone()
	job := next.Pending[idx]
	next.Pending = slices.Delete(next.Pending, idx, idx+1)
	completedAt := at
	job.Status = status
	job.CompletedAt = &completedAt
	job.ProcessedCount = processed
	if status == domain.JobCompleted {
		next.Completed = append(next.Completed, job)
	} else {
		next.Failed = append(next.Failed, job)
	}
	if err := l.commit(next); err != nil {
		return domain.JobRecord{}, err
	}
	return job, nil
}

func (l *Ledger) Pending() []domain.JobRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.doc.Pending)
}

// PendingPageIDs is the union of page ids owned by pending jobs.
func (l *Ledger) PendingPageIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []int64
	for _, j := range l.doc.Pending {
		ids = append(ids, j.PageIDs...)
	}
	return ids
}

func (l *Ledger) Snapshot() Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.clone()
}

// commit persists next and adopts it only once the write succeeded.
func (l *Ledger) commit(next Document) error {
	if err := l.checkpoint(next); err != nil {
		return err
	}
	l.doc = next
	return nil
}

func (l *Ledger) checkpoint(doc Document) (err error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode batch ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create ledger temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write ledger temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync ledger temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close ledger temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace batch ledger: %w", err)
	}
	l.logger.Debug("Batch ledger saved", "path", l.path, "pending", len(doc.Pending))
	return nil
}

func IsTerminal(status domain.JobStatus) bool {
	switch status {
	case domain.JobCompleted, domain.JobFailed, domain.JobExpired, domain.JobCancelled:
		return true
	}
	return false
}
