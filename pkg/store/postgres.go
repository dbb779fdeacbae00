package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coreseekdev/quillwright/pkg/ot"
)

// undefinedTableCode is the Postgres SQLSTATE for "relation does not
// exist", raised when the ot_documents/ot_operations migration has not
// been applied.
const undefinedTableCode = "42P01"

// uniqueViolationCode is the Postgres SQLSTATE for a unique-constraint
// violation, raised by ot_operations' (document_id, revision) uniqueness
// invariant when two writers race to append the same revision.
const uniqueViolationCode = "23505"

// Postgres is the Relational implementation backed by the ot_documents and
// ot_operations tables, addressed through database/sql via lib/pq and
// jmoiron/sqlx.
type Postgres struct {
	db        *sqlx.DB
	degraded  atomic.Bool
	onDegrade func(error)
}

// NewPostgres wraps an already-open *sql.DB. onDegrade, if non-nil, is
// called once with the triggering error the first time the adapter
// discovers its schema is absent.
func NewPostgres(db *sql.DB, onDegrade func(error)) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres"), onDegrade: onDegrade}
}

func (p *Postgres) Degraded() bool {
	return p.degraded.Load()
}

func (p *Postgres) checkDegraded(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == undefinedTableCode {
		if p.degraded.CompareAndSwap(false, true) && p.onDegrade != nil {
			p.onDegrade(err)
		}
	}
	return err
}

func (p *Postgres) EnsureDocument(ctx context.Context, docID, bucketID, filePath string) (uint64, error) {
	if p.Degraded() {
		return 0, nil
	}
	const q = `
		INSERT INTO ot_documents (document_id, bucket_id, file_path, current_revision)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (document_id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q, docID, bucketID, filePath); err != nil {
		return 0, p.checkDegraded(err)
	}
	return p.CurrentRevision(ctx, docID)
}

func (p *Postgres) CurrentRevision(ctx context.Context, docID string) (uint64, error) {
	if p.Degraded() {
		return 0, ErrNotFound
	}
	var rev uint64
	err := p.db.GetContext(ctx, &rev, `SELECT current_revision FROM ot_documents WHERE document_id = $1`, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, p.checkDegraded(err)
	}
	return rev, nil
}

func (p *Postgres) SetCurrentRevision(ctx context.Context, docID string, revision uint64) error {
	if p.Degraded() {
		return nil
	}
	const q = `UPDATE ot_documents SET current_revision = $2 WHERE document_id = $1`
	_, err := p.db.ExecContext(ctx, q, docID, revision)
	if err != nil {
		return p.checkDegraded(err)
	}
	return nil
}

func (p *Postgres) AppendOperation(ctx context.Context, entry LogEntry) error {
	if p.Degraded() {
		return nil
	}
	wire, err := entry.Operation.MarshalJSON()
	if err != nil {
		return err
	}
	wire = []byte(Sanitize(string(wire)))
	const q = `
		INSERT INTO ot_operations (document_id, revision, author_id, operation, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = p.db.ExecContext(ctx, q, entry.DocumentID, entry.Revision, entry.AuthorID, wire, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
			return ErrConflict
		}
		return p.checkDegraded(err)
	}
	return nil
}

func (p *Postgres) OperationsSince(ctx context.Context, docID string, since uint64) ([]LogEntry, error) {
	if p.Degraded() {
		return nil, ErrNotFound
	}
	type row struct {
		Revision  uint64 `db:"revision"`
		AuthorID  string `db:"author_id"`
		Operation []byte `db:"operation"`
		CreatedAt sql.NullTime `db:"created_at"`
	}
	var rows []row
	const q = `
		SELECT revision, author_id, operation, created_at
		FROM ot_operations
		WHERE document_id = $1 AND revision > $2
		ORDER BY revision ASC`
	if err := p.db.SelectContext(ctx, &rows, q, docID, since); err != nil {
		return nil, p.checkDegraded(err)
	}

	entries := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		op := &ot.Operation{}
		if err := op.UnmarshalJSON(r.Operation); err != nil {
			return nil, fmt.Errorf("store: decoding logged operation at revision %d for %s: %w", r.Revision, docID, err)
		}
		entries = append(entries, LogEntry{
			DocumentID: docID,
			Revision:   r.Revision,
			AuthorID:   r.AuthorID,
			Operation:  op,
			CreatedAt:  r.CreatedAt.Time,
		})
	}
	return entries, nil
}

func (p *Postgres) ClearOperations(ctx context.Context, docID string) error {
	if p.Degraded() {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM ot_operations WHERE document_id = $1`, docID)
	if err != nil {
		return p.checkDegraded(err)
	}
	return nil
}

func (p *Postgres) Compact(ctx context.Context, docID string, keepWindow int) error {
	if p.Degraded() {
		return nil
	}
	const q = `
		DELETE FROM ot_operations
		WHERE document_id = $1 AND revision <= (
			SELECT COALESCE(MAX(revision), 0) - $2
			FROM ot_operations
			WHERE document_id = $1
		)`
	_, err := p.db.ExecContext(ctx, q, docID, keepWindow)
	if err != nil {
		return p.checkDegraded(err)
	}
	return nil
}

func (p *Postgres) DeleteDocument(ctx context.Context, docID string) error {
	if p.Degraded() {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return p.checkDegraded(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ot_operations WHERE document_id = $1`, docID); err != nil {
		return p.checkDegraded(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ot_documents WHERE document_id = $1`, docID); err != nil {
		return p.checkDegraded(err)
	}
	return tx.Commit()
}
