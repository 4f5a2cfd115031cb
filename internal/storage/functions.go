package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// StoredFunction is a persisted dynamic function: descriptor plus source.
type StoredFunction struct {
	Descriptor model.FunctionDescriptor
	Source     string
}

// SaveFunction inserts a dynamic function. A duplicate name surfaces as a
// Conflict so the caller never has to parse driver error strings.
func (db *DB) SaveFunction(ctx context.Context, f StoredFunction) error {
	patterns, err := json.Marshal(f.Descriptor.Patterns)
	if err != nil {
		return fmt.Errorf("storage: marshal patterns: %w", err)
	}
	params, err := json.Marshal(f.Descriptor.Parameters)
	if err != nil {
		return fmt.Errorf("storage: marshal parameters: %w", err)
	}

	_, err = db.db.ExecContext(ctx,
		`INSERT INTO functions (name, source, description, patterns, parameters, creator, content_hash, added)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Descriptor.Name, f.Source, f.Descriptor.Description, string(patterns), string(params),
		f.Descriptor.Creator, f.Descriptor.ContentHash, f.Descriptor.Added.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.Ef(model.KindConflict, "function %q already persisted", f.Descriptor.Name)
		}
		return fmt.Errorf("storage: insert function: %w", err)
	}
	return nil
}

// GetFunction returns one persisted function by name.
func (db *DB) GetFunction(ctx context.Context, name string) (StoredFunction, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT name, source, description, patterns, parameters, creator, content_hash, added
		 FROM functions WHERE name = ?`, name)
	f, err := scanStoredFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredFunction{}, ErrNotFound
	}
	return f, err
}

// ListFunctions returns all persisted dynamic functions in registration order.
func (db *DB) ListFunctions(ctx context.Context) ([]StoredFunction, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT name, source, description, patterns, parameters, creator, content_hash, added
		 FROM functions ORDER BY added ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list functions: %w", err)
	}
	defer rows.Close()

	var out []StoredFunction
	for rows.Next() {
		f, err := scanStoredFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFunction removes a persisted function. Used to roll back a
// registration whose follow-up persistence steps failed.
func (db *DB) DeleteFunction(ctx context.Context, name string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM functions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("storage: delete function: %w", err)
	}
	return nil
}

// CountFunctions returns the number of persisted dynamic functions.
func (db *DB) CountFunctions(ctx context.Context) (int, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM functions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count functions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredFunction(row rowScanner) (StoredFunction, error) {
	var (
		f               StoredFunction
		patterns, prams string
	)
	if err := row.Scan(
		&f.Descriptor.Name, &f.Source, &f.Descriptor.Description,
		&patterns, &prams, &f.Descriptor.Creator, &f.Descriptor.ContentHash, &f.Descriptor.Added,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredFunction{}, err
		}
		return StoredFunction{}, fmt.Errorf("storage: scan function: %w", err)
	}
	if err := json.Unmarshal([]byte(patterns), &f.Descriptor.Patterns); err != nil {
		return StoredFunction{}, fmt.Errorf("storage: unmarshal patterns for %q: %w", f.Descriptor.Name, err)
	}
	if err := json.Unmarshal([]byte(prams), &f.Descriptor.Parameters); err != nil {
		return StoredFunction{}, fmt.Errorf("storage: unmarshal parameters for %q: %w", f.Descriptor.Name, err)
	}
	f.Descriptor.Added = f.Descriptor.Added.UTC()
	f.Descriptor.Dynamic = true
	return f, nil
}

// AppendAudit appends one audit entry. The trail is append-only; nothing
// updates or deletes rows.
func (db *DB) AppendAudit(ctx context.Context, e model.FunctionAuditEntry) (int64, error) {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := db.db.ExecContext(ctx,
		`INSERT INTO function_audit (function_name, action, creator, content_hash, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.FunctionName, string(e.Action), e.Creator, e.ContentHash, e.Detail, createdAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: append audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: audit insert id: %w", err)
	}
	return id, nil
}

// ListAuditByFunction returns the audit trail for one function, newest first.
func (db *DB) ListAuditByFunction(ctx context.Context, name string, limit int) ([]model.FunctionAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, function_name, action, creator, content_hash, detail, created_at
		 FROM function_audit WHERE function_name = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.FunctionAuditEntry
	for rows.Next() {
		var (
			e      model.FunctionAuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.FunctionName, &action, &e.Creator, &e.ContentHash, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditHashesBetween returns the content hashes of audit entries with
// created_at in (start, end], in insertion order. These are the Merkle
// leaves for one proof batch.
func (db *DB) AuditHashesBetween(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT content_hash FROM function_audit
		 WHERE created_at > ? AND created_at <= ? AND content_hash != ''
		 ORDER BY created_at ASC, id ASC`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: audit hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan audit hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// LatestAuditProof returns the most recent proof, or nil when none exists.
func (db *DB) LatestAuditProof(ctx context.Context) (*model.AuditProof, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT id, batch_start, batch_end, entry_count, root_hash, previous_root, created_at
		 FROM audit_proofs ORDER BY id DESC LIMIT 1`)

	var (
		p        model.AuditProof
		prevRoot sql.NullString
	)
	err := row.Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EntryCount, &p.RootHash, &prevRoot, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest audit proof: %w", err)
	}
	if prevRoot.Valid {
		p.PreviousRoot = &prevRoot.String
	}
	p.BatchStart = p.BatchStart.UTC()
	p.BatchEnd = p.BatchEnd.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// CreateAuditProof records a Merkle root over one audit batch.
func (db *DB) CreateAuditProof(ctx context.Context, p model.AuditProof) error {
	var prevRoot sql.NullString
	if p.PreviousRoot != nil {
		prevRoot = sql.NullString{String: *p.PreviousRoot, Valid: true}
	}
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO audit_proofs (batch_start, batch_end, entry_count, root_hash, previous_root, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.BatchStart.UTC(), p.BatchEnd.UTC(), p.EntryCount, p.RootHash, prevRoot, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit proof: %w", err)
	}
	return nil
}
