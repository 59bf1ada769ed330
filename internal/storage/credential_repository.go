package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"costguardian/internal/models"
)

// CredentialRepository handles credential persistence. Secrets only ever
// pass through here as ciphertext.
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// credentialRow mirrors the credentials table; timestamps are stored as
// fixed-width UTC text.
type credentialRow struct {
	ID         string         `db:"id"`
	Label      string         `db:"label"`
	SecretEnc  string         `db:"secret_enc"`
	SecretHash string         `db:"secret_hash"`
	SecretMask string         `db:"secret_mask"`
	Active     bool           `db:"active"`
	CreatedAt  string         `db:"created_at"`
	LastOKAt   sql.NullString `db:"last_ok_at"`
}

func (r credentialRow) toModel() (*models.Credential, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for credential %s: %w", r.ID, err)
	}

	cred := &models.Credential{
		ID:         r.ID,
		Label:      r.Label,
		SecretEnc:  r.SecretEnc,
		SecretHash: r.SecretHash,
		SecretMask: r.SecretMask,
		Active:     r.Active,
		CreatedAt:  createdAt,
	}
	if r.LastOKAt.Valid {
		lastOK, err := parseTime(r.LastOKAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid last_ok_at for credential %s: %w", r.ID, err)
		}
		cred.LastOKAt = &lastOK
	}
	return cred, nil
}

const credentialColumns = `id, label, secret_enc, secret_hash, secret_mask, active, created_at, last_ok_at`

// Insert stores a new credential.
func (r *CredentialRepository) Insert(ctx context.Context, cred *models.Credential) error {
	query := r.db.rebind(`
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`)

	_, err := r.db.conn.ExecContext(ctx, query,
		cred.ID, cred.Label, cred.SecretEnc, cred.SecretHash, cred.SecretMask,
		cred.Active, formatTime(cred.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// Get retrieves a credential by id.
func (r *CredentialRepository) Get(ctx context.Context, id string) (*models.Credential, error) {
	var row credentialRow
	query := r.db.rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`)

	err := r.db.conn.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row.toModel()
}

// LookupByHash retrieves a credential by the SHA-256 digest of its secret.
func (r *CredentialRepository) LookupByHash(ctx context.Context, hash string) (*models.Credential, error) {
	var row credentialRow
	query := r.db.rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE secret_hash = ?`)

	err := r.db.conn.GetContext(ctx, &row, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	return row.toModel()
}

// List returns all credentials ordered by creation time.
func (r *CredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	var rows []credentialRow
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at, id`

	if err := r.db.conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := row.toModel()
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// ListActive returns only active credentials, ordered by creation time.
func (r *CredentialRepository) ListActive(ctx context.Context) ([]*models.Credential, error) {
	var rows []credentialRow
	query := r.db.rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE active = ? ORDER BY created_at, id`)

	if err := r.db.conn.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := row.toModel()
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// SetActive flips the active flag. Unknown ids fail with
// ErrCredentialNotFound; setting the current value again is a no-op.
func (r *CredentialRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := r.db.rebind(`UPDATE credentials SET active = ? WHERE id = ?`)

	res, err := r.db.conn.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return requireRowAffected(res)
}

// Delete hard-deletes a credential.
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	query := r.db.rebind(`DELETE FROM credentials WHERE id = ?`)

	res, err := r.db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireRowAffected(res)
}

// RecordSuccess updates the last-successful-use timestamp.
func (r *CredentialRepository) RecordSuccess(ctx context.Context, id string, t time.Time) error {
	query := r.db.rebind(`UPDATE credentials SET last_ok_at = ? WHERE id = ?`)

	res, err := r.db.conn.ExecContext(ctx, query, formatTime(t), id)
	if err != nil {
		return fmt.Errorf("failed to record credential success: %w", err)
	}
	return requireRowAffected(res)
}

// LastSuccessAt returns the most recent last-successful-use timestamp across
// all credentials, or nil when none has succeeded yet.
func (r *CredentialRepository) LastSuccessAt(ctx context.Context) (*time.Time, error) {
	var last sql.NullString
	err := r.db.conn.GetContext(ctx, &last, `SELECT MAX(last_ok_at) FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("failed to read last credential success: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := parseTime(last.String)
	if err != nil {
		return nil, fmt.Errorf("invalid last_ok_at: %w", err)
	}
	return &t, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
