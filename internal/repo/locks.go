package repo

import (
	"context"
	"database/sql"

	"vigil/internal/domain"
)

// AcquireLock inserts the lock row, reclaiming an expired holder in place.
// Returns ErrConflict-style false when a live holder exists.
func (r Repo) AcquireLock(ctx context.Context, tx *sql.Tx, l domain.OperationLock) (bool, error) {
	var existing domain.OperationLock
	err := tx.QueryRowContext(ctx, `SELECT idempotency_key,tool,owner_id,acquired_at,expires_at FROM operation_locks WHERE idempotency_key=?`, l.IdempotencyKey).
		Scan(&existing.IdempotencyKey, &existing.Tool, &existing.OwnerID, &existing.AcquiredAt, &existing.ExpiresAt)
	switch {
	case err == sql.ErrNoRows:
		_, err := tx.ExecContext(ctx, `INSERT INTO operation_locks(idempotency_key,tool,owner_id,acquired_at,expires_at) VALUES (?,?,?,?,?)`,
			l.IdempotencyKey, l.Tool, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
		return err == nil, err
	case err != nil:
		return false, err
	}
	// A holder exists; reclaim only if its TTL has lapsed.
	if existing.ExpiresAt > l.AcquiredAt {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE operation_locks SET tool=?, owner_id=?, acquired_at=?, expires_at=? WHERE idempotency_key=?`,
		l.Tool, l.OwnerID, l.AcquiredAt, l.ExpiresAt, l.IdempotencyKey)
	return err == nil, err
}

// ReleaseLock removes the lock if the caller still owns it.
func (r Repo) ReleaseLock(ctx context.Context, key, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM operation_locks WHERE idempotency_key=? AND owner_id=?`, key, ownerID)
	return err
}

func (r Repo) GetLock(ctx context.Context, key string) (domain.OperationLock, error) {
	var l domain.OperationLock
	err := r.DB.QueryRowContext(ctx, `SELECT idempotency_key,tool,owner_id,acquired_at,expires_at FROM operation_locks WHERE idempotency_key=?`, key).
		Scan(&l.IdempotencyKey, &l.Tool, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// ReclaimExpiredLocks deletes locks whose TTL has lapsed and returns how many.
func (r Repo) ReclaimExpiredLocks(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM operation_locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountStaleLocks counts lock rows past their TTL, for health reporting.
func (r Repo) CountStaleLocks(ctx context.Context, now string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM operation_locks WHERE expires_at <= ?`, now).Scan(&n)
	return n, err
}
