package repo

import (
	"context"
	"database/sql"
	"strings"

	"vigil/internal/domain"
)

const approvalColumns = `id,project_id,title,description,sensitivity,irreversible,tool,action,params_json,status,requested_by,created_at,expires_at,decided_by,decided_at,decision_notes`

func scanApproval(scan func(dest ...any) error) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var projectID, decidedBy, decidedAt, notes sql.NullString
	err := scan(&a.ID, &projectID, &a.Title, &a.Description, &a.Sensitivity, &a.Irreversible, &a.Tool, &a.Action, &a.ParamsJSON,
		&a.Status, &a.RequestedBy, &a.CreatedAt, &a.ExpiresAt, &decidedBy, &decidedAt, &notes)
	if err != nil {
		return a, err
	}
	if projectID.Valid {
		a.ProjectID = &projectID.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	if notes.Valid {
		a.DecisionNotes = &notes.String
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(id,project_id,title,description,sensitivity,irreversible,tool,action,params_json,status,requested_by,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.ProjectID), a.Title, a.Description, a.Sensitivity, a.Irreversible, a.Tool, a.Action, a.ParamsJSON,
		a.Status, a.RequestedBy, a.CreatedAt, a.ExpiresAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// DecideApproval moves pending -> approved|rejected. Returns ErrNotFound when
// the row is missing or already decided.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, id, status, actorID, ts string, notes *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?, decided_by=?, decided_at=?, decision_notes=? WHERE id=? AND status='pending'`,
		status, actorID, ts, nullableStringPtr(notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePending marks pending requests past their deadline as expired and
// returns the affected rows.
func (r Repo) ExpirePending(ctx context.Context, tx *sql.Tx, now string) ([]domain.ApprovalRequest, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE status='pending' AND expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, a)
	}
	rows.Close()
	for _, a := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status='expired', decided_at=? WHERE id=? AND status='pending'`, now, a.ID); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// CountExpiredPending counts pending requests already past their deadline.
func (r Repo) CountExpiredPending(ctx context.Context, now string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM approval_requests WHERE status='pending' AND expires_at <= ?`, now).Scan(&n)
	return n, err
}

type ApprovalFilters struct {
	ProjectID       string
	Status          string
	Sensitivity     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.ApprovalRequest, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Sensitivity != "" {
		clauses = append(clauses, "sensitivity=?")
		args = append(args, f.Sensitivity)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
