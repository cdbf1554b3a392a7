package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"vigil/internal/domain"
)

type AuditFilters struct {
	Operation  string
	EntityKind string
	EntityID   string
	ProjectID  string
	ActorID    string
	Outcome    string
	Limit      int
	Cursor     int64
}

// ListAudit returns audit entries newest first, keyed by row id for paging.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,operation,entity_kind,entity_id,project_id,actor_id,outcome,idempotency_key,payload_json FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var idemKey sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Operation, &e.EntityKind, &e.EntityID, &e.ProjectID, &e.ActorID, &e.Outcome, &idemKey, &e.Payload); err != nil {
			return nil, err
		}
		if idemKey.Valid {
			e.IdempotencyKey = &idemKey.String
		}
		res = append(res, e)
	}
	return res, nil
}

// CountAuditByOutcome groups audit entries by outcome for an operation.
func (r Repo) CountAuditByOutcome(ctx context.Context, operation string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT outcome, count(*) FROM audit_log WHERE operation=? GROUP BY outcome`, operation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		res[outcome] = count
	}
	return res, nil
}
