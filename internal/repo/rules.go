package repo

import (
	"context"
	"database/sql"
	"strings"

	"vigil/internal/domain"
)

const ruleColumns = `id,name,metric,operator,value,severity,action,cooldown_hours,enabled,last_triggered,trigger_count,created_at`

func scanRule(scan func(dest ...any) error) (domain.AutomationRule, error) {
	var ar domain.AutomationRule
	var lastTriggered sql.NullString
	err := scan(&ar.ID, &ar.Name, &ar.Metric, &ar.Operator, &ar.Value, &ar.Severity, &ar.Action, &ar.CooldownHours, &ar.Enabled, &lastTriggered, &ar.TriggerCount, &ar.CreatedAt)
	if err != nil {
		return ar, err
	}
	if lastTriggered.Valid {
		ar.LastTriggered = &lastTriggered.String
	}
	return ar, nil
}

func (r Repo) InsertRule(ctx context.Context, ar domain.AutomationRule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO automation_rules(id,name,metric,operator,value,severity,action,cooldown_hours,enabled,last_triggered,trigger_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ar.ID, ar.Name, ar.Metric, ar.Operator, ar.Value, ar.Severity, ar.Action, ar.CooldownHours, ar.Enabled, nullableStringPtr(ar.LastTriggered), ar.TriggerCount, ar.CreatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id)
	ar, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	return ar, err
}

func (r Repo) ListRules(ctx context.Context, enabledOnly bool) ([]domain.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		ar, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, nil
}

func (r Repo) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET enabled=? WHERE id=?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRule(ctx context.Context, ar domain.AutomationRule) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET name=?, metric=?, operator=?, value=?, severity=?, action=?, cooldown_hours=?, enabled=? WHERE id=?`,
		ar.Name, ar.Metric, ar.Operator, ar.Value, ar.Severity, ar.Action, ar.CooldownHours, ar.Enabled, ar.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRuleTriggered records a firing for the (rule, subject) pair and bumps
// the rule counters.
func (r Repo) MarkRuleTriggered(ctx context.Context, tx *sql.Tx, ruleID, subjectID, ts string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO rule_triggers(rule_id,subject_id,triggered_at) VALUES (?,?,?)
ON CONFLICT(rule_id,subject_id) DO UPDATE SET triggered_at=excluded.triggered_at`, ruleID, subjectID, ts); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE automation_rules SET last_triggered=?, trigger_count=trigger_count+1 WHERE id=?`, ts, ruleID)
	return err
}

// LastTriggerFor returns when the rule last fired for the subject, or
// ErrNotFound if it never has.
func (r Repo) LastTriggerFor(ctx context.Context, ruleID, subjectID string) (string, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT triggered_at FROM rule_triggers WHERE rule_id=? AND subject_id=?`, ruleID, subjectID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, err
}

func (r Repo) InsertSuggestion(ctx context.Context, tx *sql.Tx, s domain.Suggestion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO suggestions(id,project_id,rule_id,title,action,rationale,severity,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, nullableStringPtr(s.RuleID), s.Title, s.Action, s.Rationale, s.Severity, s.CreatedAt)
	return err
}

type SuggestionFilters struct {
	ProjectID string
	Severity  string
	Limit     int
}

func (r Repo) ListSuggestions(ctx context.Context, f SuggestionFilters) ([]domain.Suggestion, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,project_id,rule_id,title,action,rationale,severity,created_at FROM suggestions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Suggestion
	for rows.Next() {
		var s domain.Suggestion
		var ruleID sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &ruleID, &s.Title, &s.Action, &s.Rationale, &s.Severity, &s.CreatedAt); err != nil {
			return nil, err
		}
		if ruleID.Valid {
			s.RuleID = &ruleID.String
		}
		res = append(res, s)
	}
	return res, nil
}
