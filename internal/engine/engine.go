// Package engine holds the state-changing operations: snapshots, risk
// assessment, rule evaluation, escalations, and approvals. Each operation
// runs in its own transaction and writes its audit entry before commit.
package engine

import (
	"database/sql"
	"fmt"
	"time"

	"vigil/internal/audit"
	"vigil/internal/config"
	"vigil/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError rejects a state transition the current status does not allow.
type ConflictError struct {
	Entity  string
	ID      string
	Status  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s in status %s: %s", e.Entity, e.ID, e.Status, e.Message)
}

// ExpiredError rejects a decision on an approval whose deadline has passed.
type ExpiredError struct {
	ID        string
	ExpiresAt string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("approval request %s expired at %s", e.ID, e.ExpiresAt)
}

func validationErr(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

func parseOptionalTime(field string, v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		return nil, validationErr(field, "must be RFC3339")
	}
	return &t, nil
}
