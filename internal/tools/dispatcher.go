// Package tools dispatches approved actions to external tool adapters behind
// a reliability layer: idempotency locks, bounded retries with backoff, and
// per-tool circuit breakers.
package tools

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"vigil/internal/audit"
	"vigil/internal/config"
	"vigil/internal/domain"
	"vigil/internal/repo"
)

// Invoker adapts one external tool. Implementations must be safe for
// concurrent use.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time

	// Sleep is swappable so tests do not wait out real backoff.
	Sleep func(time.Duration)

	mu       sync.Mutex
	invokers map[string]Invoker
	breakers *breakerSet
}

func NewDispatcher(db *sql.DB, r repo.Repo, aw audit.Writer, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		DB:       db,
		Repo:     r,
		Audit:    aw,
		Config:   cfg,
		Now:      time.Now,
		Sleep:    time.Sleep,
		invokers: map[string]Invoker{},
		breakers: newBreakerSet(cfg.Reliability.BreakerThreshold, time.Duration(cfg.Reliability.BreakerCooldownS)*time.Second),
	}
}

func (d *Dispatcher) Register(inv Invoker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invokers[inv.Name()] = inv
}

func (d *Dispatcher) lookup(tool string) (Invoker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invokers[tool]
	return inv, ok
}

// BreakerState exposes the circuit state for one tool.
func (d *Dispatcher) BreakerState(tool string) string {
	return d.breakers.State(tool)
}

// BreakerStates exposes every tracked circuit state.
func (d *Dispatcher) BreakerStates() map[string]string {
	return d.breakers.States()
}

// IdempotencyKey derives a stable key from the full invocation identity.
// Params are serialized with sorted keys so map order cannot change the key.
func IdempotencyKey(tool, action string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", tool, action)
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		fmt.Fprintf(h, "|%s=%s", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dispatch runs one tool action end to end: breaker gate, lock acquisition,
// retried invocation, audit, lock release. The returned error is one of the
// typed reliability errors.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID, tool, action string, params map[string]any) (map[string]any, error) {
	inv, ok := d.lookup(tool)
	if !ok {
		return nil, &ToolUnavailableError{Tool: tool, Reason: "not registered"}
	}
	now := d.Now().UTC()
	if !d.breakers.allow(tool, now) {
		return nil, &ToolUnavailableError{Tool: tool, Reason: "circuit breaker open"}
	}

	key := IdempotencyKey(tool, action, params)
	if err := d.acquireLock(ctx, key, tool, ownerID, now); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.Repo.ReleaseLock(context.Background(), key, ownerID); err != nil {
			log.Printf("tools: release lock %s: %v", key, err)
		}
	}()

	result, attempts, invokeErr := d.invokeWithRetry(ctx, inv, action, params)
	outcome := "success"
	if invokeErr != nil {
		outcome = "failure"
		d.breakers.recordFailure(tool, d.Now().UTC())
	} else {
		d.breakers.recordSuccess(tool)
	}
	d.recordAudit(ctx, key, tool, action, ownerID, outcome, attempts, invokeErr)

	if invokeErr != nil {
		return nil, &ToolExecutionError{Tool: tool, Action: action, Attempts: attempts, Err: invokeErr}
	}
	return result, nil
}

func (d *Dispatcher) acquireLock(ctx context.Context, key, tool, ownerID string, now time.Time) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	lock := domain.OperationLock{
		IdempotencyKey: key,
		Tool:           tool,
		OwnerID:        ownerID,
		AcquiredAt:     now.Format(time.RFC3339),
		ExpiresAt:      now.Add(time.Duration(d.Config.Reliability.LockTTLMinutes) * time.Minute).Format(time.RFC3339),
	}
	acquired, err := d.Repo.AcquireLock(ctx, tx, lock)
	if err != nil {
		return err
	}
	if !acquired {
		holder, herr := d.Repo.GetLock(ctx, key)
		owner := "unknown"
		if herr == nil {
			owner = holder.OwnerID
		}
		return &LockContentionError{IdempotencyKey: key, OwnerID: owner}
	}
	return tx.Commit()
}

// invokeWithRetry retries transient failures with exponential backoff and
// jitter. Fatal errors and context cancellation stop immediately.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, inv Invoker, action string, params map[string]any) (map[string]any, int, error) {
	r := d.Config.Reliability
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.DispatchTimeoutS)*time.Second)
		result, err := inv.Invoke(callCtx, action, params)
		cancel()
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err
		if isFatal(err) || ctx.Err() != nil {
			break
		}
		if attempt < r.MaxAttempts-1 {
			d.Sleep(backoff(r.BackoffBaseMS, attempt, r.JitterFraction))
		}
	}
	return nil, attempts, lastErr
}

// backoff doubles the base per attempt and adds proportional jitter so
// concurrent retries spread out.
func backoff(baseMS, attempt int, jitterFraction float64) time.Duration {
	base := time.Duration(baseMS) * time.Millisecond << attempt
	if jitterFraction <= 0 {
		return base
	}
	jitter := time.Duration(float64(base) * jitterFraction * rand.Float64())
	return base + jitter
}

func (d *Dispatcher) recordAudit(ctx context.Context, key, tool, action, ownerID, outcome string, attempts int, invokeErr error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("tools: audit begin: %v", err)
		return
	}
	defer tx.Rollback()
	payload := audit.Payload{"tool": tool, "action": action, "attempts": attempts}
	if invokeErr != nil {
		payload["error"] = invokeErr.Error()
	}
	entry := audit.Entry{
		Operation:      "tool.dispatch",
		EntityKind:     "tool",
		EntityID:       tool,
		ActorID:        ownerID,
		Outcome:        outcome,
		IdempotencyKey: key,
		Payload:        payload,
	}
	if err := d.Audit.Append(ctx, tx, entry); err != nil {
		log.Printf("tools: audit append: %v", err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("tools: audit commit: %v", err)
	}
}
