package tools

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/migrate"
	"vigil/internal/repo"
)

type fakeInvoker struct {
	name string

	mu    sync.Mutex
	calls int
	fn    func(call int) (map[string]any, error)
}

func (f *fakeInvoker) Name() string { return f.name }

func (f *fakeInvoker) Invoke(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	d := NewDispatcher(conn, repo.Repo{DB: conn}, audit.Writer{DB: conn}, cfg)
	d.Sleep = func(time.Duration) {}
	return d, conn
}

func TestDispatchSuccess(t *testing.T) {
	d, conn := newTestDispatcher(t)
	d.Register(&fakeInvoker{name: "jira", fn: func(int) (map[string]any, error) {
		return map[string]any{"ticket": "OPS-1"}, nil
	}})

	result, err := d.Dispatch(context.Background(), "worker-1", "jira", "create_ticket", map[string]any{"summary": "x"})
	require.NoError(t, err)
	assert.Equal(t, "OPS-1", result["ticket"])

	var outcome string
	require.NoError(t, conn.QueryRow(`SELECT outcome FROM audit_log WHERE operation='tool.dispatch'`).Scan(&outcome))
	assert.Equal(t, "success", outcome)

	var locks int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM operation_locks`).Scan(&locks))
	assert.Zero(t, locks, "lock must be released after dispatch")
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := &fakeInvoker{name: "slack", fn: func(call int) (map[string]any, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"ok": true}, nil
	}}
	d.Register(inv)

	_, err := d.Dispatch(context.Background(), "worker-1", "slack", "post", map[string]any{"channel": "#ops"})
	require.NoError(t, err)
	assert.Equal(t, 3, inv.callCount())
}

func TestDispatchFatalErrorNotRetried(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := &fakeInvoker{name: "jira", fn: func(int) (map[string]any, error) {
		return nil, errors.New("unauthorized: bad token")
	}}
	d.Register(inv)

	_, err := d.Dispatch(context.Background(), "worker-1", "jira", "create_ticket", nil)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.Attempts)
	assert.Equal(t, 1, inv.callCount())
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := &fakeInvoker{name: "jira", fn: func(int) (map[string]any, error) {
		return nil, errors.New("timeout talking upstream")
	}}
	d.Register(inv)

	_, err := d.Dispatch(context.Background(), "worker-1", "jira", "create_ticket", nil)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, d.Config.Reliability.MaxAttempts, execErr.Attempts)
}

func TestDispatchUnregisteredTool(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "worker-1", "nope", "x", nil)
	var unavailable *ToolUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "nope", unavailable.Tool)
}

func TestDispatchLockContention(t *testing.T) {
	d, conn := newTestDispatcher(t)
	d.Register(&fakeInvoker{name: "jira", fn: func(int) (map[string]any, error) {
		return map[string]any{}, nil
	}})

	params := map[string]any{"summary": "x"}
	key := IdempotencyKey("jira", "create_ticket", params)
	now := time.Now().UTC()
	tx, err := conn.Begin()
	require.NoError(t, err)
	acquired, err := d.Repo.AcquireLock(context.Background(), tx, domain.OperationLock{
		IdempotencyKey: key,
		Tool:           "jira",
		OwnerID:        "other-worker",
		AcquiredAt:     now.Format(time.RFC3339),
		ExpiresAt:      now.Add(10 * time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, tx.Commit())

	_, err = d.Dispatch(context.Background(), "worker-1", "jira", "create_ticket", params)
	var contention *LockContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, "other-worker", contention.OwnerID)
}

func TestDispatchReclaimsExpiredLock(t *testing.T) {
	d, conn := newTestDispatcher(t)
	d.Register(&fakeInvoker{name: "jira", fn: func(int) (map[string]any, error) {
		return map[string]any{}, nil
	}})

	params := map[string]any{"summary": "x"}
	key := IdempotencyKey("jira", "create_ticket", params)
	stale := time.Now().UTC().Add(-time.Hour)
	_, err := conn.Exec(`INSERT INTO operation_locks(idempotency_key,tool,owner_id,acquired_at,expires_at) VALUES (?,?,?,?,?)`,
		key, "jira", "crashed-worker", stale.Format(time.RFC3339), stale.Add(15*time.Minute).Format(time.RFC3339))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "worker-1", "jira", "create_ticket", params)
	require.NoError(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Config.Reliability.MaxAttempts = 1
	inv := &fakeInvoker{name: "pager", fn: func(int) (map[string]any, error) {
		return nil, errors.New("upstream 503")
	}}
	d.Register(inv)

	for i := 0; i < d.Config.Reliability.BreakerThreshold; i++ {
		_, err := d.Dispatch(context.Background(), "worker-1", "pager", "page", map[string]any{"n": i})
		var execErr *ToolExecutionError
		require.ErrorAs(t, err, &execErr)
	}
	assert.Equal(t, "open", d.BreakerState("pager"))

	calls := inv.callCount()
	_, err := d.Dispatch(context.Background(), "worker-1", "pager", "page", map[string]any{"n": 99})
	var unavailable *ToolUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, calls, inv.callCount(), "open breaker must fail fast without invoking")
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Config.Reliability.MaxAttempts = 1
	failing := true
	inv := &fakeInvoker{name: "pager", fn: func(int) (map[string]any, error) {
		if failing {
			return nil, errors.New("upstream 503")
		}
		return map[string]any{}, nil
	}}
	d.Register(inv)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.Now = func() time.Time { return now }

	for i := 0; i < d.Config.Reliability.BreakerThreshold; i++ {
		_, _ = d.Dispatch(context.Background(), "worker-1", "pager", "page", map[string]any{"n": i})
	}
	require.Equal(t, "open", d.BreakerState("pager"))

	// Cooldown elapses; the one trial call succeeds and closes the circuit.
	failing = false
	now = base.Add(time.Duration(d.Config.Reliability.BreakerCooldownS+1) * time.Second)
	_, err := d.Dispatch(context.Background(), "worker-1", "pager", "page", map[string]any{"n": 100})
	require.NoError(t, err)
	assert.Equal(t, "closed", d.BreakerState("pager"))
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("jira", "create", map[string]any{"a": 1, "b": "x"})
	b := IdempotencyKey("jira", "create", map[string]any{"b": "x", "a": 1})
	c := IdempotencyKey("jira", "create", map[string]any{"a": 2, "b": "x"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, IdempotencyKey("slack", "create", map[string]any{"a": 1, "b": "x"}))
}
