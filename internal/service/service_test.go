package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prismhq/prism/pkg/cache"
	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/engine"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/ledger"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/reports"
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/directory"
)

// fakeExecutor serves canned results and counts backend executions.
type fakeExecutor struct {
	mu       sync.Mutex
	result   *engine.Result
	err      error
	block    chan struct{} // when set, Execute blocks until closed or ctx ends
	executes int32
}

func (f *fakeExecutor) Execute(ctx context.Context, nq *core.NativeQuery, cred core.Credential) (*engine.Result, error) {
	atomic.AddInt32(&f.executes, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ContextType(ctx), "execution interrupted")
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) DiscoverFields(ctx context.Context, kind core.Kind, cred core.Credential) ([]catalog.FieldDescriptor, []core.Warning, error) {
	fields := []catalog.FieldDescriptor{
		{Name: "accountName", NativeName: "sAMAccountName", Type: catalog.TypeString, Category: "account"},
		{Name: "department", NativeName: "department", Type: catalog.TypeString, Category: "organization"},
		{Name: "enabled", NativeName: "accountEnabled", Type: catalog.TypeBoolean, Category: "account"},
		{Name: "lastLogon", NativeName: "lastLogonTimestamp", Type: catalog.TypeDatetime, Category: "activity"},
	}
	for i := range fields {
		fields[i].Operators = catalog.OperatorsFor(fields[i].Type)
	}
	return fields, nil, nil
}

func (f *fakeExecutor) InvalidatePools(kind core.Kind, credentialID string) {}
func (f *fakeExecutor) Close()                                             {}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sources = []config.SourceConfig{{
		Kind:         "directory",
		Enabled:      true,
		Endpoint:     "ldap://dc1.corp.example",
		CredentialID: "cred-1",
		Options:      map[string]string{"base_dn": "dc=corp,dc=example"},
	}}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, exec Executor) *Service {
	t.Helper()

	s := &Service{
		cfg:      cfg,
		executor: exec,
		cache:    cache.New(cfg.Cache),
		ledger:   ledger.NewMemoryStore(),
		reports:  reports.NewRepository(reports.NewMemoryStore(), nil),
		creds: StaticCredentials{
			"cred-1": {ID: "cred-1", Version: 1, Kind: core.KindDirectory},
		},
		compilers: map[core.Kind]core.Compiler{core.KindDirectory: directory.NewCompiler()},
		running:   make(map[uuid.UUID]context.CancelFunc),
		logger:    zaptest.NewLogger(t),
	}
	s.catalogs = catalog.NewService(map[string]catalog.Discoverer{
		"directory": &engineDiscoverer{svc: s, kind: core.KindDirectory},
	})
	s.validator = query.NewValidator(cfg.Limits, func(source string) (bool, bool) {
		if _, err := core.ParseKind(source); err != nil {
			return false, false
		}
		src, ok := cfg.SourceByKind(source)
		return true, ok && src.Enabled
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func validRequest() query.Request {
	return query.Request{
		Source: "directory",
		Fields: []string{"accountName", "department"},
		Filters: []query.FilterClause{
			{Field: "department", Operator: catalog.OpEquals, Value: "Engineering"},
		},
		Page: query.Pagination{Page: 1, PageSize: 25},
	}
}

func completedResult(rows int) *engine.Result {
	out := &engine.Result{
		Columns:  []string{"accountName", "department"},
		RowCount: rows,
	}
	for i := 0; i < rows; i++ {
		out.Rows = append(out.Rows, core.Row{"accountName": "user", "department": "Engineering"})
	}
	return out
}

func TestExecuteQueryLifecycle(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(3)}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, rec.Status)

	final, err := s.WaitForExecution(ctx, rec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.RowCount)
	assert.NotNil(t, final.CompletedAt)

	result, err := s.GetResults(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowCount)

	history, err := s.ListHistory(ctx, ledger.ListFilter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
}

func TestExecuteQueryCollectsValidationErrors(t *testing.T) {
	s := newTestService(t, testConfig(), &fakeExecutor{result: completedResult(0)})

	req := query.Request{
		Source: "directory",
		Fields: []string{"accountName", "nonexistent"},
		Filters: []query.FilterClause{
			{Field: "lastLogon", Operator: catalog.OpContains, Value: "x"},
		},
		Page: query.Pagination{Page: 1, PageSize: 25},
	}

	_, err := s.ExecuteQuery(context.Background(), "alice", req)
	require.Error(t, err)

	var verrs query.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	codes := make(map[string]bool)
	for _, v := range verrs {
		codes[v.Code] = true
	}
	assert.True(t, codes[query.CodeFieldUnknown])
	assert.True(t, codes[query.CodeOperatorInvalid], "contains is not valid on datetime")
}

func TestIdenticalQueriesShareOneExecution(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(2)}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	first, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)
	_, err = s.WaitForExecution(ctx, first.ID, 10*time.Millisecond)
	require.NoError(t, err)

	second, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)
	finalSecond, err := s.WaitForExecution(ctx, second.ID, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, finalSecond.Status)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.executes), "second run must be a cache hit")
}

func TestCancelExecution(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(1), block: make(chan struct{})}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)

	// wait until the pipeline is running before cancelling
	require.Eventually(t, func() bool {
		current, err := s.GetExecution(ctx, rec.ID, "alice")
		return err == nil && current.Status == ledger.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.CancelExecution(ctx, rec.ID, "alice"))

	final, err := s.WaitForExecution(ctx, rec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, final.Status)

	_, err = s.GetResults(ctx, rec.ID, "alice")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))

	err = s.CancelExecution(ctx, rec.ID, "alice")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestExecutionTimeoutFailsWithTimeoutKind(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Execution = 50 * time.Millisecond
	exec := &fakeExecutor{result: completedResult(1), block: make(chan struct{})}
	s := newTestService(t, cfg, exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)

	final, err := s.WaitForExecution(ctx, rec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, final.Status,
		"a timed-out execution is a failure, not a cancellation")
	assert.Equal(t, "timeout", final.ErrorKind)

	_, err = s.GetResults(ctx, rec.ID, "alice")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestCancelDoesNotPropagateToIdenticalExecution(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(2), block: make(chan struct{})}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	first, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)

	// let the first pipeline start the backend call before the twin joins
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.executes) == 1
	}, time.Second, 5*time.Millisecond)

	second, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)

	require.Eventually(t, func() bool {
		rec, err := s.GetExecution(ctx, second.ID, "alice")
		return err == nil && rec.Status == ledger.StatusRunning
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.CancelExecution(ctx, first.ID, "alice"))

	cancelled, err := s.WaitForExecution(ctx, first.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)

	// the twin was never cancelled and still completes from the shared call
	close(exec.block)
	final, err := s.WaitForExecution(ctx, second.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status,
		"cancelling one execution must not fail an identical concurrent one")
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.executes))
}

func TestFailedExecutionRecordsClassification(t *testing.T) {
	exec := &fakeExecutor{err: errors.New(errors.ErrorTypeAuthentication, "bind rejected")}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)

	final, err := s.WaitForExecution(ctx, rec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, final.Status)
	assert.Equal(t, "authentication", final.ErrorKind)
	assert.Contains(t, final.ErrorMessage, "bind rejected")

	_, err = s.GetResults(ctx, rec.ID, "alice")
	require.Error(t, err)
}

func TestResultsExpireAfterTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.TTL = 20 * time.Millisecond
	exec := &fakeExecutor{result: completedResult(1)}
	s := newTestService(t, cfg, exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)
	_, err = s.WaitForExecution(ctx, rec.ID, 5*time.Millisecond)
	require.NoError(t, err)

	_, err = s.GetResults(ctx, rec.ID, "alice")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = s.GetResults(ctx, rec.ID, "alice")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpired))

	// the ledger record survives the cache entry
	final, err := s.GetExecution(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status)
}

func TestExecutionOwnershipScoping(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(1)}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	rec, err := s.ExecuteQuery(ctx, "alice", validRequest())
	require.NoError(t, err)

	_, err = s.GetExecution(ctx, rec.ID, "bob")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestExecuteReportWithOverrides(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(2)}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	def := query.Definition{
		Source: "directory",
		Fields: []string{"accountName", "lastLogon"},
		Filters: []query.FilterClause{
			{Field: "lastLogon", Operator: catalog.OpOlderThan, Value: "${staleness}"},
		},
		Page:   query.Pagination{Page: 1, PageSize: 50},
		Params: map[string]string{"staleness": "90d"},
	}
	report, err := s.Reports().Create(ctx, "alice", "Stale accounts", "", def)
	require.NoError(t, err)

	rec, err := s.ExecuteReport(ctx, report.ID, "alice", map[string]string{"staleness": "30d"})
	require.NoError(t, err)

	final, err := s.WaitForExecution(ctx, rec.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status)

	// overridden parameters produce a different fingerprint than the saved ones
	baseline, err := s.ExecuteReport(ctx, report.ID, "alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, rec.Fingerprint, baseline.Fingerprint)
}

func TestRefreshAllSchemasBumpsCatalogVersion(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(0)}
	s := newTestService(t, testConfig(), exec)
	ctx := context.Background()

	cat, err := s.DiscoverSchema(ctx, "directory")
	require.NoError(t, err)
	require.Equal(t, int64(1), cat.Version)

	require.NoError(t, s.RefreshAllSchemas(ctx))
	refreshed, err := s.DiscoverSchema(ctx, "directory")
	require.NoError(t, err)
	assert.Equal(t, int64(2), refreshed.Version)
}

func TestCompletionHook(t *testing.T) {
	exec := &fakeExecutor{result: completedResult(2)}
	s := newTestService(t, testConfig(), exec)

	var mu sync.Mutex
	var seen []*ledger.Record
	s.OnCompletion(func(rec *ledger.Record, result *engine.Result) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	})

	rec, err := s.ExecuteQuery(context.Background(), "alice", validRequest())
	require.NoError(t, err)
	_, err = s.WaitForExecution(context.Background(), rec.ID, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0].Status == ledger.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}
