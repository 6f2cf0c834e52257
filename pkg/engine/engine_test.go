package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/source/core"
)

// fakeConn serves pages from a fixed row set, pageSize rows at a time.
type fakeConn struct {
	mu        sync.Mutex
	rows      []core.Row
	pageSize  int
	fetches   int
	failUntil int            // fetches to fail before succeeding
	failWith  error          // error returned while failing
	delay     time.Duration  // per-fetch backend latency
	warnings  []core.Warning // attached to the first page
	closed    bool
}

func (f *fakeConn) FetchPage(ctx context.Context, nq *core.NativeQuery, cursor string) (*core.Page, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			// the raw context error, as a context-unaware client would return
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetches <= f.failUntil {
		return nil, f.failWith
	}

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + f.pageSize
	if end > len(f.rows) {
		end = len(f.rows)
	}

	page := &core.Page{Rows: f.rows[start:end]}
	if start == 0 {
		page.Warnings = f.warnings
	}
	if end < len(f.rows) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeConn) DiscoverFields(ctx context.Context) ([]catalog.FieldDescriptor, []core.Warning, error) {
	return nil, nil, nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeConnector hands out a shared fakeConn.
type fakeConnector struct {
	conn  *fakeConn
	opens int
}

func (f *fakeConnector) Kind() core.Kind { return core.KindDirectory }
func (f *fakeConnector) Name() string    { return "fake" }
func (f *fakeConnector) Open(ctx context.Context, cred core.Credential) (core.Conn, error) {
	f.opens++
	return f.conn, nil
}

func testEngine(t *testing.T, cfg *config.Config, connector core.Connector) *Engine {
	t.Helper()
	e := &Engine{
		cfg:        cfg,
		connectors: map[core.Kind]core.Connector{connector.Kind(): connector},
		pools:      NewPoolManager(cfg.Pool, cfg.Timeouts),
		retry:      NewRetryPolicy(cfg.Reliability),
		limiters:   make(map[core.Kind]*rate.Limiter),
		tracer:     otel.Tracer("test"),
		logger:     zaptest.NewLogger(t),
	}
	t.Cleanup(e.Close)
	return e
}

func userRows(n int) []core.Row {
	rows := make([]core.Row, n)
	for i := range rows {
		rows[i] = core.Row{
			"accountName": "user" + strconv.Itoa(i),
			"logonCount":  int64(i),
		}
	}
	return rows
}

func nativeQuery(page, pageSize int) *core.NativeQuery {
	return &core.NativeQuery{
		Kind:         core.KindDirectory,
		Attributes:   []string{"sAMAccountName", "logonCount"},
		FieldMap:     map[string]string{"sAMAccountName": "accountName", "logonCount": "logonCount"},
		FieldTypes:   map[string]catalog.SemanticType{"accountName": catalog.TypeString, "logonCount": catalog.TypeInteger},
		Page:         page,
		PageSize:     pageSize,
		NativePaging: true,
	}
}

func TestExecuteStopsAtRequestedWindow(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{rows: userRows(100), pageSize: 10}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	result, err := e.Execute(context.Background(), nativeQuery(2, 10), core.Credential{ID: "cred-1"})
	require.NoError(t, err)

	assert.Equal(t, 10, result.RowCount)
	assert.Equal(t, "user10", result.Rows[0]["accountName"])
	assert.Equal(t, "user19", result.Rows[9]["accountName"])
	// only the pages covering the window were fetched
	assert.Equal(t, 2, result.PagesFetched)
	assert.Equal(t, []string{"accountName", "logonCount"}, result.Columns)
}

func TestExecuteFallbackFetchesEverything(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{rows: userRows(45), pageSize: 10}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	nq := nativeQuery(1, 10)
	nq.Fallback.Filters = []query.FilterClause{
		{Field: "logonCount", Operator: catalog.OpGreaterThan, Value: "40"},
	}

	result, err := e.Execute(context.Background(), nq, core.Credential{ID: "cred-1"})
	require.NoError(t, err)

	assert.Equal(t, 5, result.PagesFetched)
	assert.Equal(t, 4, result.RowCount)
	assert.Equal(t, "user41", result.Rows[0]["accountName"])
}

func TestExecuteTruncatesAtRowCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.MaxResultRows = 25
	conn := &fakeConn{rows: userRows(100), pageSize: 10}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	nq := nativeQuery(1, 10)
	nq.Fallback.OrderBy = &query.Order{Field: "accountName"}

	result, err := e.Execute(context.Background(), nq, core.Credential{ID: "cred-1"})
	require.NoError(t, err)

	found := false
	for _, w := range result.Warnings {
		if w.Code == catalog.WarnResultTruncated {
			found = true
		}
	}
	assert.True(t, found, "expected a truncation warning")
}

func TestExecutePartialFailureCompletesWithWarnings(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{
		rows:     userRows(50),
		pageSize: 50,
		warnings: []core.Warning{{
			Code:    catalog.WarnAttributeUnreadable,
			Field:   "manager",
			Ref:     "user3",
			Message: "extended attribute denied for one entry",
		}},
	}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	result, err := e.Execute(context.Background(), nativeQuery(1, 50), core.Credential{ID: "cred-1"})
	require.NoError(t, err, "attribute-level failures must not abort the execution")

	assert.Equal(t, 50, result.RowCount)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, catalog.WarnAttributeUnreadable, result.Warnings[0].Code)
	assert.Equal(t, "manager", result.Warnings[0].Field)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 2 * time.Millisecond
	conn := &fakeConn{
		rows:      userRows(5),
		pageSize:  10,
		failUntil: 2,
		failWith:  errors.New(errors.ErrorTypeRateLimit, "throttled"),
	}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	result, err := e.Execute(context.Background(), nativeQuery(1, 10), core.Credential{ID: "cred-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, result.RowCount)
	assert.Equal(t, 3, conn.fetches)
}

func TestExecuteDoesNotRetryAuthFailures(t *testing.T) {
	cfg := config.Default()
	cfg.Reliability.RetryDelay = time.Millisecond
	conn := &fakeConn{
		rows:      userRows(5),
		pageSize:  10,
		failUntil: 100,
		failWith:  errors.New(errors.ErrorTypeAuthentication, "bad bind"),
	}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	_, err := e.Execute(context.Background(), nativeQuery(1, 10), core.Credential{ID: "cred-1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, 1, conn.fetches)
}

func TestExecuteCancellation(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{rows: userRows(100), pageSize: 10}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, nativeQuery(1, 10), core.Credential{ID: "cred-1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestExecuteDeadlineExpiryIsTimeout(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{rows: userRows(100), pageSize: 10, delay: time.Second}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, nativeQuery(1, 10), core.Credential{ID: "cred-1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout),
		"deadline expiry must classify as timeout, got %v", err)
	assert.False(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestExecuteFallbackFieldsStayOutOfResults(t *testing.T) {
	cfg := config.Default()
	conn := &fakeConn{rows: userRows(45), pageSize: 10}
	e := testEngine(t, cfg, &fakeConnector{conn: conn})

	// only accountName is selected; logonCount is fetched solely to
	// evaluate the post-fetch filter
	nq := nativeQuery(1, 10)
	nq.Projection = []string{"accountName"}
	nq.Fallback.Filters = []query.FilterClause{
		{Field: "logonCount", Operator: catalog.OpGreaterThan, Value: "40"},
	}

	result, err := e.Execute(context.Background(), nq, core.Credential{ID: "cred-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"accountName"}, result.Columns)
	require.Equal(t, 4, result.RowCount)
	for _, row := range result.Rows {
		assert.NotContains(t, row, "logonCount")
		assert.Contains(t, row, "accountName")
	}
}

func TestExecuteUnknownSource(t *testing.T) {
	cfg := config.Default()
	e := testEngine(t, cfg, &fakeConnector{conn: &fakeConn{}})

	nq := nativeQuery(1, 10)
	nq.Kind = core.KindCloudSuite

	_, err := e.Execute(context.Background(), nq, core.Credential{ID: "cred-1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
