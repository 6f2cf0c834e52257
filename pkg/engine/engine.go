// Package engine executes compiled native queries against backend sources.
// It owns connection pooling, rate limiting, retries, pagination, and the
// post-fetch fallback pipeline.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/metrics"
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"
)

// Result is one executed page of results.
type Result struct {
	// Columns lists result field names in projection order
	Columns []string `json:"columns"`
	// Rows holds the requested page, keyed by catalog field names
	Rows []core.Row `json:"rows"`
	// RowCount is len(Rows)
	RowCount int `json:"row_count"`
	// Warnings aggregates compiler, fetch, and truncation warnings
	Warnings []core.Warning `json:"warnings,omitempty"`
	// Elapsed is the wall-clock execution time
	Elapsed time.Duration `json:"elapsed"`
	// PagesFetched counts backend pages consumed
	PagesFetched int `json:"pages_fetched"`
}

// Engine runs native queries with pooled connections and bounded
// concurrency. One Engine serves all configured sources.
type Engine struct {
	cfg        *config.Config
	connectors map[core.Kind]core.Connector
	pools      *PoolManager
	retry      *RetryPolicy
	limiters   map[core.Kind]*rate.Limiter
	sem        chan struct{}
	tracer     trace.Tracer
	logger     *zap.Logger
}

// New builds an engine for the enabled sources, instantiating connectors
// through the source registry.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		connectors: make(map[core.Kind]core.Connector),
		pools:      NewPoolManager(cfg.Pool, cfg.Timeouts),
		retry:      NewRetryPolicy(cfg.Reliability),
		limiters:   make(map[core.Kind]*rate.Limiter),
		tracer:     otel.Tracer("prism/engine"),
		logger:     logger.Get().With(zap.String("component", "engine")),
	}

	if max := cfg.Limits.MaxConcurrentExecutions; max > 0 {
		e.sem = make(chan struct{}, max)
	}

	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		kind, err := core.ParseKind(src.Kind)
		if err != nil {
			return nil, err
		}
		connector, err := registry.CreateConnector(kind, src)
		if err != nil {
			return nil, err
		}
		e.connectors[kind] = connector
		if cfg.Reliability.IsRateLimited() {
			e.limiters[kind] = rate.NewLimiter(rate.Limit(cfg.Reliability.RateLimitPerSec), cfg.Reliability.RateLimitPerSec)
		}
	}

	return e, nil
}

// Execute runs a compiled query for one credential and returns the
// requested page. The context deadline bounds the whole execution.
func (e *Engine) Execute(ctx context.Context, nq *core.NativeQuery, cred core.Credential) (*Result, error) {
	timer := metrics.NewTimer()
	source := string(nq.Kind)

	if err := e.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer e.releaseSlot()

	ctx, span := e.tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.Int("page", nq.Page),
			attribute.Int("page_size", nq.PageSize),
		))
	defer span.End()

	connector, ok := e.connectors[nq.Kind]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s is not enabled", nq.Kind)
	}

	pool := e.pools.Get(connector, cred)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(source, "failed").Inc()
		return nil, err
	}

	result, err := e.run(ctx, conn, nq)

	// backend paging state is connection-bound, so a failed execution may
	// leave the conn mid-sequence; only clean completions go back idle
	pool.Release(conn, err == nil)

	elapsed := timer.Stop()
	if err != nil {
		status := "failed"
		if errors.IsType(err, errors.ErrorTypeCancelled) {
			status = "cancelled"
		}
		metrics.ExecutionsTotal.WithLabelValues(source, status).Inc()
		return nil, err
	}

	result.Elapsed = elapsed
	metrics.ExecutionsTotal.WithLabelValues(source, "completed").Inc()
	metrics.ExecutionDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	metrics.RowsFetched.WithLabelValues(source).Add(float64(result.RowCount))
	metrics.PagesFetched.WithLabelValues(source).Add(float64(result.PagesFetched))

	e.logger.Info("execution completed",
		zap.String("source", source),
		zap.Int("rows", result.RowCount),
		zap.Int("pages_fetched", result.PagesFetched),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// run fetches rows on one connection and applies fallback and windowing.
func (e *Engine) run(ctx context.Context, conn core.Conn, nq *core.NativeQuery) (*Result, error) {
	warnings := append([]core.Warning(nil), nq.Warnings...)

	// with fallback operations the page window is only meaningful after
	// post-fetch filtering, so the whole eligible set must come back
	needAll := !nq.Fallback.Empty() || !nq.NativePaging
	target := nq.Page * nq.PageSize
	if needAll {
		target = e.cfg.Limits.MaxResultRows
	}

	rows := make([]core.Row, 0, nq.PageSize)
	cursor := ""
	pages := 0
	truncated := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ContextType(ctx), "execution interrupted")
		}
		if err := e.wait(ctx, nq.Kind); err != nil {
			return nil, err
		}

		var page *core.Page
		err := e.retry.Execute(ctx, string(nq.Kind), func() error {
			var fetchErr error
			page, fetchErr = conn.FetchPage(ctx, nq, cursor)
			return fetchErr
		})
		if err != nil {
			// a connector may surface the raw context error; classify it so
			// a deadline expiry never reports as an internal failure
			if ctx.Err() != nil &&
				!errors.IsType(err, errors.ErrorTypeTimeout) &&
				!errors.IsType(err, errors.ErrorTypeCancelled) {
				err = errors.Wrap(err, errors.ContextType(ctx), "page fetch interrupted")
			}
			return nil, err
		}

		pages++
		rows = append(rows, page.Rows...)
		warnings = append(warnings, page.Warnings...)

		if len(rows) > e.cfg.Limits.MaxResultRows {
			rows = rows[:e.cfg.Limits.MaxResultRows]
			truncated = true
			break
		}
		if page.Next == "" || len(rows) >= target {
			cursor = page.Next
			break
		}
		cursor = page.Next
	}

	if needAll && cursor != "" && !truncated {
		truncated = true
	}
	if truncated {
		warnings = append(warnings, core.Warning{
			Code:    catalog.WarnResultTruncated,
			Message: "result set exceeded the row ceiling; remaining rows were not fetched",
		})
	}

	grouped := nq.Fallback.GroupBy != ""
	if needAll {
		var err error
		rows, err = applyFallback(rows, nq, time.Now().UTC())
		if err != nil {
			return nil, err
		}
	}
	rows = paginate(rows, nq.Page, nq.PageSize)
	if !grouped && len(nq.Projection) > 0 && !nq.Fallback.Empty() {
		rows = projectRows(rows, nq.Projection)
	}

	return &Result{
		Columns:      resultColumns(nq, grouped),
		Rows:         rows,
		RowCount:     len(rows),
		Warnings:     warnings,
		PagesFetched: pages,
	}, nil
}

// DiscoverFields opens a pooled connection and enumerates the fields
// visible to the credential.
func (e *Engine) DiscoverFields(ctx context.Context, kind core.Kind, cred core.Credential) ([]catalog.FieldDescriptor, []core.Warning, error) {
	connector, ok := e.connectors[kind]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrorTypeConfig, "source %s is not enabled", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Discovery)
	defer cancel()

	pool := e.pools.Get(connector, cred)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	var fields []catalog.FieldDescriptor
	var warnings []core.Warning
	err = e.retry.Execute(ctx, string(kind), func() error {
		var discoverErr error
		fields, warnings, discoverErr = conn.DiscoverFields(ctx)
		return discoverErr
	})
	pool.Release(conn, err == nil)
	if err != nil {
		return nil, nil, err
	}
	return fields, warnings, nil
}

// InvalidatePools drops pooled connections for a credential scope, used
// after credential rotation.
func (e *Engine) InvalidatePools(kind core.Kind, credentialID string) {
	e.pools.Invalidate(kind, credentialID)
}

// Close releases all pooled connections.
func (e *Engine) Close() {
	e.pools.Close()
}

// wait blocks on the per-source rate limiter, if configured.
func (e *Engine) wait(ctx context.Context, kind core.Kind) error {
	limiter, ok := e.limiters[kind]
	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, errors.ContextType(ctx), "execution interrupted while rate limited")
	}
	return nil
}

func (e *Engine) acquireSlot(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ContextType(ctx), "execution interrupted while queued")
	}
}

func (e *Engine) releaseSlot() {
	if e.sem != nil {
		<-e.sem
	}
}

// resultColumns derives the output column list. Grouping collapses the
// projection to the group field and its count; otherwise the compiled
// projection wins, so fallback-only fields never surface as columns.
func resultColumns(nq *core.NativeQuery, grouped bool) []string {
	if grouped {
		return []string{nq.Fallback.GroupBy, "count"}
	}
	if len(nq.Projection) > 0 {
		return append([]string(nil), nq.Projection...)
	}
	cols := make([]string, 0, len(nq.Attributes))
	seen := make(map[string]struct{}, len(nq.Attributes))
	for _, attr := range nq.Attributes {
		name := nq.FieldFor(attr)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		cols = append(cols, name)
	}
	return cols
}
