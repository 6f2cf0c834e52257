// Package service wires the query pipeline together: catalog discovery,
// validation, compilation, cached execution, the execution ledger, and the
// custom report repository. It is the single entry point the serving layer
// talks to.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismhq/prism/pkg/cache"
	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/engine"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/ledger"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/query"
	"github.com/prismhq/prism/pkg/reports"
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"
)

// Executor is the slice of the execution engine the service depends on.
type Executor interface {
	Execute(ctx context.Context, nq *core.NativeQuery, cred core.Credential) (*engine.Result, error)
	DiscoverFields(ctx context.Context, kind core.Kind, cred core.Credential) ([]catalog.FieldDescriptor, []core.Warning, error)
	InvalidatePools(kind core.Kind, credentialID string)
	Close()
}

// CompletionHook observes terminal executions, for notification or export
// integrations. Hooks run synchronously at the end of the pipeline; result
// is nil unless the execution completed.
type CompletionHook func(rec *ledger.Record, result *engine.Result)

// Service orchestrates the full query pipeline.
type Service struct {
	cfg       *config.Config
	executor  Executor
	catalogs  *catalog.Service
	validator *query.Validator
	cache     *cache.ResultCache
	ledger    ledger.Store
	reports   *reports.Repository
	creds     CredentialStore
	compilers map[core.Kind]core.Compiler

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	hooks   []CompletionHook
	wg      sync.WaitGroup

	logger *zap.Logger
}

// New builds the service from configuration: one compiler per enabled
// source, the execution engine, and the configured persistence driver.
func New(ctx context.Context, cfg *config.Config, creds CredentialStore) (*Service, error) {
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}

	ledgerStore, reportStore, err := openStores(ctx, cfg)
	if err != nil {
		eng.Close()
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		executor:  eng,
		cache:     cache.New(cfg.Cache),
		ledger:    ledgerStore,
		reports:   reports.NewRepository(reportStore, nil),
		creds:     creds,
		compilers: make(map[core.Kind]core.Compiler),
		running:   make(map[uuid.UUID]context.CancelFunc),
		logger:    logger.Get().With(zap.String("component", "service")),
	}

	discoverers := make(map[string]catalog.Discoverer)
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		kind, err := core.ParseKind(src.Kind)
		if err != nil {
			return nil, err
		}
		compiler, err := registry.CreateCompiler(kind)
		if err != nil {
			return nil, err
		}
		s.compilers[kind] = compiler
		discoverers[src.Kind] = &engineDiscoverer{svc: s, kind: kind}
	}
	s.catalogs = catalog.NewService(discoverers)

	s.validator = query.NewValidator(cfg.Limits, func(source string) (bool, bool) {
		if _, err := core.ParseKind(source); err != nil {
			return false, false
		}
		src, ok := cfg.SourceByKind(source)
		return true, ok && src.Enabled
	})

	return s, nil
}

// openStores creates the ledger and report stores for the configured
// persistence driver.
func openStores(ctx context.Context, cfg *config.Config) (ledger.Store, reports.Store, error) {
	switch cfg.Persistence.Driver {
	case "postgres":
		ledgerStore, err := ledger.NewPostgresStore(ctx, cfg.Persistence.DSN)
		if err != nil {
			return nil, nil, err
		}
		reportStore, err := reports.NewPostgresStore(ctx, cfg.Persistence.DSN)
		if err != nil {
			ledgerStore.Close()
			return nil, nil, err
		}
		return ledgerStore, reportStore, nil
	default:
		return ledger.NewMemoryStore(), reports.NewMemoryStore(), nil
	}
}

// engineDiscoverer adapts the engine's discovery to the catalog service.
type engineDiscoverer struct {
	svc  *Service
	kind core.Kind
}

func (d *engineDiscoverer) DiscoverFields(ctx context.Context, credentialID string) ([]catalog.FieldDescriptor, []catalog.Warning, error) {
	cred, err := d.svc.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, nil, err
	}
	return d.svc.executor.DiscoverFields(ctx, d.kind, cred)
}

// OnCompletion registers a hook invoked after every terminal execution.
func (s *Service) OnCompletion(hook CompletionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Reports exposes the custom report repository.
func (s *Service) Reports() *reports.Repository { return s.reports }

// DiscoverSchema returns the active field catalog for a source, running
// discovery on first use.
func (s *Service) DiscoverSchema(ctx context.Context, source string) (*catalog.FieldCatalog, error) {
	credID, err := s.credentialIDFor(source)
	if err != nil {
		return nil, err
	}
	return s.catalogs.Discover(ctx, source, credID)
}

// RefreshSchema forces catalog rediscovery and drops cached results for
// the scope so stale pages cannot be served against the new schema.
func (s *Service) RefreshSchema(ctx context.Context, source string) (*catalog.FieldCatalog, error) {
	credID, err := s.credentialIDFor(source)
	if err != nil {
		return nil, err
	}
	cat, err := s.catalogs.Refresh(ctx, source, credID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(source, credID)
	return cat, nil
}

// RefreshAllSchemas rediscovers every enabled source concurrently. The
// first hard failure cancels the remaining refreshes.
func (s *Service) RefreshAllSchemas(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.cfg.Sources {
		if !src.Enabled {
			continue
		}
		source := src.Kind
		g.Go(func() error {
			_, err := s.RefreshSchema(ctx, source)
			return err
		})
	}
	return g.Wait()
}

// ValidateQuery checks a raw request and returns the validated definition
// together with the compiled form's warnings, without executing anything.
func (s *Service) ValidateQuery(ctx context.Context, req query.Request) (query.Definition, []core.Warning, error) {
	def, nq, _, err := s.prepare(ctx, req)
	if err != nil {
		return query.Definition{}, nil, err
	}
	return def, nq.Warnings, nil
}

// ExecuteQuery validates, compiles, and submits a query for asynchronous
// execution. The returned pending record carries the execution ID callers
// poll with GetExecution and GetResults.
func (s *Service) ExecuteQuery(ctx context.Context, ownerID string, req query.Request) (*ledger.Record, error) {
	def, nq, cred, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	catalogVersion := s.catalogs.ActiveVersion(def.Source, cred.ID)
	fingerprint := cache.Fingerprint(nq, cred, catalogVersion, def.SortedParams())

	rec := ledger.NewRecord(fingerprint, def.Source, cred.ID, ownerID)
	if err := s.ledger.Create(ctx, rec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Execution)
	runCtx = context.WithValue(runCtx, logger.ExecutionIDKey, rec.ID.String())

	s.mu.Lock()
	s.running[rec.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runPipeline(runCtx, cancel, rec, nq, cred, fingerprint)

	return rec, nil
}

// runPipeline drives one execution from pending to its terminal state.
func (s *Service) runPipeline(ctx context.Context, cancel context.CancelFunc, rec *ledger.Record, nq *core.NativeQuery, cred core.Credential, fingerprint string) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, rec.ID)
		s.mu.Unlock()
	}()

	log := logger.WithContext(ctx).With(
		zap.String("source", rec.Source),
		zap.String("credential_id", rec.CredentialID))

	if err := s.ledger.MarkRunning(ctx, rec.ID); err != nil {
		// a Cancel raced the start; leave the terminal state alone
		log.Warn("execution never started", zap.Error(err))
		s.notify(rec.ID, nil)
		return
	}

	result, _, err := s.cache.GetOrCompute(ctx, fingerprint, rec.Source, cred.ID,
		func(ctx context.Context) (*engine.Result, error) {
			return s.executor.Execute(ctx, nq, cred)
		})

	switch {
	case err == nil:
		if err := s.ledger.Complete(ctx, rec.ID, result.RowCount, result.Warnings); err != nil {
			log.Warn("completion lost a transition race", zap.Error(err))
		}
		s.notify(rec.ID, result)

	case errors.IsType(err, errors.ErrorTypeCancelled):
		if err := s.ledger.Cancel(context.Background(), rec.ID); err != nil {
			log.Warn("cancel transition failed", zap.Error(err))
		}
		s.notify(rec.ID, nil)

	default:
		log.Error("execution failed", zap.Error(err))
		if err := s.ledger.Fail(context.Background(), rec.ID, string(errors.TypeOf(err)), err.Error()); err != nil {
			log.Warn("failure transition failed", zap.Error(err))
		}
		s.notify(rec.ID, nil)
	}
}

// notify reloads the terminal record and runs completion hooks.
func (s *Service) notify(id uuid.UUID, result *engine.Result) {
	s.mu.Lock()
	hooks := append([]CompletionHook(nil), s.hooks...)
	s.mu.Unlock()
	if len(hooks) == 0 {
		return
	}

	rec, err := s.ledger.Get(context.Background(), id)
	if err != nil {
		return
	}
	for _, hook := range hooks {
		hook(rec, result)
	}
}

// GetExecution returns the ledger record for an execution the owner can see.
func (s *Service) GetExecution(ctx context.Context, id uuid.UUID, ownerID string) (*ledger.Record, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "execution %s not found", id)
	}
	return rec, nil
}

// GetResults returns the cached result page for a completed execution.
// Results past their TTL return an expired error; callers re-execute.
func (s *Service) GetResults(ctx context.Context, id uuid.UUID, ownerID string) (*engine.Result, error) {
	rec, err := s.GetExecution(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case ledger.StatusCompleted:
		return s.cache.Get(rec.Fingerprint)
	case ledger.StatusFailed:
		return nil, errors.Newf(errors.ErrorType(rec.ErrorKind), "execution failed: %s", rec.ErrorMessage)
	case ledger.StatusCancelled:
		return nil, errors.Newf(errors.ErrorTypeCancelled, "execution %s was cancelled", id)
	default:
		return nil, errors.Newf(errors.ErrorTypeConflict, "execution %s is still %s", id, rec.Status)
	}
}

// ListHistory returns the owner's execution records, newest first.
func (s *Service) ListHistory(ctx context.Context, filter ledger.ListFilter) ([]*ledger.Record, error) {
	return s.ledger.List(ctx, filter)
}

// CancelExecution stops an in-flight execution. Finished executions return
// a conflict.
func (s *Service) CancelExecution(ctx context.Context, id uuid.UUID, ownerID string) error {
	rec, err := s.GetExecution(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return errors.Newf(errors.ErrorTypeConflict, "execution %s already %s", id, rec.Status)
	}

	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	// pending record whose goroutine has not started or already unwound
	return s.ledger.Cancel(ctx, id)
}

// ExecuteReport re-executes a saved report. The stored definition is
// revalidated against the current catalog version, so schema drift fails
// loudly instead of returning wrong columns.
func (s *Service) ExecuteReport(ctx context.Context, reportID uuid.UUID, ownerID string, paramOverrides map[string]string) (*ledger.Record, error) {
	report, err := s.reports.Get(ctx, reportID, ownerID)
	if err != nil {
		return nil, err
	}
	return s.ExecuteQuery(ctx, ownerID, report.Definition.ToRequest(paramOverrides))
}

// WaitForExecution polls until the execution reaches a terminal state or
// the context expires. A convenience for synchronous callers and tests.
func (s *Service) WaitForExecution(ctx context.Context, id uuid.UUID, poll time.Duration) (*ledger.Record, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rec, err := s.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ContextType(ctx), "gave up waiting for execution")
		case <-ticker.C:
		}
	}
}

// ClearCache drops cached results for a source, optionally narrowed to one
// credential.
func (s *Service) ClearCache(source, credentialID string) int {
	return s.cache.Invalidate(source, credentialID)
}

// RotateCredential invalidates everything bound to a credential: pooled
// connections, the catalog scope, and cached results.
func (s *Service) RotateCredential(kind core.Kind, credentialID string) {
	s.executor.InvalidatePools(kind, credentialID)
	s.catalogs.Invalidate(string(kind), credentialID)
	s.cache.Invalidate(string(kind), credentialID)
}

// Shutdown cancels in-flight executions, waits for their records to reach
// terminal states, and releases every resource.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with executions still draining")
	}

	s.executor.Close()
	s.ledger.Close()
	s.reports.Close()
	return logger.Sync()
}

// prepare runs the shared validate-and-compile front half of the pipeline.
func (s *Service) prepare(ctx context.Context, req query.Request) (query.Definition, *core.NativeQuery, core.Credential, error) {
	cat, err := s.DiscoverSchema(ctx, req.Source)
	if err != nil {
		if _, parseErr := core.ParseKind(req.Source); parseErr != nil {
			// let the validator produce the full violation list
			cat = nil
		} else {
			return query.Definition{}, nil, core.Credential{}, err
		}
	}

	def, err := s.validator.Validate(req, cat)
	if err != nil {
		return query.Definition{}, nil, core.Credential{}, err
	}

	kind, err := core.ParseKind(def.Source)
	if err != nil {
		return query.Definition{}, nil, core.Credential{}, err
	}
	compiler, ok := s.compilers[kind]
	if !ok {
		return query.Definition{}, nil, core.Credential{}, errors.Newf(errors.ErrorTypeConfig, "source %s is not enabled", kind)
	}

	nq, err := compiler.Compile(def, cat)
	if err != nil {
		return query.Definition{}, nil, core.Credential{}, err
	}

	credID, err := s.credentialIDFor(def.Source)
	if err != nil {
		return query.Definition{}, nil, core.Credential{}, err
	}
	cred, err := s.creds.Get(ctx, credID)
	if err != nil {
		return query.Definition{}, nil, core.Credential{}, err
	}

	return def, nq, cred, nil
}

// credentialIDFor returns the configured credential for a source.
func (s *Service) credentialIDFor(source string) (string, error) {
	src, ok := s.cfg.SourceByKind(source)
	if !ok || !src.Enabled {
		return "", errors.Newf(errors.ErrorTypeValidation, "source %q is not enabled", source)
	}
	if src.CredentialID == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "source %q has no credential configured", source)
	}
	return src.CredentialID, nil
}
