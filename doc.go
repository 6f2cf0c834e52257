// Package prism is a cross-source report query engine for identity
// infrastructure. It executes reporting queries against heterogeneous
// backends — an on-premise LDAP directory, a cloud identity directory, and a
// cloud productivity suite — through one source-agnostic query model.
//
// A query names a source, a set of catalog fields, filters, optional
// grouping and ordering, and a page window. Prism discovers the field
// inventory of each backend at runtime, validates the query against that
// catalog, compiles it to the backend's native form (LDAP filter, OData
// $filter, or Admin-SDK query string), and executes it with pooled
// connections, retry, rate limiting, and result caching. Operations a
// backend cannot perform natively are applied in memory after fetching,
// with warnings attached to the result.
//
// # Architecture
//
//   - pkg/catalog: runtime field discovery and immutable catalog versions
//   - pkg/query: the query model and the catalog-driven validator
//   - pkg/source: backend connectors and compilers behind a shared registry
//   - pkg/engine: pooled, retried, rate-limited page-loop execution
//   - pkg/cache: fingerprinted result cache with request coalescing
//   - pkg/ledger: the execution lifecycle ledger (memory or postgres)
//   - pkg/reports: saved custom report definitions
//   - internal/service: the orchestration layer tying it all together
//
// # Quick Start
//
// Execute a saved query request from Go:
//
//	import (
//	    "context"
//	    "github.com/prismhq/prism/internal/service"
//	    "github.com/prismhq/prism/pkg/config"
//	    _ "github.com/prismhq/prism/pkg/source/directory"
//	)
//
//	cfg, _ := config.Load("prism.yaml")
//	svc, _ := service.New(context.Background(), cfg, creds)
//	rec, _ := svc.ExecuteQuery(ctx, "alice", req)
//	final, _ := svc.WaitForExecution(ctx, rec.ID, 0)
//	result, _ := svc.GetResults(ctx, final.ID, "alice")
//
// Or from the command line:
//
//	prism run --config prism.yaml --query stale-accounts.json
package prism
