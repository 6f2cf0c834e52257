package core

import (
	"context"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/query"
)

// Compiler translates a validated query definition into this backend's
// native query form. Compilers are pure: they never open connections, and
// compiling the same definition twice yields identical canonical forms.
// Operators the backend cannot express natively are moved into the
// fallback section with a recorded warning rather than rejected.
type Compiler interface {
	Kind() Kind
	Compile(def query.Definition, cat *catalog.FieldCatalog) (*NativeQuery, error)
}

// Page is one fetched page of raw results, already normalized to catalog
// field names. Next is the opaque cursor for the following page; empty
// means end of results. Warnings carry per-row attribute read failures.
type Page struct {
	Rows     []Row
	Next     string
	Warnings []Warning
}

// Conn is one live, credential-bound backend connection. Conns are pooled
// by the execution engine; implementations must tolerate Close being
// called while FetchPage is in flight (cancellation closes the conn).
type Conn interface {
	// FetchPage executes the native query and returns one page of rows.
	// cursor is empty for the first page.
	FetchPage(ctx context.Context, nq *NativeQuery, cursor string) (*Page, error)

	// DiscoverFields enumerates the queryable fields visible to this
	// credential. Partial results are valid: unreadable attribute groups
	// become WarnPartialSchema warnings, not errors.
	DiscoverFields(ctx context.Context) ([]catalog.FieldDescriptor, []Warning, error)

	// Ping verifies the connection is still usable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Connector is one backend kind. Implementations own protocol specifics;
// the engine only sees Conns.
type Connector interface {
	Kind() Kind
	Name() string

	// Open establishes a new authenticated connection. Authentication
	// failures are ErrorTypeAuthentication and are never retried.
	Open(ctx context.Context, cred Credential) (Conn, error)
}
