// Package core defines the shared contracts for backend sources: the closed
// set of source kinds, the credential shape, the compiled native query, and
// the Connector/Conn interfaces every backend implements. Adding a backend
// means adding a package that implements these interfaces and registers a
// factory, not branching on strings elsewhere.
package core

import (
	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
)

// Kind identifies one backend kind. The set is closed.
type Kind string

const (
	// KindDirectory is the on-premise directory service (LDAP)
	KindDirectory Kind = "directory"
	// KindCloudDirectory is the cloud identity directory (OData-style API)
	KindCloudDirectory Kind = "clouddirectory"
	// KindCloudSuite is the cloud productivity suite (Admin SDK API)
	KindCloudSuite Kind = "cloudsuite"
)

// ParseKind validates a source kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDirectory, KindCloudDirectory, KindCloudSuite:
		return Kind(s), nil
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "unknown source kind %q", s)
	}
}

// Warning is re-exported so backend packages and the engine share one
// warning shape with the catalog.
type Warning = catalog.Warning

// Row is one normalized result row keyed by source-agnostic field name.
type Row map[string]interface{}

// Credential is a resolved stored credential for one backend. Secrets are
// resolved by the external credential store before reaching the engine;
// this package never persists them. Version participates in cache
// fingerprints so rotation invalidates cached results.
type Credential struct {
	ID      string
	Version int64
	Kind    Kind
	// Endpoint is the backend address (LDAP URL or API base URL)
	Endpoint string
	// Secrets holds resolved secret material keyed by well-known names
	// (bind_dn, bind_password, client_id, client_secret, token_url,
	// tenant_id, subject, ...)
	Secrets map[string]string
}

// Secret returns a named secret, or empty string.
func (c Credential) Secret(name string) string {
	return c.Secrets[name]
}

// RequireSecrets returns an authentication error naming the first missing
// secret, or nil when all are present.
func (c Credential) RequireSecrets(names ...string) error {
	for _, name := range names {
		if c.Secrets[name] == "" {
			return errors.Newf(errors.ErrorTypeAuthentication,
				"credential %s is missing required secret %q", c.ID, name)
		}
	}
	return nil
}
