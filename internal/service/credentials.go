package service

import (
	"context"

	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/source/core"
)

// CredentialStore resolves stored credentials by ID. Secret material stays
// behind this interface; the engine only ever sees resolved credentials.
type CredentialStore interface {
	Get(ctx context.Context, id string) (core.Credential, error)
}

// StaticCredentials is a fixed credential set, loaded once at startup from
// the deployment's secret source.
type StaticCredentials map[string]core.Credential

// Get returns the credential for the ID.
func (s StaticCredentials) Get(ctx context.Context, id string) (core.Credential, error) {
	cred, ok := s[id]
	if !ok {
		return core.Credential{}, errors.Newf(errors.ErrorTypeNotFound, "credential %q not found", id)
	}
	return cred, nil
}
