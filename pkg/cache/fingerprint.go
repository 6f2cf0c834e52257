// Package cache implements the result cache: fingerprint-keyed storage of
// executed result pages with TTL expiry and in-flight deduplication, so
// identical concurrent requests trigger one backend execution.
package cache

import (
	"crypto/sha256"
	"encoding/hex"

	json "github.com/goccy/go-json"

	"github.com/prismhq/prism/pkg/source/core"
)

// fingerprintInput is the complete identity of one execution. Catalog and
// credential versions are part of the key, so a catalog refresh or a
// credential rotation makes prior entries unreachable without any explicit
// invalidation.
type fingerprintInput struct {
	Source            string   `json:"source"`
	CredentialID      string   `json:"credential_id"`
	CredentialVersion int64    `json:"credential_version"`
	CatalogVersion    int64    `json:"catalog_version"`
	Query             string   `json:"query"`
	Params            []string `json:"params"`
}

// Fingerprint derives the deterministic cache key for one execution.
// The native query contributes its canonical form, so semantically
// identical definitions compiled at different times collide as intended.
func Fingerprint(nq *core.NativeQuery, cred core.Credential, catalogVersion int64, sortedParams []string) string {
	input := fingerprintInput{
		Source:            string(nq.Kind),
		CredentialID:      cred.ID,
		CredentialVersion: cred.Version,
		CatalogVersion:    catalogVersion,
		Query:             string(nq.Canonical()),
		Params:            sortedParams,
	}

	data, err := json.Marshal(input)
	if err != nil {
		// fingerprintInput contains only marshalable types
		panic("cache: fingerprint encoding failed: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
