// Package directory implements the on-premise directory backend: an LDAP
// connector with paged search, and a compiler producing directory filter
// expressions.
package directory

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/source/core"
)

const defaultBackendPageSize = 500

// Connector opens authenticated LDAP connections for the directory source.
type Connector struct {
	endpoint        string
	baseDN          string
	objectClass     string
	backendPageSize uint32
	logger          *zap.Logger
}

// NewConnector creates a directory connector from its source configuration.
func NewConnector(cfg config.SourceConfig) (core.Connector, error) {
	if cfg.Options["base_dn"] == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "directory source requires options.base_dn")
	}

	pageSize := uint32(defaultBackendPageSize)
	if raw := cfg.Options["backend_page_size"]; raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || parsed == 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid backend_page_size %q", raw)
		}
		pageSize = uint32(parsed)
	}

	objectClass := cfg.Options["object_class"]
	if objectClass == "" {
		objectClass = "user"
	}

	return &Connector{
		endpoint:        cfg.Endpoint,
		baseDN:          cfg.Options["base_dn"],
		objectClass:     objectClass,
		backendPageSize: pageSize,
		logger:          logger.Get().With(zap.String("component", "directory_connector")),
	}, nil
}

// Kind returns the source kind.
func (c *Connector) Kind() core.Kind { return core.KindDirectory }

// Name returns the connector name.
func (c *Connector) Name() string { return "directory" }

// Open dials the directory and binds with the credential's service account.
func (c *Connector) Open(ctx context.Context, cred core.Credential) (core.Conn, error) {
	if err := cred.RequireSecrets("bind_dn", "bind_password"); err != nil {
		return nil, err
	}

	var lc *ldap.Conn
	err := runWithContext(ctx, func() error {
		var dialErr error
		lc, dialErr = ldap.DialURL(c.endpoint)
		return dialErr
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to dial directory "+c.endpoint)
	}

	if err := lc.Bind(cred.Secret("bind_dn"), cred.Secret("bind_password")); err != nil {
		lc.Close()
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "directory bind rejected for credential "+cred.ID)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "directory bind failed")
	}

	c.logger.Debug("directory connection opened",
		zap.String("endpoint", c.endpoint),
		zap.String("credential_id", cred.ID))

	return &directoryConn{
		conn:            lc,
		baseDN:          c.baseDN,
		objectClass:     c.objectClass,
		backendPageSize: c.backendPageSize,
	}, nil
}

// directoryConn is one bound LDAP connection. Paging cookies are scoped to
// the connection, so a full page sequence must run on the same conn; the
// engine guarantees that by fetching all pages of one execution on one
// pooled connection.
type directoryConn struct {
	conn            *ldap.Conn
	baseDN          string
	objectClass     string
	backendPageSize uint32
}

// FetchPage runs one paged search step and normalizes the entries.
func (dc *directoryConn) FetchPage(ctx context.Context, nq *core.NativeQuery, cursor string) (*core.Page, error) {
	paging := ldap.NewControlPaging(dc.backendPageSize)
	if cursor != "" {
		cookie, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "malformed directory paging cursor")
		}
		paging.SetCookie(cookie)
	}

	filter := nq.Statement
	if dc.objectClass != "" {
		filter = "(&(objectClass=" + ldap.EscapeFilter(dc.objectClass) + ")" + filter + ")"
	}

	req := ldap.NewSearchRequest(
		dc.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		nq.Attributes,
		[]ldap.Control{paging},
	)

	var sr *ldap.SearchResult
	err := runWithContext(ctx, func() error {
		var searchErr error
		sr, searchErr = dc.conn.Search(req)
		return searchErr
	})
	if err != nil {
		switch {
		case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights):
			return nil, errors.Wrap(err, errors.ErrorTypePermission, "directory search denied")
		case ldap.IsErrorWithCode(err, ldap.LDAPResultTimeLimitExceeded):
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "directory search exceeded server time limit")
		default:
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "directory search failed")
		}
	}

	page := &core.Page{Rows: make([]core.Row, 0, len(sr.Entries))}
	for _, entry := range sr.Entries {
		page.Rows = append(page.Rows, normalizeEntry(entry, nq))
	}

	if ctrl := ldap.FindControl(sr.Controls, ldap.ControlTypePaging); ctrl != nil {
		if pagingResp, ok := ctrl.(*ldap.ControlPaging); ok && len(pagingResp.Cookie) > 0 {
			page.Next = base64.StdEncoding.EncodeToString(pagingResp.Cookie)
		}
	}

	return page, nil
}

// DiscoverFields probes each attribute group the product knows for this
// backend. Groups the bound credential cannot read become partial-schema
// warnings rather than failures; a connection-level error aborts.
func (dc *directoryConn) DiscoverFields(ctx context.Context) ([]catalog.FieldDescriptor, []core.Warning, error) {
	byCategory := make(map[string][]catalog.FieldDescriptor)
	var categories []string
	for _, f := range knownFields {
		if _, seen := byCategory[f.Category]; !seen {
			categories = append(categories, f.Category)
		}
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}

	var fields []catalog.FieldDescriptor
	var warnings []core.Warning

	for _, category := range categories {
		group := byCategory[category]
		attrs := make([]string, len(group))
		for i, f := range group {
			attrs[i] = f.NativeName
		}

		req := ldap.NewSearchRequest(
			dc.baseDN,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			1, 0, false,
			"(objectClass="+ldap.EscapeFilter(dc.objectClass)+")",
			attrs,
			nil,
		)

		err := runWithContext(ctx, func() error {
			_, searchErr := dc.conn.Search(req)
			return searchErr
		})
		switch {
		case err == nil,
			ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
			fields = append(fields, group...)
		case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights):
			warnings = append(warnings, core.Warning{
				Code:    catalog.WarnPartialSchema,
				Ref:     category,
				Message: "attribute group " + category + " is not readable by this credential",
			})
		default:
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "directory schema probe failed")
		}
	}

	return fields, warnings, nil
}

// Ping verifies the bound connection still accepts requests.
func (dc *directoryConn) Ping(ctx context.Context) error {
	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		[]string{"supportedLDAPVersion"},
		nil,
	)
	err := runWithContext(ctx, func() error {
		_, searchErr := dc.conn.Search(req)
		return searchErr
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "directory ping failed")
	}
	return nil
}

// Close terminates the LDAP connection. Safe to call while a search is in
// flight; the search returns a network error, which cancellation expects.
func (dc *directoryConn) Close() error {
	dc.conn.Close()
	return nil
}

// normalizeEntry converts one directory entry into a row keyed by catalog
// field names, coercing values per the field's semantic type.
func normalizeEntry(entry *ldap.Entry, nq *core.NativeQuery) core.Row {
	row := make(core.Row, len(nq.Attributes))
	for _, attr := range nq.Attributes {
		field := nq.FieldFor(attr)
		values := entry.GetAttributeValues(attr)
		if len(values) == 0 {
			continue
		}
		switch nq.FieldTypes[field] {
		case catalog.TypeArray:
			row[field] = values
		case catalog.TypeBoolean:
			row[field] = strings.EqualFold(values[0], "TRUE")
		case catalog.TypeInteger:
			if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
				row[field] = n
			} else {
				row[field] = values[0]
			}
		case catalog.TypeDatetime:
			if ts, err := time.Parse(ldapTimeFormat, values[0]); err == nil {
				row[field] = ts.UTC()
			} else {
				row[field] = values[0]
			}
		default:
			row[field] = values[0]
		}
	}
	return row
}

// runWithContext runs a blocking LDAP call while honoring ctx. The LDAP
// client has no context support; the goroutine is abandoned on cancel and
// unblocks when the engine closes the connection.
func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ContextType(ctx), "directory operation interrupted")
	}
}
