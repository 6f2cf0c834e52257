package cloudsuite

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/source/core"
)

const defaultBackendPageSize = 100

// listParams carries the parameters of one user list call.
type listParams struct {
	Query      string
	OrderBy    string
	SortOrder  string
	PageToken  string
	MaxResults int64
}

// usersAPI is the narrow slice of the admin directory API the connector
// needs. Tests substitute a fake.
type usersAPI interface {
	ListUsers(ctx context.Context, p listParams) (*admin.Users, error)
}

// Connector opens delegated admin API sessions against the suite.
type Connector struct {
	customer        string
	domain          string
	backendPageSize int64
	logger          *zap.Logger

	// newAPI is swapped out in tests
	newAPI func(ctx context.Context, cred core.Credential, customer, domain string) (usersAPI, error)
}

// NewConnector creates a cloud suite connector from its source config.
func NewConnector(cfg config.SourceConfig) (core.Connector, error) {
	customer := cfg.Options["customer_id"]
	if customer == "" {
		customer = "my_customer"
	}

	pageSize := int64(defaultBackendPageSize)
	if raw := cfg.Options["backend_page_size"]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid backend_page_size %q", raw)
		}
		pageSize = parsed
	}

	return &Connector{
		customer:        customer,
		domain:          cfg.Options["domain"],
		backendPageSize: pageSize,
		logger:          logger.Get().With(zap.String("component", "cloudsuite_connector")),
		newAPI:          newAdminAPI,
	}, nil
}

// Kind returns the source kind.
func (c *Connector) Kind() core.Kind { return core.KindCloudSuite }

// Name returns the connector name.
func (c *Connector) Name() string { return "cloudsuite" }

// Open builds a delegated service-account session for the credential.
func (c *Connector) Open(ctx context.Context, cred core.Credential) (core.Conn, error) {
	if err := cred.RequireSecrets("service_account_json", "delegate_subject"); err != nil {
		return nil, err
	}

	api, err := c.newAPI(ctx, cred, c.customer, c.domain)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("cloud suite session opened",
		zap.String("customer", c.customer),
		zap.String("credential_id", cred.ID))

	return &suiteConn{api: api, backendPageSize: c.backendPageSize}, nil
}

// newAdminAPI builds the real admin directory client with domain-wide
// delegation: the service account asserts the delegate admin's identity.
func newAdminAPI(ctx context.Context, cred core.Credential, customer, domain string) (usersAPI, error) {
	jwtCfg, err := google.JWTConfigFromJSON(
		[]byte(cred.Secret("service_account_json")),
		admin.AdminDirectoryUserReadonlyScope,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "invalid service account key for credential "+cred.ID)
	}
	jwtCfg.Subject = cred.Secret("delegate_subject")

	svc, err := admin.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to build suite client")
	}

	return &adminUsersAPI{svc: svc, customer: customer, domain: domain}, nil
}

// adminUsersAPI adapts the generated client to usersAPI.
type adminUsersAPI struct {
	svc      *admin.Service
	customer string
	domain   string
}

func (a *adminUsersAPI) ListUsers(ctx context.Context, p listParams) (*admin.Users, error) {
	call := a.svc.Users.List().Context(ctx).MaxResults(p.MaxResults)
	if a.domain != "" {
		call = call.Domain(a.domain)
	} else {
		call = call.Customer(a.customer)
	}
	if p.Query != "" {
		call = call.Query(p.Query)
	}
	if p.OrderBy != "" {
		call = call.OrderBy(p.OrderBy)
	}
	if p.SortOrder != "" {
		call = call.SortOrder(p.SortOrder)
	}
	if p.PageToken != "" {
		call = call.PageToken(p.PageToken)
	}
	return call.Do()
}

// suiteConn is one delegated API session.
type suiteConn struct {
	api             usersAPI
	backendPageSize int64
}

// FetchPage lists one page of users; the cursor is the API page token.
func (sc *suiteConn) FetchPage(ctx context.Context, nq *core.NativeQuery, cursor string) (*core.Page, error) {
	users, err := sc.api.ListUsers(ctx, listParams{
		Query:      nq.Statement,
		OrderBy:    nq.Params["orderBy"],
		SortOrder:  nq.Params["sortOrder"],
		PageToken:  cursor,
		MaxResults: sc.backendPageSize,
	})
	if err != nil {
		return nil, mapAPIError(ctx, err)
	}

	page := &core.Page{Rows: make([]core.Row, 0, len(users.Users)), Next: users.NextPageToken}
	for _, u := range users.Users {
		page.Rows = append(page.Rows, normalizeUser(u, nq))
	}
	return page, nil
}

// DiscoverFields verifies read access with a single-row list. Suite read
// scope is all-or-nothing, so a successful probe exposes the whole
// inventory; there is no per-group partial schema here.
func (sc *suiteConn) DiscoverFields(ctx context.Context) ([]catalog.FieldDescriptor, []core.Warning, error) {
	if _, err := sc.api.ListUsers(ctx, listParams{MaxResults: 1}); err != nil {
		return nil, nil, mapAPIError(ctx, err)
	}
	fields := make([]catalog.FieldDescriptor, len(knownFields))
	copy(fields, knownFields)
	return fields, nil, nil
}

// Ping issues a minimal list call.
func (sc *suiteConn) Ping(ctx context.Context) error {
	_, err := sc.api.ListUsers(ctx, listParams{MaxResults: 1})
	if err != nil {
		return mapAPIError(ctx, err)
	}
	return nil
}

// Close is a no-op; the generated client holds no persistent connection
// beyond the shared HTTP transport.
func (sc *suiteConn) Close() error { return nil }

// mapAPIError translates API failures onto the shared error taxonomy.
func mapAPIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ContextType(ctx), "suite request interrupted")
	}
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "suite rejected the delegated credentials")
		case http.StatusForbidden:
			return errors.Wrap(err, errors.ErrorTypePermission, "suite denied access")
		case http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, "suite throttled the request")
		case http.StatusBadRequest:
			return errors.Wrap(err, errors.ErrorTypeQuery, "suite rejected the query")
		}
		if apiErr.Code >= http.StatusInternalServerError {
			return errors.Wrap(err, errors.ErrorTypeConnection, "suite request failed server-side")
		}
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "suite request failed")
}

// normalizeUser flattens one user resource into a row keyed by catalog
// field names.
func normalizeUser(u *admin.User, nq *core.NativeQuery) core.Row {
	row := make(core.Row, len(nq.Attributes))
	for _, attr := range nq.Attributes {
		value := userValue(u, attr)
		if value == nil {
			continue
		}
		row[nq.FieldFor(attr)] = value
	}
	return row
}

// userValue extracts one native attribute from the user resource.
func userValue(u *admin.User, native string) interface{} {
	switch native {
	case "primaryEmail":
		return emptyAsNil(u.PrimaryEmail)
	case "name.fullName":
		if u.Name == nil {
			return nil
		}
		return emptyAsNil(u.Name.FullName)
	case "name.givenName":
		if u.Name == nil {
			return nil
		}
		return emptyAsNil(u.Name.GivenName)
	case "name.familyName":
		if u.Name == nil {
			return nil
		}
		return emptyAsNil(u.Name.FamilyName)
	case "suspended":
		return u.Suspended
	case "archived":
		return u.Archived
	case "isAdmin":
		return u.IsAdmin
	case "isEnrolledIn2Sv":
		return u.IsEnrolledIn2Sv
	case "creationTime":
		return parseTime(u.CreationTime)
	case "lastLoginTime":
		return parseTime(u.LastLoginTime)
	case "orgUnitPath":
		return emptyAsNil(u.OrgUnitPath)
	case "aliases":
		if len(u.Aliases) == 0 {
			return nil
		}
		return u.Aliases
	default:
		return nil
	}
}

func emptyAsNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) interface{} {
	if s == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return ts.UTC()
}
