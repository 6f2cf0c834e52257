package clouddirectory

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/source/core"
)

const defaultBackendPageSize = 100

// Connector opens OAuth-authenticated REST sessions against the cloud
// identity directory tenant.
type Connector struct {
	endpoint        string
	scope           string
	backendPageSize int
	logger          *zap.Logger
}

// NewConnector creates a cloud directory connector from its source config.
func NewConnector(cfg config.SourceConfig) (core.Connector, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "clouddirectory source requires an endpoint")
	}

	pageSize := defaultBackendPageSize
	if raw := cfg.Options["backend_page_size"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid backend_page_size %q", raw)
		}
		pageSize = parsed
	}

	scope := cfg.Options["scope"]
	if scope == "" {
		scope = strings.TrimSuffix(cfg.Endpoint, "/") + "/.default"
	}

	return &Connector{
		endpoint:        strings.TrimSuffix(cfg.Endpoint, "/"),
		scope:           scope,
		backendPageSize: pageSize,
		logger:          logger.Get().With(zap.String("component", "clouddirectory_connector")),
	}, nil
}

// Kind returns the source kind.
func (c *Connector) Kind() core.Kind { return core.KindCloudDirectory }

// Name returns the connector name.
func (c *Connector) Name() string { return "clouddirectory" }

// Open acquires an OAuth client-credentials token source for the credential
// and verifies it with an initial token fetch.
func (c *Connector) Open(ctx context.Context, cred core.Credential) (core.Conn, error) {
	if err := cred.RequireSecrets("client_id", "client_secret", "token_url"); err != nil {
		return nil, err
	}

	oauthCfg := clientcredentials.Config{
		ClientID:     cred.Secret("client_id"),
		ClientSecret: cred.Secret("client_secret"),
		TokenURL:     cred.Secret("token_url"),
		Scopes:       []string{c.scope},
	}

	if _, err := oauthCfg.Token(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication,
			"token request rejected for credential "+cred.ID)
	}

	c.logger.Debug("cloud directory session opened",
		zap.String("endpoint", c.endpoint),
		zap.String("credential_id", cred.ID))

	return &cloudConn{
		client:          oauthCfg.Client(context.Background()),
		endpoint:        c.endpoint,
		backendPageSize: c.backendPageSize,
	}, nil
}

// cloudConn is one authenticated REST session. The OAuth transport refreshes
// tokens transparently; per-request deadlines come from the request context.
type cloudConn struct {
	client          *http.Client
	endpoint        string
	backendPageSize int
}

// odataPage is the wire shape of one result page.
type odataPage struct {
	Value    []map[string]interface{} `json:"value"`
	NextLink string                   `json:"@odata.nextLink"`
}

// FetchPage requests one page of users. The cursor is the tenant-issued
// nextLink URL; empty requests the first page.
func (cc *cloudConn) FetchPage(ctx context.Context, nq *core.NativeQuery, cursor string) (*core.Page, error) {
	target := cursor
	if target == "" {
		params := url.Values{}
		params.Set("$select", strings.Join(nq.Attributes, ","))
		params.Set("$top", strconv.Itoa(cc.backendPageSize))
		if nq.Statement != "" {
			params.Set("$filter", nq.Statement)
		}
		for k, v := range nq.Params {
			params.Set(k, v)
		}
		target = cc.endpoint + "/users?" + params.Encode()
	}

	var page odataPage
	if err := cc.get(ctx, target, &page); err != nil {
		return nil, err
	}

	out := &core.Page{Rows: make([]core.Row, 0, len(page.Value)), Next: page.NextLink}
	for _, raw := range page.Value {
		out.Rows = append(out.Rows, normalizeRow(raw, nq))
	}
	return out, nil
}

// DiscoverFields probes each attribute group with a single-row select.
// Groups the tenant denies become partial-schema warnings.
func (cc *cloudConn) DiscoverFields(ctx context.Context) ([]catalog.FieldDescriptor, []core.Warning, error) {
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

		params := url.Values{}
		params.Set("$select", strings.Join(attrs, ","))
		params.Set("$top", "1")

		var page odataPage
		err := cc.get(ctx, cc.endpoint+"/users?"+params.Encode(), &page)
		switch {
		case err == nil:
			fields = append(fields, group...)
		case errors.IsType(err, errors.ErrorTypePermission):
			warnings = append(warnings, core.Warning{
				Code:    catalog.WarnPartialSchema,
				Ref:     category,
				Message: "attribute group " + category + " is not readable by this credential",
			})
		default:
			return nil, nil, err
		}
	}

	return fields, warnings, nil
}

// Ping issues a minimal request to verify the session.
func (cc *cloudConn) Ping(ctx context.Context) error {
	var page odataPage
	return cc.get(ctx, cc.endpoint+"/users?%24select=id&%24top=1", &page)
}

// Close releases idle transport connections.
func (cc *cloudConn) Close() error {
	cc.client.CloseIdleConnections()
	return nil
}

// get issues one GET and decodes the JSON response, mapping HTTP status
// codes onto the shared error taxonomy.
func (cc *cloudConn) get(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build tenant request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ContextType(ctx), "tenant request interrupted")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "tenant request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read tenant response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New(errors.ErrorTypeAuthentication, "tenant rejected the access token")
	case resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrorTypePermission, "tenant denied access: "+truncate(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errors.New(errors.ErrorTypeRateLimit, "tenant throttled the request")
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			e = e.WithDetail("retry_after", retryAfter)
		}
		return e
	case resp.StatusCode == http.StatusBadRequest:
		return errors.New(errors.ErrorTypeQuery, "tenant rejected the query: "+truncate(body))
	case resp.StatusCode >= http.StatusInternalServerError:
		return errors.Newf(errors.ErrorTypeConnection, "tenant returned status %d", resp.StatusCode)
	default:
		return errors.Newf(errors.ErrorTypeConnection, "unexpected tenant status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "malformed tenant response")
	}
	return nil
}

// normalizeRow converts one tenant object into a row keyed by catalog field
// names, coercing values per semantic type.
func normalizeRow(raw map[string]interface{}, nq *core.NativeQuery) core.Row {
	row := make(core.Row, len(nq.Attributes))
	for _, attr := range nq.Attributes {
		value, ok := raw[attr]
		if !ok || value == nil {
			continue
		}
		field := nq.FieldFor(attr)
		switch nq.FieldTypes[field] {
		case catalog.TypeInteger:
			if f, ok := value.(float64); ok {
				row[field] = int64(f)
			} else {
				row[field] = value
			}
		case catalog.TypeDatetime:
			if s, ok := value.(string); ok {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					row[field] = ts.UTC()
					continue
				}
			}
			row[field] = value
		case catalog.TypeArray:
			if items, ok := value.([]interface{}); ok {
				strs := make([]string, 0, len(items))
				for _, item := range items {
					if s, ok := item.(string); ok {
						strs = append(strs, s)
					}
				}
				row[field] = strs
			} else {
				row[field] = value
			}
		case catalog.TypeReference:
			if obj, ok := value.(map[string]interface{}); ok {
				if id, ok := obj["id"].(string); ok {
					row[field] = id
					continue
				}
			}
			row[field] = value
		default:
			row[field] = value
		}
	}
	return row
}

func truncate(body []byte) string {
	const max = 256
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
