package cloudsuite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"

	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/source/core"
)

func testSourceConfig() config.SourceConfig {
	return config.SourceConfig{
		Kind:     "cloudsuite",
		Enabled:  true,
		Endpoint: "https://admin.googleapis.com",
		Options:  map[string]string{"domain": "corp.example"},
	}
}

// fakeUsersAPI serves fixed pages keyed by page token.
type fakeUsersAPI struct {
	pages map[string]*admin.Users
	err   error
	calls []listParams
}

func (f *fakeUsersAPI) ListUsers(ctx context.Context, p listParams) (*admin.Users, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[p.PageToken]
	if !ok {
		return &admin.Users{}, nil
	}
	return page, nil
}

func listQuery() *core.NativeQuery {
	return &core.NativeQuery{
		Kind:       core.KindCloudSuite,
		Statement:  "isSuspended=false",
		Attributes: []string{"primaryEmail", "name.fullName", "suspended", "lastLoginTime", "aliases"},
		Params:     map[string]string{"orderBy": "email", "sortOrder": "DESCENDING"},
		FieldMap: map[string]string{
			"primaryEmail":  "mail",
			"name.fullName": "displayName",
			"suspended":     "suspended",
			"lastLoginTime": "lastLogin",
			"aliases":       "aliases",
		},
	}
}

func TestFetchPageFollowsPageTokens(t *testing.T) {
	api := &fakeUsersAPI{pages: map[string]*admin.Users{
		"": {
			Users: []*admin.User{
				{PrimaryEmail: "jane@corp.example", Name: &admin.UserName{FullName: "Jane Smith"}, LastLoginTime: "2024-03-01T10:00:00Z"},
			},
			NextPageToken: "tok-2",
		},
		"tok-2": {
			Users: []*admin.User{
				{PrimaryEmail: "bob@corp.example", Suspended: true, Aliases: []string{"robert@corp.example"}},
			},
		},
	}}
	conn := &suiteConn{api: api, backendPageSize: 100}
	nq := listQuery()

	first, err := conn.FetchPage(context.Background(), nq, "")
	require.NoError(t, err)
	require.Len(t, first.Rows, 1)
	assert.Equal(t, "tok-2", first.Next)
	assert.Equal(t, "jane@corp.example", first.Rows[0]["mail"])
	assert.Equal(t, "Jane Smith", first.Rows[0]["displayName"])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first.Rows[0]["lastLogin"])

	second, err := conn.FetchPage(context.Background(), nq, first.Next)
	require.NoError(t, err)
	require.Len(t, second.Rows, 1)
	assert.Empty(t, second.Next, "last page carries no token")
	assert.Equal(t, true, second.Rows[0]["suspended"])
	assert.Equal(t, []string{"robert@corp.example"}, second.Rows[0]["aliases"])

	require.Len(t, api.calls, 2)
	assert.Equal(t, "isSuspended=false", api.calls[0].Query)
	assert.Equal(t, "email", api.calls[0].OrderBy)
	assert.Equal(t, "DESCENDING", api.calls[0].SortOrder)
	assert.Equal(t, int64(100), api.calls[0].MaxResults)
	assert.Equal(t, "tok-2", api.calls[1].PageToken)
}

func TestFetchPageSkipsAbsentValues(t *testing.T) {
	api := &fakeUsersAPI{pages: map[string]*admin.Users{
		"": {Users: []*admin.User{{PrimaryEmail: "ghost@corp.example"}}},
	}}
	conn := &suiteConn{api: api, backendPageSize: 100}

	page, err := conn.FetchPage(context.Background(), listQuery(), "")
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)

	row := page.Rows[0]
	_, hasName := row["displayName"]
	assert.False(t, hasName, "missing nested name must not produce a key")
	_, hasLogin := row["lastLogin"]
	assert.False(t, hasLogin)
	// booleans are always present on the resource
	assert.Equal(t, false, row["suspended"])
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		want errors.ErrorType
	}{
		{401, errors.ErrorTypeAuthentication},
		{403, errors.ErrorTypePermission},
		{429, errors.ErrorTypeRateLimit},
		{400, errors.ErrorTypeQuery},
		{503, errors.ErrorTypeConnection},
	}
	for _, tc := range cases {
		api := &fakeUsersAPI{err: &googleapi.Error{Code: tc.code}}
		conn := &suiteConn{api: api, backendPageSize: 100}

		_, err := conn.FetchPage(context.Background(), listQuery(), "")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, tc.want), "status %d", tc.code)
	}
}

func TestFetchPageCancellation(t *testing.T) {
	api := &fakeUsersAPI{err: &googleapi.Error{Code: 503}}
	conn := &suiteConn{api: api, backendPageSize: 100}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.FetchPage(ctx, listQuery(), "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestDiscoverFieldsExposesWholeInventory(t *testing.T) {
	api := &fakeUsersAPI{pages: map[string]*admin.Users{}}
	conn := &suiteConn{api: api, backendPageSize: 100}

	fields, warnings, err := conn.DiscoverFields(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Len(t, fields, len(knownFields))
	require.Len(t, api.calls, 1)
	assert.Equal(t, int64(1), api.calls[0].MaxResults, "discovery probes with a single row")
}

func TestDiscoverFieldsDeniedScope(t *testing.T) {
	api := &fakeUsersAPI{err: &googleapi.Error{Code: 403}}
	conn := &suiteConn{api: api, backendPageSize: 100}

	_, _, err := conn.DiscoverFields(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermission))
}

func TestOpenRequiresDelegationSecrets(t *testing.T) {
	connector, err := NewConnector(testSourceConfig())
	require.NoError(t, err)

	_, err = connector.Open(context.Background(), core.Credential{
		ID:      "suite-prod",
		Kind:    core.KindCloudSuite,
		Secrets: map[string]string{"service_account_json": "{}"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestOpenUsesInjectedAPI(t *testing.T) {
	connector, err := NewConnector(testSourceConfig())
	require.NoError(t, err)

	api := &fakeUsersAPI{pages: map[string]*admin.Users{}}
	connector.(*Connector).newAPI = func(ctx context.Context, cred core.Credential, customer, domain string) (usersAPI, error) {
		assert.Equal(t, "corp.example", domain)
		return api, nil
	}

	conn, err := connector.Open(context.Background(), core.Credential{
		ID:   "suite-prod",
		Kind: core.KindCloudSuite,
		Secrets: map[string]string{
			"service_account_json": "{}",
			"delegate_subject":     "admin@corp.example",
		},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Ping(context.Background()))
	require.NoError(t, conn.Close())
}
