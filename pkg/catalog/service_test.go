package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismhq/prism/pkg/errors"
)

type fakeDiscoverer struct {
	fields   []FieldDescriptor
	warnings []Warning
	err      error
	calls    int
}

func (f *fakeDiscoverer) DiscoverFields(ctx context.Context, credentialID string) ([]FieldDescriptor, []Warning, error) {
	f.calls++
	return f.fields, f.warnings, f.err
}

func testFields() []FieldDescriptor {
	return []FieldDescriptor{
		{Name: "accountName", NativeName: "sAMAccountName", Type: TypeString, Category: "account", Operators: OperatorsFor(TypeString)},
		{Name: "enabled", NativeName: "accountEnabled", Type: TypeBoolean, Category: "account", Operators: OperatorsFor(TypeBoolean)},
		{Name: "lastLogon", NativeName: "lastLogonTimestamp", Type: TypeDatetime, Category: "activity", Operators: OperatorsFor(TypeDatetime)},
	}
}

func TestDiscoverCachesActiveVersion(t *testing.T) {
	disc := &fakeDiscoverer{fields: testFields()}
	svc := NewService(map[string]Discoverer{"directory": disc})
	ctx := context.Background()

	cat, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cat.Version)
	assert.Len(t, cat.Fields, 3)

	again, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)
	assert.Same(t, cat, again, "second discover must serve the cached snapshot")
	assert.Equal(t, 1, disc.calls)
}

func TestRefreshActivatesNewVersion(t *testing.T) {
	disc := &fakeDiscoverer{fields: testFields()}
	svc := NewService(map[string]Discoverer{"directory": disc})
	ctx := context.Background()

	first, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, "directory", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, second.Version, svc.ActiveVersion("directory", "cred-1"))
}

func TestFailedRefreshKeepsPreviousVersion(t *testing.T) {
	disc := &fakeDiscoverer{fields: testFields()}
	svc := NewService(map[string]Discoverer{"directory": disc})
	ctx := context.Background()

	good, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)

	disc.err = errors.New(errors.ErrorTypeConnection, "backend unreachable")
	_, err = svc.Refresh(ctx, "directory", "cred-1")
	require.Error(t, err)

	cached, ok := svc.GetCached("directory", "cred-1")
	require.True(t, ok)
	assert.Same(t, good, cached, "a failed rediscovery must not discard the working catalog")
	assert.Equal(t, good.Version, svc.ActiveVersion("directory", "cred-1"))
}

func TestEmptyDiscoveryIsAnError(t *testing.T) {
	disc := &fakeDiscoverer{}
	svc := NewService(map[string]Discoverer{"directory": disc})

	_, err := svc.Discover(context.Background(), "directory", "cred-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
}

func TestInvalidateForcesRediscoveryWithoutReusingVersions(t *testing.T) {
	disc := &fakeDiscoverer{fields: testFields()}
	svc := NewService(map[string]Discoverer{"directory": disc})
	ctx := context.Background()

	first, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)

	svc.Invalidate("directory", "cred-1")
	assert.Equal(t, int64(0), svc.ActiveVersion("directory", "cred-1"))

	second, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version, "version numbers never repeat across invalidation")
	assert.Equal(t, 2, disc.calls)
}

func TestScopesAreIndependent(t *testing.T) {
	disc := &fakeDiscoverer{fields: testFields()}
	svc := NewService(map[string]Discoverer{"directory": disc})
	ctx := context.Background()

	_, err := svc.Discover(ctx, "directory", "cred-1")
	require.NoError(t, err)
	_, err = svc.Discover(ctx, "directory", "cred-2")
	require.NoError(t, err)

	svc.Invalidate("directory", "cred-1")
	assert.Equal(t, int64(0), svc.ActiveVersion("directory", "cred-1"))
	assert.Equal(t, int64(1), svc.ActiveVersion("directory", "cred-2"))
}

func TestUnknownSourceHasNoDiscoverer(t *testing.T) {
	svc := NewService(map[string]Discoverer{})
	_, err := svc.Discover(context.Background(), "directory", "cred-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPartialSchemaIsActivatedWithWarnings(t *testing.T) {
	disc := &fakeDiscoverer{
		fields: testFields()[:2],
		warnings: []Warning{
			{Code: WarnPartialSchema, Message: "activity attributes unreadable"},
		},
	}
	svc := NewService(map[string]Discoverer{"directory": disc})

	cat, err := svc.Discover(context.Background(), "directory", "cred-1")
	require.NoError(t, err)
	assert.True(t, cat.IsPartial())
	assert.Len(t, cat.Fields, 2)
}

func TestCatalogFieldLookup(t *testing.T) {
	cat := NewFieldCatalog("directory", "cred-1", 1, testFields(), nil)

	desc, ok := cat.Field("lastLogon")
	require.True(t, ok)
	assert.Equal(t, TypeDatetime, desc.Type)
	assert.True(t, desc.AllowsOperator(OpOlderThan))
	assert.False(t, desc.AllowsOperator(OpContains))

	assert.False(t, cat.Has("nonexistent"))
	assert.Equal(t, []string{"account", "activity"}, cat.Categories())
}

func TestDuplicateFieldNamesKeepFirst(t *testing.T) {
	fields := append(testFields(), FieldDescriptor{
		Name: "accountName", NativeName: "cn", Type: TypeString,
	})
	cat := NewFieldCatalog("directory", "cred-1", 1, fields, nil)

	assert.Len(t, cat.Fields, 3)
	desc, _ := cat.Field("accountName")
	assert.Equal(t, "sAMAccountName", desc.NativeName)
}
