package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sith-oath/apexd/cache"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/salesforce/sftest"
)

// countingOrg records which describe endpoint served each sobject.
type countingOrg struct {
	*sftest.Org
	standard atomic.Int32
	tooling  atomic.Int32
	global   atomic.Int32
	release  chan struct{}
}

func (c *countingOrg) Describe(ctx context.Context, sobject string) (*salesforce.DescribeResult, error) {
	c.standard.Add(1)
	if c.release != nil {
		<-c.release
	}
	return c.Org.Describe(ctx, sobject)
}

func (c *countingOrg) ToolingDescribe(ctx context.Context, sobject string) (*salesforce.DescribeResult, error) {
	c.tooling.Add(1)
	return c.Org.ToolingDescribe(ctx, sobject)
}

func (c *countingOrg) DescribeGlobal(ctx context.Context) (*salesforce.GlobalDescribe, error) {
	c.global.Add(1)
	return c.Org.DescribeGlobal(ctx)
}

func newResolver() *Resolver {
	return NewResolver(cache.NewStore(cache.NewMemoryCache(100)))
}

func TestFieldNamesCached(t *testing.T) {
	ctx := context.Background()
	org := &countingOrg{Org: sftest.NewOrg()}
	r := newResolver()

	names, err := r.FieldNames(ctx, org, "00D1", "ApexTestQueueItem")
	require.NoError(t, err)
	require.Contains(t, names, "parentJobId")
	require.Contains(t, names, "id")
	require.Equal(t, "id", names[0])

	again, err := r.FieldNames(ctx, org, "00D1", "ApexTestQueueItem")
	require.NoError(t, err)
	require.Equal(t, names, again)
	require.Equal(t, int32(1), org.standard.Load())
	require.Equal(t, int32(1), org.global.Load())

	_, err = r.APIFieldNames(ctx, org, "00D1", "ApexTestQueueItem")
	require.NoError(t, err)
	_, err = r.CreateableFields(ctx, org, "00D1", "ApexTestQueueItem")
	require.NoError(t, err)
	require.Equal(t, int32(1), org.standard.Load())
}

func TestFieldNamesPerTenant(t *testing.T) {
	ctx := context.Background()
	org := &countingOrg{Org: sftest.NewOrg()}
	r := newResolver()

	_, err := r.FieldNames(ctx, org, "00D1", "ApexLog")
	require.NoError(t, err)
	_, err = r.FieldNames(ctx, org, "00D2", "ApexLog")
	require.NoError(t, err)
	require.Equal(t, int32(2), org.standard.Load())
	require.Equal(t, int32(2), org.global.Load())
}

func TestToolingClassification(t *testing.T) {
	ctx := context.Background()
	org := &countingOrg{Org: sftest.NewOrg()}
	r := newResolver()

	tooling, err := r.IsTooling(ctx, org, "00D1", "TraceFlag")
	require.NoError(t, err)
	require.True(t, tooling)

	tooling, err = r.IsTooling(ctx, org, "00D1", "AsyncApexJob")
	require.NoError(t, err)
	require.False(t, tooling)

	_, err = r.FieldNames(ctx, org, "00D1", "TraceFlag")
	require.NoError(t, err)
	require.Equal(t, int32(1), org.tooling.Load())
	require.Equal(t, int32(0), org.standard.Load())
	require.Equal(t, int32(1), org.global.Load())
}

func TestCreateableFields(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	fields, err := r.CreateableFields(ctx, sftest.NewOrg(), "00D1", "TraceFlag")
	require.NoError(t, err)
	require.Contains(t, fields, "TracedEntityId")
	require.Contains(t, fields, "DebugLevelId")
	require.NotContains(t, fields, "Id")
	require.NotContains(t, fields, "CreatedDate")
}

func TestFieldNamesExpire(t *testing.T) {
	ctx := context.Background()
	org := &countingOrg{Org: sftest.NewOrg()}
	r := NewResolver(cache.NewStore(cache.NewMemoryCache(100)), WithTTL(time.Millisecond))

	_, err := r.FieldNames(ctx, org, "00D1", "ApexLog")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.FieldNames(ctx, org, "00D1", "ApexLog")
	require.NoError(t, err)
	require.Equal(t, int32(2), org.standard.Load())
}

func TestFieldNamesSingleFlight(t *testing.T) {
	ctx := context.Background()
	org := &countingOrg{Org: sftest.NewOrg(), release: make(chan struct{})}
	r := newResolver()
	// warm the classification so only the describe is contended
	_, err := r.IsTooling(ctx, org, "00D1", "ApexLog")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names, err := r.FieldNames(ctx, org, "00D1", "ApexLog")
			assert.NoError(t, err)
			assert.Contains(t, names, "logLength")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(org.release)
	wg.Wait()
	require.Equal(t, int32(1), org.standard.Load())
}

func TestDescribeErrorPropagates(t *testing.T) {
	_, err := newResolver().FieldNames(context.Background(), sftest.NewOrg(), "00D1", "NoSuchObject")
	require.Error(t, err)
	require.True(t, salesforce.IsStaleReference(err))
}

func TestQueryCamelizesRecords(t *testing.T) {
	ctx := context.Background()
	org := sftest.NewOrg()
	org.Insert("ApexTestQueueItem", salesforce.Record{"Id": "709a", "ParentJobId": "707a", "Status": "Queued"})
	org.Insert("ApexTestQueueItem", salesforce.Record{"Id": "709b", "ParentJobId": "707b", "Status": "Queued"})

	res, err := newResolver().Query(ctx, org, "00D1", "ApexTestQueueItem", "ParentJobId = "+salesforce.Quote("707a"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "709a", res.Records[0]["id"])
	require.Equal(t, "Queued", res.Records[0]["status"])
	require.NotContains(t, res.Records[0], "attributes")
	require.Contains(t, res.FieldNames, "parentJobId")
	require.Contains(t, org.Queries()[0], "ParentJobId,")
}

func TestCamelCase(t *testing.T) {
	tests := map[string]string{
		"Id":                       "id",
		"ParentJobId":              "parentJobId",
		"Custom_Field__c":          "customFieldC",
		"SystemModstamp":           "systemModstamp",
		"XMLHttpRequest":           "xmlHttpRequest",
		"DebugLevel.DeveloperName": "debugLevelDeveloperName",
		"Field2Name":               "field2Name",
		"already_camel":            "alreadyCamel",
		"":                         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CamelCase(in), in)
	}
}

func TestCamelizeRecord(t *testing.T) {
	rec := salesforce.Record{
		"attributes":     map[string]any{"type": "TraceFlag"},
		"Id":             "7tf1",
		"LogType":        "USER_DEBUG",
		"DebugLevel":     map[string]any{"attributes": map[string]any{}, "DeveloperName": "APEX_ANALYTICS"},
		"ExpirationDate": nil,
	}
	got := CamelizeRecord(rec)
	assert.Equal(t, salesforce.Record{
		"id":             "7tf1",
		"logType":        "USER_DEBUG",
		"debugLevel":     map[string]any{"developerName": "APEX_ANALYTICS"},
		"expirationDate": nil,
	}, got)
}
