package metadata

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/sith-oath/apexd/cache"
	"github.com/sith-oath/apexd/salesforce"
)

const (
	DefaultTTL = 12 * time.Hour

	fieldNamesKeyPrefix     = "SOBJECT_FIELD_NAMES"
	apiNamesKeyPrefix       = "SOBJECT_API_FIELD_NAMES"
	createableKeyPrefix     = "SOBJECT_CREATEABLE_FIELDS"
	globalDescribeKeyPrefix = "GLOBAL_SOBJECT_DESCRIBE_BY_ORG"
)

// Resolver caches describe results per tenant (org).
type Resolver struct {
	store  *cache.Store
	ttl    time.Duration
	flight singleflight.Group
}

type ResolverOpt func(r *Resolver)

func WithTTL(ttl time.Duration) ResolverOpt {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

func NewResolver(store *cache.Store, opts ...ResolverOpt) *Resolver {
	r := &Resolver{
		store: store,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type sobjectFields struct {
	Names      []string
	APINames   []string
	Createable []string
}

func fieldNamesKey(tenantID string, sobject string) string {
	return fmt.Sprintf("%s:%s:%s", fieldNamesKeyPrefix, tenantID, sobject)
}

func apiNamesKey(tenantID string, sobject string) string {
	return fmt.Sprintf("%s:%s:%s", apiNamesKeyPrefix, tenantID, sobject)
}

func createableKey(tenantID string, sobject string) string {
	return fmt.Sprintf("%s:%s:%s", createableKeyPrefix, tenantID, sobject)
}

func globalDescribeKey(tenantID string) string {
	return fmt.Sprintf("%s:%s", globalDescribeKeyPrefix, tenantID)
}

// FieldNames returns the camel-cased field names of sobject in describe order.
func (r *Resolver) FieldNames(ctx context.Context, api salesforce.API, tenantID string, sobject string) ([]string, error) {
	return r.lookup(ctx, api, tenantID, sobject, fieldNamesKey(tenantID, sobject), func(f *sobjectFields) []string {
		return f.Names
	})
}

// APIFieldNames returns the field names of sobject as the API spells them.
func (r *Resolver) APIFieldNames(ctx context.Context, api salesforce.API, tenantID string, sobject string) ([]string, error) {
	return r.lookup(ctx, api, tenantID, sobject, apiNamesKey(tenantID, sobject), func(f *sobjectFields) []string {
		return f.APINames
	})
}

// CreateableFields returns the API names of the fields of sobject that may be
// set on insert.
func (r *Resolver) CreateableFields(ctx context.Context, api salesforce.API, tenantID string, sobject string) ([]string, error) {
	return r.lookup(ctx, api, tenantID, sobject, createableKey(tenantID, sobject), func(f *sobjectFields) []string {
		return f.Createable
	})
}

func (r *Resolver) lookup(ctx context.Context, api salesforce.API, tenantID string, sobject string, key string, pick func(*sobjectFields) []string) ([]string, error) {
	var names []string
	ok, err := r.store.Get(ctx, key, &names)
	if err != nil {
		log.Warn("failed to read field names from cache", "key", key, "err", err)
	}
	if ok {
		return names, nil
	}

	v, err, _ := r.flight.Do(fieldNamesKey(tenantID, sobject), func() (any, error) {
		return r.load(ctx, api, tenantID, sobject)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(pick(v.(*sobjectFields))), nil
}

func (r *Resolver) load(ctx context.Context, api salesforce.API, tenantID string, sobject string) (*sobjectFields, error) {
	tooling, err := r.IsTooling(ctx, api, tenantID, sobject)
	if err != nil {
		return nil, err
	}

	var res *salesforce.DescribeResult
	if tooling {
		res, err = api.ToolingDescribe(ctx, sobject)
	} else {
		res, err = api.Describe(ctx, sobject)
	}
	if err != nil {
		return nil, err
	}

	out := &sobjectFields{
		Names:      make([]string, 0, len(res.Fields)),
		APINames:   make([]string, 0, len(res.Fields)),
		Createable: make([]string, 0, len(res.Fields)),
	}
	for _, f := range res.Fields {
		out.Names = append(out.Names, CamelCase(f.Name))
		out.APINames = append(out.APINames, f.Name)
		if f.Createable {
			out.Createable = append(out.Createable, f.Name)
		}
	}

	if err := r.store.Set(ctx, fieldNamesKey(tenantID, sobject), out.Names, r.ttl); err != nil {
		log.Warn("failed to cache field names", "sobject", sobject, "err", err)
	}
	if err := r.store.Set(ctx, apiNamesKey(tenantID, sobject), out.APINames, r.ttl); err != nil {
		log.Warn("failed to cache api field names", "sobject", sobject, "err", err)
	}
	if err := r.store.Set(ctx, createableKey(tenantID, sobject), out.Createable, r.ttl); err != nil {
		log.Warn("failed to cache createable fields", "sobject", sobject, "err", err)
	}
	log.Debug("resolved sobject fields", "tenant", tenantID, "sobject", sobject, "tooling", tooling, "count", len(out.Names))
	return out, nil
}

// IsTooling reports whether sobject is only reachable through the Tooling
// API, i.e. it is missing from the org's standard global describe.
func (r *Resolver) IsTooling(ctx context.Context, api salesforce.API, tenantID string, sobject string) (bool, error) {
	standard, err := r.standardSObjects(ctx, api, tenantID)
	if err != nil {
		return false, err
	}
	return !slices.Contains(standard, sobject), nil
}

func (r *Resolver) standardSObjects(ctx context.Context, api salesforce.API, tenantID string) ([]string, error) {
	key := globalDescribeKey(tenantID)
	var names []string
	ok, err := r.store.Get(ctx, key, &names)
	if err != nil {
		log.Warn("failed to read global describe from cache", "key", key, "err", err)
	}
	if ok {
		return names, nil
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		res, err := api.DescribeGlobal(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(res.SObjects))
		for _, s := range res.SObjects {
			names = append(names, s.Name)
		}
		if err := r.store.Set(ctx, key, names, r.ttl); err != nil {
			log.Warn("failed to cache global describe", "tenant", tenantID, "err", err)
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Query resolves the fields of sobject, queries it through the API its
// classification requires and returns camel-cased records alongside the
// field names.
func (r *Resolver) Query(ctx context.Context, api salesforce.API, tenantID string, sobject string, where string) (*Result, error) {
	fields, err := r.APIFieldNames(ctx, api, tenantID, sobject)
	if err != nil {
		return nil, err
	}
	return r.QueryFields(ctx, api, tenantID, sobject, fields, where)
}

// QueryFields is Query with an explicit list of API field names.
func (r *Resolver) QueryFields(ctx context.Context, api salesforce.API, tenantID string, sobject string, fields []string, where string) (*Result, error) {
	tooling, err := r.IsTooling(ctx, api, tenantID, sobject)
	if err != nil {
		return nil, err
	}
	soql := salesforce.Select(fields, sobject, where)
	var res *salesforce.QueryResult
	if tooling {
		res, err = api.ToolingQuery(ctx, soql)
	} else {
		res, err = api.Query(ctx, soql)
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, CamelCase(f))
	}
	return &Result{
		Records:    CamelizeRecords(res.Records),
		FieldNames: names,
	}, nil
}

// Result is a camel-cased query result.
type Result struct {
	Records    []salesforce.Record `json:"records"`
	FieldNames []string            `json:"fieldNames"`
}
