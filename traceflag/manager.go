package traceflag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/salesforce"
)

const (
	// DeveloperName marks the debug level and trace flags apexd owns.
	DeveloperName     = "APEX_ANALYTICS"
	LogType           = "USER_DEBUG"
	DefaultExpiration = 12 * time.Hour

	traceFlagSObject  = "TraceFlag"
	debugLevelSObject = "DebugLevel"
	markerField       = "DebugLevel.DeveloperName"
)

// DebugLevels are the category levels of the APEX_ANALYTICS debug level.
var DebugLevels = map[string]string{
	"ApexCode":      "ERROR",
	"ApexProfiling": "NONE",
	"Callout":       "NONE",
	"Database":      "NONE",
	"System":        "NONE",
	"Validation":    "NONE",
	"Visualforce":   "NONE",
	"Workflow":      "NONE",
}

var readOnlyFields = []string{
	"Id",
	"CreatedById",
	"CreatedDate",
	"LastModifiedById",
	"LastModifiedDate",
	"SystemModstamp",
	"IsDeleted",
}

type Manager struct {
	resolver   *metadata.Resolver
	store      StateStore
	expiration time.Duration
	now        func() time.Time
}

type ManagerOpt func(m *Manager)

func WithExpiration(d time.Duration) ManagerOpt {
	return func(m *Manager) {
		m.expiration = d
	}
}

func NewManager(resolver *metadata.Resolver, store StateStore, opts ...ManagerOpt) *Manager {
	m := &Manager{
		resolver:   resolver,
		store:      store,
		expiration: DefaultExpiration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin swaps the owner's trace flags for a single APEX_ANALYTICS flag and
// returns its id. The pre-existing flags are saved before anything is deleted.
// An empty id with a nil error means an equivalent flag was already active.
func (m *Manager) Begin(ctx context.Context, api salesforce.API, tenantID string, ownerID string) (string, error) {
	fields, err := m.resolver.APIFieldNames(ctx, api, tenantID, traceFlagSObject)
	if err != nil {
		return "", fmt.Errorf("failed to resolve trace flag fields: %w", err)
	}
	existing, err := m.ownerTraceFlags(ctx, api, fields, ownerID)
	if err != nil {
		return "", err
	}

	baseline := make([]salesforce.Record, 0, len(existing))
	ids := make([]string, 0, len(existing))
	for _, rec := range existing {
		ids = append(ids, rec.ID())
		if !isAnalytics(rec) {
			baseline = append(baseline, preserve(rec, fields))
		}
	}

	state, err := m.store.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if state != nil {
		log.Warn("found unrestored trace state, keeping its baseline",
			"owner", ownerID,
			"created_at", state.CreatedAt,
			"baseline", len(state.Baseline))
	} else {
		state = &State{
			OwnerID:    ownerID,
			Baseline:   baseline,
			FieldNames: fields,
			CreatedAt:  m.now(),
		}
	}
	state.TemporaryID = ""
	if err := m.store.Put(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save trace state: %w", err)
	}

	// Flags go first: a misconfigured debug level cannot be deleted while a
	// flag still references it.
	if err := deleteAll(ctx, api, traceFlagSObject, ids); err != nil {
		return "", err
	}
	debugLevelID, err := m.ensureDebugLevel(ctx, api)
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	id, err := api.ToolingCreate(ctx, traceFlagSObject, salesforce.Record{
		"TracedEntityId": ownerID,
		"DebugLevelId":   debugLevelID,
		"LogType":        LogType,
		"StartDate":      now.Format(time.RFC3339),
		"ExpirationDate": now.Add(m.expiration).Format(time.RFC3339),
	})
	if err != nil {
		if !salesforce.IsDuplicate(err) {
			return "", fmt.Errorf("failed to create analytics trace flag: %w", err)
		}
		log.Warn("analytics trace flag already active, continuing", "owner", ownerID, "err", err)
	}

	state.TemporaryID = id
	if err := m.store.Put(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save trace state: %w", err)
	}
	log.Info("began analytics trace",
		"owner", ownerID,
		"trace_flag_id", id,
		"debug_level_id", debugLevelID,
		"baseline", len(state.Baseline))
	return id, nil
}

// End removes the APEX_ANALYTICS flag and recreates the flags Begin saved.
// Failures are logged and returned joined; none are retried and the saved
// state is discarded either way.
func (m *Manager) End(ctx context.Context, api salesforce.API, tenantID string, ownerID string) error {
	state, err := m.store.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	if state == nil {
		log.Info("no trace state to restore", "owner", ownerID)
		return nil
	}

	var errs []error
	if state.TemporaryID != "" {
		if err := api.ToolingDelete(ctx, traceFlagSObject, state.TemporaryID); err != nil && !salesforce.IsStaleReference(err) {
			errs = append(errs, fmt.Errorf("failed to delete analytics trace flag: %w", err))
		}
	}
	// sweep flags left by an interrupted Begin or tolerated as duplicates
	if remaining, err := m.ownerTraceFlags(ctx, api, state.FieldNames, ownerID); err != nil {
		errs = append(errs, err)
	} else {
		for _, rec := range remaining {
			if !isAnalytics(rec) {
				continue
			}
			if err := api.ToolingDelete(ctx, traceFlagSObject, rec.ID()); err != nil && !salesforce.IsStaleReference(err) {
				errs = append(errs, fmt.Errorf("failed to delete analytics trace flag %s: %w", rec.ID(), err))
			}
		}
	}

	createable, err := m.resolver.CreateableFields(ctx, api, tenantID, traceFlagSObject)
	if err != nil {
		log.Warn("failed to resolve createable trace flag fields, restoring preserved fields", "err", err)
		createable = nil
	}
	restored := 0
	for _, rec := range state.Baseline {
		if _, err := api.ToolingCreate(ctx, traceFlagSObject, restorable(rec, createable)); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore trace flag %s: %w", rec.ID(), err))
			continue
		}
		restored++
	}

	if err := m.store.Delete(ctx, ownerID); err != nil {
		errs = append(errs, fmt.Errorf("failed to discard trace state: %w", err))
	}

	err = errors.Join(errs...)
	metrics.RecordTraceRestore(err == nil)
	if err != nil {
		log.Error("failed to fully restore trace flags",
			"owner", ownerID,
			"restored", restored,
			"baseline", len(state.Baseline),
			"err", err)
		return err
	}
	log.Info("restored trace flags", "owner", ownerID, "restored", restored)
	return nil
}

func (m *Manager) ownerTraceFlags(ctx context.Context, api salesforce.API, fields []string, ownerID string) ([]salesforce.Record, error) {
	query := append(slices.Clone(fields), markerField)
	if !slices.Contains(query, "Id") {
		query = append(query, "Id")
	}
	soql := salesforce.Select(query, traceFlagSObject, "TracedEntityId = "+salesforce.Quote(ownerID))
	res, err := api.ToolingQuery(ctx, soql)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace flags: %w", err)
	}
	return res.Records, nil
}

// ensureDebugLevel returns the id of a correctly configured APEX_ANALYTICS
// debug level, replacing a misconfigured one.
func (m *Manager) ensureDebugLevel(ctx context.Context, api salesforce.API) (string, error) {
	fields := []string{"Id", "DeveloperName"}
	for category := range DebugLevels {
		fields = append(fields, category)
	}
	slices.Sort(fields[2:])
	soql := salesforce.Select(fields, debugLevelSObject, "DeveloperName = "+salesforce.Quote(DeveloperName))

	res, err := api.ToolingQuery(ctx, soql)
	if err != nil {
		return "", fmt.Errorf("failed to query debug level: %w", err)
	}
	for _, rec := range res.Records {
		if debugLevelMatches(rec) {
			return rec.ID(), nil
		}
		log.Info("replacing misconfigured debug level", "debug_level_id", rec.ID())
		if err := api.ToolingDelete(ctx, debugLevelSObject, rec.ID()); err != nil && !salesforce.IsStaleReference(err) {
			return "", fmt.Errorf("failed to delete debug level: %w", err)
		}
	}

	rec := salesforce.Record{
		"DeveloperName": DeveloperName,
		"MasterLabel":   DeveloperName,
		"Language":      "en_US",
	}
	for category, level := range DebugLevels {
		rec[category] = level
	}
	id, err := api.ToolingCreate(ctx, debugLevelSObject, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create debug level: %w", err)
	}
	return id, nil
}

func debugLevelMatches(rec salesforce.Record) bool {
	for category, level := range DebugLevels {
		if !strings.EqualFold(rec.String(category), level) {
			return false
		}
	}
	return true
}

func isAnalytics(rec salesforce.Record) bool {
	dl, ok := rec["DebugLevel"].(map[string]any)
	if !ok {
		return false
	}
	name, _ := dl["DeveloperName"].(string)
	return name == DeveloperName
}

// preserve keeps only the queried fields of rec, dropping the relationship
// marker and the attributes envelope.
func preserve(rec salesforce.Record, fields []string) salesforce.Record {
	out := make(salesforce.Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// restorable builds a create payload from a preserved record. When createable
// is nil every non read-only field is kept.
func restorable(rec salesforce.Record, createable []string) salesforce.Record {
	out := make(salesforce.Record, len(rec))
	for k, v := range rec {
		if v == nil || slices.Contains(readOnlyFields, k) {
			continue
		}
		if createable != nil && !slices.Contains(createable, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func deleteAll(ctx context.Context, api salesforce.API, sobject string, ids []string) error {
	for _, id := range ids {
		if err := api.ToolingDelete(ctx, sobject, id); err != nil {
			if salesforce.IsStaleReference(err) {
				log.Debug("record already deleted", "sobject", sobject, "id", id)
				continue
			}
			return fmt.Errorf("failed to delete %s %s: %w", sobject, id, err)
		}
	}
	return nil
}
