// Package sftest provides an in-memory Salesforce org implementing
// salesforce.API for tests. It understands the narrow SOQL shapes apexd
// issues: SELECT ... FROM Type [WHERE Field = 'v' | Field = null |
// Field IN ('a','b')] [ORDER BY ...]. Ordering is ignored; records come back
// in insertion order.
package sftest

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sith-oath/apexd/salesforce"
)

var (
	selectRe = regexp.MustCompile(`(?is)^SELECT\s+(.+?)\s+FROM\s+(\w+)(?:\s+WHERE\s+(.+?))?(?:\s+ORDER\s+BY\s+.+)?$`)
	eqRe     = regexp.MustCompile(`(?is)^(\w+)\s*=\s*'([^']*)'$`)
	nullRe   = regexp.MustCompile(`(?is)^(\w+)\s*=\s*null$`)
	inRe     = regexp.MustCompile(`(?is)^(\w+)\s+IN\s*\((.*)\)$`)
)

var (
	standardTypes = []string{"AsyncApexJob", "ApexTestQueueItem", "ApexTestResult", "ApexTestRunResult", "ApexLog", "ApexClass", "User"}
	toolingTypes  = []string{"TraceFlag", "DebugLevel", "ApexClass", "ApexLog"}
)

var auditFields = []salesforce.Field{
	{Name: "Id", Type: "id"},
	{Name: "CreatedById", Type: "reference"},
	{Name: "CreatedDate", Type: "datetime"},
	{Name: "LastModifiedById", Type: "reference"},
	{Name: "LastModifiedDate", Type: "datetime"},
	{Name: "SystemModstamp", Type: "datetime"},
}

func createable(names ...string) []salesforce.Field {
	out := make([]salesforce.Field, 0, len(names))
	for _, n := range names {
		out = append(out, salesforce.Field{Name: n, Type: "string", Createable: true, Updateable: true})
	}
	return out
}

func readOnly(names ...string) []salesforce.Field {
	out := make([]salesforce.Field, 0, len(names))
	for _, n := range names {
		out = append(out, salesforce.Field{Name: n, Type: "string"})
	}
	return out
}

func defaultSchema() map[string][]salesforce.Field {
	withAudit := func(fields ...[]salesforce.Field) []salesforce.Field {
		out := append([]salesforce.Field{}, auditFields...)
		for _, f := range fields {
			out = append(out, f...)
		}
		return out
	}
	return map[string][]salesforce.Field{
		"TraceFlag": withAudit(createable("ApexCode", "ApexProfiling", "Callout", "Database", "System",
			"Validation", "Visualforce", "Workflow", "DebugLevelId", "ExpirationDate", "LogType",
			"StartDate", "TracedEntityId")),
		"DebugLevel": withAudit(createable("DeveloperName", "MasterLabel", "Language", "ApexCode",
			"ApexProfiling", "Callout", "Database", "System", "Validation", "Visualforce", "Workflow")),
		"ApexTestQueueItem": withAudit(readOnly("ApexClassId", "ExtendedStatus", "ParentJobId", "Status")),
		"AsyncApexJob": withAudit(readOnly("ApexClassId", "CompletedDate", "JobItemsProcessed", "JobType",
			"NumberOfErrors", "Status", "TotalJobItems")),
		"ApexTestRunResult": withAudit(readOnly("AsyncApexJobId", "ClassesCompleted", "ClassesEnqueued",
			"MethodsCompleted", "MethodsFailed", "Status", "StartTime", "EndTime")),
		"ApexTestResult": withAudit(readOnly("ApexClassId", "ApexLogId", "AsyncApexJobId", "Message",
			"MethodName", "Outcome", "QueueItemId", "RunTime", "StackTrace", "TestTimestamp")),
		"ApexLog": withAudit(readOnly("Application", "DurationMilliseconds", "LogLength", "LogUserId",
			"Operation", "Request", "StartTime", "Status")),
		"ApexClass": withAudit(readOnly("Name", "NamespacePrefix", "ApiVersion", "Status", "Body", "BodyCrc", "LengthWithoutComments")),
		"User":      withAudit(readOnly("Name", "Username")),
	}
}

// Org is an in-memory org. All methods are safe for concurrent use.
type Org struct {
	mtx sync.Mutex

	schema   map[string][]salesforce.Field
	tables   map[string][]salesforce.Record
	logs     map[string]string
	nextID   int
	describe map[string]int
	queries  []string

	// QueryHook, when set, may fail a query before it runs.
	QueryHook func(soql string) error
	// CreateHook, when set, may fail a create before it runs.
	CreateHook func(sobject string, record salesforce.Record) error
	// DeleteHook, when set, may fail a delete before it runs.
	DeleteHook func(sobject string, id string) error

	SearchResults []salesforce.Record
	OrgLimits     map[string]any
}

var _ salesforce.API = (*Org)(nil)

func NewOrg() *Org {
	return &Org{
		schema:   defaultSchema(),
		tables:   make(map[string][]salesforce.Record),
		logs:     make(map[string]string),
		describe: make(map[string]int),
		OrgLimits: map[string]any{
			"DailyApiRequests": map[string]any{"Max": 15000, "Remaining": 14998},
		},
	}
}

func (o *Org) newID(sobject string) string {
	o.nextID++
	prefix := sobject
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s%012d", prefix, o.nextID)
}

// Insert stores record under sobject, assigning an Id if it has none, and
// returns the Id.
func (o *Org) Insert(sobject string, record salesforce.Record) string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.insert(sobject, record)
}

func (o *Org) insert(sobject string, record salesforce.Record) string {
	rec := record.Clone()
	if rec.ID() == "" {
		rec["Id"] = o.newID(sobject)
	}
	if _, ok := rec["CreatedDate"]; !ok {
		rec["CreatedDate"] = time.Now().UTC().Format(time.RFC3339)
	}
	o.tables[sobject] = append(o.tables[sobject], rec)
	return rec.ID()
}

// Update merges fields into the record with the given id.
func (o *Org) Update(sobject string, id string, fields salesforce.Record) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	for _, rec := range o.tables[sobject] {
		if rec.ID() == id {
			for k, v := range fields {
				rec[k] = v
			}
		}
	}
}

// Records returns copies of every stored record of sobject.
func (o *Org) Records(sobject string) []salesforce.Record {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	out := make([]salesforce.Record, 0, len(o.tables[sobject]))
	for _, rec := range o.tables[sobject] {
		out = append(out, o.withRelations(sobject, rec))
	}
	return out
}

func (o *Org) SetLogBody(logID string, body string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.logs[logID] = body
}

// DescribeCalls returns how many describe calls were made for sobject.
func (o *Org) DescribeCalls(sobject string) int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.describe[sobject]
}

// Queries returns every SOQL statement received, in order.
func (o *Org) Queries() []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return append([]string(nil), o.queries...)
}

func (o *Org) Query(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
	return o.query(soql)
}

func (o *Org) ToolingQuery(ctx context.Context, soql string) (*salesforce.QueryResult, error) {
	return o.query(soql)
}

func (o *Org) query(soql string) (*salesforce.QueryResult, error) {
	if o.QueryHook != nil {
		if err := o.QueryHook(soql); err != nil {
			return nil, err
		}
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.queries = append(o.queries, soql)

	m := selectRe.FindStringSubmatch(strings.TrimSpace(soql))
	if m == nil {
		return nil, &salesforce.Error{StatusCode: http.StatusBadRequest, Code: "MALFORMED_QUERY", Message: soql}
	}
	sobject, where := m[2], strings.TrimSpace(m[3])
	match, err := matcher(where)
	if err != nil {
		return nil, err
	}

	records := make([]salesforce.Record, 0)
	for _, rec := range o.tables[sobject] {
		if match(rec) {
			out := o.withRelations(sobject, rec)
			out["attributes"] = map[string]any{"type": sobject}
			records = append(records, out)
		}
	}
	return &salesforce.QueryResult{TotalSize: len(records), Done: true, Records: records}, nil
}

func (o *Org) withRelations(sobject string, rec salesforce.Record) salesforce.Record {
	out := rec.Clone()
	if sobject == "TraceFlag" {
		for _, dl := range o.tables["DebugLevel"] {
			if dl.ID() == rec.String("DebugLevelId") {
				out["DebugLevel"] = map[string]any{"DeveloperName": dl.String("DeveloperName")}
			}
		}
	}
	return out
}

func matcher(where string) (func(salesforce.Record) bool, error) {
	if where == "" {
		return func(salesforce.Record) bool { return true }, nil
	}
	if m := eqRe.FindStringSubmatch(where); m != nil {
		field, value := m[1], m[2]
		return func(r salesforce.Record) bool { return fieldValue(r, field) == value }, nil
	}
	if m := nullRe.FindStringSubmatch(where); m != nil {
		field := m[1]
		return func(r salesforce.Record) bool { return fieldValue(r, field) == "" }, nil
	}
	if m := inRe.FindStringSubmatch(where); m != nil {
		field := m[1]
		values := make(map[string]bool)
		for _, v := range strings.Split(m[2], ",") {
			values[strings.Trim(strings.TrimSpace(v), "'")] = true
		}
		return func(r salesforce.Record) bool { return values[fieldValue(r, field)] }, nil
	}
	return nil, &salesforce.Error{StatusCode: http.StatusBadRequest, Code: "MALFORMED_QUERY", Message: "unsupported WHERE: " + where}
}

func fieldValue(r salesforce.Record, field string) string {
	for k, v := range r {
		if strings.EqualFold(k, field) {
			s, _ := v.(string)
			return s
		}
	}
	return ""
}

func (o *Org) Describe(ctx context.Context, sobject string) (*salesforce.DescribeResult, error) {
	return o.describeType(sobject)
}

func (o *Org) ToolingDescribe(ctx context.Context, sobject string) (*salesforce.DescribeResult, error) {
	return o.describeType(sobject)
}

func (o *Org) describeType(sobject string) (*salesforce.DescribeResult, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.describe[sobject]++
	fields, ok := o.schema[sobject]
	if !ok {
		return nil, &salesforce.Error{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: "The requested resource does not exist"}
	}
	return &salesforce.DescribeResult{Name: sobject, Fields: append([]salesforce.Field(nil), fields...)}, nil
}

func (o *Org) DescribeGlobal(ctx context.Context) (*salesforce.GlobalDescribe, error) {
	return globalDescribe(standardTypes), nil
}

func (o *Org) ToolingDescribeGlobal(ctx context.Context) (*salesforce.GlobalDescribe, error) {
	return globalDescribe(toolingTypes), nil
}

func globalDescribe(names []string) *salesforce.GlobalDescribe {
	out := &salesforce.GlobalDescribe{}
	for _, n := range names {
		out.SObjects = append(out.SObjects, salesforce.SObjectSummary{Name: n, Queryable: true})
	}
	return out
}

func (o *Org) ToolingCreate(ctx context.Context, sobject string, record salesforce.Record) (string, error) {
	if o.CreateHook != nil {
		if err := o.CreateHook(sobject, record); err != nil {
			return "", err
		}
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	if sobject == "TraceFlag" {
		for _, rec := range o.tables[sobject] {
			if rec.String("TracedEntityId") == record.String("TracedEntityId") && rec.String("LogType") == record.String("LogType") {
				return "", &salesforce.Error{
					StatusCode: http.StatusBadRequest,
					Code:       salesforce.CodeFieldIntegrity,
					Message:    "This entity is already being traced.",
				}
			}
		}
	}
	if record.ID() != "" {
		return "", &salesforce.Error{StatusCode: http.StatusBadRequest, Code: "INVALID_FIELD_FOR_INSERT_UPDATE", Message: "Unable to create/update fields: Id"}
	}
	return o.insert(sobject, record), nil
}

func (o *Org) ToolingDelete(ctx context.Context, sobject string, id string) error {
	if o.DeleteHook != nil {
		if err := o.DeleteHook(sobject, id); err != nil {
			return err
		}
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	records := o.tables[sobject]
	for i, rec := range records {
		if rec.ID() == id {
			o.tables[sobject] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return &salesforce.Error{StatusCode: http.StatusNotFound, Code: salesforce.CodeEntityIsDeleted, Message: "entity is deleted"}
}

// RunTestsAsynchronous enqueues one Queued item per class id under a new job.
func (o *Org) RunTestsAsynchronous(ctx context.Context, classIDs []string) (string, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	jobID := o.insert("AsyncApexJob", salesforce.Record{"JobType": "TestRequest", "Status": "Queued"})
	o.insert("ApexTestRunResult", salesforce.Record{"AsyncApexJobId": jobID, "Status": "Queued", "ClassesEnqueued": float64(len(classIDs))})
	for _, id := range classIDs {
		o.insert("ApexTestQueueItem", salesforce.Record{"ApexClassId": id, "ParentJobId": jobID, "Status": "Queued"})
	}
	return jobID, nil
}

// QueueItemIDs returns the ids of the job's queue items in creation order.
func (o *Org) QueueItemIDs(jobID string) []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	var ids []string
	for _, rec := range o.tables["ApexTestQueueItem"] {
		if rec.String("ParentJobId") == jobID {
			ids = append(ids, rec.ID())
		}
	}
	return ids
}

func (o *Org) LogBody(ctx context.Context, logID string) (string, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	body, ok := o.logs[logID]
	if !ok {
		return "", &salesforce.Error{StatusCode: http.StatusNotFound, Code: salesforce.CodeNotFound, Message: "log not found"}
	}
	return body, nil
}

func (o *Org) Limits(ctx context.Context) (map[string]any, error) {
	return o.OrgLimits, nil
}

func (o *Org) Search(ctx context.Context, sosl string) ([]salesforce.Record, error) {
	return o.SearchResults, nil
}

func (o *Org) Versions(ctx context.Context) ([]salesforce.Version, error) {
	versions := []salesforce.Version{
		{Label: "Winter '16", URL: "/services/data/v35.0", Version: "35.0"},
		{Label: "Spring '16", URL: "/services/data/v36.0", Version: "36.0"},
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}
