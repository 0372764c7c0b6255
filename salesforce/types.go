package salesforce

import "fmt"

// Record is a single sObject row as returned by the REST or Tooling API.
type Record map[string]any

func (r Record) ID() string {
	return r.String("Id")
}

// String returns the value under key as a string, or "" when it is absent or
// not a string.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type QueryResult struct {
	TotalSize      int      `json:"totalSize"`
	Done           bool     `json:"done"`
	Records        []Record `json:"records"`
	NextRecordsURL string   `json:"nextRecordsUrl,omitempty"`
}

type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Createable bool   `json:"createable"`
	Updateable bool   `json:"updateable"`
	Nillable   bool   `json:"nillable"`
}

type DescribeResult struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

type SObjectSummary struct {
	Name      string `json:"name"`
	Queryable bool   `json:"queryable"`
	Custom    bool   `json:"custom"`
}

type GlobalDescribe struct {
	SObjects []SObjectSummary `json:"sobjects"`
}

type Version struct {
	Label   string `json:"label"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

type saveResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Errors  []responseError `json:"errors"`
}

type Credentials struct {
	InstanceURL string
	AccessToken string
}

func (c Credentials) Validate() error {
	if c.InstanceURL == "" {
		return fmt.Errorf("missing instance url")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("missing access token")
	}
	return nil
}
