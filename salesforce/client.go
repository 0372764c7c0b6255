package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/sith-oath/apexd/backoff"
	"github.com/sith-oath/apexd/metrics"
)

const (
	DefaultAPIVersion      = "36.0"
	DefaultMaxRetries      = 3
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRPS          = 20
	maxResponseSizeBytes   = 64 * 1024 * 1024
	toolingPathPrefix      = "/tooling"
	contentTypeJSON        = "application/json"
	runTestsAsynchronously = "/tooling/runTestsAsynchronous/"
)

// API is the subset of the Salesforce REST and Tooling APIs apexd uses.
type API interface {
	Query(ctx context.Context, soql string) (*QueryResult, error)
	ToolingQuery(ctx context.Context, soql string) (*QueryResult, error)
	Describe(ctx context.Context, sobject string) (*DescribeResult, error)
	ToolingDescribe(ctx context.Context, sobject string) (*DescribeResult, error)
	DescribeGlobal(ctx context.Context) (*GlobalDescribe, error)
	ToolingDescribeGlobal(ctx context.Context) (*GlobalDescribe, error)
	ToolingCreate(ctx context.Context, sobject string, record Record) (string, error)
	ToolingDelete(ctx context.Context, sobject string, id string) error
	RunTestsAsynchronous(ctx context.Context, classIDs []string) (string, error)
	LogBody(ctx context.Context, logID string) (string, error)
	Limits(ctx context.Context) (map[string]any, error)
	Search(ctx context.Context, sosl string) ([]Record, error)
	Versions(ctx context.Context) ([]Version, error)
}

var _ API = (*Client)(nil)

type Client struct {
	creds      Credentials
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

type ClientOpt func(c *Client)

func WithAPIVersion(version string) ClientOpt {
	return func(c *Client) {
		c.apiVersion = version
	}
}

func WithHTTPClient(client *http.Client) ClientOpt {
	return func(c *Client) {
		c.httpClient = client
	}
}

func WithRateLimiter(limiter *rate.Limiter) ClientOpt {
	return func(c *Client) {
		c.limiter = limiter
	}
}

func WithMaxRetries(retries int) ClientOpt {
	return func(c *Client) {
		c.maxRetries = retries
	}
}

func NewClient(creds Credentials, opts ...ClientOpt) *Client {
	c := &Client{
		creds:      creds,
		apiVersion: DefaultAPIVersion,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.creds.InstanceURL = strings.TrimRight(c.creds.InstanceURL, "/")
	return c
}

// Factory builds per-request clients that share one HTTP client and one
// rate limiter per instance URL.
type Factory struct {
	apiVersion string
	maxRetries int
	maxRPS     int
	httpClient *http.Client

	mtx      sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFactory(apiVersion string, timeout time.Duration, maxRetries int, maxRPS int) *Factory {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxRPS <= 0 {
		maxRPS = DefaultMaxRPS
	}
	return &Factory{
		apiVersion: apiVersion,
		maxRetries: maxRetries,
		maxRPS:     maxRPS,
		httpClient: &http.Client{Timeout: timeout},
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (f *Factory) New(creds Credentials) API {
	return NewClient(creds,
		WithAPIVersion(f.apiVersion),
		WithHTTPClient(f.httpClient),
		WithMaxRetries(f.maxRetries),
		WithRateLimiter(f.limiter(creds.InstanceURL)),
	)
}

func (f *Factory) limiter(instanceURL string) *rate.Limiter {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	l, ok := f.limiters[instanceURL]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.maxRPS), f.maxRPS)
		f.limiters[instanceURL] = l
	}
	return l
}

func (c *Client) dataPath(path string) string {
	return fmt.Sprintf("/services/data/v%s%s", c.apiVersion, path)
}

func (c *Client) Query(ctx context.Context, soql string) (*QueryResult, error) {
	return c.query(ctx, "query", c.dataPath("/query?q="+url.QueryEscape(soql)))
}

func (c *Client) ToolingQuery(ctx context.Context, soql string) (*QueryResult, error) {
	return c.query(ctx, "tooling.query", c.dataPath(toolingPathPrefix+"/query?q="+url.QueryEscape(soql)))
}

// query follows nextRecordsUrl until the result set is complete.
func (c *Client) query(ctx context.Context, method string, path string) (*QueryResult, error) {
	out := &QueryResult{Records: make([]Record, 0)}
	for path != "" {
		var page QueryResult
		if err := c.doJSON(ctx, method, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		out.TotalSize = page.TotalSize
		out.Records = append(out.Records, page.Records...)
		out.Done = page.Done
		path = ""
		if !page.Done && page.NextRecordsURL != "" {
			path = page.NextRecordsURL
		}
	}
	return out, nil
}

func (c *Client) Describe(ctx context.Context, sobject string) (*DescribeResult, error) {
	var out DescribeResult
	err := c.doJSON(ctx, "describe", http.MethodGet, c.dataPath("/sobjects/"+url.PathEscape(sobject)+"/describe"), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ToolingDescribe(ctx context.Context, sobject string) (*DescribeResult, error) {
	var out DescribeResult
	err := c.doJSON(ctx, "tooling.describe", http.MethodGet, c.dataPath(toolingPathPrefix+"/sobjects/"+url.PathEscape(sobject)+"/describe"), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DescribeGlobal(ctx context.Context) (*GlobalDescribe, error) {
	var out GlobalDescribe
	if err := c.doJSON(ctx, "describeGlobal", http.MethodGet, c.dataPath("/sobjects"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ToolingDescribeGlobal(ctx context.Context) (*GlobalDescribe, error) {
	var out GlobalDescribe
	if err := c.doJSON(ctx, "tooling.describeGlobal", http.MethodGet, c.dataPath(toolingPathPrefix+"/sobjects"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ToolingCreate(ctx context.Context, sobject string, record Record) (string, error) {
	var res saveResult
	if err := c.doJSON(ctx, "tooling.create", http.MethodPost, c.dataPath(toolingPathPrefix+"/sobjects/"+url.PathEscape(sobject)), record, &res); err != nil {
		return "", err
	}
	if !res.Success && len(res.Errors) > 0 {
		return "", &Error{
			StatusCode: http.StatusBadRequest,
			Code:       res.Errors[0].code(),
			Message:    res.Errors[0].Message,
		}
	}
	return res.ID, nil
}

func (c *Client) ToolingDelete(ctx context.Context, sobject string, id string) error {
	path := c.dataPath(toolingPathPrefix + "/sobjects/" + url.PathEscape(sobject) + "/" + url.PathEscape(id))
	_, err := c.do(ctx, "tooling.delete", http.MethodDelete, path, nil)
	return err
}

func (c *Client) RunTestsAsynchronous(ctx context.Context, classIDs []string) (string, error) {
	if len(classIDs) == 0 {
		return "", errors.New("at least one test class id is required")
	}
	body := map[string]string{"classids": strings.Join(classIDs, ",")}
	var jobID string
	if err := c.doJSON(ctx, "tooling.runTestsAsynchronous", http.MethodPost, c.dataPath(runTestsAsynchronously), body, &jobID); err != nil {
		return "", err
	}
	return jobID, nil
}

func (c *Client) LogBody(ctx context.Context, logID string) (string, error) {
	path := c.dataPath(toolingPathPrefix + "/sobjects/ApexLog/" + url.PathEscape(logID) + "/Body")
	body, err := c.do(ctx, "tooling.logBody", http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) Limits(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	if err := c.doJSON(ctx, "limits", http.MethodGet, c.dataPath("/limits"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, sosl string) ([]Record, error) {
	body, err := c.do(ctx, "search", http.MethodGet, c.dataPath("/search?q="+url.QueryEscape(sosl)), nil)
	if err != nil {
		return nil, err
	}
	// Since v37 results are wrapped in searchRecords, before that a bare list.
	var wrapped struct {
		SearchRecords []Record `json:"searchRecords"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.SearchRecords, nil
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return records, nil
}

func (c *Client) Versions(ctx context.Context) ([]Version, error) {
	var out []Version
	if err := c.doJSON(ctx, "versions", http.MethodGet, "/services/data", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method string, httpMethod string, path string, in any, out any) error {
	body, err := c.do(ctx, method, httpMethod, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// retryable reports whether a failed request may be sent again. A POST that
// failed in transport or with a 5xx may already have been applied, so only a
// 429, which the platform rejects before doing any work, is retried for it.
func retryable(httpMethod string, statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if httpMethod == http.MethodPost {
		return false
	}
	return statusCode == 0 || statusCode >= 500
}

// do issues a request, retrying transport errors, 429s and 5xx responses
// with capped exponential backoff. POSTs are only retried on 429.
func (c *Client) do(ctx context.Context, method string, httpMethod string, path string, in any) ([]byte, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
		}
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		log.Trace(
			"sending salesforce request",
			"method", method,
			"attempt_count", i+1,
			"max_attempts", c.maxRetries+1,
		)
		start := time.Now()
		body, status, err := c.doOnce(ctx, httpMethod, path, payload)
		metrics.RecordPlatformLatency(method, time.Since(start))
		if err == nil {
			return body, nil
		}

		code := "transport"
		if sfErr, ok := AsError(err); ok {
			code = sfErr.Code
		}
		metrics.RecordPlatformError(method, code)
		lastErr = err
		if !retryable(httpMethod, status) || ctx.Err() != nil || i == c.maxRetries {
			break
		}

		log.Warn(
			"salesforce request failed, trying again",
			"method", method,
			"err", err,
			"attempt_count", i+1,
			"max_retries", c.maxRetries+1,
		)
		metrics.RecordPlatformRetry(method)
		if err := backoff.Sleep(ctx, backoff.Exponential(i, backoff.DefaultMax)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// doOnce sends a single request. The returned status is zero when no response
// was received.
func (c *Client) doOnce(ctx context.Context, httpMethod string, path string, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.creds.InstanceURL+path, reqBody)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)
	req.Header.Set("Accept", contentTypeJSON)
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode >= 400 {
		return nil, res.StatusCode, parseError(res.StatusCode, body)
	}
	return body, res.StatusCode, nil
}
