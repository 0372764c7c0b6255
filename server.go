package apexd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sith-oath/apexd/cache"
	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/testrun"
)

const (
	ContextKeyReqID       = "req_id"
	ContextKeyCredentials = "credentials"

	headerInstanceURL = "Instance-Url"
	headerUserID      = "User-Id"
	headerOrgID       = "Org-Id"
	headerRequestID   = "X-Request-Id"

	testClassSearch = "FIND {@isTest AND Analytics.getInstance} IN ALL FIELDS RETURNING ApexClass(%s WHERE NamespacePrefix = null ORDER BY Name ASC)"
	classesWhere    = "NamespacePrefix = null ORDER BY Name ASC"
	isTestClass     = "isTestClass"
)

// apex class fields that hold the source and are never returned
var excludedClassFields = []string{"Body", "BodyCrc"}

// Credentials are the caller's already exchanged platform session plus the
// user and org the request acts for.
type Credentials struct {
	salesforce.Credentials
	OwnerID string
	OrgID   string
}

type Server struct {
	runner    *testrun.Runner
	factory   testrun.APIFactory
	resolver  *metadata.Resolver
	store     *cache.Store
	wsHandler http.Handler

	sem            *semaphore.Weighted
	maxBodySize    int64
	timeout        time.Duration
	classesTTL     time.Duration
	versionsTTL    time.Duration
	allowedOrigins []string
	healthCheck    func(ctx context.Context) error

	srv *http.Server
}

type ServerOpt func(s *Server)

func WithMaxConcurrentRequests(n int64) ServerOpt {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

func WithMaxBodySize(n int64) ServerOpt {
	return func(s *Server) {
		s.maxBodySize = n
	}
}

func WithTimeout(d time.Duration) ServerOpt {
	return func(s *Server) {
		s.timeout = d
	}
}

func WithCacheTTLs(classes time.Duration, versions time.Duration) ServerOpt {
	return func(s *Server) {
		s.classesTTL = classes
		s.versionsTTL = versions
	}
}

func WithAllowedOrigins(origins []string) ServerOpt {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func NewServer(
	runner *testrun.Runner,
	factory testrun.APIFactory,
	resolver *metadata.Resolver,
	store *cache.Store,
	wsHandler http.Handler,
	opts ...ServerOpt,
) *Server {
	s := &Server{
		runner:      runner,
		factory:     factory,
		resolver:    resolver,
		store:       store,
		wsHandler:   wsHandler,
		maxBodySize: 1024 * 1024,
		timeout:     time.Minute,
		classesTTL:  20 * time.Minute,
		versionsTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.Handle("/api/ws", s.wsHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limit, s.authenticate)
	api.HandleFunc("/run-tests", s.HandleRunTests).Methods(http.MethodPost)
	api.HandleFunc("/run-tests/{jobId}", s.HandleRunStatus).Methods(http.MethodGet)
	api.HandleFunc("/trace-flags", s.HandleTraceFlags).Methods(http.MethodGet)
	api.HandleFunc("/debug-levels", s.HandleDebugLevels).Methods(http.MethodGet)
	api.HandleFunc("/classes", s.HandleClasses).Methods(http.MethodGet)
	api.HandleFunc("/limits", s.HandleLimits).Methods(http.MethodGet)
	api.HandleFunc("/org-api-versions", s.HandleOrgAPIVersions).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerInstanceURL, headerUserID, headerOrgID},
	})
	return c.Handler(r)
}

func (s *Server) ListenAndServe(host string, port int) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("starting HTTP server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Check reports whether the server's backing services are reachable.
func (s *Server) Check(ctx context.Context) error {
	if s.healthCheck == nil {
		return nil
	}
	return s.healthCheck(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		ctx := context.WithValue(r.Context(), ContextKeyReqID, reqID) // nolint:staticcheck

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RecordHTTPRequest(route, rec.status)
		log.Debug("served request",
			"req_id", reqID,
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sem != nil {
			if !s.sem.TryAcquire(1) {
				writeError(w, r, ErrOverCapacity)
				return
			}
			defer s.sem.Release(1)
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate reads the caller's credentials from the request headers. Every
// one of them is required.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		creds := Credentials{
			Credentials: salesforce.Credentials{
				InstanceURL: r.Header.Get(headerInstanceURL),
				AccessToken: strings.TrimSpace(token),
			},
			OwnerID: r.Header.Get(headerUserID),
			OrgID:   r.Header.Get(headerOrgID),
		}
		if !ok || creds.AccessToken == "" || creds.InstanceURL == "" || creds.OwnerID == "" || creds.OrgID == "" {
			writeError(w, r, ErrMissingCredentials)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyCredentials, creds) // nolint:staticcheck
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetReqID(ctx context.Context) string {
	reqID, ok := ctx.Value(ContextKeyReqID).(string)
	if !ok {
		return ""
	}
	return reqID
}

func GetCredentials(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(ContextKeyCredentials).(Credentials)
	return creds, ok
}

func (s *Server) api(r *http.Request) (salesforce.API, Credentials) {
	creds, _ := GetCredentials(r.Context())
	return s.factory.New(creds.Credentials), creds
}

type runTestsBody struct {
	ClassIDs []string `json:"classIds"`
}

func (s *Server) HandleRunTests(w http.ResponseWriter, r *http.Request) {
	var body runTestsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, ErrBodyTooLarge)
			return
		}
		writeError(w, r, ErrInvalidBody)
		return
	}
	creds, _ := GetCredentials(r.Context())
	res, err := s.runner.Run(r.Context(), testrun.RunRequest{
		ClassIDs:    body.ClassIDs,
		OwnerID:     creds.OwnerID,
		OrgID:       creds.OrgID,
		Credentials: creds.Credentials,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info("started test run", "req_id", GetReqID(r.Context()), "job_id", res.JobID, "owner", creds.OwnerID)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	status, ok := s.runner.Status(jobID)
	if !ok {
		writeError(w, r, ErrJobNotFound)
		return
	}
	creds, _ := GetCredentials(r.Context())
	if status.OrgID != creds.OrgID {
		writeError(w, r, ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) HandleTraceFlags(w http.ResponseWriter, r *http.Request) {
	api, creds := s.api(r)
	res, err := s.resolver.Query(r.Context(), api, creds.OrgID, "TraceFlag", "TracedEntityId = "+salesforce.Quote(creds.OwnerID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) HandleDebugLevels(w http.ResponseWriter, r *http.Request) {
	api, creds := s.api(r)
	res, err := s.resolver.Query(r.Context(), api, creds.OrgID, "DebugLevel", "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func classesKey(orgID string) string {
	return "ORG_CLASSES:" + orgID
}

// HandleClasses lists the org's unmanaged classes and flags the test classes
// that emit analytics.
func (s *Server) HandleClasses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	api, creds := s.api(r)

	apiFields, err := s.resolver.APIFieldNames(ctx, api, creds.OrgID, "ApexClass")
	if err != nil {
		writeError(w, r, err)
		return
	}
	fields := slices.DeleteFunc(slices.Clone(apiFields), func(f string) bool {
		return slices.Contains(excludedClassFields, f)
	})

	var (
		all   *metadata.Result
		tests []salesforce.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = s.allClasses(gctx, api, creds.OrgID, fields)
		return err
	})
	g.Go(func() error {
		var err error
		tests, err = api.Search(gctx, fmt.Sprintf(testClassSearch, strings.Join(fields, ",")))
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}

	testNames := make(map[string]bool, len(tests))
	for _, rec := range metadata.CamelizeRecords(tests) {
		testNames[rec.String("name")] = true
	}
	records := make([]salesforce.Record, 0, len(all.Records))
	for _, rec := range all.Records {
		rec = rec.Clone()
		rec[isTestClass] = testNames[rec.String("name")]
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, &metadata.Result{
		Records:    records,
		FieldNames: append(slices.Clone(all.FieldNames), isTestClass),
	})
}

func (s *Server) allClasses(ctx context.Context, api salesforce.API, orgID string, fields []string) (*metadata.Result, error) {
	key := classesKey(orgID)
	var cached metadata.Result
	ok, err := s.store.Get(ctx, key, &cached)
	if err != nil {
		log.Warn("error reading cached classes", "org", orgID, "err", err)
	}
	if ok {
		return &cached, nil
	}
	res, err := s.resolver.QueryFields(ctx, api, orgID, "ApexClass", fields, classesWhere)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, key, res, s.classesTTL); err != nil {
		log.Warn("error caching classes", "org", orgID, "err", err)
	}
	return res, nil
}

func (s *Server) HandleLimits(w http.ResponseWriter, r *http.Request) {
	api, _ := s.api(r)
	limits, err := api.Limits(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func versionsKey(instanceURL string) string {
	return "ORG_VERSIONS:" + instanceURL
}

func (s *Server) HandleOrgAPIVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	api, creds := s.api(r)
	key := versionsKey(creds.InstanceURL)

	var versions []salesforce.Version
	ok, err := s.store.Get(ctx, key, &versions)
	if err != nil {
		log.Warn("error reading cached api versions", "instance_url", creds.InstanceURL, "err", err)
	}
	if !ok {
		versions, err = api.Versions(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.store.Set(ctx, key, versions, s.versionsTTL); err != nil {
			log.Warn("error caching api versions", "instance_url", creds.InstanceURL, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, versions)
}
