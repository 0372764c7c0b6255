package apexd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/sith-oath/apexd/cache"
	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/notify"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/sink"
	"github.com/sith-oath/apexd/testrun"
	"github.com/sith-oath/apexd/traceflag"
)

const shutdownTimeout = 30 * time.Second

func SetLogLevel(logLevel slog.Leveler) {
	log.SetDefault(log.NewLogger(slog.NewJSONHandler(
		os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Start wires every component from config and starts serving the API. The
// returned func stops accepting requests, waits for running test runs to
// restore tracing and releases all connections.
func Start(config *Config) (*Server, func(), error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	// redis primary client
	var redisClient redis.UniversalClient
	if config.Redis.URL != "" {
		rURL, err := ReadFromEnvOrConfig(config.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		redisClient, err = cache.NewRedisClient(rURL, config.Redis.RedisCluster)
		if err != nil {
			return nil, nil, err
		}
		if err := cache.CheckRedisConnection(redisClient); err != nil {
			if config.Redis.FallbackToMemory {
				log.Warn("failed to connect to redis, falling back to in-memory state", "err", err)
				redisClient = nil
			} else {
				return nil, nil, err
			}
		}
	}

	// redis read replica client
	// if read endpoint is not set, use primary endpoint
	redisReadClient := redisClient
	if config.Redis.ReadURL != "" && redisClient != nil {
		rURL, err := ReadFromEnvOrConfig(config.Redis.ReadURL)
		if err != nil {
			return nil, nil, err
		}
		redisReadClient, err = cache.NewRedisClient(rURL, config.Redis.RedisCluster)
		if err != nil {
			return nil, nil, err
		}
		if err := cache.CheckRedisConnection(redisReadClient); err != nil {
			return nil, nil, err
		}
	}

	memoryCache := cache.NewMemoryCache(config.Cache.MemoryLimit)
	var (
		c      cache.Cache
		states traceflag.StateStore
		locker traceflag.Locker
	)
	if redisClient == nil {
		log.Warn("redis is not configured, using in-memory cache, state and locks")
		c = memoryCache
		states = traceflag.NewMemoryStateStore()
		locker = traceflag.NewMemoryLocker()
	} else {
		c = cache.NewRedisCache(redisClient, redisReadClient, config.Redis.Namespace)
		if config.Redis.FallbackToMemory {
			c = cache.NewFallbackCache(c, memoryCache)
		}
		states = traceflag.NewRedisStateStore(redisClient, config.Redis.Namespace)
		locker = traceflag.NewRedsyncLocker(redisClient, config.Redis.Namespace, time.Duration(config.TraceFlag.LockExpiry))
	}
	if config.Cache.Compress {
		c = cache.NewCacheWithCompression(c)
	}
	store := cache.NewStore(c)

	ctx, cancel := context.WithCancel(context.Background())

	hub := notify.NewHub(notify.WithBufferSize(config.Notify.BufferSize))
	var publisher notify.Publisher = hub
	relayDone := make(chan struct{})
	if redisClient != nil {
		relay := notify.NewRedisRelay(hub, redisClient, config.Notify.RelayChannel)
		publisher = relay
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("notification relay stopped", "err", err)
			}
		}()
	} else {
		close(relayDone)
	}

	var out sink.Sink
	switch config.Sink.Type {
	case SinkTypePostgres:
		uri, err := ReadFromEnvOrConfig(config.Sink.PostgresURI)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		pg, err := sink.NewPostgresSink(ctx, uri)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		if config.Sink.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				cancel()
				pg.Close() //nolint:errcheck
				return nil, nil, wrapErr(err, "failed to migrate analytics sink")
			}
		}
		out = pg
	default:
		out = sink.NewLogSink()
	}

	resolver := metadata.NewResolver(store, metadata.WithTTL(time.Duration(config.Cache.FieldNamesTTL)))
	factory := salesforce.NewFactory(
		config.Salesforce.APIVersion,
		time.Duration(config.Salesforce.Timeout),
		config.Salesforce.MaxRetries,
		config.Salesforce.MaxRPS,
	)

	var tracingOpts []traceflag.ManagerOpt
	if config.TraceFlag.Expiration != 0 {
		tracingOpts = append(tracingOpts, traceflag.WithExpiration(time.Duration(config.TraceFlag.Expiration)))
	}
	tracing := traceflag.NewManager(resolver, states, tracingOpts...)

	var pipelineOpts []extract.PipelineOpt
	if config.Extract.Concurrency > 0 {
		pipelineOpts = append(pipelineOpts, extract.WithConcurrency(config.Extract.Concurrency))
	}
	if config.Extract.SeenLimit > 0 {
		pipelineOpts = append(pipelineOpts, extract.WithSeenLimit(config.Extract.SeenLimit))
	}
	pipeline := extract.NewPipeline(resolver, publisher, out, pipelineOpts...)

	runner := testrun.NewRunner(factory, resolver, tracing, locker, pipeline, publisher,
		testrun.WithPollInterval(time.Duration(config.Poller.Interval)),
		testrun.WithMaxTickRetries(config.Poller.MaxTickRetries),
		testrun.WithMaxDuration(time.Duration(config.Poller.MaxDuration)),
	)

	var wsOpts []notify.WebsocketOpt
	if config.Server.AllowAllOrigins {
		wsOpts = append(wsOpts, notify.WithAllowAllOrigins())
	}
	if config.Notify.PingInterval != 0 {
		wsOpts = append(wsOpts, notify.WithPingInterval(time.Duration(config.Notify.PingInterval)))
	}

	origins := config.Server.AllowedOrigins
	if config.Server.AllowAllOrigins {
		origins = []string{"*"}
	}
	srv := NewServer(runner, factory, resolver, store, notify.NewWebsocketHandler(hub, wsOpts...),
		WithMaxConcurrentRequests(config.Server.MaxConcurrentRequests),
		WithMaxBodySize(config.Server.MaxBodySizeBytes),
		WithTimeout(time.Duration(config.Server.TimeoutSeconds)*time.Second),
		WithCacheTTLs(time.Duration(config.Cache.ClassesTTL), time.Duration(config.Cache.VersionsTTL)),
		WithAllowedOrigins(origins),
	)
	if redisClient != nil {
		srv.healthCheck = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	go func() {
		if err := srv.ListenAndServe(config.Server.Host, config.Server.Port); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("HTTP server shut down")
				return
			}
			log.Crit("error starting HTTP server", "err", err)
		}
	}()

	shutdownFunc := func() {
		log.Info("shutting down apexd")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("error shutting down HTTP server", "err", err)
		}
		if err := runner.Shutdown(sctx); err != nil {
			log.Error("test runs did not stop in time", "err", err)
		}
		cancel()
		<-relayDone
		if err := out.Close(); err != nil {
			log.Error("error closing analytics sink", "err", err)
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Error("error closing redis client", "err", err)
			}
		}
		log.Info("goodbye")
	}

	return srv, shutdownFunc, nil
}
