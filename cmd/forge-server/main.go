package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgegraph/forge-core/internal/api"
	"github.com/forgegraph/forge-core/internal/cache"
	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/config"
	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/fabric"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/graph"
	"github.com/forgegraph/forge-core/internal/infra"
	"github.com/forgegraph/forge-core/internal/metrics"
	"github.com/forgegraph/forge-core/internal/middleware"
	"github.com/forgegraph/forge-core/internal/nonce"
	"github.com/forgegraph/forge-core/internal/scheduler"
	"github.com/forgegraph/forge-core/internal/session"
	"github.com/forgegraph/forge-core/internal/snapshot"
	"github.com/forgegraph/forge-core/internal/sync"
	"github.com/forgegraph/forge-core/internal/trust"
	"github.com/forgegraph/forge-core/internal/webhooks"
	"github.com/forgegraph/forge-core/pkg/sdk"
)

const shutdownGrace = 30 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("FORGE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Config load failed", "path", configPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)

	m := metrics.NewMetrics()

	breakers := circuitbreaker.NewRegistry(m)
	for name, bc := range cfg.Breakers {
		breakers.Configure(name, circuitbreaker.Config{
			FailureThreshold:     bc.FailureThreshold,
			FailureRateThreshold: bc.FailureRateThreshold,
			WindowSize:           bc.WindowSize,
			MinCallsForRate:      bc.MinCallsForRate,
			SuccessThreshold:     bc.SuccessThreshold,
			RecoveryTimeout:      seconds(bc.RecoveryTimeoutSeconds),
			CallTimeout:          seconds(bc.CallTimeoutSeconds),
			HalfOpenMaxCalls:     bc.HalfOpenMaxCalls,
		})
	}

	// Redis is optional: every consumer falls back to its in-memory backend.
	var redis *infra.RedisAdapter
	if cfg.Cache.RedisURL != "" {
		redis, err = infra.NewRedisAdapter(cfg.Cache.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, falling back to in-memory backends", "error", err)
			redis = nil
		}
	}

	// The graph is where peers, capsules, and sessions live. Production
	// refuses to start without one; development runs on memory stores.
	var neo *graph.Neo4jExecutor
	if cfg.Graph.URI != "" {
		neo, err = graph.NewNeo4jExecutor(cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
		if err != nil {
			slog.Error("Graph connection failed", "uri", cfg.Graph.URI, "error", err)
			os.Exit(1)
		}
	} else if cfg.Server.Env == "production" {
		slog.Error("graph.uri is required in production")
		os.Exit(1)
	}

	var bus events.Bus
	if redis != nil {
		bus = events.NewRedisBus(redis, "", cfg.Federation.InstanceID)
	} else {
		bus = events.NewLocalBus(cfg.Federation.InstanceID)
	}

	trustMgr := trust.NewManager(trust.Config{
		InitialScore:           cfg.Trust.InitialScore,
		InactivityDecayPerWeek: cfg.Trust.InactivityDecayPerWeek,
		InactivityFloor:        cfg.Trust.InactivityFloor,
		VerificationMaxAgeDays: cfg.Trust.VerificationMaxAgeDays,
	}, m, bus)

	provider, err := federation.LoadOrCreateProvider(
		federation.CryptoAlgorithm(cfg.Federation.KeyAlgorithm), cfg.Federation.PrivateKeyPath)
	if err != nil {
		slog.Error("Signing key setup failed", "error", err)
		os.Exit(1)
	}

	info := federation.InstanceInfo{
		InstanceID: cfg.Federation.InstanceID,
		Name:       cfg.Federation.InstanceName,
		APIVersion: cfg.Federation.APIVersion,
		Capabilities: federation.Capabilities{
			SupportsPush:      true,
			SupportsPull:      true,
			SupportsStreaming: cfg.Stream.Enabled,
		},
		SuggestedIntervalMinutes: cfg.Federation.SuggestedIntervalMinutes,
		MaxEntitiesPerSync:       cfg.Federation.MaxEntitiesPerSync,
	}

	discovery, err := federation.NewDiscoveryDocument(info, provider)
	if err != nil {
		slog.Error("Discovery document build failed", "error", err)
		os.Exit(1)
	}

	nonces := nonce.NewStore(redis, nonce.Config{
		Prefix: cfg.Federation.NoncePrefix,
		TTL:    seconds(cfg.Federation.NonceTTLSeconds),
	}, m)

	// Every component that seals or signs on behalf of this instance shares
	// one nonce source, so each peer sees a single monotone sequence.
	src := federation.NewNonceSource()
	skew := seconds(cfg.Federation.ClockSkewSeconds)

	sealer := federation.NewSealer(provider, src)
	opener := federation.NewOpener(nonces, skew, m)
	handshaker := federation.NewHandshaker(info, provider, nonces, src, skew, m)

	cacheOpts := cache.Options{
		Keys:           cache.NewKeyBuilder(cfg.Cache.CapsuleKeyPattern, cfg.Cache.LineageKeyPattern, cfg.Cache.SearchKeyPattern),
		MaxResultBytes: cfg.Cache.MaxCachedResultBytes,
		Metrics:        m,
	}
	if redis != nil {
		cacheOpts.Redis = redis
	}
	queryCache := cache.New(cacheOpts)
	invalidator := cache.NewInvalidator(queryCache, cache.StrategyDebounced, 0, m)
	unbindInvalidator := invalidator.BindBus(bus)

	var peerStore sync.Store
	var capsuleStore sync.CapsuleStore
	if neo != nil {
		peerStore = sync.NewGraphStore(neo, breakers.Neo4j())
		capsuleStore = sync.NewGraphCapsuleStore(neo, breakers.Neo4j())
	} else {
		slog.Warn("No graph configured; peers and capsules are in-memory and lost on restart")
		peerStore = sync.NewMemoryStore()
		capsuleStore = sync.NewMemoryCapsuleStore()
	}

	// The outbound transport shares the instance nonce source. Response
	// replay checking stays off: responses are signature- and
	// timestamp-verified, and the inbound store must not see client traffic.
	transport := sdk.NewClient(sdk.Config{
		Info:        info,
		Provider:    provider,
		NonceSource: src,
		ClockSkew:   skew,
	})

	engine := sync.NewEngine(sync.Config{
		Info:                   info,
		PageLimit:              cfg.Federation.MaxEntitiesPerSync,
		DefaultIntervalMinutes: cfg.Federation.SuggestedIntervalMinutes,
		AllowInsecurePeers:     cfg.Federation.AllowInsecurePeers,
	}, peerStore, capsuleStore, transport, trustMgr, breakers, bus, m)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	if n, err := engine.LoadPeers(startCtx); err != nil {
		slog.Warn("Peer registry load failed; starting empty", "error", err)
	} else {
		slog.Info("Peer registry loaded", "peers", n)
	}
	cancelStart()

	var sessStore session.Store
	if neo != nil {
		sessStore = session.NewGraphStore(neo, breakers.Neo4j())
	} else {
		sessStore = session.NewMemoryStore()
	}
	var sessCache session.Cache
	if cfg.Sessions.CacheEnabled {
		ttl := seconds(cfg.Sessions.CacheTTLSeconds)
		if redis != nil {
			sessCache = session.NewRedisCache(redis, ttl)
		} else {
			sessCache = session.NewMemoryCache(ttl)
		}
	}
	sessions := session.NewService(session.Config{
		CacheTTL:     seconds(cfg.Sessions.CacheTTLSeconds),
		MaxIPHistory: cfg.Sessions.MaxIPHistoryPerSession,
	}, sessStore, sessCache, bus, m)

	hookRegistry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(webhooks.Config{
		Workers:   cfg.Webhooks.Workers,
		QueueSize: cfg.Webhooks.QueueSize,
	}, hookRegistry, breakers.GetOrCreate(circuitbreaker.BreakerWebhook), m)
	dispatcher.BindBus(bus)

	var snapshots *snapshot.Service
	var compactor *snapshot.Compactor
	if neo != nil {
		snapshots = snapshot.NewService(neo, breakers.Neo4j())
		compactor = snapshot.NewCompactor(neo, breakers.Neo4j())
	}

	var hub *fabric.Hub
	if cfg.Stream.Enabled {
		hub = fabric.NewHub(fabric.Config{AllowedOrigins: cfg.Stream.AllowedOrigins}, m)
		hub.BindBus(bus)
	}

	sched := scheduler.New(m, bus)
	registerTasks(sched, cfg, engine, queryCache, sessions, snapshots, compactor)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			slog.Error("Scheduler start failed", "error", err)
			os.Exit(1)
		}
	}

	var limiter *middleware.PeerRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewPeerRateLimiter(cfg.RateLimit.RequestsPerMinute, trustMgr, m)
	}

	var adminAuth *middleware.AdminAuth
	if cfg.Admin.APIKeyHash != "" {
		adminAuth = middleware.NewAdminAuth(cfg.Admin.APIKeyHash)
	} else {
		slog.Warn("Admin surface disabled: no admin.api_key_hash configured")
	}

	server := api.NewServer(api.Config{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   seconds(cfg.Server.ReadTimeoutSeconds),
		WriteTimeout:  seconds(cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:   seconds(cfg.Server.IdleTimeoutSeconds),
		StreamEnabled: cfg.Stream.Enabled,
	}, api.Deps{
		Engine:     engine,
		Opener:     opener,
		Sealer:     sealer,
		Handshaker: handshaker,
		Discovery:  discovery,
		Trust:      trustMgr,
		Breakers:   breakers,
		Scheduler:  sched,
		Cache:      queryCache,
		Nonces:     nonces,
		Sessions:   sessions,
		Webhooks:   hookRegistry,
		Snapshots:  snapshots,
		Hub:        hub,
		Limiter:    limiter,
		Admin:      adminAuth,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("HTTP drain failed", "error", err)
		}
	}()

	slog.Info("Forge federation core starting",
		"instance_id", cfg.Federation.InstanceID,
		"addr", cfg.Server.Addr,
		"env", cfg.Server.Env)
	if err := server.Start(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	// HTTP is drained; stop the components in dependency order.
	sched.Stop()
	unbindInvalidator()
	invalidator.Close()
	dispatcher.Shutdown()
	if hub != nil {
		hub.Shutdown()
	}
	if limiter != nil {
		limiter.Close()
	}
	bus.Close()
	if neo != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		neo.Close(closeCtx)
		cancel()
	}
	if redis != nil {
		redis.Close()
	}
	slog.Info("Forge stopped")
}

// registerTasks wires the background maintenance loops. Disabled tasks stay
// registered so operators can inspect and run them from the admin API.
func registerTasks(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	engine *sync.Engine,
	qc *cache.QueryCache,
	sessions *session.Service,
	snapshots *snapshot.Service,
	compactor *snapshot.Compactor,
) {
	reg := func(name string, fn scheduler.TaskFunc, interval time.Duration, enabled bool) {
		if err := sched.Register(name, fn, interval, enabled); err != nil {
			slog.Error("Task registration failed", "task", name, "error", err)
		}
	}

	// The sweep itself decides which peers are due, so it ticks faster than
	// any sync interval.
	reg("federation_sync", engine.SyncDuePeers, time.Minute, true)
	reg("trust_decay", engine.TrustDecaySweep, hours(cfg.Scheduler.TrustDecayIntervalHours), true)

	reg("query_cache_cleanup", func(ctx context.Context) error {
		qc.CleanupExpired(ctx)
		return nil
	}, minutes(cfg.Scheduler.QueryCacheCleanupIntervalMinutes), cfg.Cache.Enabled)

	reg("session_cleanup", func(ctx context.Context) error {
		_, err := sessions.CleanupExpired(ctx)
		return err
	}, minutes(cfg.Scheduler.SessionCleanupIntervalMinutes), true)

	if snapshots != nil {
		reg("graph_snapshot", snapshots.Run,
			minutes(cfg.Scheduler.GraphSnapshotIntervalMinutes), cfg.Scheduler.GraphSnapshotEnabled)
	}
	if compactor != nil {
		reg("version_compaction", compactor.Run,
			hours(cfg.Scheduler.VersionCompactionIntervalHours), cfg.Scheduler.VersionCompactionEnabled)
	}
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
