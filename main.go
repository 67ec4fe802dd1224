// godeld assembles the runtime from one config file: event store and bus,
// agent registry with persistent state machines, selector, cluster balancer,
// execution and workflow engines, quota manager, and the ops API with its
// health and gRPC probes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/auth"
	"github.com/davidkimai/godel-sub016/internal/circuitbreaker"
	"github.com/davidkimai/godel-sub016/internal/cluster"
	"github.com/davidkimai/godel-sub016/internal/config"
	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/eventstore"
	"github.com/davidkimai/godel-sub016/internal/execution"
	"github.com/davidkimai/godel-sub016/internal/health"
	"github.com/davidkimai/godel-sub016/internal/httpapi"
	"github.com/davidkimai/godel-sub016/internal/quota"
	"github.com/davidkimai/godel-sub016/internal/resolver"
	"github.com/davidkimai/godel-sub016/internal/selector"
	"github.com/davidkimai/godel-sub016/internal/tracing"
	"github.com/davidkimai/godel-sub016/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "config file path (overrides GODEL_CONFIG_PATH)")
	issueToken := flag.String("issue-token", "", "print a signed access token for this user id and exit")
	tokenScopes := flag.String("token-scopes", "", "comma-separated scopes for -issue-token; default is every scope")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Operator convenience: mint a token against the configured secret
	// without bringing the daemon up.
	if *issueToken != "" {
		if err := printAccessToken(cfg, *issueToken, *tokenScopes); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}

	logger, level, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("godeld starting",
		zap.Int("port", cfg.Service.Port),
		zap.Int("health_port", cfg.Service.HealthPort),
		zap.Int("grpc_port", cfg.Service.GRPCPort),
		zap.String("event_store", storeLabel(cfg.Store.DSN)),
		zap.String("agent_storage", cfg.Storage.Backend))

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	}

	// Event store and bus. An empty DSN keeps the log in memory.
	var store eventstore.Store
	var sqlStore *eventstore.SQLStore
	if cfg.Store.DSN == "" {
		store = eventstore.NewMemoryStore()
	} else {
		sqlStore, err = eventstore.Open(cfg.Store.DSN, eventstore.Options{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: time.Duration(cfg.Store.FlushIntervalMs) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("open event store", zap.Error(err))
		}
		store = sqlStore
	}

	bus := eventbus.New(eventbus.Options{
		MaxHistorySize: cfg.Bus.MaxHistorySize,
		Store:          store,
		Logger:         logger,
	})

	// Agent state storage backend.
	var storage agent.StateStorage
	var redisClient *redis.Client
	switch cfg.Storage.Backend {
	case "file":
		storage, err = agent.NewFileStorage(cfg.Storage.Dir)
		if err != nil {
			logger.Fatal("open file storage", zap.Error(err))
		}
	case "sql":
		// Validation guarantees a DSN, so the event store connection is
		// shared rather than opened twice.
		storage, err = agent.NewSQLStorage(sqlStore.DB())
		if err != nil {
			logger.Fatal("open sql storage", zap.Error(err))
		}
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		storage = agent.NewRedisStorage(redisClient)
	default:
		storage = agent.NewMemoryStorage()
	}

	// Quota manager, optionally fronted by rego policies.
	var policy *quota.Policy
	if cfg.Quota.Policy.Enabled {
		policy, err = quota.NewPolicy(quota.PolicyOptions{
			Enabled:    true,
			Path:       cfg.Quota.Policy.Path,
			FailClosed: cfg.Quota.Policy.FailClosed,
			CacheTTL:   time.Duration(cfg.Quota.Policy.CacheTTLMs) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Fatal("load quota policies", zap.String("path", cfg.Quota.Policy.Path), zap.Error(err))
		}
	}
	quotas := quota.NewManager(quota.ManagerOptions{
		UserDefaults:      limitsFrom(cfg.Quota.UserDefaults),
		TeamDefaults:      limitsFrom(cfg.Quota.TeamDefaults),
		OrgDefaults:       limitsFrom(cfg.Quota.OrgDefaults),
		RequestsPerSecond: cfg.Quota.RequestsPerSecond,
		RequestBurst:      cfg.Quota.RequestBurst,
		Policy:            policy,
		Bus:               bus,
		Logger:            logger,
	})

	// Agent registry. Lifecycle events land on the bus and admission is
	// gated by the quota manager.
	agents := agent.NewStatefulRegistry(agent.StatefulOptions{
		Storage: storage,
		Emitter: agent.EmitterFunc(func(eventType string, payload map[string]any) {
			bus.PublishAsync(eventType, payload, eventbus.WithSource("agent-registry"))
		}),
		Logger:          logger,
		ErrorRetryLimit: cfg.State.ErrorRetryLimit,
		SaveDebounce:    time.Duration(cfg.Persist.SaveDebounceMs) * time.Millisecond,
		Admission:       quotas.Gate(),
	})

	sel := selector.New(agents.Directory(), selector.Options{
		Weights: selector.Weights{
			Skill:       cfg.Selector.Weights.Skill,
			Cost:        cfg.Selector.Weights.Cost,
			Reliability: cfg.Selector.Weights.Reliability,
			Load:        cfg.Selector.Weights.Load,
		},
		Logger: logger,
	})

	clusters := cluster.NewRegistry(logger)
	breakers := circuitbreaker.NewSet(circuitbreaker.Config{
		FailureThreshold: uint32(cfg.LB.CircuitBreakerThreshold),
	}, logger)
	balancer := cluster.NewBalancer(clusters, cluster.BalancerOptions{
		Breakers:        breakers,
		MaxAlternatives: cfg.LB.MaxAlternatives,
		RebalanceSpread: cfg.LB.RebalanceSpread,
		Logger:          logger,
	})

	// Both engines share one executor. Agents run out of process; until a
	// transport is wired in, the built-in executor simulates their work.
	executor := newSimExecutor(logger)

	engine, err := execution.NewEngine(execution.Options{
		Bus:      bus,
		Executor: executor,
		Picker:   sel,
		Registry: agents,
		Config: execution.Config{
			MaxConcurrency:    cfg.Exec.MaxConcurrency,
			RetryAttempts:     cfg.Exec.RetryAttempts,
			RetryDelay:        time.Duration(cfg.Exec.RetryDelayMs) * time.Millisecond,
			RetryBackoff:      execution.Backoff(cfg.Exec.RetryBackoff),
			ContinueOnFailure: cfg.Exec.ContinueOnFailure,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("build execution engine", zap.Error(err))
	}

	workflows, err := workflow.NewEngine(workflow.Options{
		Bus:      bus,
		Executor: executor,
		Picker:   sel,
		Registry: agents,
		Config: workflow.Config{
			MaxConcurrentNodes: cfg.Workflow.MaxConcurrentNodes,
			DefaultTaskTimeout: time.Duration(cfg.Workflow.DefaultTaskTimeoutMs) * time.Millisecond,
			SubWorkflowTimeout: time.Duration(cfg.Workflow.SubWorkflowTimeoutMs) * time.Millisecond,
			MaxNestingDepth:    cfg.Workflow.MaxNestingDepth,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("build workflow engine", zap.Error(err))
	}

	// Preload the static fleet and workflow definitions.
	ctx := context.Background()
	if path := cfg.Fleet.ManifestPath; path != "" {
		n, err := preloadFleet(ctx, agents, path)
		if err != nil {
			logger.Fatal("load fleet manifest", zap.String("path", path), zap.Error(err))
		}
		logger.Info("fleet manifest loaded", zap.Int("agents", n), zap.String("path", path))
	}
	if dir := cfg.Workflow.DefinitionsDir; dir != "" {
		n, err := preloadWorkflows(workflows, dir)
		if err != nil {
			logger.Fatal("load workflow definitions", zap.String("dir", dir), zap.Error(err))
		}
		logger.Info("workflow definitions loaded", zap.Int("workflows", n), zap.String("dir", dir))
	}

	// Health probes on their own port.
	hm := health.NewManager(health.Options{Logger: logger})
	_ = hm.Register(health.NewStoreChecker(store))
	if redisClient != nil {
		_ = hm.Register(health.NewRedisChecker(redisClient))
	}
	_ = hm.Register(health.NewRegistryChecker(agents.Directory()))
	_ = hm.Register(health.NewClusterChecker(clusters, balancer.Breakers()))
	if err := hm.Start(); err != nil {
		logger.Warn("health manager start", zap.Error(err))
	}
	healthSrv := health.StartServer(hm, cfg.Service.HealthPort, logger)

	// Ops API.
	mw := auth.New(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		AccessTTL: time.Duration(cfg.Auth.AccessTokenTTLMins) * time.Minute,
		Keys:      apiKeysFrom(cfg.Auth.APIKeys),
		Logger:    logger,
	})

	api, err := httpapi.NewServer(httpapi.Options{
		Bus:       bus,
		Agents:    agents,
		Exec:      engine,
		Workflows: workflows,
		Clusters:  clusters,
		Balancer:  balancer,
		Quotas:    quotas,
		Auth:      mw.Wrap,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("build ops API", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:        api.Router(),
		ReadTimeout:    time.Duration(cfg.Service.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:   time.Duration(cfg.Service.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops API listening", zap.String("addr", httpSrv.Addr), zap.Bool("auth", cfg.Auth.Enabled))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// gRPC health probe for environments that check over gRPC.
	grpcSrv, grpcHealth, err := startGRPCHealth(cfg.Service.GRPCPort, logger)
	if err != nil {
		logger.Fatal("start grpc health server", zap.Error(err))
	}

	// Config hot reload: log level and breaker threshold apply live,
	// everything else waits for a restart.
	watcher := config.NewWatcher(resolveConfigPath(*configPath), cfg, logger)
	watcher.OnChange(func(old, updated *config.Config) {
		if updated.Logging.Level != old.Logging.Level {
			if lvl, perr := zapcore.ParseLevel(updated.Logging.Level); perr == nil {
				level.SetLevel(lvl)
			}
		}
		if updated.LB.CircuitBreakerThreshold != old.LB.CircuitBreakerThreshold {
			breakers.UpdateThreshold(uint32(updated.LB.CircuitBreakerThreshold))
		}
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("config watcher start", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("ops API server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.GracefulTimeoutMs)*time.Millisecond)
	defer cancel()

	// Flip the gRPC probe first so orchestrators stop routing here while
	// in-flight HTTP requests drain.
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops API shutdown", zap.Error(err))
	}
	api.Close()
	engine.Cancel()
	cancelWorkflows(workflows, logger)
	grpcSrv.GracefulStop()
	watcher.Stop()
	hm.Stop()
	_ = healthSrv.Shutdown(shutdownCtx)

	stopAgents(shutdownCtx, agents, logger)
	if err := agents.Close(shutdownCtx); err != nil {
		logger.Warn("flush agent state", zap.Error(err))
	}
	bus.Close()
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("close event store", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("godeld stopped")
}

// loadConfig prefers the -config flag over GODEL_CONFIG_PATH.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// resolveConfigPath mirrors loadConfig's resolution so the watcher observes
// the same file the daemon booted from. Empty means no file: nothing to
// watch.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := os.Getenv(config.EnvConfigPath); path != "" {
		return path
	}
	if _, err := os.Stat(config.DefaultPath); err == nil {
		return config.DefaultPath
	}
	return ""
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level := zap.NewAtomicLevelAt(lvl)

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	if cfg.Encoding != "" {
		zcfg.Encoding = cfg.Encoding
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

func printAccessToken(cfg *config.Config, userID, rawScopes string) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is not configured")
	}
	scopes := auth.AllScopes()
	if rawScopes != "" {
		scopes = scopes[:0]
		for _, s := range strings.Split(rawScopes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	}
	v := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer,
		time.Duration(cfg.Auth.AccessTokenTTLMins)*time.Minute)
	token, err := v.Issue(auth.Principal{UserID: userID, Scopes: scopes})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func storeLabel(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

func limitsFrom(l config.LimitsConfig) quota.Limits {
	return quota.Limits{
		AgentsPerDay:       l.AgentsPerDay,
		AgentsPerWeek:      l.AgentsPerWeek,
		AgentsPerMonth:     l.AgentsPerMonth,
		ComputeHoursPerDay: l.ComputeHoursPerDay,
		ConcurrentAgents:   l.ConcurrentAgents,
		StorageBytes:       l.StorageBytes,
	}
}

func apiKeysFrom(keys []config.APIKeyConfig) []auth.APIKey {
	out := make([]auth.APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, auth.APIKey{
			Name:   k.Name,
			Hash:   k.Hash,
			UserID: k.UserID,
			TeamID: k.TeamID,
			OrgID:  k.OrgID,
			Scopes: k.Scopes,
		})
	}
	return out
}

func preloadFleet(ctx context.Context, agents *agent.StatefulRegistry, path string) (int, error) {
	configs, err := agent.LoadManifest(path)
	if err != nil {
		return 0, err
	}
	for i, c := range configs {
		if _, err := agents.RegisterAgent(ctx, c); err != nil {
			return i, fmt.Errorf("register %q: %w", c.ID, err)
		}
	}
	return len(configs), nil
}

func preloadWorkflows(engine *workflow.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := workflow.LoadFile(path)
		if err != nil {
			return n, err
		}
		if err := engine.RegisterWorkflow(wf); err != nil {
			return n, fmt.Errorf("register %s: %w", path, err)
		}
		n++
	}
	return n, nil
}

func startGRPCHealth(port int, logger *zap.Logger) (*grpc.Server, *grpchealth.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, err
	}
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	go func() {
		logger.Info("grpc health listening", zap.Int("port", port))
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()
	return srv, hs, nil
}

// cancelWorkflows stops every non-terminal instance so executor goroutines
// unwind before the bus closes.
func cancelWorkflows(engine *workflow.Engine, logger *zap.Logger) {
	for _, inst := range engine.ListInstances() {
		if inst.Status.Terminal() {
			continue
		}
		if err := engine.Cancel(inst.ID); err != nil {
			logger.Debug("cancel workflow instance", zap.String("instance", inst.ID), zap.Error(err))
		}
	}
}

// stopAgents drains the fleet without force; agents mid-task reach a
// terminal state through the normal stopping path.
func stopAgents(ctx context.Context, agents *agent.StatefulRegistry, logger *zap.Logger) {
	for _, a := range agents.Directory().List() {
		if err := agents.StopAgent(ctx, a.ID, false); err != nil {
			logger.Debug("stop agent", zap.String("agent", a.ID), zap.Error(err))
		}
	}
}

// simExecutor is the development TaskExecutor. It holds the task for its
// declared duration and echoes the parameters back, which is enough for the
// engines, tracker and stream to behave exactly as they would against a
// real transport.
type simExecutor struct {
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newSimExecutor(logger *zap.Logger) *simExecutor {
	return &simExecutor{
		logger:  logger.Named("simexec"),
		running: make(map[string]context.CancelFunc),
	}
}

func (x *simExecutor) Execute(ctx context.Context, agentID string, task *resolver.Task) (any, error) {
	dur := simDuration(task)

	ctx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.running[task.ID] = cancel
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.running, task.ID)
		x.mu.Unlock()
		cancel()
	}()

	x.logger.Debug("executing task",
		zap.String("task", task.ID),
		zap.String("agent", agentID),
		zap.Duration("duration", dur))

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{
		"task":      task.ID,
		"agent":     agentID,
		"status":    "done",
		"elapsedMs": dur.Milliseconds(),
	}, nil
}

func (x *simExecutor) Cancel(taskID string) error {
	x.mu.Lock()
	cancel, ok := x.running[taskID]
	x.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// simDuration honors a durationMs task parameter so plans can model uneven
// workloads; JSON hands numbers over as float64.
func simDuration(task *resolver.Task) time.Duration {
	switch v := task.Parameters["durationMs"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return 50 * time.Millisecond
}
