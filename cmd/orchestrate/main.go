// Command orchestrate runs the multi-agent orchestration server: the HTTP
// API, the persistent agent gateway, the workflow worker, and the
// background sweepers (webhook redelivery, task timeouts, approval expiry,
// agent health).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	consulapi "github.com/hashicorp/consul/api"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/relaykit/orchestrate/config"
	"github.com/relaykit/orchestrate/internal/agentclient"
	"github.com/relaykit/orchestrate/internal/approval"
	"github.com/relaykit/orchestrate/internal/audit"
	"github.com/relaykit/orchestrate/internal/auth"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/cache"
	"github.com/relaykit/orchestrate/internal/gateway"
	"github.com/relaykit/orchestrate/internal/health"
	"github.com/relaykit/orchestrate/internal/httpapi"
	"github.com/relaykit/orchestrate/internal/kanban"
	"github.com/relaykit/orchestrate/internal/lock"
	"github.com/relaykit/orchestrate/internal/queue"
	"github.com/relaykit/orchestrate/internal/queue/memqueue"
	"github.com/relaykit/orchestrate/internal/router"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/internal/webhook"
	"github.com/relaykit/orchestrate/internal/workflow"
	"github.com/relaykit/orchestrate/pkg/logger"
	"github.com/relaykit/orchestrate/pkg/observability"
	"github.com/relaykit/orchestrate/pkg/utils"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Run the orchestration server."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"orchestrate.yaml"`
}

// ServeCmd starts the HTTP API, agent gateway, and background workers.
type ServeCmd struct{}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("orchestrate"), kong.Description("Multi-agent orchestration server."))
	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

func (c *ServeCmd) Run(cli *CLI) error {
	watcher, err := config.NewWatcher(cli.Config, onConfigReload)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger()

	app, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go app.worker.RunLoop(workerCtx, app.queue, 500*time.Millisecond)

	stopWebhookSweeper, err := app.webhooks.StartSweeper(everySchedule(cfg.Webhook.SweepInterval))
	if err != nil {
		return fmt.Errorf("start webhook sweeper: %w", err)
	}
	stopKanbanSweeper, err := app.kanban.StartSweeper(everySchedule(cfg.Kanban.TimeoutSweepInterval))
	if err != nil {
		return fmt.Errorf("start kanban sweeper: %w", err)
	}
	stopApprovalSweeper, err := app.approvals.StartSweeper(everySchedule(15 * time.Second))
	if err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	stopHealthSweeper, err := app.health.StartSweeper(everySchedule(cfg.Server.HealthCheckInterval))
	if err != nil {
		return fmt.Errorf("start health sweeper: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	handler := app.httpServer.Router()
	if app.obs.TracingEnabled() {
		handler = observability.TracingMiddleware(app.obs.Tracer())(handler)
	}
	httpSrv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrate server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	// Drain sequence: stop accepting new queue work, close gateway streams
	// with 1001, then bound the wait for in-flight HTTP requests before
	// terminating. The worker is not waited for: cancelling its context
	// also cancels an in-flight stage's agent call.
	cancelWorker()
	app.gateway.Shutdown()
	stopWebhookSweeper()
	stopKanbanSweeper()
	stopApprovalSweeper()
	stopHealthSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	log.Info("orchestrate server stopped")
	return nil
}

// onConfigReload fires whenever the on-disk config file changes. Logging
// level and format are re-applied live; every other setting (store DSN,
// queue/lock backends, auth validators, sweeper intervals) was baked into
// the components build() constructed at startup and needs a process
// restart to take effect.
func onConfigReload(cfg *config.Config) {
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	logger.GetLogger().Info("config reloaded", "logging_level", cfg.Logging.Level, "logging_format", cfg.Logging.Format)
}

func everySchedule(d time.Duration) string {
	if d <= 0 {
		d = 30 * time.Second
	}
	return fmt.Sprintf("@every %s", d)
}

// application holds every component wired together, plus whatever needs
// closing when the process exits.
type application struct {
	store      *store.Store
	queue      queue.Broker
	etcdClient *clientv3.Client
	kanban     *kanban.Engine
	webhooks   *webhook.Dispatcher
	locks      *lock.Manager
	approvals  *approval.Gates
	gateway    *gateway.Gateway
	health     *health.Checker
	worker     *workflow.Worker
	httpServer *httpapi.Server
	obs        *observability.Manager
}

func (a *application) Close() {
	if a.obs != nil {
		_ = a.obs.Shutdown(context.Background())
	}
	if a.etcdClient != nil {
		_ = a.etcdClient.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func build(cfg *config.Config, logger *slog.Logger) (*application, error) {
	dsn, err := resolveStoreDSN(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("resolve store dsn: %w", err)
	}
	st, err := store.Open(driverForDialect(cfg.Store.Dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	obs, err := observability.NewManager(context.Background(), &cfg.Observability)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build observability manager: %w", err)
	}

	b := bus.New(logger)
	c := cache.New(false)

	validator, err := auth.NewValidatorFromConfig(&cfg.Auth)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build auth validator: %w", err)
	}

	signer, err := loadSigner(cfg.Audit)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load audit signer: %w", err)
	}

	var encryptionKey []byte
	if cfg.AgentSecret.EncryptionKeyHex != "" {
		encryptionKey, err = decodeHexKey(cfg.AgentSecret.EncryptionKeyHex)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("decode agent secret key: %w", err)
		}
	} else {
		encryptionKey = make([]byte, 32)
	}
	agentClient, err := agentclient.New(encryptionKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build agent client: %w", err)
	}

	rt := router.New(st, c, logger)
	rt.SetMetrics(obs.Metrics())

	dispatchMode := cfg.Server.DispatchMode
	worker := workflow.New(st, rt, agentClient, c, signer, b, logger, dispatchMode)
	worker.SetMetrics(obs.Metrics())

	broker, etcdClient, err := buildQueue(cfg.Queue)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build queue broker: %w", err)
	}

	lockBackend, err := buildLockBackend(cfg.Lock)
	if err != nil {
		st.Close()
		if etcdClient != nil {
			etcdClient.Close()
		}
		return nil, fmt.Errorf("build lock backend: %w", err)
	}

	gw := gateway.New(st, b, logger)
	gw.SetMetrics(obs.Metrics())

	kanbanEngine := kanban.New(st, b, logger)
	kanbanEngine.SetMetrics(obs.Metrics())
	webhooks := webhook.New(st, b, logger)
	webhooks.SetMetrics(obs.Metrics())
	locks := lock.New(st, lockBackend)
	locks.SetMetrics(obs.Metrics())

	srv := &httpapi.Server{
		Store:     st,
		Queue:     broker,
		Kanban:    kanbanEngine,
		Webhooks:  webhooks,
		Locks:     locks,
		Approvals: approval.New(st, b, logger),
		Gateway:   gw,
		Validator: validator,
		Log:       logger,
	}

	return &application{
		store:      st,
		queue:      broker,
		etcdClient: etcdClient,
		kanban:     srv.Kanban,
		webhooks:   srv.Webhooks,
		locks:      srv.Locks,
		approvals:  srv.Approvals,
		gateway:    gw,
		health:     health.New(st, c, logger),
		worker:     worker,
		httpServer: srv,
		obs:        obs,
	}, nil
}

// resolveStoreDSN anchors a bare sqlite filename (the config default,
// "orchestrate.db") under ./.orchestrate so local state doesn't scatter
// into whatever directory the process happens to be launched from.
// DSNs with an explicit directory, and non-sqlite dialects, pass through.
func resolveStoreDSN(cfg config.StoreConfig) (string, error) {
	if cfg.Dialect != config.DialectSQLite || filepath.Dir(cfg.DSN) != "." {
		return cfg.DSN, nil
	}
	stateDir, err := utils.EnsureStateDir("")
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, cfg.DSN), nil
}

func driverForDialect(dialect string) string {
	switch dialect {
	case config.DialectPostgres:
		return "postgres"
	case config.DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

func loadSigner(cfg config.AuditConfig) (*audit.Signer, error) {
	if cfg.PrivateKeyPath == "" {
		return nil, nil
	}
	privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return audit.NewSigner(cfg.SignerID, privPEM)
}

func buildQueue(cfg config.QueueConfig) (queue.Broker, *clientv3.Client, error) {
	if cfg.Backend != config.QueueBackendEtcd {
		return memqueue.New(cfg.LeaseTTL), nil, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial etcd: %w", err)
	}
	return queue.NewEtcdBroker(client, cfg.LeaseTTL), client, nil
}

func buildLockBackend(cfg config.LockConfig) (lock.SessionBackend, error) {
	if cfg.Backend != config.LockBackendConsul {
		return lock.NewMemoryBackend(), nil
	}
	return lock.NewConsulBackend(&consulapi.Config{Address: cfg.ConsulAddress})
}

func decodeHexKey(hexKey string) ([]byte, error) {
	return hex.DecodeString(hexKey)
}
