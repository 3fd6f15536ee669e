package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	server "github.com/kazz187/maestro/internal"
	"github.com/kazz187/maestro/internal/api"
	"github.com/kazz187/maestro/internal/bridge"
	"github.com/kazz187/maestro/internal/config"
	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/internal/mail"
	mailrepo "github.com/kazz187/maestro/internal/mail/repositoryimpl"
	"github.com/kazz187/maestro/internal/notify"
	"github.com/kazz187/maestro/internal/project"
	projectrepo "github.com/kazz187/maestro/internal/project/repositoryimpl"
	pushsubrepo "github.com/kazz187/maestro/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/maestro/internal/relation"
	"github.com/kazz187/maestro/internal/session"
	sessionrepo "github.com/kazz187/maestro/internal/session/repositoryimpl"
	"github.com/kazz187/maestro/internal/task"
	taskrepo "github.com/kazz187/maestro/internal/task/repositoryimpl"
	"github.com/kazz187/maestro/pkg/clog"
	"github.com/kazz187/maestro/pkg/keylock"
	"github.com/kazz187/maestro/pkg/sentinel"
	"github.com/kazz187/maestro/pkg/storage"
)

var (
	app = kingpin.New("maestro-server", "Orchestration server for concurrent coding-agent sessions")

	runCmd     = app.Command("run", "Run the server").Default()
	runPort    = runCmd.Flag("port", "HTTP port (overrides MAESTRO_HTTP_PORT)").String()
	runBridge  = runCmd.Flag("bridge-port", "Event bridge port (overrides MAESTRO_BRIDGE_PORT)").String()
	runDataDir = runCmd.Flag("data-dir", "Local storage directory (overrides MAESTRO_STORAGE_BASE_DIR)").String()

	sentinelCmd = app.Command("sentinel", "Supervise the server binary, restarting it on change or crash")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case sentinelCmd.FullCommand():
		sentinel.Run()
	case runCmd.FullCommand():
		run()
	}
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	if *runPort != "" {
		env.HTTPPort = *runPort
	}
	if *runBridge != "" {
		env.BridgePort = *runBridge
	}
	if *runDataDir != "" {
		env.StorageEnv.BaseDir = *runDataDir
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Shared infrastructure: one bus and one lock registry for everything
	// that touches entity state.
	bus := eventbus.New()
	locks := keylock.New()

	// Repositories
	projectRepo := projectrepo.NewYAMLRepository(store)
	taskRepo := taskrepo.NewYAMLRepository(store)
	sessionRepo := sessionrepo.NewYAMLRepository(store)
	mailRepo := mailrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	// Relation store and services
	relations := relation.NewStore(taskRepo, sessionRepo, locks, bus)
	projectService := project.NewService(projectRepo, taskRepo, sessionRepo, locks, bus)
	taskService := task.NewService(taskRepo, projectRepo, relations, locks, bus)
	spawnEnv := config.SpawnEnvFromEnv(env)
	sessionService := session.NewService(sessionRepo, projectRepo, taskService, relations, locks, bus, session.SpawnConfig{
		Command:   spawnEnv.AgentCommand,
		ServerURL: spawnEnv.ServerURL,
	})
	mailService := mail.NewService(mailRepo, sessionRepo, bus)

	// Push notifications
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := notify.NewSender(vapidEnv, pushSubRepo)
	notifyDispatcher := notify.NewDispatcher(bus, pushSender)

	// Event bridge
	bridgeSrv := bridge.NewServer(net.JoinHostPort(env.BridgeHost, env.BridgePort), bus)

	srv := server.NewServer(
		env,
		api.NewProjectHandler(projectService),
		api.NewTaskHandler(taskService),
		api.NewSessionHandler(sessionService),
		api.NewMailHandler(mailService),
		api.NewPushHandler(pushSubRepo, vapidEnv),
	)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go notifyDispatcher.Start(ctx)

	go func() {
		if err := bridgeSrv.Start(ctx); err != nil {
			slog.Error("bridge error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after request contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
