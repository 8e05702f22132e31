// Package main is the entry point for the task hub broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/ager"
	"github.com/taskhub/taskhub/internal/artifact"
	"github.com/taskhub/taskhub/internal/common/config"
	"github.com/taskhub/taskhub/internal/common/httpmw"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/dispatch"
	"github.com/taskhub/taskhub/internal/dlq"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/hub/api"
	"github.com/taskhub/taskhub/internal/hub/stream"
	"github.com/taskhub/taskhub/internal/metrics"
	"github.com/taskhub/taskhub/internal/routing"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/sweeper"
	"github.com/taskhub/taskhub/internal/task/repository"
	"github.com/taskhub/taskhub/internal/workflow"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	if *showVersion {
		fmt.Println("taskhub " + version)
		return
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// `taskhub cleanup` removes the local database and exits. Used by test
	// harnesses and dev resets.
	if flag.Arg(0) == "cleanup" {
		if err := store.Cleanup(cfg.Database); err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("database removed")
		return
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if cfg.Auth.SecretKey == "" {
		log.Error("SECRET_KEY is not set; refusing to start")
		os.Exit(1)
	}

	log.Info("Starting task hub broker", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("driver", st.DriverName()))

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	tasks := repository.NewSQLRepository(st)
	agents := registry.NewRegistry(registry.NewSQLRepository(st), log)
	router := routing.NewEngine(routing.NewSQLRepository(st), log)
	verifier := artifact.NewVerifierWithMaxAge(cfg.Auth.SecretKey, cfg.Broker.SignatureMaxAgeDuration())
	dlqService := dlq.NewService(dlq.NewSQLRepository(st), tasks, eventBus, log)
	workflows := workflow.NewSQLRepository(st)
	recovery := workflow.NewRecovery(tasks, workflows, eventBus, log)

	dispatcher := dispatch.NewDispatcher(tasks, agents, router, verifier, dlqService, eventBus, m, cfg.Broker, log)

	// Repair any inconsistency left over from an unclean shutdown before
	// accepting traffic.
	if report, err := recovery.Run(ctx); err != nil {
		log.Error("Startup recovery failed", zap.Error(err))
	} else if report.Repaired > 0 || len(report.Residual) > 0 {
		log.Warn("Startup recovery repaired workflow state",
			zap.Int("repaired", report.Repaired),
			zap.Int("residual", len(report.Residual)))
	}

	sweep := sweeper.NewSweeper(tasks, agents.Repo(), eventBus, m, cfg.Broker.SweepIntervalDuration(), log)
	if err := sweep.Start(ctx); err != nil {
		log.Fatal("Failed to start lease sweeper", zap.Error(err))
	}
	aging := ager.NewAger(tasks, eventBus, cfg.Broker, log)
	if err := aging.Start(ctx); err != nil {
		log.Fatal("Failed to start priority ager", zap.Error(err))
	}

	wsHub := stream.NewHub(eventBus, log)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return wsHub.Run(groupCtx) })

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "taskhub"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"version":       version,
			"bus_connected": eventBus.IsConnected(),
		})
	})
	engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	handler := api.NewHandler(dispatcher, agents, router, dlqService, recovery, workflows, log)
	root := engine.Group("")
	api.SetupRoutes(root, handler, log)

	ws := engine.Group("/ws", httpmw.Auth(log))
	stream.SetupWebSocketRoutes(ws, stream.NewWSHandler(wsHub, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down task hub broker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sweep.Stop(); err != nil {
		log.Error("Sweeper stop error", zap.Error(err))
	}
	if err := aging.Stop(); err != nil {
		log.Error("Ager stop error", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		log.Error("Event stream stop error", zap.Error(err))
	}

	log.Info("Task hub broker stopped")
}
