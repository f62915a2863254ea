package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StoryBeat-server/config"
	"StoryBeat-server/ledger"
	"StoryBeat-server/library"
	"StoryBeat-server/models"
	"StoryBeat-server/planner"
	"StoryBeat-server/provider"
	"StoryBeat-server/routers"
	"StoryBeat-server/routers/api"
	"StoryBeat-server/service"
	"StoryBeat-server/store"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Load config failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	slog.Info("Server starting", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *gorm.DB
	if cfg.MySQL.DSN != "" {
		db, err = models.InitDB(cfg.MySQL.DSN)
		if err != nil {
			slog.Error("Database init failed", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("mysql.dsn is empty, productions and credits are kept in memory")
	}

	lib := library.New(db)
	if err := lib.Load(ctx); err != nil {
		slog.Error("Load character library failed", "error", err)
		os.Exit(1)
	}
	catalog, err := planner.LoadCatalog(cfg.TemplatesFile)
	if err != nil {
		slog.Error("Load templates failed", "error", err)
		os.Exit(1)
	}

	var (
		st *store.Store
		l  ledger.Ledger
	)
	if db != nil {
		st = store.New(store.NewGormBackend(db))
		l = ledger.NewGormLedger(db)
	} else {
		st = store.New(store.NewMemoryBackend())
		l = ledger.NewMemoryLedger()
	}

	providers, err := initProviders(ctx, cfg)
	if err != nil {
		slog.Error("Provider init failed", "error", err)
		os.Exit(1)
	}

	o := cfg.Orchestrator
	orch := service.NewOrchestrator(st, l, providers, service.Options{
		MaxRetries:           o.MaxRetries,
		BackoffBase:          o.BackoffBase,
		BackoffMax:           o.BackoffMax,
		PollInterval:         o.PollInterval,
		DefaultJobTimeout:    o.JobTimeout,
		ReconcileLateResults: *o.ReconcileLateResults,
	})
	orch.SetPricing(cfg.Pricing)

	if cfg.MinIO.Endpoint != "" {
		archiver, err := service.NewMinioArchiver(ctx, service.MinioConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			URLExpiry: cfg.MinIO.URLExpiry,
		})
		if err != nil {
			slog.Error("MinIO init failed", "error", err)
			os.Exit(1)
		}
		orch.SetArchiver(archiver)
		slog.Info("MinIO initialized", "bucket", cfg.MinIO.Bucket)
	}

	if cfg.Redis.Addr != "" {
		sched := service.NewAsynqScheduler(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, o.Concurrency, o.JobTimeout*time.Duration(o.MaxRetries+2))
		orch.SetScheduler(sched)
		if err := sched.Start(orch.RunClip); err != nil {
			slog.Error("Start asynq processor failed", "error", err)
			os.Exit(1)
		}
		defer sched.Shutdown()
		slog.Info("Queue initialized", "redis", cfg.Redis.Addr)
	} else {
		sched := service.NewLocalScheduler(o.Concurrency, 0)
		orch.SetScheduler(sched)
		sched.Start(ctx, orch.RunClip)
	}

	if err := orch.Recover(ctx); err != nil {
		slog.Error("Recover unfinished productions failed", "error", err)
	}

	h := &api.Handler{
		Orchestrator: orch,
		Store:        st,
		Ledger:       l,
		Library:      lib,
		Planner:      planner.New(lib, cfg.Pricing),
		Catalog:      catalog,
	}
	r := routers.InitRouter(h)
	go func() {
		if err := r.Run(cfg.Server.Port); err != nil {
			slog.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
}

func initProviders(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	limits := func(name string) provider.Limits {
		l := cfg.Providers[name]
		return provider.Limits{MaxInFlight: l.MaxInFlight, RatePerSecond: l.RatePerSecond, Burst: l.Burst}
	}
	if cfg.Worker.Addr != "" {
		reg.Register(provider.NewWorkerAdapter(cfg.Worker.Addr, cfg.Providers[models.ProviderWorker].MaxInFlight), limits(models.ProviderWorker))
	}
	if cfg.Veo.APIKey != "" {
		veo, err := provider.NewVeoAdapter(ctx, cfg.Veo.APIKey, cfg.Veo.Model, cfg.Providers[models.ProviderVeo].MaxInFlight)
		if err != nil {
			return nil, err
		}
		reg.Register(veo, limits(models.ProviderVeo))
	}
	slog.Info("Providers registered", "providers", reg.Names())
	return reg, nil
}
