package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/automation"
	"github.com/ignite/campaign-engine/internal/cache"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/retry"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/abtest"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/delivery"
	"github.com/ignite/campaign-engine/internal/service/recipient"
	"github.com/ignite/campaign-engine/internal/service/sending"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/ignite/campaign-engine/internal/tracking"
)

// app holds the wired process: storage clients, the job worker, the event
// bus and the HTTP server.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	redis      *redis.Client
	bus        *eventbus.Bus
	worker     *jobqueue.Worker
	automation *automation.Engine
	server     *api.Server
	log        *logger.Logger
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required (DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newSender(ctx context.Context, cfg *config.Config) (sending.Sender, error) {
	switch strings.ToLower(cfg.Sending.Transport) {
	case "smtp":
		return sending.NewSMTPSender(sending.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			StartTLS: cfg.SMTP.StartTLS,
			Hostname: cfg.SMTP.Hostname,
			Timeout:  cfg.SMTP.Timeout(),
		}), nil
	case "ses", "":
		return sending.NewSESSender(ctx, sending.SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	}
	return nil, fmt.Errorf("unknown sending transport %q", cfg.Sending.Transport)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.With("component", "worker")

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("connected to database")

	rdb, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to redis")

	sender, err := newSender(ctx, cfg)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	m := metrics.New()
	bus := eventbus.NewGoChannel(int64(cfg.Worker.EventBuffer), logger.With("component", "eventbus"))

	// Storage
	campaigns := postgres.NewCampaignRepo(db)
	recipients := postgres.NewRecipientRepo(db)
	variants := postgres.NewVariantRepo(db)
	subscribers := postgres.NewSubscriberRepo(db)
	automations := postgres.NewAutomationRepo(db)
	templates := postgres.NewTemplateRepo(db)

	campaignCache := cache.New(rdb, cfg.Redis.CachePrefix+":campaign", cfg.Redis.CacheTTL())
	segmentCache := cache.New(rdb, cfg.Redis.CachePrefix+":segment", cfg.Redis.CacheTTL())

	segOpts := segmentation.Options{FailOpenUnknown: cfg.Segmentation.FailOpen()}
	segments := segmentation.NewEngine(db, segOpts, segmentCache)

	queue := jobqueue.New(rdb, cfg.Redis.QueuePrefix)
	queue.SetVisibilityTimeout(cfg.Worker.VisibilityTimeout())
	worker := jobqueue.NewWorker(queue, jobqueue.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval(),
	})
	worker.SetObserver(m)

	// Delivery
	tracker := mailing.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	renderer := mailing.NewRenderer(mailing.NewTemplateService(), tracker)
	suppressions := suppression.NewService(postgres.NewSuppressionRepo(db))

	batcher := delivery.NewBatcher(delivery.Deps{
		Recipients:   recipients,
		Subscribers:  subscribers,
		Variants:     variants,
		Renderer:     renderer,
		Sender:       sender,
		Suppressions: suppressions,
		Events:       bus,
		Metrics:      m,
	}, delivery.Config{
		Concurrency: cfg.Sending.Concurrency,
		Retry:       retry.DefaultPolicy(sending.IsRetryable),
	})

	// Campaigns
	abtests := abtest.NewEngine(variants, abtest.NewRedisControlStore(rdb), bus)
	campaignSvc := campaign.NewService(campaign.Deps{
		Campaigns:  campaigns,
		Recipients: recipients,
		Resolver:   recipient.NewResolver(subscribers, segments),
		Delivery:   batcher,
		ABTests:    abtests,
		Queue:      queue,
		Locks:      distlock.NewFactory(rdb, db, cfg.Redis.LockTTL()),
		Cache:      campaignCache,
		Events:     bus,
		Metrics:    m,
	}, campaign.Config{
		BatchSize:           cfg.Sending.BatchSize,
		DelayBetweenBatches: cfg.Sending.DelayBetweenBatches(),
		StatsRefreshCron:    cfg.Campaign.StatsRefreshCron,
		InsertChunkSize:     cfg.Campaign.InsertChunkSize,
	})
	campaignSvc.RegisterJobs(worker)

	// Automations. Trigger kinds are registered here, explicitly.
	registry := automation.NewRegistry()
	automation.RegisterDefaults(registry, segOpts)
	automationEngine := automation.NewEngine(automation.Deps{
		Store:       automations,
		Subscribers: subscribers,
		Templates:   templates,
		Conditions:  segments,
		Sender:      batcher,
		Queue:       queue,
		Registry:    registry,
		Events:      bus,
		Metrics:     m,
	})
	automationEngine.RegisterJobs(worker)
	automationEngine.Subscribe(bus)

	// Tracking
	consumer := tracking.NewConsumer(campaignSvc, subscribers, suppressions, automationEngine, m)
	consumer.Register(bus)
	trackingHandler := tracking.NewHandler(tracker, tracking.NewPublisher(bus))

	router := api.NewRouter(cfg.Server, api.Routes{
		Health: api.NewHealthChecker(db,
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			queue.Pending),
		Metrics:  m.Handler(),
		Tracking: trackingHandler,
		API: []api.Mounter{
			api.NewCampaignHandlers(campaignSvc, abtests),
			api.NewAutomationHandlers(automationEngine, automations, bus),
			api.NewSuppressionHandlers(suppressions),
			api.NewSegmentHandlers(segments, segments.Store()),
		},
	})

	return &app{
		cfg:        cfg,
		db:         db,
		redis:      rdb,
		bus:        bus,
		worker:     worker,
		automation: automationEngine,
		server:     api.NewServer(cfg.Server.Addr(), router),
		log:        log,
	}, nil
}

// Run starts the bus, the job worker and the HTTP server, and blocks until
// ctx is cancelled or one of them fails.
func (a *app) Run(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := a.automation.ScheduleDateSweep(ctx, a.cfg.Automation.DateSweepCron); err != nil {
		return fmt.Errorf("schedule date sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.Server.Addr())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) Close() {
	if err := a.bus.Close(); err != nil {
		a.log.Warn("event bus close failed", "error", err)
	}
	if err := a.redis.Close(); err != nil {
		a.log.Warn("redis close failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("database close failed", "error", err)
	}
	a.log.Info("worker stopped")
}
