package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mailwarm/config"
	"mailwarm/content"
	controller "mailwarm/controllers"
	"mailwarm/metrics"
	"mailwarm/middleware"
	"mailwarm/models"
	"mailwarm/notify"
	"mailwarm/pairing"
	"mailwarm/queue"
	"mailwarm/ratelimit"
	"mailwarm/recorder"
	"mailwarm/registry"
	"mailwarm/routes"
	"mailwarm/transport"
	"mailwarm/utils"
	"mailwarm/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	started := time.Now()

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	utils.InitLogger(cfg.LogLevel)
	log := utils.Component("main")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     "mailwarm@" + version,
		}); err != nil {
			log.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.Redis.Address, err)
		}
		defer redisClient.Close()
	}

	var (
		q      queue.Queue
		locker queue.Locker
	)
	if cfg.Queue.Driver == "redis" {
		q = queue.NewRedisQueue(redisClient, cfg.Queue.Name, utils.Component("queue"))
	} else {
		q = queue.NewMemoryQueue(cfg.Queue.Buffer)
	}
	if redisClient != nil {
		locker = queue.NewRedisLocker(redisClient, cfg.Engine.SenderLockTTL)
	} else {
		locker = queue.NewLocalLocker()
	}

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}
	creds := transport.NewCredentialResolver(cipher)

	m := metrics.Get()
	hub := notify.NewHub(utils.Component("notify"))
	db := config.DB
	store := registry.NewGormStore(db)
	jobs := queue.NewJobStore(db)
	tracker := ratelimit.NewTracker(db, utils.Component("ratelimit"))
	rec := recorder.NewRecorder(db, recorder.ScoreWeights{
		ReplyWeight:    cfg.Score.ReplyWeight,
		DeliveryWeight: cfg.Score.DeliveryWeight,
		Baseline:       cfg.Score.Baseline,
		SpamPenalty:    cfg.Score.SpamPenalty,
		BouncePenalty:  cfg.Score.BouncePenalty,
		MoveBonus:      cfg.Score.MoveBonus,
	}, hub, utils.Component("recorder"))

	selector := pairing.NewSelector(
		registry.NewRegistry(store, utils.Component("registry")),
		jobs,
		utils.Component("pairing"),
	)

	scheduler := worker.NewScheduler(selector, jobs, q, worker.SchedulerConfig{
		Interval:   cfg.Engine.SchedulerInterval,
		StartDelay: cfg.Engine.SchedulerStartDelay,
		StaleAfter: cfg.Engine.JobStaleAfter,
	}, m, utils.Component("scheduler"))

	consumer := worker.NewConsumer(worker.ConsumerDeps{
		Queue:      q,
		Jobs:       jobs,
		Accounts:   store,
		Quota:      tracker,
		Recorder:   rec,
		Transports: buildTransports(cfg),
		Creds:      creds,
		Content:    content.NewGenerator(0),
		Locker:     locker,
		Metrics:    m,
		Log:        utils.Component("consumer"),
	}, worker.ConsumerConfig{
		Concurrency: cfg.Engine.WorkerConcurrency,
		SendTimeout: cfg.Engine.SendTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.Engine.RetryMaxAttempts,
			BaseDelay:   cfg.Engine.RetryBaseDelay,
			MaxDelay:    cfg.Engine.RetryMaxDelay,
		},
		LockRetryDelay: cfg.Engine.LockRetryDelay,
		MessageDomain:  cfg.Engine.MessageDomain,
	})

	rollover := worker.NewRolloverWorker(tracker, store, cfg.Engine.RolloverInterval, m, utils.Component("rollover"))

	placement := worker.NewPlacementWorker(rec, store,
		transport.NewIMAPVerifier(cfg.Engine.IMAPTimeout),
		creds,
		worker.PlacementConfig{
			Interval:  cfg.Engine.PlacementInterval,
			MinAge:    cfg.Engine.PlacementMinAge,
			MaxAge:    cfg.Engine.PlacementMaxAge,
			BatchSize: cfg.Engine.PlacementBatchSize,
		}, m, utils.Component("placement"))

	supervise := func(name string, loop worker.Loop) *worker.Supervisor {
		return worker.NewSupervisor(name, loop,
			cfg.Engine.SupervisorBackoff, cfg.Engine.SupervisorMaxBackoff,
			m, utils.Component("supervisor"))
	}
	schedulerLoop := supervise("scheduler", scheduler.Run)
	consumerLoop := supervise("consumer", consumer.Run)
	rolloverLoop := supervise("rollover", rollover.Run)
	placementLoop := supervise("placement", placement.Run)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var loops sync.WaitGroup
	for _, s := range []*worker.Supervisor{rolloverLoop, schedulerLoop, consumerLoop, placementLoop} {
		loops.Add(1)
		go func(s *worker.Supervisor) {
			defer loops.Done()
			s.Run(ctx)
		}(s)
	}

	app := fiber.New(fiber.Config{
		AppName:               "mailwarm " + version,
		DisableStartupMessage: cfg.Environment == "production",
	})
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	var rateStorage fiber.Storage
	if redisClient != nil {
		rateStorage = middleware.NewRedisStorage(redisClient)
	}
	routes.SetupRoutes(app, routes.Handlers{
		Health: controller.NewHealthController(version, started, schedulerLoop, consumerLoop, rolloverLoop, placementLoop),
		Warmup: controller.NewWarmupController(store, jobs, rec, hub, utils.Component("warmup_api")),
		Live:   controller.NewLiveController(hub, 64, utils.Component("live")),
	}, routes.Options{
		APIToken:    cfg.APIToken,
		RateLimit:   cfg.APIRateLimit,
		RateStorage: rateStorage,
		AccessLog:   cfg.Environment != "production",
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Warn("HTTP shutdown incomplete")
		}
	}()

	log.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		utils.LogError("server_listen", err, map[string]interface{}{"port": cfg.ServerPort})
		stop()
	}

	loops.Wait()
	if err := q.Close(); err != nil {
		log.WithError(err).Warn("Queue close failed")
	}
	log.Info("Stopped")
}

// buildTransports registers a breaker-guarded transport per provider with
// configured credentials. Generic SMTP accounts get a breaker per server.
func buildTransports(cfg config.Config) *transport.Registry {
	reg := transport.NewRegistry()
	settings := transport.DefaultBreakerSettings()

	reg.Register(models.ProviderSMTP, transport.NewHostBreakerTransport("smtp",
		transport.NewSMTPTransport(cfg.Engine.MessageDomain), settings, utils.Component("breaker")))

	if cfg.Google.ClientID != "" {
		reg.Register(models.ProviderGoogle, transport.NewBreakerTransport("google",
			transport.NewGoogleTransport(cfg.Google.ClientID, cfg.Google.ClientSecret), settings, utils.Component("breaker")))
	}
	if cfg.Microsoft.ClientID != "" {
		reg.Register(models.ProviderMicrosoft, transport.NewBreakerTransport("microsoft",
			transport.NewGraphTransport(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.TenantID, ""), settings, utils.Component("breaker")))
	}
	return reg
}
