package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mailwarm/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TenantID     string `json:"tenant_id,omitempty"`
}

type QueueConfig struct {
	Driver string `json:"driver"` // redis | memory
	Name   string `json:"name"`
	Buffer int    `json:"buffer"`
}

// EngineConfig tunes the scheduler, consumer and background ticks.
type EngineConfig struct {
	SchedulerInterval    time.Duration `json:"scheduler_interval"`
	SchedulerStartDelay  time.Duration `json:"scheduler_start_delay"`
	WorkerConcurrency    int           `json:"worker_concurrency"`
	SendTimeout          time.Duration `json:"send_timeout"`
	RetryMaxAttempts     int           `json:"retry_max_attempts"`
	RetryBaseDelay       time.Duration `json:"retry_base_delay"`
	RetryMaxDelay        time.Duration `json:"retry_max_delay"`
	SenderLockTTL        time.Duration `json:"sender_lock_ttl"`
	RolloverInterval     time.Duration `json:"rollover_interval"`
	PlacementInterval    time.Duration `json:"placement_interval"`
	PlacementMinAge      time.Duration `json:"placement_min_age"`
	PlacementMaxAge      time.Duration `json:"placement_max_age"`
	SupervisorBackoff    time.Duration `json:"supervisor_backoff"`
	SupervisorMaxBackoff time.Duration `json:"supervisor_max_backoff"`
	LockRetryDelay       time.Duration `json:"lock_retry_delay"`
	JobStaleAfter        time.Duration `json:"job_stale_after"`
	IMAPTimeout          time.Duration `json:"imap_timeout"`
	PlacementBatchSize   int           `json:"placement_batch_size"`
	MessageDomain        string        `json:"message_domain"`
}

type ScoreConfig struct {
	ReplyWeight    float64 `json:"reply_weight"`
	DeliveryWeight float64 `json:"delivery_weight"`
	Baseline       float64 `json:"baseline"`
	SpamPenalty    float64 `json:"spam_penalty"`
	BouncePenalty  float64 `json:"bounce_penalty"`
	MoveBonus      float64 `json:"move_bonus"`
}

type Config struct {
	Environment    string       `json:"environment"`
	Google         OAuthConfig  `json:"google"`
	Microsoft      OAuthConfig  `json:"microsoft"`
	EncryptionKey  string       `json:"-"`
	ServerPort     string       `json:"server_port"`
	DBHost         string       `json:"db_host"`
	DBPort         string       `json:"db_port"`
	DBUser         string       `json:"db_user"`
	DBPassword     string       `json:"-"`
	DBName         string       `json:"db_name"`
	DBSSLMode      string       `json:"db_ssl_mode"`
	DBMaxIdleConns int          `json:"db_max_idle_conns"`
	DBMaxOpenConns int          `json:"db_max_open_conns"`
	Redis          RedisConfig  `json:"redis"`
	Queue          QueueConfig  `json:"queue"`
	Engine         EngineConfig `json:"engine"`
	Score          ScoreConfig  `json:"score"`
	APIRateLimit   int          `json:"api_rate_limit"` // requests per minute per client
	CORSOrigins    []string     `json:"cors_origins"`
	APIToken       string       `json:"-"`
	SentryDSN      string       `json:"-"`
	LogLevel       string       `json:"log_level"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads the environment into a Config and validates it.
func Load() (Config, error) {
	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			TenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),
		},
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailwarm"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Driver: strings.ToLower(getEnv("QUEUE_DRIVER", "redis")),
			Name:   getEnv("QUEUE_NAME", "warmup:exchange"),
			Buffer: getEnvAsInt("QUEUE_BUFFER", 1024),
		},
		Engine: EngineConfig{
			SchedulerInterval:    getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Minute),
			SchedulerStartDelay:  getEnvAsDuration("SCHEDULER_START_DELAY", 30*time.Second),
			WorkerConcurrency:    getEnvAsInt("WORKER_CONCURRENCY", 8),
			SendTimeout:          getEnvAsDuration("SEND_TIMEOUT", 30*time.Second),
			RetryMaxAttempts:     getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:       getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:        getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			SenderLockTTL:        getEnvAsDuration("SENDER_LOCK_TTL", 3*time.Minute),
			RolloverInterval:     getEnvAsDuration("ROLLOVER_INTERVAL", 10*time.Minute),
			PlacementInterval:    getEnvAsDuration("PLACEMENT_INTERVAL", 15*time.Minute),
			PlacementMinAge:      getEnvAsDuration("PLACEMENT_MIN_AGE", 10*time.Minute),
			PlacementMaxAge:      getEnvAsDuration("PLACEMENT_MAX_AGE", 48*time.Hour),
			SupervisorBackoff:    getEnvAsDuration("SUPERVISOR_BACKOFF", time.Second),
			SupervisorMaxBackoff: getEnvAsDuration("SUPERVISOR_MAX_BACKOFF", time.Minute),
			LockRetryDelay:       getEnvAsDuration("LOCK_RETRY_DELAY", 2*time.Second),
			JobStaleAfter:        getEnvAsDuration("JOB_STALE_AFTER", 6*time.Hour),
			IMAPTimeout:          getEnvAsDuration("IMAP_TIMEOUT", 30*time.Second),
			PlacementBatchSize:   getEnvAsInt("PLACEMENT_BATCH_SIZE", 100),
			MessageDomain:        getEnv("MESSAGE_DOMAIN", "warmup.mailwarm.local"),
		},
		Score: ScoreConfig{
			ReplyWeight:    getEnvAsFloat("SCORE_REPLY_WEIGHT", 50),
			DeliveryWeight: getEnvAsFloat("SCORE_DELIVERY_WEIGHT", 30),
			Baseline:       getEnvAsFloat("SCORE_BASELINE", 20),
			SpamPenalty:    getEnvAsFloat("SCORE_SPAM_PENALTY", 0.1),
			BouncePenalty:  getEnvAsFloat("SCORE_BOUNCE_PENALTY", 0.2),
			MoveBonus:      getEnvAsFloat("SCORE_MOVE_BONUS", 0.5),
		},
		APIRateLimit: getEnvAsInt("API_RATE_LIMIT", 120),
		CORSOrigins:  splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		APIToken:     getEnv("API_TOKEN", ""),
		SentryDSN:    getEnv("SENTRY_DSN", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SendWindow is the longest a job can spend in send attempts and the
// backoff between them.
func (e EngineConfig) SendWindow() time.Duration {
	window := e.SendTimeout * time.Duration(e.RetryMaxAttempts)
	delay := e.RetryBaseDelay
	for i := 1; i < e.RetryMaxAttempts; i++ {
		if e.RetryMaxDelay > 0 && delay > e.RetryMaxDelay {
			delay = e.RetryMaxDelay
		}
		window += delay
		delay *= 2
	}
	return window
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch len(c.EncryptionKey) {
	case 16, 24, 32:
	case 0:
		return fmt.Errorf("ENCRYPTION_KEY is required")
	default:
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.Queue.Driver != "redis" && c.Queue.Driver != "memory" {
		return fmt.Errorf("QUEUE_DRIVER must be redis or memory, got %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("QUEUE_DRIVER=redis requires REDIS_ENABLED")
	}
	if c.Engine.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.Engine.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Engine.SchedulerInterval <= 0 || c.Engine.RolloverInterval <= 0 || c.Engine.PlacementInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL, ROLLOVER_INTERVAL and PLACEMENT_INTERVAL must be positive")
	}
	if c.Engine.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	window := c.Engine.SendWindow()
	if c.Engine.JobStaleAfter > 0 && c.Engine.JobStaleAfter <= window {
		return fmt.Errorf("JOB_STALE_AFTER must exceed the time a job can spend retrying (%s)", window)
	}
	// The Redis lock expires on its own; a shorter TTL lets a second job for
	// the sender start while the first is still retrying.
	if c.Redis.Enabled && c.Engine.SenderLockTTL <= window {
		return fmt.Errorf("SENDER_LOCK_TTL must exceed the time a job can spend retrying (%s)", window)
	}
	if c.Environment == "production" {
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			return fmt.Errorf("Google OAuth credentials are required in production")
		}
	}
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logrus.Info("Connected to the database, running migrations")

	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":        AppConfig.Environment,
		"server_port":        AppConfig.ServerPort,
		"database":           fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"queue_driver":       AppConfig.Queue.Driver,
		"worker_concurrency": AppConfig.Engine.WorkerConcurrency,
		"scheduler_interval": AppConfig.Engine.SchedulerInterval.String(),
		"google_oauth":       AppConfig.Google.ClientID != "",
		"microsoft_oauth":    AppConfig.Microsoft.ClientID != "",
	}).Info("Loaded configuration")
}
