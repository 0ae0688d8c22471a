package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cadence/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// SMTPConfig points the delivery service at the outbound mail relay.
type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// IMAPConfig points the reply watcher at the sender inbox.
type IMAPConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	UseTLS   bool   `json:"use_tls"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	ScanInterval      time.Duration `json:"scan_interval"`
	WorkerCount       int           `json:"worker_count"`
	BatchSize         int           `json:"batch_size"`
	SendTimeout       time.Duration `json:"send_timeout"`
	LeaseTTL          time.Duration `json:"lease_ttl"`
	ReplyPollInterval time.Duration `json:"reply_poll_interval"`
}

type Config struct {
	Environment     string       `json:"environment"`
	ServerPort      string       `json:"server_port"`
	DBHost          string       `json:"db_host"`
	DBPort          string       `json:"db_port"`
	DBUser          string       `json:"db_user"`
	DBPassword      string       `json:"-"`
	DBName          string       `json:"db_name"`
	DBSSLMode       string       `json:"db_ssl_mode"`
	DBMaxIdleConns  int          `json:"db_max_idle_conns"`
	DBMaxOpenConns  int          `json:"db_max_open_conns"`
	TrackingBaseURL string       `json:"tracking_base_url"`
	TrackingSecret  string       `json:"-"`
	SentryDSN       string       `json:"-"`
	Redis           RedisConfig  `json:"redis"`
	SMTP            SMTPConfig   `json:"smtp"`
	IMAP            IMAPConfig   `json:"imap"`
	Engine          EngineConfig `json:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "cadence"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		TrackingBaseURL: getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		TrackingSecret:  getEnv("TRACKING_SECRET", "dev-tracking-secret"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", ""),
		},
		IMAP: IMAPConfig{
			Enabled:  getEnv("IMAP_ENABLED", "false") == "true",
			Host:     getEnv("IMAP_HOST", ""),
			Port:     getEnvAsInt("IMAP_PORT", 993),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			UseTLS:   getEnv("IMAP_USE_TLS", "true") == "true",
		},
		Engine: EngineConfig{
			ScanInterval:      time.Duration(getEnvAsInt("ENGINE_SCAN_INTERVAL_SECONDS", 30)) * time.Second,
			WorkerCount:       getEnvAsInt("ENGINE_WORKER_COUNT", 4),
			BatchSize:         getEnvAsInt("ENGINE_BATCH_SIZE", 100),
			SendTimeout:       time.Duration(getEnvAsInt("ENGINE_SEND_TIMEOUT_SECONDS", 30)) * time.Second,
			LeaseTTL:          time.Duration(getEnvAsInt("ENGINE_LEASE_TTL_SECONDS", 120)) * time.Second,
			ReplyPollInterval: time.Duration(getEnvAsInt("ENGINE_REPLY_POLL_SECONDS", 300)) * time.Second,
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.FromEmail == "" {
			return fmt.Errorf("SMTP_FROM_EMAIL is required in production")
		}
		if !AppConfig.Redis.Enabled {
			log.Println("⚠️ Redis disabled in production - enrollment leases are process-local")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

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

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
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
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Engine: scan=%s workers=%d batch=%d send_timeout=%s",
		AppConfig.Engine.ScanInterval,
		AppConfig.Engine.WorkerCount,
		AppConfig.Engine.BatchSize,
		AppConfig.Engine.SendTimeout)
	log.Printf("Redis: enabled=%t, IMAP reply watcher: enabled=%t",
		AppConfig.Redis.Enabled,
		AppConfig.IMAP.Enabled)
}
