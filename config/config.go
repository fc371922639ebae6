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

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// DispatchConfig holds the engine policy knobs.
type DispatchConfig struct {
	BatchSize    int           `json:"batch_size"`
	MaxRetries   int           `json:"max_retries"`
	BackoffBase  time.Duration `json:"backoff_base"`
	BackoffCap   time.Duration `json:"backoff_cap"`
	SendTimeout  time.Duration `json:"send_timeout"`
	ClaimTimeout time.Duration `json:"claim_timeout"` // sending rows older than this are stuck
	PollInterval time.Duration `json:"poll_interval"`
	GracePeriod  time.Duration `json:"grace_period"` // receipt-less close-out for sent rows
}

// SMTPConfig is the outbound mail account used by the email channel.
type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// IMAPConfig is the mailbox polled for replies to campaign emails.
type IMAPConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Mailbox    string `json:"mailbox"`
	Encryption string `json:"encryption"` // SSL, STARTTLS or none
}

// WhatsAppConfig points at the WhatsApp Business Cloud API.
type WhatsAppConfig struct {
	APIURL      string `json:"api_url"`
	AccessToken string `json:"-"`
}

// LinkedInConfig points at the LinkedIn messaging API.
type LinkedInConfig struct {
	APIURL      string `json:"api_url"`
	AccessToken string `json:"-"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	BaseURL        string `json:"base_url"` // public base for open-tracking pixels
	SentryDSN      string `json:"-"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	RateLimitWebhook int `json:"rate_limit_webhook"` // requests per minute per source

	Redis    RedisConfig    `json:"redis"`
	Dispatch DispatchConfig `json:"dispatch"`
	SMTP     SMTPConfig     `json:"smtp"`
	IMAP     IMAPConfig     `json:"imap"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	LinkedIn LinkedInConfig `json:"linkedin"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:5000"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		RateLimitWebhook: getEnvAsInt("RATE_LIMIT_WEBHOOK", 300),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Dispatch: DispatchConfig{
			BatchSize:    getEnvAsInt("DISPATCH_BATCH_SIZE", 20),
			MaxRetries:   getEnvAsInt("DISPATCH_MAX_RETRIES", 5),
			BackoffBase:  getEnvAsDuration("DISPATCH_BACKOFF_BASE", 30*time.Second),
			BackoffCap:   getEnvAsDuration("DISPATCH_BACKOFF_CAP", time.Hour),
			SendTimeout:  getEnvAsDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			ClaimTimeout: getEnvAsDuration("DISPATCH_CLAIM_TIMEOUT", 5*time.Minute),
			PollInterval: getEnvAsDuration("DISPATCH_POLL_INTERVAL", 2*time.Second),
			GracePeriod:  getEnvAsDuration("DELIVERY_GRACE_PERIOD", 72*time.Hour),
		},

		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
			FromName:  getEnv("FROM_NAME", ""),
		},

		IMAP: IMAPConfig{
			Enabled:    getEnv("IMAP_ENABLED", "false") == "true",
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption: getEnv("IMAP_ENCRYPTION", "SSL"),
		},

		WhatsApp: WhatsAppConfig{
			APIURL:      getEnv("WHATSAPP_API_URL", ""),
			AccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		},

		LinkedIn: LinkedInConfig{
			APIURL:      getEnv("LINKEDIN_API_URL", ""),
			AccessToken: getEnv("LINKEDIN_ACCESS_TOKEN", ""),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("DISPATCH_MAX_RETRIES must not be negative")
	}
	if AppConfig.Dispatch.BatchSize < 1 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be at least 1")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.Host == "" || AppConfig.SMTP.FromEmail == "" {
			return fmt.Errorf("SMTP_HOST and FROM_EMAIL are required in production")
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
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
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
	if err := migrateDB(DB); err != nil {
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
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
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

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
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
	log.Printf("Dispatch: batch=%d retries=%d backoff=%s..%s sendTimeout=%s",
		AppConfig.Dispatch.BatchSize,
		AppConfig.Dispatch.MaxRetries,
		AppConfig.Dispatch.BackoffBase,
		AppConfig.Dispatch.BackoffCap,
		AppConfig.Dispatch.SendTimeout)
	log.Printf("Channels: email(%t), whatsapp(%t), linkedin(%t)",
		AppConfig.SMTP.Host != "",
		AppConfig.WhatsApp.AccessToken != "",
		AppConfig.LinkedIn.AccessToken != "")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Campaign{},
		&models.Lead{},
		&models.ChannelDelivery{},
	)
}
