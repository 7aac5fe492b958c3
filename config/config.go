package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dripline/models"
	"dripline/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `json:"tick_interval" validate:"min=1s"`
	DispatchTimeout time.Duration `json:"dispatch_timeout" validate:"min=1s"`
	MaxConcurrent   int           `json:"max_concurrent" validate:"min=1"`
	ClaimTTL        time.Duration `json:"claim_ttl" validate:"gtfield=DispatchTimeout"`
}

// DripConfig holds per-channel hourly capacities. Zero means unlimited.
type DripConfig struct {
	EmailPerHour    int `json:"email_per_hour" validate:"min=0"`
	SMSPerHour      int `json:"sms_per_hour" validate:"min=0"`
	LinkedInPerHour int `json:"linkedin_per_hour" validate:"min=0"`
	VoicePerHour    int `json:"voice_per_hour" validate:"min=0"`
}

// Capacities returns the configured capacities keyed by channel.
func (d DripConfig) Capacities() map[models.Channel]int {
	return map[models.Channel]int{
		models.ChannelEmail:    d.EmailPerHour,
		models.ChannelSMS:      d.SMSPerHour,
		models.ChannelLinkedIn: d.LinkedInPerHour,
		models.ChannelVoice:    d.VoicePerHour,
	}
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// GatewayConfig describes an HTTP provider used by the sms, voice and linkedin adapters.
type GatewayConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"-"`
}

type IMAPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Encryption   string        `json:"encryption"`
	Mailbox      string        `json:"mailbox"`
	PollInterval time.Duration `json:"poll_interval"`
}

type Config struct {
	Environment      string          `json:"environment" validate:"oneof=development staging production test"`
	ServerPort       string          `json:"server_port" validate:"required"`
	DBHost           string          `json:"db_host"`
	DBPort           string          `json:"db_port"`
	DBUser           string          `json:"db_user"`
	DBPassword       string          `json:"-" validate:"required"`
	DBName           string          `json:"db_name"`
	DBSSLMode        string          `json:"db_ssl_mode"`
	DBMaxIdleConns   int             `json:"db_max_idle_conns"`
	DBMaxOpenConns   int             `json:"db_max_open_conns"`
	LogLevel         string          `json:"log_level"`
	LogJSON          bool            `json:"log_json"`
	SentryDSN        string          `json:"-"`
	Redis            RedisConfig     `json:"redis"`
	Scheduler        SchedulerConfig `json:"scheduler"`
	Drip             DripConfig      `json:"drip"`
	SMTP             SMTPConfig      `json:"smtp"`
	SMSGateway       GatewayConfig   `json:"sms_gateway"`
	VoiceGateway     GatewayConfig   `json:"voice_gateway"`
	LinkedInGateway  GatewayConfig   `json:"linkedin_gateway"`
	IMAP             IMAPConfig      `json:"imap"`
	TrackingBaseURL  string          `json:"tracking_base_url"`
	TrackingSecret   string          `json:"-" validate:"required,min=16"`
	WebhookRateLimit int             `json:"webhook_rate_limit"`
	CORSOrigins      []string        `json:"cors_origins"`
	SequenceSeedFile string          `json:"sequence_seed_file"`
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
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripline"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogJSON:        getEnvAsBool("LOG_JSON", false),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			DispatchTimeout: getEnvAsDuration("SCHEDULER_DISPATCH_TIMEOUT", 30*time.Second),
			MaxConcurrent:   getEnvAsInt("SCHEDULER_MAX_CONCURRENT", 16),
			ClaimTTL:        getEnvAsDuration("SCHEDULER_CLAIM_TTL", 10*time.Minute),
		},
		Drip: DripConfig{
			EmailPerHour:    getEnvAsInt("DRIP_EMAIL_PER_HOUR", 100),
			SMSPerHour:      getEnvAsInt("DRIP_SMS_PER_HOUR", 60),
			LinkedInPerHour: getEnvAsInt("DRIP_LINKEDIN_PER_HOUR", 20),
			VoicePerHour:    getEnvAsInt("DRIP_VOICE_PER_HOUR", 30),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", ""),
		},
		SMSGateway: GatewayConfig{
			URL:    getEnv("SMS_GATEWAY_URL", ""),
			APIKey: getEnv("SMS_GATEWAY_API_KEY", ""),
		},
		VoiceGateway: GatewayConfig{
			URL:    getEnv("VOICE_GATEWAY_URL", ""),
			APIKey: getEnv("VOICE_GATEWAY_API_KEY", ""),
		},
		LinkedInGateway: GatewayConfig{
			URL:    getEnv("LINKEDIN_GATEWAY_URL", ""),
			APIKey: getEnv("LINKEDIN_GATEWAY_API_KEY", ""),
		},
		IMAP: IMAPConfig{
			Host:         getEnv("IMAP_HOST", ""),
			Port:         getEnvAsInt("IMAP_PORT", 993),
			Username:     getEnv("IMAP_USERNAME", ""),
			Password:     getEnv("IMAP_PASSWORD", ""),
			Encryption:   getEnv("IMAP_ENCRYPTION", "SSL"),
			Mailbox:      getEnv("IMAP_MAILBOX", "INBOX"),
			PollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),
		},
		TrackingBaseURL:  getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		TrackingSecret:   getEnv("TRACKING_SECRET", ""),
		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),
		CORSOrigins:      getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		SequenceSeedFile: getEnv("SEQUENCE_SEED_FILE", ""),
	}

	if err := utils.ValidateStruct(AppConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log := utils.NewLogger("config")
	log.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
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

	log.Info("Successfully connected to the database")
	if err := Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migration completed")
	return nil
}

// Migrate creates or updates every table the engine owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Lead{},
		&models.SequenceDefinition{},
		&models.StepDefinition{},
		&models.Enrollment{},
		&models.DeliveryAttempt{},
		&models.JourneyEvent{},
	)
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
	value, err := strconv.Atoi(valueStr)
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
	value, err := strconv.ParseBool(valueStr)
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
	value, err := utils.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
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
	utils.NewLogger("config").WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"server_port":   AppConfig.ServerPort,
		"database":      fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":         AppConfig.Redis.Enabled,
		"tick_interval": AppConfig.Scheduler.TickInterval.String(),
		"smtp":          AppConfig.SMTP.Host != "",
		"sms_gateway":   AppConfig.SMSGateway.URL != "",
		"voice_gateway": AppConfig.VoiceGateway.URL != "",
		"imap":          AppConfig.IMAP.Host != "",
	}).Info("Loaded configuration")
}
