package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	DBMaxConns    int
	JWTSecret     string
	TokenTTL      time.Duration
	CORSOrigin    string
	LogLevel      string
	LogFormat     string
	// AppURL is the web client base used in email links.
	AppURL string
	// Redis backs the notification debounce and delivery ledger. Empty keeps
	// both in process.
	RedisURL string
	// Object storage for attachments
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Archive sweep
	ArchiveEnabled   bool
	ArchiveCron      string
	ArchiveAfterDays int
	// Notifications
	NotifyDebounce    time.Duration
	NotifyDebounceTTL time.Duration
	NotifyLedgerTTL   time.Duration
	NotifyMaxRetries  int
	// Composition limits
	AttachmentMaxBytes int64
	LinkPreviewTimeout time.Duration
	// LinkPreviewAllowPrivate lifts the public-address check on preview
	// fetches. Local development only.
	LinkPreviewAllowPrivate bool
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./db/migrations"),
		DBMaxConns:    getenvInt("DB_MAX_CONNS", 20),
		JWTSecret:     getenv("JWT_SECRET", "threadline-dev-secret"),
		TokenTTL:      getenvDuration("TOKEN_TTL", 12*time.Hour),
		CORSOrigin:    getenv("CORS_ORIGIN", "*"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		AppURL:        getenv("APP_URL", "http://localhost:5173"),
		RedisURL:      getenv("REDIS_URL", ""),
		// MinIO - attachments are rejected when no endpoint is configured
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "thread-attachments"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		MinioPublicURL: getenv("MINIO_PUBLIC_URL", ""),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Threadline"),

		ArchiveEnabled:   getenvBool("ARCHIVE_ENABLED", true),
		ArchiveCron:      getenv("ARCHIVE_CRON", "0 3 * * *"),
		ArchiveAfterDays: getenvInt("ARCHIVE_AFTER_DAYS", 7),

		NotifyDebounce:    getenvDuration("NOTIFY_DEBOUNCE", 3*time.Second),
		NotifyDebounceTTL: getenvDuration("NOTIFY_DEBOUNCE_TTL", time.Hour),
		NotifyLedgerTTL:   getenvDuration("NOTIFY_LEDGER_TTL", 24*time.Hour),
		NotifyMaxRetries:  getenvInt("NOTIFY_MAX_RETRIES", 3),

		AttachmentMaxBytes: int64(getenvInt("ATTACHMENT_MAX_BYTES", 10<<20)),
		LinkPreviewTimeout: getenvDuration("LINK_PREVIEW_TIMEOUT", 5*time.Second),

		LinkPreviewAllowPrivate: getenvBool("LINK_PREVIEW_ALLOW_PRIVATE", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
