package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Feature flags set once in main from env.
var EnableWebsocketEvents bool
var OutboxWorkerEnabled bool

// Config holds everything the gateway reads from the environment.
// Loaded once in main and passed explicitly into the services.
type Config struct {
	Port    string
	BaseURL string

	AppDatabaseURL    string
	OutboxDatabaseURL string

	// Identifies this process in session records, so another instance can
	// tell whether it owns a session.
	InstanceID string

	CredentialsDir string

	// local | hybrid | cloud
	StorageMode string
	S3Bucket    string
	S3Region    string
	// Secret reference (SSM parameter name) for the backup encryption key.
	BackupKeySecretRef string
	SecretCacheTTL     time.Duration

	// dedicated | static | disabled
	ProxyMode          string
	ProxyVendorBaseURL string
	ProxyVendorKeyRef  string
	ProxyDryRunCheck   bool

	MaxConcurrentSessions int
	MemoryLimitMB         int
	MemoryThreshold       float64 // fraction of MemoryLimitMB, e.g. 0.85

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	QRTimeout            time.Duration
	SyncTimeout          time.Duration

	ReconnectLimitCount  int
	ReconnectLimitWindow time.Duration

	RecoveryBatchSize  int
	RecoveryBatchDelay time.Duration
	PriorityCountries  []string

	HealthCheckInterval   time.Duration
	SessionBackupInterval time.Duration
	AutoRecoveryEnabled   bool
	CPUThreshold          float64
	ErrorThreshold        float64
	QueueBacklogThreshold int
	AlertThreshold        int

	OutboxWorkerInterval time.Duration

	JWTSecret       string
	APIUsername     string
	APIPasswordHash string
}

func Load() *Config {
	return &Config{
		Port:    getEnv("PORT", "2121"),
		BaseURL: getEnv("BASEURL", ""),

		AppDatabaseURL:    getEnv("APP_DATABASE_URL", ""),
		OutboxDatabaseURL: getEnv("OUTBOX_DATABASE_URL", ""),

		InstanceID: getEnv("INSTANCE_ID", "gateway-1"),

		CredentialsDir: getEnv("CREDENTIALS_DIR", "./credentials"),

		StorageMode:        getEnv("STORAGE_MODE", "local"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		BackupKeySecretRef: getEnv("BACKUP_KEY_SECRET_REF", ""),
		SecretCacheTTL:     getEnvAsDuration("SECRET_CACHE_TTL_SECONDS", 300),

		ProxyMode:          getEnv("PROXY_MODE", "disabled"),
		ProxyVendorBaseURL: getEnv("PROXY_VENDOR_BASE_URL", ""),
		ProxyVendorKeyRef:  getEnv("PROXY_VENDOR_API_KEY_REF", ""),
		ProxyDryRunCheck:   getEnvAsBool("PROXY_DRY_RUN_CHECK", false),

		MaxConcurrentSessions: GetEnvAsInt("MAX_CONCURRENT_SESSIONS", 50),
		MemoryLimitMB:         GetEnvAsInt("MEMORY_LIMIT_MB", 2048),
		MemoryThreshold:       getEnvAsFloat("MEMORY_THRESHOLD", 0.85),

		MaxReconnectAttempts: GetEnvAsInt("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvAsDurationMs("RECONNECT_BASE_DELAY_MS", 5000),
		QRTimeout:            getEnvAsDuration("QR_TIMEOUT_SECONDS", 90),
		SyncTimeout:          getEnvAsDuration("SYNC_TIMEOUT_SECONDS", 90),

		ReconnectLimitCount:  GetEnvAsInt("RECONNECT_LIMIT_COUNT", 3),
		ReconnectLimitWindow: getEnvAsDurationMin("RECONNECT_LIMIT_WINDOW_MINUTES", 60),

		RecoveryBatchSize:  GetEnvAsInt("RECOVERY_BATCH_SIZE", 5),
		RecoveryBatchDelay: getEnvAsDuration("RECOVERY_BATCH_DELAY_SECONDS", 5),
		PriorityCountries:  getEnvAsList("PRIORITY_COUNTRIES"),

		HealthCheckInterval:   getEnvAsDuration("HEALTH_CHECK_INTERVAL_SECONDS", 30),
		SessionBackupInterval: getEnvAsDuration("SESSION_BACKUP_INTERVAL_SECONDS", 300),
		AutoRecoveryEnabled:   getEnvAsBool("AUTO_RECOVERY_ENABLED", false),
		CPUThreshold:          getEnvAsFloat("CPU_THRESHOLD", 0.80),
		ErrorThreshold:        getEnvAsFloat("ERROR_THRESHOLD", 0.10),
		QueueBacklogThreshold: GetEnvAsInt("QUEUE_BACKLOG_THRESHOLD", 500),
		AlertThreshold:        GetEnvAsInt("ALERT_THRESHOLD", 3),

		OutboxWorkerInterval: getEnvAsDuration("OUTBOX_WORKER_INTERVAL_SECONDS", 5),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		APIUsername:     getEnv("API_USERNAME", ""),
		APIPasswordHash: getEnv("API_PASSWORD_HASH", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvAsInt reads an integer env var, falling back on missing or bad values.
func GetEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return fallback
}

func getEnvAsDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(GetEnvAsInt(key, fallbackSeconds)) * time.Second
}

func getEnvAsDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(GetEnvAsInt(key, fallbackMs)) * time.Millisecond
}

func getEnvAsDurationMin(key string, fallbackMinutes int) time.Duration {
	return time.Duration(GetEnvAsInt(key, fallbackMinutes)) * time.Minute
}

func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}
