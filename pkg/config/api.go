package config

import "time"

// Stage executors understood by the API.
const (
	ExecutorSimulated = "simulated"
	ExecutorDocker    = "docker"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	DatabaseURL      string
	MigrationsDir    string
	AutoMigrate      bool
	JWTSecret        string
	AccessTokenTTL   time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	EventPrefix      string
	MaxConcurrent    int
	StageExecutor    string
	SimulatedDelay   time.Duration
	DockerHost       string
	StageImage       string
	RecoverOrphans   bool
	TracesExporter   string
	ShutdownTimeout  time.Duration
	SSEHeartbeat     time.Duration
	HistoryPageLimit int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("API_ADDR", ":4000"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		DatabaseURL:      GetString("DATABASE_URL", ""),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:      GetBool("DB_AUTO_MIGRATE", true),
		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:   GetDuration("ACCESS_TOKEN_TTL", 24*time.Hour),
		RedisAddr:        GetString("REDIS_ADDR", ""),
		RedisPassword:    GetString("REDIS_PASSWORD", ""),
		RedisDB:          GetInt("REDIS_DB", 0),
		EventPrefix:      GetString("EVENT_CHANNEL_PREFIX", "peep:executions:"),
		MaxConcurrent:    GetInt("MAX_CONCURRENT_EXECUTIONS", 0),
		StageExecutor:    GetString("STAGE_EXECUTOR", ExecutorSimulated),
		SimulatedDelay:   GetDuration("STAGE_SIMULATED_DELAY", 2*time.Second),
		DockerHost:       GetString("DOCKER_HOST", ""),
		StageImage:       GetString("STAGE_DEFAULT_IMAGE", "alpine:3.20"),
		RecoverOrphans:   GetBool("RECOVER_ORPHANED_EXECUTIONS", false),
		TracesExporter:   GetString("OTEL_TRACES_EXPORTER", ""),
		ShutdownTimeout:  GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		SSEHeartbeat:     GetDuration("SSE_HEARTBEAT", 25*time.Second),
		HistoryPageLimit: GetInt("HISTORY_PAGE_LIMIT", 20),
	}
}
