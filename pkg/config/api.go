package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment            string
	Addr                   string
	LogLevel               string
	DatabaseDriver         string
	DatabaseURL            string
	JWTSecret              string
	EnvEncryptionKey       string
	DockerHost             string
	DataRoot               string
	PortRangeMin           int
	PortRangeMax           int
	DomainSuffix           string
	DefaultCPULimit        float64
	DefaultMemoryLimitMB   int
	DefaultMaxEnvironments int
	EngineTimeout          time.Duration
	EngineStopTimeout      int
	ReconcileInterval      time.Duration
	KindsFile              string
	ProxyTargetHost        string
	MountTarget            string
	ShellCommand           string
	ContainerPrefix        string
	SessionShutdownTimeout time.Duration
	RateLimitRedisAddr     string
	RateLimitRedisPass     string
	RateLimitRedisDB       int
	TracingEnabled         bool
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("API_ADDR", ":3001"),
		LogLevel:               GetString("LOG_LEVEL", "info"),
		DatabaseDriver:         GetString("DATABASE_DRIVER", "postgres"),
		DatabaseURL:            GetString("DATABASE_URL", "postgres://mozhost:mozhost@db:5432/mozhost?sslmode=disable"),
		JWTSecret:              GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey:       GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		DockerHost:             GetString("DOCKER_HOST", ""),
		DataRoot:               GetString("USER_DATA_PATH", "/var/lib/mozhost"),
		PortRangeMin:           GetInt("PORT_RANGE_MIN", 4000),
		PortRangeMax:           GetInt("PORT_RANGE_MAX", 5000),
		DomainSuffix:           GetString("DOMAIN_SUFFIX", "mozhost.topaziocoin.online"),
		DefaultCPULimit:        GetFloat("DEFAULT_CPU_LIMIT", 0.5),
		DefaultMemoryLimitMB:   GetInt("DEFAULT_MEMORY_LIMIT_MB", 512),
		DefaultMaxEnvironments: GetInt("DEFAULT_MAX_ENVIRONMENTS", 2),
		EngineTimeout:          time.Duration(GetInt("ENGINE_TIMEOUT_SECONDS", 30)) * time.Second,
		EngineStopTimeout:      GetInt("ENGINE_STOP_TIMEOUT_SECONDS", 10),
		ReconcileInterval:      time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		KindsFile:              GetString("KINDS_FILE", ""),
		ProxyTargetHost:        GetString("PROXY_TARGET_HOST", "localhost"),
		MountTarget:            GetString("MOUNT_TARGET", "/app/code"),
		ShellCommand:           GetString("SHELL_COMMAND", "sh"),
		ContainerPrefix:        GetString("CONTAINER_PREFIX", "mozhost_"),
		SessionShutdownTimeout: time.Duration(GetInt("SESSION_SHUTDOWN_TIMEOUT_SECONDS", 5)) * time.Second,
		RateLimitRedisAddr:     GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:     GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:       GetInt("RATE_LIMIT_REDIS_DB", 0),
		TracingEnabled:         GetBool("OTEL_TRACING", false),
	}
}
