package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Agent    AgentConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Admin    AdminConfig
}

// AgentConfig holds settings for the collection agent (the participant-side process).
type AgentConfig struct {
	ListenAddr      string        // local API address the capture subsystem talks to
	BackendURL      string        // ingest server base URL
	StateDir        string        // durable state: queue snapshot, session id, blob fallback
	SlotConfigPath  string        // JSON file with the ordered required-slot definitions
	ParticipantID   string        // optional operator-assigned participant id
	ParticipantName string        // display name sent on session creation
	ChunkSize       int64         // upload chunk size in bytes
	MaxAttempts     int           // whole-recording upload attempt budget
	RequiredMB      int64         // free space required before capture may begin
	HTTPTimeout     time.Duration // per-request timeout for chunk/metadata calls
}

// ServerConfig holds ingest HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	DataDir            string // filesystem root for session dirs and assembled videos
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings (archive job queue).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the S3 archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	VideosBucket    string
}

// AdminConfig holds operator access settings for the ingest server.
type AdminConfig struct {
	Password     string // plaintext admin password, hashed at startup when no hash is set
	PasswordHash string // bcrypt hash of the admin password
	JWTSecret    string
	ExpireHours  int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "60"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Agent: AgentConfig{
			ListenAddr:      getEnv("AGENT_LISTEN_ADDR", "127.0.0.1:7801"),
			BackendURL:      strings.TrimRight(getEnv("AGENT_BACKEND_URL", "http://localhost:8080"), "/"),
			StateDir:        getEnv("AGENT_STATE_DIR", defaultStateDir()),
			SlotConfigPath:  getEnv("AGENT_SLOT_CONFIG", "videos.json"),
			ParticipantID:   getEnv("AGENT_PARTICIPANT_ID", ""),
			ParticipantName: getEnv("AGENT_PARTICIPANT_NAME", "Anonymous"),
			ChunkSize:       getEnvInt64("AGENT_CHUNK_SIZE_BYTES", 1024*1024),
			MaxAttempts:     getEnvInt("AGENT_MAX_UPLOAD_ATTEMPTS", 5),
			RequiredMB:      getEnvInt64("AGENT_REQUIRED_FREE_MB", 250),
			HTTPTimeout:     time.Duration(getEnvInt("AGENT_HTTP_TIMEOUT_SEC", 120)) * time.Second,
		},
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			DataDir:            getEnv("SERVER_DATA_DIR", "./data/recordings"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/facialdata?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "facialdata"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			VideosBucket:    getEnv("AWS_S3_VIDEOS_BUCKET", "facial-collection-videos"),
		},
		Admin: AdminConfig{
			Password:     getEnv("ADMIN_PASSWORD", ""),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
			JWTSecret:    getEnv("ADMIN_JWT_SECRET", "change-me-in-production"),
			ExpireHours:  getEnvInt("ADMIN_JWT_EXPIRE_HOURS", 24),
		},
	}
	return cfg, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".facial-collector"
	}
	return filepath.Join(home, ".facial-collector")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
