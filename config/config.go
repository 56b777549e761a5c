package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Live     LiveConfig
	AWS      AWSConfig
	Studio   StudioConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/lumenclass?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// LiveConfig holds broadcast coordination settings: ICE servers for WebRTC
// plus signaling heartbeat and connection recovery tuning.
type LiveConfig struct {
	ICEUrls               []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	HeartbeatSec          int      // websocket ping interval
	MonitorIntervalSec    int      // connection health sampling interval
	ReconnectMaxAttempts  int      // bounded reconnection sequence length
	ReconnectBackoffSec   int      // delay between reconnection attempts
	NegotiationTimeoutSec int      // max wait for an answer after sending an offer
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	LecturesBucket       string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// StudioConfig holds broadcaster agent settings (cmd/studio).
type StudioConfig struct {
	ServerURL      string // websocket endpoint of the signaling server
	Token          string // JWT for the broadcaster identity
	CourseID       string // course the broadcast belongs to
	Title          string // session title shown to viewers
	VideoFile      string // IVF file used as the camera video source
	AudioFile      string // OGG file used as the audio source
	ScreenFile     string // IVF file used as the screen-share source
	RecordingDir   string // directory for local recording files; empty = os.TempDir()
	AutoApproveMic bool   // approve mic requests without operator input
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool
	Path    string
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
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/lumenclass?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "lumenclass"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Live: LiveConfig{
			ICEUrls:               splitTrim(getEnv("LIVE_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			HeartbeatSec:          getEnvInt("LIVE_HEARTBEAT_SEC", 30),
			MonitorIntervalSec:    getEnvInt("LIVE_MONITOR_INTERVAL_SEC", 5),
			ReconnectMaxAttempts:  getEnvInt("LIVE_RECONNECT_MAX_ATTEMPTS", 3),
			ReconnectBackoffSec:   getEnvInt("LIVE_RECONNECT_BACKOFF_SEC", 4),
			NegotiationTimeoutSec: getEnvInt("LIVE_NEGOTIATION_TIMEOUT_SEC", 15),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			LecturesBucket:       getEnv("AWS_S3_LECTURES_BUCKET", "lumenclass-lectures"),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "lumenclass-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Studio: StudioConfig{
			ServerURL:      getEnv("STUDIO_SERVER_URL", "ws://localhost:8080/ws"),
			Token:          getEnv("STUDIO_TOKEN", ""),
			CourseID:       getEnv("STUDIO_COURSE_ID", ""),
			Title:          getEnv("STUDIO_TITLE", "Live session"),
			VideoFile:      getEnv("STUDIO_VIDEO_FILE", ""),
			AudioFile:      getEnv("STUDIO_AUDIO_FILE", ""),
			ScreenFile:     getEnv("STUDIO_SCREEN_FILE", ""),
			RecordingDir:   getEnv("STUDIO_RECORDING_DIR", ""),
			AutoApproveMic: getEnv("STUDIO_AUTO_APPROVE_MIC", "") == "1",
		},
		Metrics: MetricsConfig{
			Enabled: getEnv("METRICS_ENABLED", "1") == "1",
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
