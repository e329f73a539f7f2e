package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken    string              `yaml:"discord_token" validate:"required"`
	OwnerID         string              `yaml:"owner_id" validate:"required"`
	ClientID        string              `yaml:"client_id" validate:"required"`
	ClientSecret    string              `yaml:"client_secret" validate:"required"`
	DatabasePath    string              `yaml:"database_path" validate:"required"`
	DBFolderPath    string              `yaml:"db_folder_path" validate:"required"`
	BackupsPath     string              `yaml:"backups_path"`
	Domain          string              `yaml:"domain"`
	OwnerLogWebhook string              `yaml:"owner_log_webhook" validate:"omitempty,url"`
	LogLevel        string              `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	RetentionDays   int                 `yaml:"retention_days" validate:"gte=0"`
	Health          HealthConfig        `yaml:"health"`
	Restore         RestoreConfig       `yaml:"restore"`
	Assets          AssetsConfig        `yaml:"assets"`
	ObjectStorage   ObjectStorageConfig `yaml:"object_storage"`
	EmbedColors     EmbedColors         `yaml:"embed_colors"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

type RestoreConfig struct {
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout" validate:"gt=0"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`
	RequestInterval  time.Duration `yaml:"request_interval" validate:"gte=0"`
	MemberPageSize   int           `yaml:"member_page_size" validate:"gt=0,lte=1000"`
	APIBase          string        `yaml:"api_base" validate:"required,url"`
	TokenURL         string        `yaml:"token_url" validate:"required,url"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

type AssetsConfig struct {
	MaxBytes     int64         `yaml:"max_bytes" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	AllowedHosts []string      `yaml:"allowed_hosts"`
}

type ObjectStorageConfig struct {
	Type      string `yaml:"type" validate:"omitempty,oneof=local s3-like"`
	Path      string `yaml:"path" validate:"required_with=Type"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Type s3-like"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:  "data/main.db",
		DBFolderPath:  "data/servers",
		LogLevel:      "info",
		RetentionDays: 30,
		Health:        HealthConfig{Enabled: false, Addr: ":8080"},
		Restore: RestoreConfig{
			ConfirmTimeout:   60 * time.Second,
			ProgressInterval: 3 * time.Second,
			MemberPageSize:   1000,
			APIBase:          "https://discord.com/api/v10",
			TokenURL:         "https://discord.com/api/oauth2/token",
			HTTPTimeout:      30 * time.Second,
		},
		Assets: AssetsConfig{
			MaxBytes:     8 << 20,
			Timeout:      20 * time.Second,
			AllowedHosts: []string{"cdn.discordapp.com", "media.discordapp.net"},
		},
		EmbedColors: EmbedColors{
			Action:  0x57F287,
			Warning: 0xFEE75C,
			Error:   0xED4245,
		},
	}
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if cfg.BackupsPath == "" {
		cfg.BackupsPath = filepath.Join(cfg.DBFolderPath, "backups")
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.OwnerID = envString("OWNER_ID", cfg.OwnerID)
	cfg.ClientID = envString("DISCORD_CLIENT_ID", cfg.ClientID)
	cfg.ClientSecret = envString("DISCORD_CLIENT_SECRET", cfg.ClientSecret)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.DBFolderPath = envString("DB_FOLDER_PATH", cfg.DBFolderPath)
	cfg.BackupsPath = envString("BACKUPS_PATH", cfg.BackupsPath)
	cfg.Domain = envString("DOMAIN", cfg.Domain)
	cfg.OwnerLogWebhook = envString("OWNER_LOG_WEBHOOK", cfg.OwnerLogWebhook)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Restore.ConfirmTimeout = envDuration("RESTORE_CONFIRM_TIMEOUT", cfg.Restore.ConfirmTimeout)
	cfg.Restore.ProgressInterval = envDuration("RESTORE_PROGRESS_INTERVAL", cfg.Restore.ProgressInterval)
	cfg.Restore.RequestInterval = envDuration("RESTORE_REQUEST_INTERVAL", cfg.Restore.RequestInterval)
	cfg.Restore.MemberPageSize = envInt("RESTORE_MEMBER_PAGE_SIZE", cfg.Restore.MemberPageSize)
	cfg.Restore.APIBase = envString("DISCORD_API_BASE", cfg.Restore.APIBase)
	cfg.Restore.TokenURL = envString("DISCORD_TOKEN_URL", cfg.Restore.TokenURL)
	cfg.Restore.HTTPTimeout = envDuration("RESTORE_HTTP_TIMEOUT", cfg.Restore.HTTPTimeout)
	cfg.ObjectStorage.Type = envString("OBJECT_STORAGE_TYPE", cfg.ObjectStorage.Type)
	cfg.ObjectStorage.Path = envString("OBJECT_STORAGE_PATH", cfg.ObjectStorage.Path)
	cfg.ObjectStorage.Endpoint = envString("OBJECT_STORAGE_ENDPOINT", cfg.ObjectStorage.Endpoint)
	cfg.ObjectStorage.AccessKey = envString("OBJECT_STORAGE_ACCESS_KEY", cfg.ObjectStorage.AccessKey)
	cfg.ObjectStorage.SecretKey = envString("OBJECT_STORAGE_SECRET_KEY", cfg.ObjectStorage.SecretKey)
	cfg.ObjectStorage.Secure = envBool("OBJECT_STORAGE_SECURE", cfg.ObjectStorage.Secure)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
