package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file; RESUME_CONFIG_PATH overrides it.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseURL    string   `yaml:"databaseURL"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	MaxConnections int      `yaml:"maxConnections"`
	TrustedProxies []string `yaml:"trustedProxyCidrs"`
	CORSOrigins    []string `yaml:"corsAllowedOrigins"`

	StorageBackend   string `yaml:"storageBackend"`
	StorageEndpoint  string `yaml:"storageEndpoint"`
	StorageAccessKey string `yaml:"storageAccessKey"`
	StorageSecretKey string `yaml:"storageSecretKey"`
	StorageBucket    string `yaml:"storageBucket"`
	StorageUseSSL    bool   `yaml:"storageUseSSL"`
	StorageRegion    string `yaml:"storageRegion"`
	StorageLocalPath string `yaml:"storageLocalPath"`

	ScannerBackend       string  `yaml:"scannerBackend"`
	ClamdAddr            string  `yaml:"clamdAddr"`
	ScannerURL           string  `yaml:"scannerURL"`
	ScannerAudience      string  `yaml:"scannerAudience"`
	ScanMaxExpandedBytes int64   `yaml:"scanMaxExpandedBytes"`
	ScanMaxRatio         float64 `yaml:"scanMaxRatio"`
	ScanMaxZipEntries    int     `yaml:"scanMaxZipEntries"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	InternalJWTPrivateKeyPath   string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTIssuer           string   `yaml:"internalJwtIssuer"`
	InternalAllowedIssuers      []string `yaml:"internalAllowedIssuers"`

	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	ScanTimeoutSeconds      int  `yaml:"scanTimeoutSeconds"`
	ScanMaxAttempts         int  `yaml:"scanMaxAttempts"`
	ScanBackoffBaseMillis   int  `yaml:"scanBackoffBaseMillis"`
	ScanBackoffMaxMillis    int  `yaml:"scanBackoffMaxMillis"`
	ExtractTimeoutSeconds   int  `yaml:"extractTimeoutSeconds"`
	ExtractMaxPages         int  `yaml:"extractMaxPages"`
	ExtractMaxChars         int  `yaml:"extractMaxChars"`
	ExtractDisablePdftotext bool `yaml:"extractDisablePdftotext"`
	ParseTimeoutSeconds     int  `yaml:"parseTimeoutSeconds"`
	ParseMaxAttempts        int  `yaml:"parseMaxAttempts"`

	ReviewThreshold     float64 `yaml:"reviewThreshold"`
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	MaxUploadBytes           int64 `yaml:"maxUploadBytes"`
	SubmitRateLimitPerMinute int   `yaml:"submitRateLimitPerMinute"`

	AMQPURL        string `yaml:"amqpURL"`
	EventsExchange string `yaml:"eventsExchange"`
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first; variables already set win.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if v := os.Getenv("RESUME_CONFIG_PATH"); v != "" && (path == "" || path == ConfigPath) {
		path = v
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	envString(&cfg.Port, "RESUME_PORT")
	envString(&cfg.LogLevel, "RESUME_LOG_LEVEL")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("RESUME_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("RESUME_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}

	envString(&cfg.StorageBackend, "RESUME_STORAGE_BACKEND")
	envString(&cfg.StorageEndpoint, "RESUME_STORAGE_ENDPOINT")
	envString(&cfg.StorageAccessKey, "RESUME_STORAGE_ACCESS_KEY")
	envString(&cfg.StorageSecretKey, "RESUME_STORAGE_SECRET_KEY")
	envString(&cfg.StorageBucket, "RESUME_STORAGE_BUCKET")
	envString(&cfg.StorageRegion, "RESUME_STORAGE_REGION")
	envString(&cfg.StorageLocalPath, "RESUME_STORAGE_LOCAL_PATH")
	if v := os.Getenv("RESUME_STORAGE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StorageUseSSL = b
		}
	}

	envString(&cfg.ScannerBackend, "RESUME_SCANNER_BACKEND")
	envString(&cfg.ClamdAddr, "RESUME_CLAMD_ADDR")
	envString(&cfg.ScannerURL, "RESUME_SCANNER_URL")

	envString(&cfg.AuthJWKSURL, "RESUME_AUTH_JWKS_URL")
	envString(&cfg.JWTIssuer, "RESUME_JWT_ISSUER")
	envString(&cfg.JWTAudience, "RESUME_JWT_AUDIENCE")
	envString(&cfg.InternalJWTPrivateKeyPath, "RESUME_INTERNAL_JWT_PRIVATE_KEY_PATH")
	envString(&cfg.InternalJWTPublicKeyPath, "RESUME_INTERNAL_JWT_PUBLIC_KEY_PATH")
	envString(&cfg.InternalJWTVerifyPublicKeys, "RESUME_INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	envString(&cfg.InternalJWTKeyID, "RESUME_INTERNAL_JWT_KEY_ID")
	if v := os.Getenv("RESUME_INTERNAL_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalAllowedIssuers = splitCSV(v)
	}

	envString(&cfg.QueueName, "RESUME_QUEUE_NAME")
	envString(&cfg.QueueGroup, "RESUME_QUEUE_GROUP")
	envInt(&cfg.QueueConcurrency, "RESUME_QUEUE_CONCURRENCY")
	envInt(&cfg.QueueMaxRetries, "RESUME_QUEUE_MAX_RETRIES")
	envInt(&cfg.QueueRetryDelaySeconds, "RESUME_QUEUE_RETRY_DELAY_SECONDS")

	envInt(&cfg.ScanTimeoutSeconds, "RESUME_SCAN_TIMEOUT_SECONDS")
	envInt(&cfg.ScanMaxAttempts, "RESUME_SCAN_MAX_ATTEMPTS")
	envInt(&cfg.ExtractTimeoutSeconds, "RESUME_EXTRACT_TIMEOUT_SECONDS")
	envInt(&cfg.ParseTimeoutSeconds, "RESUME_PARSE_TIMEOUT_SECONDS")
	envInt(&cfg.ParseMaxAttempts, "RESUME_PARSE_MAX_ATTEMPTS")
	envFloat(&cfg.ReviewThreshold, "RESUME_REVIEW_THRESHOLD")
	envFloat(&cfg.SimilarityThreshold, "RESUME_SIMILARITY_THRESHOLD")

	if v := os.Getenv("RESUME_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	envInt(&cfg.SubmitRateLimitPerMinute, "RESUME_SUBMIT_RATE_LIMIT_PER_MINUTE")
	envString(&cfg.AMQPURL, "RESUME_AMQP_URL")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.ScannerBackend == "" {
		cfg.ScannerBackend = "signature"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "resume:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "resume-workers"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 4
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 5
	}
	if cfg.QueueRetryDelaySeconds == 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.ScanTimeoutSeconds == 0 {
		cfg.ScanTimeoutSeconds = 30
	}
	if cfg.ScanMaxAttempts == 0 {
		cfg.ScanMaxAttempts = 3
	}
	if cfg.ScanBackoffBaseMillis == 0 {
		cfg.ScanBackoffBaseMillis = 500
	}
	if cfg.ScanBackoffMaxMillis == 0 {
		cfg.ScanBackoffMaxMillis = 5000
	}
	if cfg.ExtractTimeoutSeconds == 0 {
		cfg.ExtractTimeoutSeconds = 60
	}
	if cfg.ExtractMaxPages == 0 {
		cfg.ExtractMaxPages = 20
	}
	if cfg.ExtractMaxChars == 0 {
		cfg.ExtractMaxChars = 200000
	}
	if cfg.ParseTimeoutSeconds == 0 {
		cfg.ParseTimeoutSeconds = 30
	}
	if cfg.ParseMaxAttempts == 0 {
		cfg.ParseMaxAttempts = 2
	}
	if cfg.ReviewThreshold == 0 {
		cfg.ReviewThreshold = 0.6
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.SubmitRateLimitPerMinute == 0 {
		cfg.SubmitRateLimitPerMinute = 10
	}
	if cfg.InternalJWTIssuer == "" {
		cfg.InternalJWTIssuer = "resume"
	}
	if len(cfg.InternalAllowedIssuers) == 0 {
		cfg.InternalAllowedIssuers = []string{"matching-service"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or RESUME_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or RESUME_AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && strings.TrimSpace(cfg.InternalJWTVerifyPublicKeys) == "" {
		return errors.New("config: internal service auth requires RESUME_INTERNAL_JWT_PUBLIC_KEY_PATH or RESUME_INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.StorageEndpoint == "" || cfg.StorageBucket == "" {
			return errors.New("config: storageEndpoint and storageBucket are required for storageBackend=minio")
		}
	case "s3":
		if cfg.StorageBucket == "" {
			return errors.New("config: storageBucket is required for storageBackend=s3")
		}
	case "local":
		if strings.TrimSpace(cfg.StorageLocalPath) == "" {
			return errors.New("config: storageLocalPath is required for storageBackend=local")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.ScannerBackend {
	case "signature":
	case "clamd":
		if cfg.ClamdAddr == "" {
			return errors.New("config: clamdAddr is required for scannerBackend=clamd")
		}
	case "http":
		if cfg.ScannerURL == "" {
			return errors.New("config: scannerURL is required for scannerBackend=http")
		}
	default:
		return fmt.Errorf("config: unknown scannerBackend %q", cfg.ScannerBackend)
	}
	if cfg.QueueConcurrency < 1 {
		return errors.New("config: queueConcurrency must be >= 1")
	}
	if cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queue retry settings must be >= 0")
	}
	if cfg.ScanMaxAttempts < 1 || cfg.ParseMaxAttempts < 1 {
		return errors.New("config: scanMaxAttempts and parseMaxAttempts must be >= 1")
	}
	if cfg.ScanTimeoutSeconds < 0 || cfg.ExtractTimeoutSeconds < 0 || cfg.ParseTimeoutSeconds < 0 {
		return errors.New("config: stage timeouts must be >= 0")
	}
	if cfg.ScanBackoffBaseMillis < 0 || cfg.ScanBackoffMaxMillis < cfg.ScanBackoffBaseMillis {
		return errors.New("config: scanBackoffMaxMillis must be >= scanBackoffBaseMillis")
	}
	if cfg.ReviewThreshold < 0 || cfg.ReviewThreshold > 1 {
		return errors.New("config: reviewThreshold must be between 0 and 1")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return errors.New("config: similarityThreshold must be in (0, 1]")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.SubmitRateLimitPerMinute < 0 {
		return errors.New("config: submitRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("config: maxConnections must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Seconds converts a whole-second setting.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a millisecond setting.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
