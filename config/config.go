package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/document-context/pkg/logger"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    logger.Config   `yaml:"logger"`
	Ingest    IngestConfig    `yaml:"ingest"`
	OCR       OCRConfig       `yaml:"ocr"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Context   ContextConfig   `yaml:"context"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// IngestConfig bounds what a single ingestion may consume.
type IngestConfig struct {
	MaxFileSize     int64         `yaml:"maxFileSize"`
	MaxPages        int           `yaml:"maxPages"`
	AllowedTypes    []string      `yaml:"allowedTypes"`
	PageConcurrency int           `yaml:"pageConcurrency"`
	PageTimeout     time.Duration `yaml:"pageTimeout"`
	PersistMode     string        `yaml:"persistMode"`
	PersistRetries  uint64        `yaml:"persistRetries"`
}

type OCRConfig struct {
	Engine        string   `yaml:"engine"`   // tesseract | textract | none
	Renderer      string   `yaml:"renderer"` // pdftoppm | none
	DPI           int      `yaml:"dpi"`
	TriggerLength int      `yaml:"triggerLength"`
	DigitRatio    float64  `yaml:"digitRatio"`
	Languages     []string `yaml:"languages"`
	Whitelist     string   `yaml:"whitelist"`
	MinConfidence float64  `yaml:"minConfidence"`
	Preprocess    bool     `yaml:"preprocess"`
}

type ChunkConfig struct {
	TokenBudget       int  `yaml:"tokenBudget"`
	PreserveStructure bool `yaml:"preserveStructure"`
}

type ContextConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type ReadinessConfig struct {
	PartsCap       int           `yaml:"partsCap"`
	SecondsPerPart int           `yaml:"secondsPerPart"`
	StatusTTL      time.Duration `yaml:"statusTTL"`
	Backend        string        `yaml:"backend"` // memory | redis
}

type RetrievalConfig struct {
	DefaultLimit int `yaml:"defaultLimit"`
	MaxLimit     int `yaml:"maxLimit"`
}

// StorageConfig selects the blob store used for async uploads and results.
type StorageConfig struct {
	Type            string        `yaml:"type"` // s3 | minio | none
	RetentionPeriod time.Duration `yaml:"retentionPeriod"`
	S3              S3Config      `yaml:"s3"`
	Minio           MinioConfig   `yaml:"minio"`
}

type S3Config struct {
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	KeyPrefix  string `yaml:"keyPrefix"`
	AccessKey  string `yaml:"-"`
	SecretKey  string `yaml:"-"`
}

type MinioConfig struct {
	AccessKey  string `yaml:"-"`
	SecretKey  string `yaml:"-"`
	Endpoint   string `yaml:"endpoint"`
	UseSSL     bool   `yaml:"useSSL"`
	Region     string `yaml:"region"`
	BucketName string `yaml:"bucketName"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"-"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type QueueConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxRetries     int           `yaml:"maxRetries"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	Priority       int           `yaml:"priority"`
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"-"`
	Claim     string `yaml:"claim"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		Logger: logger.DefaultConfig(),
		Ingest: IngestConfig{
			MaxFileSize:     50 * 1024 * 1024, // 50MB
			MaxPages:        500,
			AllowedTypes:    []string{".pdf", ".jpg", ".jpeg", ".png", ".tif", ".tiff"},
			PageConcurrency: 4,
			PageTimeout:     60 * time.Second,
			PersistMode:     "ephemeral",
			PersistRetries:  3,
		},
		OCR: OCRConfig{
			Engine:        "tesseract",
			Renderer:      "pdftoppm",
			DPI:           300,
			TriggerLength: 400,
			DigitRatio:    0.35,
			Languages:     []string{"eng"},
			Whitelist:     DefaultWhitelist,
			MinConfidence: 60,
			Preprocess:    true,
		},
		Chunk:     ChunkConfig{TokenBudget: 800, PreserveStructure: true},
		Context:   ContextConfig{TTL: 2 * time.Hour, Capacity: 256, SweepInterval: time.Minute},
		Readiness: ReadinessConfig{PartsCap: 5, SecondsPerPart: 2, StatusTTL: 24 * time.Hour, Backend: "memory"},
		Retrieval: RetrievalConfig{DefaultLimit: 8, MaxLimit: 50},
		Storage:   StorageConfig{Type: "none", RetentionPeriod: 24 * time.Hour},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Database:  DatabaseConfig{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute},
		Queue:     QueueConfig{Concurrency: 10, MaxRetries: 3, ProcessTimeout: 30 * time.Minute, Priority: 2},
		Auth:      AuthConfig{Claim: "user_id"},
	}
}

// DefaultWhitelist limits OCR output to digits, currency, punctuation and Latin letters.
const DefaultWhitelist = "0123456789" +
	"$€£¥%" +
	".,;:!?'\"()[]-/&#@+*=" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz "

var (
	envOnce sync.Once
)

// loadDotEnv loads the project-root .env once; missing files are fine.
func loadDotEnv() {
	envOnce.Do(func() {
		// 获取当前文件的目录
		_, filename, _, _ := runtime.Caller(0)
		rootDir := filepath.Dir(filepath.Dir(filename))
		envPath := filepath.Join(rootDir, ".env")

		if err := godotenv.Load(envPath); err != nil {
			if err := godotenv.Load(); err != nil {
				log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
			}
		}
	})
}

// Load reads path (optional), then applies environment overrides.
func Load(path string) (*Config, error) {
	loadDotEnv()

	cfg := Default()
	if path == "" {
		path = os.Getenv("DOC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "DOC_SERVER_ADDR")
	setString(&cfg.Logger.Level, "DOC_LOG_LEVEL")
	setInt64(&cfg.Ingest.MaxFileSize, "DOC_MAX_FILE_SIZE")
	setInt(&cfg.Ingest.MaxPages, "DOC_MAX_PAGES")
	setString(&cfg.Ingest.PersistMode, "DOC_PERSIST_MODE")
	setString(&cfg.OCR.Engine, "DOC_OCR_ENGINE")
	setString(&cfg.OCR.Renderer, "DOC_OCR_RENDERER")
	setInt(&cfg.OCR.DPI, "DOC_OCR_DPI")
	setInt(&cfg.OCR.TriggerLength, "DOC_OCR_TRIGGER_LENGTH")
	setFloat(&cfg.OCR.DigitRatio, "DOC_OCR_DIGIT_RATIO")
	setInt(&cfg.Chunk.TokenBudget, "DOC_CHUNK_TOKEN_BUDGET")
	setDuration(&cfg.Context.TTL, "DOC_CONTEXT_TTL")
	setInt(&cfg.Context.Capacity, "DOC_CONTEXT_CAPACITY")
	setInt(&cfg.Readiness.PartsCap, "DOC_REQUIRED_PARTS_CAP")
	setString(&cfg.Readiness.Backend, "DOC_STATUS_BACKEND")

	setString(&cfg.Storage.Type, "DOC_STORAGE_TYPE")
	setString(&cfg.Storage.S3.BucketName, "AWS_S3_BUCKET_NAME")
	setString(&cfg.Storage.S3.Region, "AWS_REGION")
	setString(&cfg.Storage.S3.Endpoint, "AWS_ENDPOINT")
	setString(&cfg.Storage.S3.AccessKey, "AWS_ACCESS_KEY")
	setString(&cfg.Storage.S3.SecretKey, "AWS_SECRET_KEY")
	setString(&cfg.Storage.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.Storage.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.Storage.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.Storage.Minio.Region, "MINIO_REGION")
	setString(&cfg.Storage.Minio.BucketName, "MINIO_BUCKET_NAME")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	if cfg.Auth.JWTSecret != "" && os.Getenv("DOC_AUTH_DISABLED") == "" {
		cfg.Auth.Enabled = true
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Ingest.MaxFileSize <= 0 {
		problems = append(problems, "ingest.maxFileSize must be positive")
	}
	if c.Ingest.MaxPages <= 0 {
		problems = append(problems, "ingest.maxPages must be positive")
	}
	if c.Ingest.PageConcurrency <= 0 {
		problems = append(problems, "ingest.pageConcurrency must be positive")
	}
	switch c.Ingest.PersistMode {
	case "ephemeral", "durable", "both":
	default:
		problems = append(problems, fmt.Sprintf("ingest.persistMode %q is not one of ephemeral, durable, both", c.Ingest.PersistMode))
	}
	if c.OCR.DPI <= 0 {
		problems = append(problems, "ocr.dpi must be positive")
	}
	if c.OCR.DigitRatio <= 0 || c.OCR.DigitRatio > 1 {
		problems = append(problems, "ocr.digitRatio must be in (0, 1]")
	}
	if c.Chunk.TokenBudget <= 0 {
		problems = append(problems, "chunk.tokenBudget must be positive")
	}
	if c.Context.TTL <= 0 {
		problems = append(problems, "context.ttl must be positive")
	}
	if c.Context.Capacity <= 0 {
		problems = append(problems, "context.capacity must be positive")
	}
	if c.Readiness.PartsCap < 1 {
		problems = append(problems, "readiness.partsCap must be at least 1")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth is enabled but JWT_SECRET is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
