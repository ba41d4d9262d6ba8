// Package config provides configuration management for sketchmatch.
// It loads settings from environment variables with the SKETCH_ prefix and
// provides sensible defaults for all configuration options.
//
// An optional YAML file named by SKETCH_CONFIG_FILE is applied on top of the
// defaults; environment variables take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the sketchmatch application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Search    SearchConfig    `yaml:"search"`
	Security  SecurityConfig  `yaml:"security"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`             // Server port (default: 5000)
	Host           string        `yaml:"host"`             // Server host (default: 127.0.0.1)
	MaxUploadSize  int64         `yaml:"max_upload_size"`  // Upload limit in bytes (default: 16 MiB)
	MaxImagePixels int           `yaml:"max_image_pixels"` // Decoded width*height limit (default: 40M)
	RequestTimeout time.Duration `yaml:"request_timeout"`  // Per-request deadline (default: 2m)
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	Assets    string `yaml:"assets"`    // Feature asset catalog (default: static/assets)
	Reference string `yaml:"reference"` // Reference photo corpus (default: reference_database)
	Output    string `yaml:"output"`    // Saved sketches (default: output)
	Data      string `yaml:"data"`      // Database directory (default: ./data)
}

// CanvasConfig contains the drawing surface size.
type CanvasConfig struct {
	Width  int `yaml:"width"`  // default: 500
	Height int `yaml:"height"` // default: 600
}

// EmbeddingConfig selects and tunes the image encoder.
type EmbeddingConfig struct {
	Provider           string        `yaml:"provider"`             // thumbnail, dnn or http (default: thumbnail)
	ModelPath          string        `yaml:"model_path"`           // ONNX file for the dnn provider
	ModelName          string        `yaml:"model_name"`           // Name stored with cached vectors
	URL                string        `yaml:"url"`                  // Base URL for the http provider
	Timeout            time.Duration `yaml:"timeout"`              // http provider request timeout (default: 30s)
	RetryAfter         time.Duration `yaml:"retry_after"`          // Delay before reloading a failed model (default: 30s)
	RejectWhileLoading bool          `yaml:"reject_while_loading"` // Answer 503 instead of waiting for the model
}

// CacheConfig contains embedding cache settings.
type CacheConfig struct {
	Backend     string `yaml:"backend"`      // memory, sqlite or postgres (default: sqlite)
	L1Size      int    `yaml:"l1_size"`      // In-process LRU entries (default: 4096)
	PostgresDSN string `yaml:"postgres_dsn"` // Required for the postgres backend
}

// SearchConfig contains ranking settings.
type SearchConfig struct {
	Workers           int     `yaml:"workers"`            // Corpus embedding workers (default: 3/4 of CPUs)
	MaxCorpusSize     int     `yaml:"max_corpus_size"`    // Images considered per request (default: 10000)
	StandardThreshold float64 `yaml:"standard_threshold"` // Match threshold for standard mode (default: 30)
	FaceThreshold     float64 `yaml:"face_threshold"`     // Match threshold for face mode (default: 35)
	DefaultTopN       int     `yaml:"default_top_n"`      // 0 returns every match (default: 0)
	WatchCorpus       bool    `yaml:"watch_corpus"`       // Invalidate cache entries on file changes (default: true)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string  `yaml:"mode"`       // development or production (default: development)
	APIToken     string  `yaml:"api_token"`  // Bearer token required in production
	RateLimit    float64 `yaml:"rate_limit"` // Requests per second per client (default: 10)
	RateBurst    int     `yaml:"rate_burst"` // Burst size (default: 20)
}

// SessionConfig contains composition session settings.
type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl"`          // Idle lifetime (default: 24h)
	MaxSessions int           `yaml:"max_sessions"` // Concurrent sessions kept (default: 1000)
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	File string `yaml:"file"` // Also write logs to this file when set
}

// LoadConfig loads configuration from defaults, the optional YAML file named
// by SKETCH_CONFIG_FILE, and environment variables, in increasing order of
// precedence.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("SKETCH_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// loadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the application cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.Server.MaxImagePixels <= 0 {
		errs = append(errs, errors.New("max image pixels must be positive"))
	}
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas %dx%d must be positive", c.Canvas.Width, c.Canvas.Height))
	}

	switch c.Embedding.Provider {
	case "thumbnail":
	case "dnn":
		if c.Embedding.ModelPath == "" {
			errs = append(errs, errors.New("dnn provider requires SKETCH_MODEL_PATH"))
		}
	case "http":
		if c.Embedding.URL == "" {
			errs = append(errs, errors.New("http provider requires SKETCH_EMBEDDING_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.RetryAfter < 0 {
		errs = append(errs, errors.New("retry-after must not be negative"))
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres cache backend requires SKETCH_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.L1Size < 1 {
		errs = append(errs, errors.New("cache L1 size must be at least 1"))
	}

	if c.Search.Workers < 1 {
		errs = append(errs, errors.New("search workers must be at least 1"))
	}
	if c.Search.MaxCorpusSize < 1 {
		errs = append(errs, errors.New("max corpus size must be at least 1"))
	}
	if c.Search.DefaultTopN < 0 {
		errs = append(errs, errors.New("default top N must not be negative"))
	}

	switch c.Security.SecurityMode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			errs = append(errs, errors.New("production mode requires SKETCH_API_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security mode %q", c.Security.SecurityMode))
	}

	if c.Session.TTL <= 0 || c.Session.MaxSessions < 1 {
		errs = append(errs, errors.New("session TTL and max sessions must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SQLitePath returns the database file used for the sqlite cache and
// sketch records.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Paths.Data, "sketchmatch.db")
}

// defaultWorkers returns three quarters of the available CPUs, at least one.
func defaultWorkers() int {
	return max(runtime.GOMAXPROCS(0)*3/4, 1)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           5000,
			Host:           "127.0.0.1",
			MaxUploadSize:  16 << 20,
			MaxImagePixels: 40_000_000,
			RequestTimeout: 2 * time.Minute,
		},
		Paths: PathsConfig{
			Assets:    "static/assets",
			Reference: "reference_database",
			Output:    "output",
			Data:      "./data",
		},
		Canvas: CanvasConfig{Width: 500, Height: 600},
		Embedding: EmbeddingConfig{
			Provider:   "thumbnail",
			ModelName:  "",
			URL:        "http://localhost:8090",
			Timeout:    30 * time.Second,
			RetryAfter: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "sqlite",
			L1Size:  4096,
		},
		Search: SearchConfig{
			Workers:           defaultWorkers(),
			MaxCorpusSize:     10000,
			StandardThreshold: 30,
			FaceThreshold:     35,
			WatchCorpus:       true,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
			RateLimit:    10,
			RateBurst:    20,
		},
		Session: SessionConfig{
			TTL:         24 * time.Hour,
			MaxSessions: 1000,
		},
	}
}

// applyEnv overrides c with any SKETCH_ environment variables that are set.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("SKETCH_PORT", c.Server.Port)
	c.Server.Host = getEnv("SKETCH_HOST", c.Server.Host)
	c.Server.MaxUploadSize = int64(getEnvInt("SKETCH_MAX_UPLOAD_SIZE", int(c.Server.MaxUploadSize)))
	c.Server.MaxImagePixels = getEnvInt("SKETCH_MAX_IMAGE_PIXELS", c.Server.MaxImagePixels)
	c.Server.RequestTimeout = getEnvDuration("SKETCH_REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Paths.Assets = getEnv("SKETCH_ASSETS_PATH", c.Paths.Assets)
	c.Paths.Reference = getEnv("SKETCH_REFERENCE_PATH", c.Paths.Reference)
	c.Paths.Output = getEnv("SKETCH_OUTPUT_PATH", c.Paths.Output)
	c.Paths.Data = getEnv("SKETCH_DATA_PATH", c.Paths.Data)

	c.Canvas.Width = getEnvInt("SKETCH_CANVAS_WIDTH", c.Canvas.Width)
	c.Canvas.Height = getEnvInt("SKETCH_CANVAS_HEIGHT", c.Canvas.Height)

	c.Embedding.Provider = getEnv("SKETCH_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.ModelPath = getEnv("SKETCH_MODEL_PATH", c.Embedding.ModelPath)
	c.Embedding.ModelName = getEnv("SKETCH_MODEL_NAME", c.Embedding.ModelName)
	c.Embedding.URL = getEnv("SKETCH_EMBEDDING_URL", c.Embedding.URL)
	c.Embedding.Timeout = getEnvDuration("SKETCH_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.RetryAfter = getEnvDuration("SKETCH_MODEL_RETRY_AFTER", c.Embedding.RetryAfter)
	c.Embedding.RejectWhileLoading = getEnvBool("SKETCH_REJECT_WHILE_LOADING", c.Embedding.RejectWhileLoading)

	c.Cache.Backend = getEnv("SKETCH_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.L1Size = getEnvInt("SKETCH_CACHE_L1_SIZE", c.Cache.L1Size)
	c.Cache.PostgresDSN = getEnv("SKETCH_POSTGRES_DSN", c.Cache.PostgresDSN)

	c.Search.Workers = getEnvInt("SKETCH_SEARCH_WORKERS", c.Search.Workers)
	c.Search.MaxCorpusSize = getEnvInt("SKETCH_MAX_CORPUS_SIZE", c.Search.MaxCorpusSize)
	c.Search.StandardThreshold = getEnvFloat("SKETCH_STANDARD_THRESHOLD", c.Search.StandardThreshold)
	c.Search.FaceThreshold = getEnvFloat("SKETCH_FACE_THRESHOLD", c.Search.FaceThreshold)
	c.Search.DefaultTopN = getEnvInt("SKETCH_DEFAULT_TOP_N", c.Search.DefaultTopN)
	c.Search.WatchCorpus = getEnvBool("SKETCH_WATCH_CORPUS", c.Search.WatchCorpus)

	c.Security.SecurityMode = getEnv("SKETCH_SECURITY_MODE", c.Security.SecurityMode)
	c.Security.APIToken = getEnv("SKETCH_API_TOKEN", c.Security.APIToken)
	c.Security.RateLimit = getEnvFloat("SKETCH_RATE_LIMIT", c.Security.RateLimit)
	c.Security.RateBurst = getEnvInt("SKETCH_RATE_BURST", c.Security.RateBurst)

	c.Session.TTL = getEnvDuration("SKETCH_SESSION_TTL", c.Session.TTL)
	c.Session.MaxSessions = getEnvInt("SKETCH_MAX_SESSIONS", c.Session.MaxSessions)

	c.Logging.File = getEnv("SKETCH_LOG_FILE", c.Logging.File)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration such as "30s" or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
