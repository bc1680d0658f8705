package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EdgeOptions configures the edge cache worker.
type EdgeOptions struct {
	Version         string   `yaml:"version" validate:"required"`
	ListenAddr      string   `yaml:"listen_addr" validate:"required"`
	Origin          string   `yaml:"origin" validate:"required,url"`
	DBPath          string   `yaml:"db_path"`
	ShellDocument   string   `yaml:"shell_document" validate:"required,startswith=/"`
	Precache        []string `yaml:"precache" validate:"dive,startswith=/"`
	AssetExtensions []string `yaml:"asset_extensions" validate:"dive,startswith=."`
}

// BreakerOptions configures the circuit breaker in front of the server.
type BreakerOptions struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

type Options struct {
	ServerURL        string         `yaml:"server_url" validate:"required,url"`
	DataDir          string         `yaml:"data_dir" validate:"required"`
	APIPrefix        string         `yaml:"api_prefix" validate:"required,startswith=/"`
	QueueRetention   time.Duration  `yaml:"queue_retention" validate:"gt=0"`
	RequestTimeout   time.Duration  `yaml:"request_timeout" validate:"gt=0"`
	ConnectivityFile string         `yaml:"connectivity_file"`
	LogLevel         string         `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile          string         `yaml:"log_file"`
	MetricsAddr      string         `yaml:"metrics_addr"`
	CacheKey         string         `yaml:"cache_key"`
	Breaker          BreakerOptions `yaml:"breaker"`
	Edge             EdgeOptions    `yaml:"edge"`
}

// Default returns the built-in configuration.
func Default() *Options {
	dataDir := ".offsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".offsync")
	}
	return &Options{
		ServerURL:      "http://localhost:8080",
		DataDir:        dataDir,
		APIPrefix:      "/api/",
		QueueRetention: 24 * time.Hour,
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
		Breaker: BreakerOptions{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		Edge: EdgeOptions{
			Version:       "offsync-v1",
			ListenAddr:    "127.0.0.1:8090",
			Origin:        "http://localhost:3000",
			ShellDocument: "/index.html",
			Precache:      []string{"/", "/index.html", "/manifest.json"},
			AssetExtensions: []string{
				".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg",
				".ico", ".webp", ".woff", ".woff2", ".ttf", ".webmanifest",
			},
		},
	}
}

// Load layers the configuration: defaults, then the YAML file at path (if
// path is not empty), then OFFSYNC_* environment variables. The result is
// validated.
func Load(path string) (*Options, error) {
	opt := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, opt); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := opt.applyEnv(); err != nil {
		return nil, err
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

// Check if corresponding environment variables are set and override the values if present.
func (o *Options) applyEnv() error {
	if v, ok := os.LookupEnv("OFFSYNC_SERVER_URL"); ok {
		o.ServerURL = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_DATA_DIR"); ok {
		o.DataDir = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_API_PREFIX"); ok {
		o.APIPrefix = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_QUEUE_RETENTION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OFFSYNC_QUEUE_RETENTION: %w", err)
		}
		o.QueueRetention = d
	}
	if v, ok := os.LookupEnv("OFFSYNC_REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OFFSYNC_REQUEST_TIMEOUT: %w", err)
		}
		o.RequestTimeout = d
	}
	if v, ok := os.LookupEnv("OFFSYNC_CONNECTIVITY_FILE"); ok {
		o.ConnectivityFile = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_LOG_LEVEL"); ok {
		o.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("OFFSYNC_LOG_FILE"); ok {
		o.LogFile = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_METRICS_ADDR"); ok {
		o.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_CACHE_KEY"); ok {
		o.CacheKey = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_EDGE_VERSION"); ok {
		o.Edge.Version = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_EDGE_ORIGIN"); ok {
		o.Edge.Origin = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_EDGE_LISTEN_ADDR"); ok {
		o.Edge.ListenAddr = v
	}
	if v, ok := os.LookupEnv("OFFSYNC_BREAKER_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("OFFSYNC_BREAKER_THRESHOLD: %w", err)
		}
		o.Breaker.FailureThreshold = f
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the options and reports every invalid field at once.
func (o *Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// DBPath is the device database holding local tables and the KV cache.
func (o *Options) DBPath() string {
	return filepath.Join(o.DataDir, "device.db")
}

// EdgeDBPath is the edge worker's own cache database.
func (o *Options) EdgeDBPath() string {
	if o.Edge.DBPath != "" {
		return o.Edge.DBPath
	}
	return filepath.Join(o.DataDir, "edge-cache.db")
}

// SyncInfoPath is where drain bookkeeping is persisted.
func (o *Options) SyncInfoPath() string {
	return filepath.Join(o.DataDir, "syncinfo.json")
}

// LogPath returns the log file, defaulting into the data dir.
func (o *Options) LogPath() string {
	if o.LogFile != "" {
		return o.LogFile
	}
	return filepath.Join(o.DataDir, "offsync.log")
}

// SaltPath holds the per-device salt for sealing cache values.
func (o *Options) SaltPath() string {
	return filepath.Join(o.DataDir, "cache.salt")
}
