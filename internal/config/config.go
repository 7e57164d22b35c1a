// Package config loads the pipeline's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/earn12345678/data-engineering-project/internal/failure"
)

// Config represents the service configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Source    SourceConfig    `yaml:"source"`
	Cursor    CursorConfig    `yaml:"cursor"`
	Log       LogConfig       `yaml:"log"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Transform TransformConfig `yaml:"transform"`
	Sink      SinkConfig      `yaml:"sink"`
	Retry     RetryConfig     `yaml:"retry"`
}

// ServiceConfig holds service-level settings
type ServiceConfig struct {
	Name        string   `yaml:"name"`
	Environment string   `yaml:"environment"`
	LogLevel    string   `yaml:"log_level"`
	HealthPort  int      `yaml:"health_port"`
	TaskTimeout Duration `yaml:"task_timeout"`
}

// SourceConfig describes the paginated HTTP source.
type SourceConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Dataset           string   `yaml:"dataset"`
	AppToken          string   `yaml:"app_token"`
	TimestampField    string   `yaml:"timestamp_field"`
	IDField           string   `yaml:"id_field"`
	PageSize          int      `yaml:"page_size"`
	MaxPages          int      `yaml:"max_pages"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	InitialTimestamp  string   `yaml:"initial_timestamp"`
}

// CursorConfig selects and configures the cursor backend.
type CursorConfig struct {
	Backend     string            `yaml:"backend"` // file, postgres, object
	File        FileCursorConfig  `yaml:"file"`
	Postgres    DatabaseConfig    `yaml:"postgres"`
	Table       string            `yaml:"table"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Timeout     Duration          `yaml:"timeout"`
}

// FileCursorConfig holds file cursor settings.
type FileCursorConfig struct {
	Dir      string `yaml:"dir"`
	Filename string `yaml:"filename"`
}

// ObjectStoreConfig holds S3-compatible object store settings.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LogConfig configures the durable ordered log.
type LogConfig struct {
	Backend          string   `yaml:"backend"` // amqp, memory
	URL              string   `yaml:"url"`
	Queue            string   `yaml:"queue"`
	PublishBatchSize int      `yaml:"publish_batch_size"`
	ConfirmTimeout   Duration `yaml:"confirm_timeout"`
	Compression      string   `yaml:"compression"` // none, zstd
}

// ConsumerConfig bounds consumer micro-batches.
type ConsumerConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	BatchTimeout  Duration `yaml:"batch_timeout"`
	CommitTimeout Duration `yaml:"commit_timeout"`
	MaxBatches    int      `yaml:"max_batches"`
}

// TransformConfig maps source fields onto the canonical record.
type TransformConfig struct {
	Fields        FieldMapping `yaml:"fields"`
	MaxTextLength int          `yaml:"max_text_length"`
}

// FieldMapping names the source field for each canonical attribute.
type FieldMapping struct {
	ID          string `yaml:"id"`
	Date        string `yaml:"date"`
	UpdatedAt   string `yaml:"updated_at"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Location    string `yaml:"location"`
	Latitude    string `yaml:"latitude"`
	Longitude   string `yaml:"longitude"`
}

// SinkConfig configures the relational sink.
type SinkConfig struct {
	Backend     string         `yaml:"backend"` // postgres, duckdb
	Postgres    DatabaseConfig `yaml:"postgres"`
	DuckDBPath  string         `yaml:"duckdb_path"`
	Table       string         `yaml:"table"`
	RejectTable string         `yaml:"reject_table"`
	CreateTable bool           `yaml:"create_table"`
	MaxConns    int32          `yaml:"max_conns"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// RetryConfig is the bounded backoff policy shared by all components.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialDelay   Duration `yaml:"initial_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	BackoffFactor  float64  `yaml:"backoff_factor"`
	JitterFactor   float64  `yaml:"jitter_factor"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, defaults, overrides from the environment and validates the
// configuration at path. Every error it returns is fatal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Fatal("config.load", fmt.Errorf("failed to read config file: %w", err))
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, failure.Fatal("config.parse", fmt.Errorf("failed to parse config: %w", err))
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, failure.Fatal("config.validate", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "incremental-pipeline"
	}
	if c.Service.Environment == "" {
		c.Service.Environment = "development"
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.HealthPort == 0 {
		c.Service.HealthPort = 8088
	}
	if c.Service.TaskTimeout == 0 {
		c.Service.TaskTimeout = Duration(30 * time.Minute)
	}

	if c.Source.TimestampField == "" {
		c.Source.TimestampField = "date"
	}
	if c.Source.IDField == "" {
		c.Source.IDField = "id"
	}
	if c.Source.PageSize == 0 {
		c.Source.PageSize = 1000
	}
	if c.Source.MaxPages == 0 {
		c.Source.MaxPages = 100
	}
	if c.Source.RequestTimeout == 0 {
		c.Source.RequestTimeout = Duration(30 * time.Second)
	}

	if c.Cursor.Backend == "" {
		c.Cursor.Backend = "file"
	}
	if c.Cursor.File.Dir == "" {
		c.Cursor.File.Dir = "./state"
	}
	if c.Cursor.File.Filename == "" {
		c.Cursor.File.Filename = "cursor.json"
	}
	if c.Cursor.Table == "" {
		c.Cursor.Table = "ingest_cursor"
	}
	if c.Cursor.ObjectStore.Key == "" {
		c.Cursor.ObjectStore.Key = "state/cursor.json"
	}
	if c.Cursor.Timeout == 0 {
		c.Cursor.Timeout = Duration(10 * time.Second)
	}
	applyDatabaseDefaults(&c.Cursor.Postgres)

	if c.Log.Backend == "" {
		c.Log.Backend = "amqp"
	}
	if c.Log.Queue == "" {
		c.Log.Queue = "records"
	}
	if c.Log.PublishBatchSize == 0 {
		c.Log.PublishBatchSize = 500
	}
	if c.Log.ConfirmTimeout == 0 {
		c.Log.ConfirmTimeout = Duration(30 * time.Second)
	}
	if c.Log.Compression == "" {
		c.Log.Compression = "none"
	}

	if c.Consumer.BatchSize == 0 {
		c.Consumer.BatchSize = 500
	}
	if c.Consumer.BatchTimeout == 0 {
		c.Consumer.BatchTimeout = Duration(5 * time.Second)
	}
	if c.Consumer.CommitTimeout == 0 {
		c.Consumer.CommitTimeout = Duration(60 * time.Second)
	}

	f := &c.Transform.Fields
	if f.ID == "" {
		f.ID = c.Source.IDField
	}
	if f.Date == "" {
		f.Date = c.Source.TimestampField
	}

	if c.Sink.Backend == "" {
		c.Sink.Backend = "postgres"
	}
	if c.Sink.Table == "" {
		c.Sink.Table = "records"
	}
	if c.Sink.DuckDBPath == "" {
		c.Sink.DuckDBPath = "./state/sink.duckdb"
	}
	if c.Sink.MaxConns == 0 {
		c.Sink.MaxConns = 4
	}
	applyDatabaseDefaults(&c.Sink.Postgres)

	r := &c.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = Duration(500 * time.Millisecond)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(30 * time.Second)
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}
	if r.AttemptTimeout == 0 {
		r.AttemptTimeout = Duration(30 * time.Second)
	}
}

func applyDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Service.LogLevel, "LOG_LEVEL")
	set(&c.Source.AppToken, "SOURCE_APP_TOKEN")
	set(&c.Log.URL, "AMQP_URL")
	set(&c.Sink.Postgres.Password, "POSTGRES_PASSWORD")
	set(&c.Cursor.Postgres.Password, "CURSOR_POSTGRES_PASSWORD")
	set(&c.Cursor.ObjectStore.AccessKey, "OBJECT_STORE_ACCESS_KEY")
	set(&c.Cursor.ObjectStore.SecretKey, "OBJECT_STORE_SECRET_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source.BaseURL == "" {
		fail("source.base_url is required")
	}
	if c.Source.Dataset == "" {
		fail("source.dataset is required")
	}
	if c.Source.PageSize < 1 {
		fail("source.page_size must be at least 1")
	}
	if c.Source.MaxPages < 1 {
		fail("source.max_pages must be at least 1")
	}
	if c.Source.InitialTimestamp != "" {
		if _, err := c.InitialTimestamp(); err != nil {
			fail("source.initial_timestamp: %v", err)
		}
	}

	switch c.Cursor.Backend {
	case "file", "memory":
	case "postgres":
		errs = append(errs, c.Cursor.Postgres.validate("cursor.postgres")...)
	case "object":
		o := c.Cursor.ObjectStore
		if o.Endpoint == "" || o.Bucket == "" {
			fail("cursor.object_store endpoint and bucket are required")
		}
		if o.AccessKey == "" || o.SecretKey == "" {
			fail("cursor.object_store credentials are missing")
		}
	default:
		fail("unknown cursor.backend %q", c.Cursor.Backend)
	}

	switch c.Log.Backend {
	case "amqp":
		if c.Log.URL == "" {
			fail("log.url is required for the amqp backend")
		}
	case "memory":
		// The log dies with the process; a durable cursor would outlive it
		// and skip records that were never loaded.
		if c.Cursor.Backend != "memory" {
			fail("log.backend memory requires cursor.backend memory, got %q", c.Cursor.Backend)
		}
	default:
		fail("unknown log.backend %q", c.Log.Backend)
	}
	if c.Log.PublishBatchSize < 1 {
		fail("log.publish_batch_size must be at least 1")
	}
	switch c.Log.Compression {
	case "none", "zstd":
	default:
		fail("unknown log.compression %q", c.Log.Compression)
	}

	if c.Consumer.BatchSize < 1 {
		fail("consumer.batch_size must be at least 1")
	}
	if c.Consumer.BatchTimeout <= 0 {
		fail("consumer.batch_timeout must be positive")
	}

	switch c.Sink.Backend {
	case "postgres":
		errs = append(errs, c.Sink.Postgres.validate("sink.postgres")...)
	case "duckdb":
	default:
		fail("unknown sink.backend %q", c.Sink.Backend)
	}
	for _, name := range []string{c.Sink.Table, c.Sink.RejectTable, c.Cursor.Table} {
		if name != "" && !validIdentifier(name) {
			fail("invalid table name %q", name)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		fail("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffFactor < 1 {
		fail("retry.backoff_factor must be at least 1")
	}

	return errors.Join(errs...)
}

func (d DatabaseConfig) validate(prefix string) []error {
	var errs []error
	if d.Database == "" {
		errs = append(errs, fmt.Errorf("%s.database is required", prefix))
	}
	if d.User == "" {
		errs = append(errs, fmt.Errorf("%s.user is required", prefix))
	}
	if d.Password == "" {
		errs = append(errs, fmt.Errorf("%s.password is missing", prefix))
	}
	return errs
}

// InitialTimestamp parses source.initial_timestamp. The zero time is returned
// when it is unset.
func (c *Config) InitialTimestamp() (time.Time, error) {
	s := strings.TrimSpace(c.Source.InitialTimestamp)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ConnectionString builds a PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, d.SSLMode,
	)
}

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		case r == '.' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
