package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageDriver выбирает реализацию ledger store.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

const envPrefix = "ESCROW_"

// Config описывает настройки запуска escrow-сервиса.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`

	StorageDriver        StorageDriver `yaml:"storage_driver"`
	PostgresDSN          string        `yaml:"postgres_dsn"`
	PostgresAutoMigrate  bool          `yaml:"postgres_auto_migrate"`
	PostgresMaxOpenConns int           `yaml:"postgres_max_open_conns"`

	MinimumAmount  int64         `yaml:"minimum_amount"`
	AtomicTimeout  time.Duration `yaml:"atomic_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	ArbiterRole    string        `yaml:"arbiter_role"`

	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
	// Identities — таблица subject → user id для memory-хранилища.
	Identities map[string]int64 `yaml:"identities"`

	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	KafkaClientID string   `yaml:"kafka_client_id"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	// OutboxMaxPending — размер backlog, после которого health отдаёт degraded.
	OutboxMaxPending int `yaml:"outbox_max_pending"`

	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// DefaultConfig возвращает настройки для локального запуска на memory-хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		MetricsAddr:                 ":9090",
		GRPCAddr:                    ":50051",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxOpenConns:        25,
		MinimumAmount:               500,
		AtomicTimeout:               5 * time.Second,
		RetryAttempts:               3,
		IdempotencyTTL:              24 * time.Hour,
		ArbiterRole:                 "arbiter",
		KafkaTopic:                  "escrow.events",
		KafkaClientID:               "escrow-service",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxPending:            1000,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
		RateLimitRPS:                50,
		RateLimitBurst:              100,
	}
}

// LoadConfig собирает настройки: значения по умолчанию, затем YAML-файл из ESCROW_CONFIG_FILE,
// затем переменные окружения ESCROW_*. Перед этим подгружается .env, если он есть.
func LoadConfig() (Config, error) {
	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := DefaultConfig()
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv переопределяет поля заданными переменными окружения.
func (c *Config) applyEnv(lookup lookupFunc) error {
	p := envParser{lookup: lookup}

	p.str("HTTP_ADDR", &c.HTTPAddr)
	p.str("METRICS_ADDR", &c.MetricsAddr)
	p.str("GRPC_ADDR", &c.GRPCAddr)

	var driver string
	if p.str("STORAGE_DRIVER", &driver) {
		c.StorageDriver = StorageDriver(strings.ToLower(driver))
	}
	p.str("POSTGRES_DSN", &c.PostgresDSN)
	p.boolean("POSTGRES_AUTO_MIGRATE", &c.PostgresAutoMigrate)
	p.integer("POSTGRES_MAX_OPEN_CONNS", &c.PostgresMaxOpenConns)

	p.integer64("MINIMUM_AMOUNT", &c.MinimumAmount)
	p.duration("ATOMIC_TIMEOUT", &c.AtomicTimeout)
	p.integer("RETRY_ATTEMPTS", &c.RetryAttempts)
	p.duration("IDEMPOTENCY_TTL", &c.IdempotencyTTL)
	p.str("ARBITER_ROLE", &c.ArbiterRole)

	p.str("JWT_SECRET", &c.JWTSecret)
	p.str("JWT_ISSUER", &c.JWTIssuer)
	p.str("JWT_AUDIENCE", &c.JWTAudience)
	p.identities("IDENTITIES", &c.Identities)

	p.list("KAFKA_BROKERS", &c.KafkaBrokers)
	p.str("KAFKA_TOPIC", &c.KafkaTopic)
	p.str("KAFKA_CLIENT_ID", &c.KafkaClientID)

	p.duration("OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval)
	p.integer("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize)
	p.integer("OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts)
	p.duration("OUTBOX_RETRY_DELAY", &c.OutboxRetryDelay)
	p.integer("OUTBOX_MAX_PENDING", &c.OutboxMaxPending)

	p.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &c.IdempotencyCleanupInterval)
	p.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &c.IdempotencyCleanupBatchSize)

	p.float("RATE_LIMIT_RPS", &c.RateLimitRPS)
	p.integer("RATE_LIMIT_BURST", &c.RateLimitBurst)

	return errors.Join(p.errs...)
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.MinimumAmount <= 0 {
		errs = append(errs, fmt.Errorf("minimum amount must be positive, got %d", c.MinimumAmount))
	}
	if c.AtomicTimeout <= 0 {
		errs = append(errs, errors.New("atomic timeout must be positive"))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	for subject, id := range c.Identities {
		if subject == "" || id <= 0 {
			errs = append(errs, fmt.Errorf("invalid identity mapping %q=%d", subject, id))
		}
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox batch size and max attempts must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}

	return errors.Join(errs...)
}

type envParser struct {
	lookup lookupFunc
	errs   []error
}

func (p *envParser) raw(key string) (string, bool) {
	value, ok := p.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (p *envParser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
}

func (p *envParser) str(key string, dst *string) bool {
	value, ok := p.raw(key)
	if ok {
		*dst = value
	}
	return ok
}

func (p *envParser) boolean(key string, dst *bool) {
	if value, ok := p.raw(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) integer(key string, dst *int) {
	if value, ok := p.raw(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) integer64(key string, dst *int64) {
	if value, ok := p.raw(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) float(key string, dst *float64) {
	if value, ok := p.raw(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if value, ok := p.raw(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (p *envParser) list(key string, dst *[]string) {
	value, ok := p.raw(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// identities разбирает список вида "auth|buyer=5,auth|seller=9".
func (p *envParser) identities(key string, dst *map[string]int64) {
	value, ok := p.raw(key)
	if !ok {
		return
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx <= 0 {
			p.fail(key, fmt.Errorf("malformed pair %q", pair))
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(pair[idx+1:]), 10, 64)
		if err != nil {
			p.fail(key, fmt.Errorf("pair %q: %w", pair, err))
			continue
		}
		out[strings.TrimSpace(pair[:idx])] = id
	}
	*dst = out
}
