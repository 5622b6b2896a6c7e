package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "ARTIFACT_FUNNEL_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	databaseDriverEnv = "DATABASE_DRIVER"
	openAIAPIKeyEnv   = "OPENAI_API_KEY"
	cohereAPIKeyEnv   = "COHERE_API_KEY"
	trackerTokenEnv   = "TRACKER_TOKEN"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	redisAddrEnv      = "REDIS_ADDR"
	kafkaBrokersEnv   = "KAFKA_BROKERS"
	logLevelEnv       = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database      DatabaseConfig     `yaml:"database"`
	Logging       LoggingConfig      `yaml:"logging"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Provider      ProviderConfig     `yaml:"provider"`
	Profiles      ProfilesConfig     `yaml:"profiles"`
	Batch         BatchConfig        `yaml:"batch"`
	Funnel        FunnelConfig       `yaml:"funnel"`
	Matching      MatchingConfig     `yaml:"matching"`
	Embeddings    EmbeddingsConfig   `yaml:"embeddings"`
	Tracker       TrackerConfig      `yaml:"tracker"`
	Kafka         KafkaConfig        `yaml:"kafka"`
	Archive       ArchiveConfig      `yaml:"archive"`
	Notifications NotificationConfig `yaml:"notifications"`
	HTTP          HTTPConfig         `yaml:"http"`
}

// DatabaseConfig selects the SQL dialect and connection.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig defines when recurring jobs run.
type SchedulerConfig struct {
	CycleCron     string         `yaml:"cycleCron"`
	ReconcileCron string         `yaml:"reconcileCron"`
	PollInterval  time.Duration  `yaml:"pollInterval"`
	Timezone      string         `yaml:"timezone"`
	location      *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// ProviderConfig describes the batch inference endpoint.
type ProviderConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	APIKey            string        `yaml:"apiKey"`
	CompletionWindow  string        `yaml:"completionWindow"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ProfileConfig is the model configuration of one stage.
type ProfileConfig struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"maxTokens"`
	Temperature float64 `yaml:"temperature"`
}

// ProfilesConfig maps each funnel stage to a provider profile.
type ProfilesConfig struct {
	Screen  ProfileConfig `yaml:"screen"`
	Extract ProfileConfig `yaml:"extract"`
	Status  ProfileConfig `yaml:"status"`
}

// BatchConfig caps batch size and governs polling.
type BatchConfig struct {
	MaxItems        int           `yaml:"maxItems"`
	MaxBytes        int           `yaml:"maxBytes"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	PollConcurrency int           `yaml:"pollConcurrency"`
	RetryAttempts   int           `yaml:"retryAttempts"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
}

// FunnelConfig tunes stage selection.
type FunnelConfig struct {
	ExtractionThreshold   float64       `yaml:"extractionThreshold"`
	StatusGrace           time.Duration `yaml:"statusGrace"`
	StatusWindowMessages  int           `yaml:"statusWindowMessages"`
	Lookback              time.Duration `yaml:"lookback"`
	ExcludedConversations []string      `yaml:"excludedConversations"`
}

// MatchingConfig holds reconciliation thresholds.
type MatchingConfig struct {
	Delta           time.Duration `yaml:"delta"`
	MatchThreshold  float64       `yaml:"matchThreshold"`
	ReviewThreshold float64       `yaml:"reviewThreshold"`
	DueSoon         time.Duration `yaml:"dueSoon"`
}

// EmbeddingsConfig selects the embedding provider and cache.
type EmbeddingsConfig struct {
	Provider  string        `yaml:"provider"` // openai, cohere or none
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"baseUrl"`
	APIKey    string        `yaml:"apiKey"`
	CohereKey string        `yaml:"cohereKey"`
	Cache     string        `yaml:"cache"` // memory or redis
	RedisAddr string        `yaml:"redisAddr"`
	CacheTTL  time.Duration `yaml:"cacheTtl"`
}

// TrackerConfig points at the external task tracker.
type TrackerConfig struct {
	BaseURL      string `yaml:"baseUrl"`
	Token        string `yaml:"token"`
	ProjectID    string `yaml:"projectId"`
	SnapshotPath string `yaml:"snapshotPath"`
}

// KafkaConfig enables window ingestion from a topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupId"`
}

// Enabled reports whether the consumer should start.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// ArchiveConfig selects where reports are stored.
type ArchiveConfig struct {
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3Bucket"`
	S3Prefix string `yaml:"s3Prefix"`
	S3Region string `yaml:"s3Region"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// HTTPConfig exposes the operator API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads .env and YAML configuration (if present) and applies environment overrides.
// An empty path falls back to the ARTIFACT_FUNNEL_CONFIG variable.
func Load(path string) Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot load .env: %v", err)
	}

	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg, err := Parse(raw)
			if err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Parse decodes YAML without applying defaults.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that would break invariants at runtime.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required"))
	}

	m := c.Matching
	if m.ReviewThreshold < 0 || m.MatchThreshold > 1 || m.ReviewThreshold > m.MatchThreshold {
		errs = append(errs, fmt.Errorf("matching thresholds must satisfy 0 <= review (%.2f) <= match (%.2f) <= 1", m.ReviewThreshold, m.MatchThreshold))
	}
	if m.Delta < 0 {
		errs = append(errs, fmt.Errorf("matching.delta must not be negative"))
	}

	if c.Funnel.ExtractionThreshold < 0 || c.Funnel.ExtractionThreshold > 1 {
		errs = append(errs, fmt.Errorf("funnel.extractionThreshold must be within [0,1]"))
	}
	if c.Batch.MaxItems <= 0 || c.Batch.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("batch.maxItems and batch.maxBytes must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.pollInterval must be positive"))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{"cycleCron": c.Scheduler.CycleCron, "reconcileCron": c.Scheduler.ReconcileCron} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.%s: %w", name, err))
		}
	}

	for stage, p := range map[string]ProfileConfig{"screen": c.Profiles.Screen, "extract": c.Profiles.Extract, "status": c.Profiles.Status} {
		if strings.TrimSpace(p.Model) == "" {
			errs = append(errs, fmt.Errorf("profiles.%s.model is required", stage))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.Provider.APIKey = v
		if c.Embeddings.APIKey == "" {
			c.Embeddings.APIKey = v
		}
	}
	if v := os.Getenv(cohereAPIKeyEnv); v != "" {
		c.Embeddings.CohereKey = v
	}
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Embeddings.RedisAddr = v
	}

	if v := os.Getenv(trackerTokenEnv); v != "" {
		c.Tracker.Token = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(kafkaBrokersEnv); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}
	if override.Database.Driver != "" {
		base.Database.Driver = override.Database.Driver
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Scheduler.CycleCron != "" {
		base.Scheduler.CycleCron = override.Scheduler.CycleCron
	}
	if override.Scheduler.ReconcileCron != "" {
		base.Scheduler.ReconcileCron = override.Scheduler.ReconcileCron
	}
	if override.Scheduler.PollInterval != 0 {
		base.Scheduler.PollInterval = override.Scheduler.PollInterval
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.Provider.BaseURL != "" {
		base.Provider.BaseURL = override.Provider.BaseURL
	}
	if override.Provider.APIKey != "" {
		base.Provider.APIKey = override.Provider.APIKey
	}
	if override.Provider.CompletionWindow != "" {
		base.Provider.CompletionWindow = override.Provider.CompletionWindow
	}
	if override.Provider.RequestsPerMinute != 0 {
		base.Provider.RequestsPerMinute = override.Provider.RequestsPerMinute
	}
	if override.Provider.Timeout != 0 {
		base.Provider.Timeout = override.Provider.Timeout
	}

	base.Profiles.Screen = mergeProfile(base.Profiles.Screen, override.Profiles.Screen)
	base.Profiles.Extract = mergeProfile(base.Profiles.Extract, override.Profiles.Extract)
	base.Profiles.Status = mergeProfile(base.Profiles.Status, override.Profiles.Status)

	if override.Batch.MaxItems != 0 {
		base.Batch.MaxItems = override.Batch.MaxItems
	}
	if override.Batch.MaxBytes != 0 {
		base.Batch.MaxBytes = override.Batch.MaxBytes
	}
	if override.Batch.StaleAfter != 0 {
		base.Batch.StaleAfter = override.Batch.StaleAfter
	}
	if override.Batch.PollConcurrency != 0 {
		base.Batch.PollConcurrency = override.Batch.PollConcurrency
	}
	if override.Batch.RetryAttempts != 0 {
		base.Batch.RetryAttempts = override.Batch.RetryAttempts
	}
	if override.Batch.RetryBackoff != 0 {
		base.Batch.RetryBackoff = override.Batch.RetryBackoff
	}

	if override.Funnel.ExtractionThreshold != 0 {
		base.Funnel.ExtractionThreshold = override.Funnel.ExtractionThreshold
	}
	if override.Funnel.StatusGrace != 0 {
		base.Funnel.StatusGrace = override.Funnel.StatusGrace
	}
	if override.Funnel.StatusWindowMessages != 0 {
		base.Funnel.StatusWindowMessages = override.Funnel.StatusWindowMessages
	}
	if override.Funnel.Lookback != 0 {
		base.Funnel.Lookback = override.Funnel.Lookback
	}
	if len(override.Funnel.ExcludedConversations) > 0 {
		base.Funnel.ExcludedConversations = override.Funnel.ExcludedConversations
	}

	if override.Matching.Delta != 0 {
		base.Matching.Delta = override.Matching.Delta
	}
	if override.Matching.MatchThreshold != 0 {
		base.Matching.MatchThreshold = override.Matching.MatchThreshold
	}
	if override.Matching.ReviewThreshold != 0 {
		base.Matching.ReviewThreshold = override.Matching.ReviewThreshold
	}
	if override.Matching.DueSoon != 0 {
		base.Matching.DueSoon = override.Matching.DueSoon
	}

	if override.Embeddings.Provider != "" {
		base.Embeddings.Provider = override.Embeddings.Provider
	}
	if override.Embeddings.Model != "" {
		base.Embeddings.Model = override.Embeddings.Model
	}
	if override.Embeddings.BaseURL != "" {
		base.Embeddings.BaseURL = override.Embeddings.BaseURL
	}
	if override.Embeddings.APIKey != "" {
		base.Embeddings.APIKey = override.Embeddings.APIKey
	}
	if override.Embeddings.CohereKey != "" {
		base.Embeddings.CohereKey = override.Embeddings.CohereKey
	}
	if override.Embeddings.Cache != "" {
		base.Embeddings.Cache = override.Embeddings.Cache
	}
	if override.Embeddings.RedisAddr != "" {
		base.Embeddings.RedisAddr = override.Embeddings.RedisAddr
	}
	if override.Embeddings.CacheTTL != 0 {
		base.Embeddings.CacheTTL = override.Embeddings.CacheTTL
	}

	if override.Tracker.BaseURL != "" {
		base.Tracker.BaseURL = override.Tracker.BaseURL
	}
	if override.Tracker.Token != "" {
		base.Tracker.Token = override.Tracker.Token
	}
	if override.Tracker.ProjectID != "" {
		base.Tracker.ProjectID = override.Tracker.ProjectID
	}
	if override.Tracker.SnapshotPath != "" {
		base.Tracker.SnapshotPath = override.Tracker.SnapshotPath
	}

	if len(override.Kafka.Brokers) > 0 {
		base.Kafka.Brokers = override.Kafka.Brokers
	}
	if override.Kafka.Topic != "" {
		base.Kafka.Topic = override.Kafka.Topic
	}
	if override.Kafka.GroupID != "" {
		base.Kafka.GroupID = override.Kafka.GroupID
	}

	if override.Archive != (ArchiveConfig{}) {
		base.Archive = override.Archive
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if override.HTTP.Addr != "" {
		base.HTTP.Addr = override.HTTP.Addr
	}

	return base
}

func mergeProfile(base, override ProfileConfig) ProfileConfig {
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
	if override.Temperature != 0 {
		base.Temperature = override.Temperature
	}
	return base
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "artifactfunnel.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			CycleCron:     "*/30 * * * *",
			ReconcileCron: "0 7 * * *",
			PollInterval:  5 * time.Minute,
			Timezone:      defaultTimezone,
			location:      tz,
		},
		Provider: ProviderConfig{
			BaseURL:           "https://api.openai.com",
			CompletionWindow:  "24h",
			RequestsPerMinute: 50,
			Timeout:           60 * time.Second,
		},
		Profiles: ProfilesConfig{
			Screen:  ProfileConfig{Model: "gpt-4o-mini", MaxTokens: 300},
			Extract: ProfileConfig{Model: "gpt-4o", MaxTokens: 2000},
			Status:  ProfileConfig{Model: "gpt-4o", MaxTokens: 800},
		},
		Batch: BatchConfig{
			MaxItems:        500,
			MaxBytes:        50 << 20,
			StaleAfter:      36 * time.Hour,
			PollConcurrency: 4,
			RetryAttempts:   4,
			RetryBackoff:    2 * time.Second,
		},
		Funnel: FunnelConfig{
			ExtractionThreshold:  0.6,
			StatusGrace:          48 * time.Hour,
			StatusWindowMessages: 200,
			Lookback:             180 * 24 * time.Hour,
		},
		Matching: MatchingConfig{
			Delta:           7 * 24 * time.Hour,
			MatchThreshold:  0.75,
			ReviewThreshold: 0.65,
			DueSoon:         72 * time.Hour,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			Cache:    "memory",
			CacheTTL: 30 * 24 * time.Hour,
		},
		Tracker: TrackerConfig{BaseURL: "https://app.asana.com/api/1.0"},
		Kafka:   KafkaConfig{GroupID: "artifactfunnel"},
		Archive: ArchiveConfig{Dir: "reports"},
		HTTP:    HTTPConfig{Addr: ":8080"},
	}
}
