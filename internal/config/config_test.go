package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.75, cfg.Matching.MatchThreshold)
	assert.Equal(t, 0.65, cfg.Matching.ReviewThreshold)
	assert.Equal(t, "UTC", cfg.Scheduler.Location().String())
}

func TestMergeConfigOverridesOnlySetFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`
database:
  driver: postgres
  dsn: postgres://funnel@localhost/funnel
profiles:
  extract:
    model: gpt-4.1
matching:
  delta: 72h
funnel:
  excludedConversations: ["chat-1", "chat-2"]
`)
	fileCfg, err := Parse(raw)
	require.NoError(t, err)

	cfg := mergeConfig(defaultConfig(), fileCfg)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "gpt-4.1", cfg.Profiles.Extract.Model)
	assert.Equal(t, 2000, cfg.Profiles.Extract.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.Profiles.Screen.Model)
	assert.Equal(t, 72*time.Hour, cfg.Matching.Delta)
	assert.Equal(t, 0.75, cfg.Matching.MatchThreshold)
	assert.Equal(t, []string{"chat-1", "chat-2"}, cfg.Funnel.ExcludedConversations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Database.Driver = "mysql"
	cfg.Matching.ReviewThreshold = 0.9
	cfg.Scheduler.CycleCron = "every now and then"
	cfg.Profiles.Status.Model = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "database.driver")
	assert.Contains(t, msg, "matching thresholds")
	assert.Contains(t, msg, "scheduler.cycleCron")
	assert.Contains(t, msg, "profiles.status.model")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(databaseDSNEnv, "file:env.db")
	t.Setenv(openAIAPIKeyEnv, "sk-test")
	t.Setenv(kafkaBrokersEnv, "k1:9092,k2:9092")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "file:env.db", cfg.Database.DSN)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, KafkaConfig{Brokers: cfg.Kafka.Brokers}.Enabled())
}
