package cmd

import (
	"log/slog"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warshanks/murray/murray"
)

func unmarshalConfig(t *testing.T) *murray.Config {
	t.Helper()
	cfg := murray.DefaultConfig()
	err := viper.Unmarshal(
		cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	return cfg
}

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, murray.DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, murray.DefaultFIADocumentsURL, cfg.Sync.URL)
	assert.Equal(t, murray.DefaultSyncInterval, cfg.Sync.Interval)
	assert.Equal(t, murray.DefaultRelayModel, cfg.Relay.Model)
	assert.Equal(t, murray.DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, murray.DefaultAPIListen, cfg.API.Listen)
	assert.False(t, cfg.API.Enabled)
}

func TestInitConfigEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("MURRAY_DISCORD_TOKEN", "env-discord-token")
	t.Setenv("MURRAY_DISCORD_CHANNEL_ID", "123456789")
	t.Setenv("MURRAY_ANYTHINGLLM_API_KEY", "env-llm-key")
	t.Setenv("MURRAY_SYNC_INTERVAL", "30s")
	t.Setenv("MURRAY_LOG_LEVEL", "DEBUG")
	t.Setenv("MURRAY_RELAY_BACKEND", "openai")

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, "env-discord-token", cfg.Discord.Token)
	assert.Equal(t, "123456789", cfg.Discord.ChannelID)
	assert.Equal(t, "env-llm-key", cfg.AnythingLLM.APIKey)
	assert.Equal(t, "30s", cfg.Sync.Interval.String())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, murray.RelayBackendOpenAI, cfg.Relay.Backend)
}

func TestGetLogLevel(t *testing.T) {
	for expected, name := range map[slog.Level]string{
		slog.LevelDebug: "DEBUG",
		slog.LevelInfo:  "INFO",
		slog.LevelWarn:  "WARN",
		slog.LevelError: "ERROR",
	} {
		level, err := getLogLevel(name)
		require.NoError(t, err)
		assert.Equal(t, expected, level)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
