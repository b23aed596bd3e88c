package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warshanks/murray/murray"
)

var (
	cfg        = murray.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "murray [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
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
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", murray.DefaultDatabase)
	viper.SetDefault("database_type", murray.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		murray.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		murray.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", murray.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", murray.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", murray.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault("discord.additional_channel_ids", []string{})
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault(
		"discord.gateway_intents",
		murray.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		murray.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		murray.DefaultDiscordgoLogLevel.String(),
	)

	// AnythingLLM config
	viper.SetDefault("anythingllm.base_url", "")
	viper.SetDefault("anythingllm.api_key", "")
	viper.SetDefault("anythingllm.workspace", "")
	viper.SetDefault("anythingllm.folder", murray.DefaultWorkspaceFolder)
	viper.SetDefault(
		"anythingllm.upload_timeout",
		murray.DefaultWorkspaceUploadTimeout,
	)
	viper.SetDefault(
		"anythingllm.chat_timeout",
		murray.DefaultWorkspaceChatTimeout,
	)
	viper.SetDefault(
		"anythingllm.max_requests_per_second",
		murray.DefaultWorkspaceMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"anythingllm.log_level",
		murray.DefaultWorkspaceLogLevel.String(),
	)

	// Sync config
	viper.SetDefault("sync.enabled", true)
	viper.SetDefault("sync.url", murray.DefaultFIADocumentsURL)
	viper.SetDefault("sync.data_dir", murray.DefaultDataDir)
	viper.SetDefault("sync.interval", murray.DefaultSyncInterval)
	viper.SetDefault("sync.download_timeout", murray.DefaultDownloadTimeout)
	viper.SetDefault("sync.import_batch_size", murray.DefaultImportBatchSize)
	viper.SetDefault("sync.log_level", murray.DefaultSyncLogLevel.String())

	// Relay config
	viper.SetDefault("relay.backend", string(murray.DefaultRelayBackend))
	viper.SetDefault("relay.token", "")
	viper.SetDefault("relay.base_url", murray.DefaultRelayBaseURL)
	viper.SetDefault("relay.model", murray.DefaultRelayModel)
	viper.SetDefault("relay.system_prompt", murray.DefaultRelaySystemPrompt)
	viper.SetDefault("relay.history_limit", murray.DefaultRelayHistoryLimit)
	viper.SetDefault("relay.show_thinking", false)
	viper.SetDefault("relay.log_level", murray.DefaultRelayLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", murray.DefaultAPIListen)
	viper.SetDefault("api.listen_network", murray.DefaultAPIListenNetwork)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.read_timeout", murray.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		murray.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", murray.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", murray.DefaultIdleTimeout)
	viper.SetDefault("api.log_level", murray.DefaultAPILogLevel.String())

	envPrefix := os.Getenv(murray.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = murray.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"discord.additional_channel_ids",
		viper.GetStringSlice("discord.additional_channel_ids"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"anythingllm.log_level",
		"sync.log_level",
		"relay.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load before reading the environment",
	)
}
