//nolint:lll // struct tags can't be split
package murray

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "MURRAY_ENV_PREFIX"
	DefaultEnvPrefix   = "MURRAY"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "murray.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultWorkspaceLogLevel = slog.LevelInfo
	DefaultSyncLogLevel      = slog.LevelInfo
	DefaultRelayLogLevel     = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultFIADocumentsURL is the season page listing decision documents
	// for the current championship.
	DefaultFIADocumentsURL = "https://www.fia.com/documents/championships/fia-formula-one-world-championship-14/season/season-2024-2043"

	DefaultSyncInterval    = 5 * time.Minute
	DefaultDataDir         = "documents"
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultImportBatchSize = 10

	DefaultWorkspaceFolder               = "murray"
	DefaultWorkspaceUploadTimeout        = 5 * time.Minute
	DefaultWorkspaceChatTimeout          = 30 * time.Second
	DefaultWorkspaceMaxRequestsPerSecond = 1

	DefaultRelayBackend       = RelayBackendWorkspace
	DefaultRelayModel         = "sonar-reasoning"
	DefaultRelayBaseURL       = "https://api.perplexity.ai"
	DefaultRelayHistoryLimit  = 10
	DefaultRelaySystemPrompt  = "You are Murray, a helpful expert knowledgeable in F1. Provide informative, accurate, and concise responses about F1."

	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPIListenNetwork  = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	discordMaxMessageLength = 2000
)

// RelayBackend selects which backend answers relayed channel messages.
type RelayBackend string

const (
	// RelayBackendWorkspace answers queries from the AnythingLLM workspace,
	// grounded in the synced FIA documents.
	RelayBackendWorkspace RelayBackend = "workspace"

	// RelayBackendOpenAI answers queries via an OpenAI-compatible
	// chat-completions endpoint (ex: Perplexity).
	RelayBackendOpenAI RelayBackend = "openai"
)

// Config is the top-level configuration for Murray.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// AnythingLLM configures the document workspace integration
	AnythingLLM *AnythingLLMConfig `yaml:"anythingllm" mapstructure:"anythingllm" json:"anythingllm"`

	// Sync configures the FIA document sync engine
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	// Relay configures how channel messages are answered
	Relay *RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// ChannelID is the channel the bot watches and replies in
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// AdditionalChannelIDs are extra channels the bot also watches
	AdditionalChannelIDs []string `yaml:"additional_channel_ids" mapstructure:"additional_channel_ids" json:"additional_channel_ids"`

	// StartupMessage, if set, is sent to ChannelID whenever the bot
	// connects to the discord gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// AnythingLLMConfig configures the AnythingLLM workspace integration.
//
//nolint:lll // can't break tags
type AnythingLLMConfig struct {
	// BaseURL is the AnythingLLM API root (ex: http://localhost:3001/api)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// APIKey authenticates workspace API calls
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// Workspace is the slug of the workspace receiving document embeddings,
	// and answering chat queries
	Workspace string `yaml:"workspace" mapstructure:"workspace" json:"workspace"`

	// Folder is the workspace folder uploaded documents are moved into
	Folder string `yaml:"folder" mapstructure:"folder" json:"folder"`

	// UploadTimeout bounds document upload and embedding calls
	UploadTimeout time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout" json:"upload_timeout"`

	// ChatTimeout bounds workspace chat calls
	ChatTimeout time.Duration `yaml:"chat_timeout" mapstructure:"chat_timeout" json:"chat_timeout"`

	// MaxRequestsPerSecond limits outbound workspace API calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Workspace base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SyncConfig configures the FIA document sync engine.
//
//nolint:lll // can't break tags
type SyncConfig struct {
	// Enabled determines whether the sync loop runs at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URL of the FIA season documents page to poll
	URL string `yaml:"url" mapstructure:"url" json:"url"`

	// DataDir is where downloaded documents are kept
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir"`

	// Interval between poll cycles
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`

	// DownloadTimeout bounds a single document download
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout" json:"download_timeout"`

	// ImportBatchSize is the number of URLs processed per batch by
	// the `import` command
	ImportBatchSize int `yaml:"import_batch_size" mapstructure:"import_batch_size" json:"import_batch_size"`

	// Sync engine log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RelayConfig configures how channel messages are answered.
//
//nolint:lll // can't break tags
type RelayConfig struct {
	// Backend is either 'workspace' (AnythingLLM) or 'openai'
	// (an OpenAI-compatible chat completions API)
	Backend RelayBackend `yaml:"backend" mapstructure:"backend" json:"backend"`

	// Token authenticates the OpenAI-compatible API (unused for 'workspace')
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// BaseURL of the OpenAI-compatible API (ex: https://api.perplexity.ai)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model to request from the OpenAI-compatible API
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// SystemPrompt sets the assistant's persona
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// HistoryLimit is the number of recent channel messages included as
	// conversation history (0 disables history)
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit"`

	// ShowThinking, when true, posts the model's <think> content as a
	// separate message before the answer
	ShowThinking bool `yaml:"show_thinking" mapstructure:"show_thinking" json:"show_thinking"`

	// Relay log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Enabled determines whether the admin API is served
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	// Token, if set, is required as a bearer token on all requests
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	workspaceLogLevel := &slog.LevelVar{}
	syncLogLevel := &slog.LevelVar{}
	relayLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	workspaceLogLevel.Set(DefaultWorkspaceLogLevel)
	syncLogLevel.Set(DefaultSyncLogLevel)
	relayLogLevel.Set(DefaultRelayLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		AnythingLLM: &AnythingLLMConfig{
			Folder:               DefaultWorkspaceFolder,
			UploadTimeout:        DefaultWorkspaceUploadTimeout,
			ChatTimeout:          DefaultWorkspaceChatTimeout,
			MaxRequestsPerSecond: DefaultWorkspaceMaxRequestsPerSecond,
			LogLevel:             workspaceLogLevel,
		},
		Sync: &SyncConfig{
			Enabled:         true,
			URL:             DefaultFIADocumentsURL,
			DataDir:         DefaultDataDir,
			Interval:        DefaultSyncInterval,
			DownloadTimeout: DefaultDownloadTimeout,
			ImportBatchSize: DefaultImportBatchSize,
			LogLevel:        syncLogLevel,
		},
		Relay: &RelayConfig{
			Backend:      DefaultRelayBackend,
			BaseURL:      DefaultRelayBaseURL,
			Model:        DefaultRelayModel,
			SystemPrompt: DefaultRelaySystemPrompt,
			HistoryLimit: DefaultRelayHistoryLimit,
			LogLevel:     relayLogLevel,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			ListenNetwork:     DefaultAPIListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
