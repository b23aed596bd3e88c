package murray

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// Murray is the bot: document sync engine, Discord relay, and the
// admin API, sharing one ledger.
type Murray struct {
	config    *Config
	db        DBI
	ledger    *Ledger
	source    *SourceClient
	workspace *Workspace
	syncer    *Syncer
	responder Responder
	api       *API
	logger    *slog.Logger
}

// New validates the config and creates a Murray instance. The database
// and network connections aren't touched until Run.
func New(config *Config) (*Murray, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	logger := newLogger(config.LogLevel)
	slog.SetDefault(logger)

	return &Murray{
		config: config,
		logger: logger.With(loggerNameKey, "murray"),
	}, nil
}

func validateConfig(config *Config) error {
	if config.AnythingLLM == nil || config.AnythingLLM.BaseURL == "" {
		return fmt.Errorf("anythingllm base_url required")
	}
	if config.AnythingLLM.APIKey == "" {
		return fmt.Errorf("anythingllm api_key required")
	}
	if config.AnythingLLM.Workspace == "" {
		return fmt.Errorf("anythingllm workspace required")
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		return fmt.Errorf("unknown database type: %q", config.DatabaseType)
	}
	switch config.Relay.Backend {
	case RelayBackendWorkspace:
	case RelayBackendOpenAI:
		if config.Relay.Token == "" {
			return fmt.Errorf("relay token required for the openai backend")
		}
	default:
		return fmt.Errorf("unknown relay backend: %q", config.Relay.Backend)
	}
	return nil
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: level, AddSource: true},
		),
	)
}

// init opens the database, loads the ledger, and verifies the
// workspace credentials. Any failure here is fatal: running with an
// unreadable ledger risks re-downloading and re-indexing the entire
// document history, and bad workspace credentials would turn every
// cycle into noise.
func (m *Murray) init(ctx context.Context) error {
	startupCtx := ctx
	if m.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startupCtx, cancel = context.WithTimeout(ctx, m.config.StartupTimeout)
		defer cancel()
	}

	m.logger.InfoContext(
		startupCtx,
		"initializing",
		"version", Version,
		"config", m.config,
	)

	gormDB, err := CreateDB(startupCtx, m.config.DatabaseType, m.config.Database)
	if err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}
	m.db = NewDatabase(
		gormDB,
		newLogger(m.config.DatabaseLogLevel),
		m.config.DatabaseType != dbTypeSQLite,
	)

	m.ledger = NewLedger(m.db, newLogger(m.config.DatabaseLogLevel))
	if err = m.ledger.Load(startupCtx); err != nil {
		return fmt.Errorf("error loading document ledger: %w", err)
	}
	m.logger.InfoContext(
		startupCtx,
		"ledger loaded",
		"documents", m.ledger.Len(),
		"pending", len(m.ledger.Pending()),
	)

	m.workspace = NewWorkspace(
		m.config.AnythingLLM,
		m.config.HTTPClient,
		newLogger(m.config.AnythingLLM.LogLevel),
	)
	if err = m.workspace.Verify(startupCtx); err != nil {
		return fmt.Errorf("error verifying workspace credentials: %w", err)
	}

	m.source = NewSourceClient(
		m.config.Sync.URL,
		m.config.Sync.DownloadTimeout,
		m.config.HTTPClient,
		newLogger(m.config.Sync.LogLevel),
	)
	m.syncer = NewSyncer(
		m.config.Sync,
		m.source,
		m.workspace,
		m.ledger,
		newLogger(m.config.Sync.LogLevel),
	)

	switch m.config.Relay.Backend {
	case RelayBackendOpenAI:
		m.responder = NewOpenAIResponder(
			m.config.Relay,
			newLogger(m.config.Relay.LogLevel),
		)
	default:
		m.responder = NewWorkspaceResponder(
			m.workspace,
			newLogger(m.config.Relay.LogLevel),
		)
	}

	if m.config.API.Enabled {
		m.api = NewAPI(
			m.config.API,
			m.ledger,
			m.syncer,
			newLogger(m.config.API.LogLevel),
		)
	}
	return nil
}

// Run starts all enabled components and blocks until the context is
// canceled or a component fails.
func (m *Murray) Run(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return err
	}

	discord, err := NewDiscord(
		m.config.Discord,
		m.config.Relay,
		m.responder,
		newLogger(m.config.Discord.LogLevel),
	)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return discord.Run(groupCtx)
	})
	if m.config.Sync.Enabled {
		group.Go(func() error {
			return m.syncer.Run(groupCtx)
		})
	} else {
		m.logger.Warn("document sync disabled")
	}
	if m.api != nil {
		group.Go(func() error {
			return m.api.Serve(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}

	m.logger.Info("shutting down", "timeout", m.config.ShutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		m.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	m.close(shutdownCtx)
	return nil
}

// RunSync initializes just enough for the sync engine and executes a
// single reconciliation cycle.
func (m *Murray) RunSync(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return err
	}
	stats, err := m.syncer.SyncNow(ctx)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "sync finished", "stats", stats)
	return nil
}

// RunImport reads a file of document URLs (one per line) and pushes
// them through the ledger and workspace in batches.
func (m *Murray) RunImport(ctx context.Context, path string) error {
	if err := m.init(ctx); err != nil {
		return err
	}
	urls, err := ReadURLFile(path)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("no urls found in %s", path)
	}
	stats, err := m.syncer.Import(ctx, urls)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "import finished", "stats", stats)
	return nil
}

func (m *Murray) close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if m.db != nil {
			if sqlDB, err := m.db.DB().DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out")
	}
}
