package murray

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API serves the admin endpoints: health and document inventory, plus
// an endpoint to trigger a sync cycle out of schedule.
type API struct {
	config     *APIConfig
	ledger     *Ledger
	syncer     *Syncer
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewAPI creates the admin API server.
func NewAPI(
	config *APIConfig,
	ledger *Ledger,
	syncer *Syncer,
	logger *slog.Logger,
) *API {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "api")

	api := &API{
		config:    config,
		ledger:    ledger,
		syncer:    syncer,
		logger:    logger,
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), api.requestLogger())
	if config.Token != "" {
		engine.Use(api.tokenAuth())
	}

	engine.GET("/health", api.getHealth)
	engine.GET("/documents", api.getDocuments)
	engine.POST("/sync", api.postSync)

	api.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return api
}

// Serve listens on the configured address until the context is
// canceled, then shuts the server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.InfoContext(ctx, "admin api listening", "address", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(listener)
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if err = a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error shutting down admin api", tint.Err(err))
			_ = a.httpServer.Close()
		}
		return nil
	}
}

// requestLogger logs each request with its status and duration.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.InfoContext(
			c.Request.Context(),
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// tokenAuth requires the configured bearer token on every request.
func (a *API) tokenAuth() gin.HandlerFunc {
	expected := "Bearer " + a.config.Token
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

type healthResponse struct {
	Status    string         `json:"status"`
	Uptime    string         `json:"uptime"`
	Documents map[string]int `json:"documents"`
	LastCycle *CycleStats    `json:"last_cycle,omitempty"`
}

func (a *API) getHealth(c *gin.Context) {
	counts := map[string]int{}
	for state, n := range a.ledger.CountByState() {
		counts[state.String()] = n
	}
	c.JSON(
		http.StatusOK,
		healthResponse{
			Status:    "ok",
			Uptime:    time.Since(a.startedAt).Round(time.Second).String(),
			Documents: counts,
			LastCycle: a.syncer.LastCycle(),
		},
	)
}

type documentsResponse struct {
	Total     int        `json:"total"`
	Documents []Document `json:"documents"`
}

func (a *API) getDocuments(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	if limit < 0 || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit and offset must be >= 0"})
		return
	}
	c.JSON(
		http.StatusOK,
		documentsResponse{
			Total:     a.ledger.Len(),
			Documents: a.ledger.Documents(limit, offset),
		},
	)
}

func (a *API) postSync(c *gin.Context) {
	stats, err := a.syncer.SyncNow(c.Request.Context())
	if err != nil {
		c.JSON(
			http.StatusBadGateway,
			gin.H{"error": err.Error(), "stats": stats},
		)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
