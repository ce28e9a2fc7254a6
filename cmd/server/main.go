package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/travelers-ai/backend/api/handlers"
	"github.com/travelers-ai/backend/internal/config"
	"github.com/travelers-ai/backend/internal/db"
	"github.com/travelers-ai/backend/internal/engine"
	"github.com/travelers-ai/backend/internal/logger"
	"github.com/travelers-ai/backend/internal/logging"
	"github.com/travelers-ai/backend/internal/repository"
	"github.com/travelers-ai/backend/internal/upstream"
	"github.com/travelers-ai/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Travel assistant backend bridging browsers to the Omen engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.HTTPAddr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	poiRepo := repository.NewPOIRepository(database)

	var transcript *logger.Transcript
	if cfg.Omen.TranscriptPath != "" {
		transcript, err = logger.OpenTranscript(cfg.Omen.TranscriptPath, upstream.RedactURL(cfg.Omen.URL))
		if err != nil {
			return fmt.Errorf("failed to open transcript: %w", err)
		}
		defer transcript.Close()
	}

	eng, err := engine.New(engine.Config{
		Enabled:          cfg.Omen.Enabled,
		URL:              cfg.Omen.URL,
		APIKey:           cfg.Omen.APIKey,
		HandshakeTimeout: cfg.Omen.HandshakeTimeout,
		WriteTimeout:     cfg.Omen.WriteTimeout,
		Backoff: engine.Backoff{
			Base:        cfg.Omen.ReconnectBase,
			Max:         cfg.Omen.ReconnectMax,
			MaxAttempts: cfg.Omen.MaxReconnectAttempts,
		},
		AmbientTTL: cfg.Omen.AmbientTTL,
		Transcript: transcript,
	}, engine.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ws.SetCheckOrigin(ws.AllowOrigins(cfg.Server.AllowedOrigins))
	hub := ws.NewHub(eng, log)
	stopBroadcast := eng.OnEvent(hub.Broadcast)
	defer stopBroadcast()

	omenHandler := handlers.NewOmenHandler(eng, poiRepo, cfg.Omen.ChatTimeout)
	wsHandler := handlers.NewWebSocketHandler(eng, ws.NewHandler(hub, log), log)

	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	r.GET("/health", handlers.Health)

	api := r.Group("/api")
	{
		omenHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !eng.Enabled() {
			return nil
		}
		if !eng.Connect(gctx) {
			log.Warn().Msg("engine not reachable at startup; assistant features unavailable until it connects")
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		hub.Close()
		eng.Disconnect()
		return err
	})

	return g.Wait()
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

