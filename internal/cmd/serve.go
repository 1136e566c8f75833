package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/config"
	"github.com/verigate/api-gate/internal/logger"
	"github.com/verigate/api-gate/internal/server"
	"github.com/verigate/api-gate/internal/storage"
	"github.com/verigate/api-gate/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verification gateway server",
	Long:  `Start the verigate server with the gated API and the admin API`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	serveCmd.Flags().Int("port", 8090, "server port")
	serveCmd.Flags().String("mode", "release", "server mode (debug/release/test)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.mode", serveCmd.Flags().Lookup("mode"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var log *zap.Logger
	if cfg.Server.Mode == "debug" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.Logging)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if err := initDirectories(cfg); err != nil {
		log.Error("Failed to initialize directories", zap.Error(err))
		return err
	}

	log.Info("Starting verigate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	store, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err))
		return err
	}
	defer store.Close()

	verifier := verify.NewClient(cfg.Verifier.BaseURL, cfg.Verifier.UserAgent, cfg.Verifier.Timeout, log)

	srv, err := server.New(cfg, log, store, verifier)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("Server stopped gracefully")
	return nil
}

func initDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.LogsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
