package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RichardoC/convo/internal/api"
	"github.com/RichardoC/convo/internal/config"
	"github.com/RichardoC/convo/internal/db"
	"github.com/RichardoC/convo/internal/exchange"
	"github.com/RichardoC/convo/internal/llm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "convo",
		Short:         "Conversational message-exchange service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("db", "", "SQLite database path")
	root.PersistentFlags().String("llm-base-url", "", "OpenAI-compatible API base URL")
	root.PersistentFlags().String("llm-model", "", "model name")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	bindFlag(v, root, "database.path", "db")
	bindFlag(v, root, "llm.base_url", "llm-base-url")
	bindFlag(v, root, "llm.model", "llm-model")
	bindFlag(v, root, "log.level", "log-level")

	root.AddCommand(newServeCmd(v, &configPath), newGenerateCmd(v, &configPath))
	return root
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

func newServeCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	if err := v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
		return err
	}
	defer database.Close()

	generator, err := newGenerator(cfg.LLM)
	if err != nil {
		logger.Error("failed to initialize LLM client", zap.Error(err))
		return err
	}

	exchanges, err := exchange.New(database, generator, logger,
		exchange.WithFailureExcerpt(cfg.Exchange.FailureExcerpt),
		exchange.WithConversationSerialization(cfg.Exchange.SerializePerConversation),
	)
	if err != nil {
		return err
	}

	handler := api.NewHandler(database, exchanges, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Routes(cfg.HTTP.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("model", cfg.LLM.Model),
			zap.String("llmBaseURL", cfg.LLM.BaseURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("server stopped", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	// In-flight exchanges may be waiting on generation; give them that long.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LLM.Timeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newGenerateCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Send a single prompt to the configured completion endpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			generator, err := newGenerator(cfg.LLM)
			if err != nil {
				return err
			}
			completion, err := generator.Complete(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), completion)
			return nil
		},
	}
}

func newGenerator(cfg config.LLMConfig) (*llm.Client, error) {
	return llm.New(cfg.BaseURL, cfg.Token, cfg.Model,
		llm.WithTimeout(cfg.Timeout),
		llm.WithSystemPrompt(cfg.SystemPrompt),
		llm.WithTemperature(cfg.Temperature),
		llm.WithMaxTokens(cfg.MaxTokens),
	)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
