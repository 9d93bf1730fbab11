package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iuriikogan/rlm-repl/internal/config"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/observability"
	"github.com/iuriikogan/rlm-repl/internal/rlm"
)

func main() {
	cfg, err := config.Load(os.Getenv("RLM_CONFIG"))
	logger := observability.SetupLogger(observability.ParseLevel(cfg.LogLevel))
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	llm, err := cfg.NewClient()
	if err != nil {
		logger.Error("Failed to create LM client", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	sink := eventing.LogSink{Logger: logger, MaxPayload: 500}
	engine := rlm.NewRLM(llm, cfg.RLMConfig(),
		rlm.WithInterpreterFactory(env.NewPythonFactory(cfg.PythonConfig())),
		rlm.WithLogger(logger),
	)
	srv := newServer(engine, sink, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting server", "port", cfg.Port, "provider", cfg.Provider, "root_model", llm.ModelName())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited properly")
}
