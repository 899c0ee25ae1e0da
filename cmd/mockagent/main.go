// Command mockagent runs a scripted backend agent for local bridge testing.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/internal/mockagent"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	addr := os.Getenv("MOCKAGENT_ADDR")
	if addr == "" {
		addr = ":8765"
	}

	script := mockagent.DefaultScript()
	if path := os.Getenv("MOCKAGENT_SCRIPT"); path != "" {
		loaded, err := mockagent.LoadScript(path)
		if err != nil {
			logger.Fatal("Failed to load script", zap.String("path", path), zap.Error(err))
		}
		script = loaded
	}

	mux := http.NewServeMux()
	mux.Handle("/agent", mockagent.New(script, logger))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Mock agent stopped", zap.Error(err))
		}
	}()
	logger.Info("Mock agent listening",
		zap.String("addr", addr),
		zap.String("path", "/agent"),
		zap.Int("steps", len(script.OnGreeting)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Mock agent forced to shutdown", zap.Error(err))
	}
}
