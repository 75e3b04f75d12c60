package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/roomrelay/internal/room"
	"github.com/Tyrowin/roomrelay/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "room relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	log, err := server.NewLogger(cfg)
	if err != nil {
		return exitConfig, err
	}
	gin.SetMode(gin.ReleaseMode)

	registry, err := room.NewRegistry()
	if err != nil {
		return exitRuntime, fmt.Errorf("registry: %w", err)
	}

	dispatcher := server.NewDispatcher(registry, log)
	hub := server.NewHub(cfg, dispatcher, log)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(cfg, hub, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	log.WithField("allowed_origins", cfg.Origins()).Info("Room relay started")

	select {
	case err := <-serveErr:
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		if err != nil {
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
		return exitOK, nil
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	code := exitOK
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		code = exitRuntime
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("Hub did not stop cleanly")
		code = exitRuntime
	}

	log.Info("Room relay stopped")
	return code, nil
}
