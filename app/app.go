// Package app assembles the authentication service. An App owns the fx
// container, the shared logger, and the optional database handle; the
// embedding program builds one through AppBuilder and calls Run.
package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/server"
	"github.com/castellanauth/castellan/services/logging"
)

type App struct {
	fx     *fx.App
	config *config.Config
	logger *logging.Service
	db     *gorm.DB
	server *server.Server
}

func (a *App) Start() error {
	return a.fx.Start(context.Background())
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() {
	if err := a.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	a.logger.Info("received shutdown signal, stopping gracefully")
	a.Stop()
}

func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.fx.Stop(ctx); err != nil {
		a.logger.Error("failed to stop application gracefully")
	}
}

// Server returns the underlying echo instance, or nil before Start.
func (a *App) Server() *echo.Echo {
	if a.server == nil {
		return nil
	}
	return a.server.Echo()
}

func (a *App) DB() *gorm.DB {
	return a.db
}

func (a *App) Logger() *logging.Service {
	return a.logger
}

func (a *App) Config() *config.Config {
	return a.config
}

// RegisterRoutes lets the embedding program add its own routes alongside
// the built-in auth endpoints.
func (a *App) RegisterRoutes(fn func(*echo.Echo)) {
	if srv := a.Server(); srv != nil {
		fn(srv)
	}
}
