package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/config"
	"go.ngs.io/heat-downscale/internal/domain"
	httpHandler "go.ngs.io/heat-downscale/internal/http"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/usecase"
)

const readHeaderTimeout = 10 * time.Second

// ServeCmd runs the read-only HTTP API.
type ServeCmd struct {
	Serve config.Serve `embed:""`
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	// A missing model only disables /v1/model; a broken one is fatal.
	m, err := model.Load(app.Paths.Model, domain.DefaultSchema)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		app.Logger.Warn("no model artifact, /v1/model disabled", "path", app.Paths.Model)
	case err != nil:
		return err
	default:
		app.Logger.Info("model loaded", "path", app.Paths.Model, "family", string(m.Family))
	}

	var evaluations httpHandler.EvaluationLister
	if err := os.MkdirAll(filepath.Dir(app.Paths.CacheDB), 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := cube.Open(ctx, app.Paths.CacheDB, app.Clock, app.Logger)
	if err != nil {
		app.Logger.Warn("evaluation history unavailable", "path", app.Paths.CacheDB, "error", err)
	} else {
		defer func() { _ = store.Close() }()
		evaluations = store
	}

	maps := usecase.NewMapReader(app.Paths.MapsDir())
	defer func() { _ = maps.Close() }()

	gin.SetMode(gin.ReleaseMode)
	handler := httpHandler.NewHandler(m, maps, evaluations, app.Logger)
	router := httpHandler.SetupRouter(handler, app.Metrics, c.Serve.CORSOrigins)

	srv := &http.Server{
		Addr:              c.Serve.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("server listening", "addr", c.Serve.Addr, "maps", app.Paths.MapsDir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down", "timeout", c.Serve.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Serve.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
