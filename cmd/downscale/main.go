// Package main provides the downscale command: it builds training cubes from
// station observations, trains residual models, generates high-resolution
// temperature maps and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"go.ngs.io/heat-downscale/internal/config"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/observability"
)

const version = "0.1.0"

// CLI is the command line. Global flags apply to every subcommand.
type CLI struct {
	Logging config.Logging   `embed:""`
	Paths   config.Paths     `embed:""`
	Version kong.VersionFlag `help:"Show version information."`

	Prepare    PrepareCmd    `cmd:"" help:"Build the training cube from stations, baseline and covariate data."`
	Train      TrainCmd      `cmd:"" help:"Fit and evaluate a residual model on the prepared cube."`
	Infer      InferCmd      `cmd:"" help:"Generate high-resolution maps for a date range."`
	Run        RunCmd        `cmd:"" help:"Prepare, train and infer in one go."`
	Serve      ServeCmd      `cmd:"" help:"Serve generated maps, model information and evaluation history."`
	SampleData SampleDataCmd `cmd:"" name:"sample-data" help:"Write a synthetic input layout under --data-dir."`
}

// App carries what every subcommand shares.
type App struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Summary *domain.RunSummary
	Paths   config.Paths
	Clock   clockwork.Clock
}

func main() {
	// Missing .env files are fine; the environment and flags still apply.
	envErr := godotenv.Load()

	var cli CLI
	vars := kong.Vars(config.Vars())
	vars["version"] = version
	kctx := kong.Parse(&cli,
		kong.Name("downscale"),
		kong.Description("Residual downscaling of reanalysis temperature to high-resolution maps."),
		kong.UsageOnError(),
		vars,
	)

	logger := observability.NewLogger(cli.Logging.Level, cli.Logging.Format)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	app := &App{
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Summary: domain.NewRunSummary(clock.Now()),
		Paths:   cli.Paths.Resolve(),
		Clock:   clock,
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(app)

	logger.Info("run summary", append([]any{"command", kctx.Command(), "elapsed", clock.Since(app.Summary.StartedAt)}, app.Summary.LogArgs()...)...)
	if werr := app.Metrics.WriteTextfile(cli.Logging.MetricsTextfile); werr != nil {
		logger.Warn("failed to write metrics textfile", "path", cli.Logging.MetricsTextfile, "error", werr)
	}
	if err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration errors to 2 and everything else to 1.
func exitCode(err error) int {
	if errors.Is(err, domain.ErrConfig) {
		return 2
	}
	return 1
}
