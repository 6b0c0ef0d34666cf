// Package runner implements the svcflow command: it selects services from a
// Catalog, loads the YAML configuration, runs a Container until SIGINT or
// SIGTERM and maps the result onto an exit code.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/drblury/svcflow/internal/runtime"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

// Exit codes returned by Run.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Version is printed by --version. It is set at link time.
var Version = "dev"

// Runner wires a Catalog to a Container.
type Runner struct {
	Name    string
	Catalog *Catalog
	Stdout  io.Writer
	Stderr  io.Writer

	// ContainerOptions are appended to the options the runner builds, so they
	// win over them. Tests use it to inject a broker.
	ContainerOptions []runtime.Option

	// Signals stop the container. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// New returns a runner for catalog writing to the process streams.
func New(catalog *Catalog) *Runner {
	if catalog == nil {
		catalog = DefaultCatalog
	}
	return &Runner{
		Name:    "svcflow",
		Catalog: catalog,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Main runs the default catalog with the process arguments and exits.
func Main() {
	os.Exit(New(DefaultCatalog).Run(context.Background(), os.Args[1:]))
}

// Run parses args, runs the selected services until ctx is cancelled or a
// signal arrives, and returns the exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet(r.Name, pflag.ContinueOnError)
	fs.SetOutput(r.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(r.Stderr, "Usage: %s [flags] [service...]\n\nRuns the named services, or every registered service.\n\nFlags:\n", r.Name)
		fs.PrintDefaults()
	}

	opts := NewOptions()
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}

	if opts.ShowVersion {
		fmt.Fprintf(r.Stdout, "%s %s\n", r.Name, Version)
		return ExitOK
	}
	if opts.ListServices {
		for _, name := range r.Catalog.Names() {
			fmt.Fprintln(r.Stdout, name)
		}
		return ExitOK
	}

	if err := opts.Complete(fs.Args()); err != nil {
		fmt.Fprintf(r.Stderr, "%s: %v\n", r.Name, err)
		return ExitUsage
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(r.Stderr, "%s: invalid configuration: %v\n", r.Name, err)
		return ExitUsage
	}
	if opts.ShowConfig {
		fmt.Fprintln(r.Stdout, opts.Config().String())
		return ExitOK
	}

	services, err := r.Catalog.Build(opts.ServiceFilter)
	if err != nil {
		fmt.Fprintf(r.Stderr, "%s: %v\n", r.Name, err)
		return ExitUsage
	}

	logger := r.logger(opts)
	containerOpts := append([]runtime.Option{runtime.WithLogger(logger)}, r.ContainerOptions...)
	container, err := runtime.NewContainer(opts.Config(), containerOpts...)
	if err != nil {
		logger.Error("Failed to create container", err, nil)
		return ExitFailure
	}
	for _, svc := range services {
		if err := container.Register(svc); err != nil {
			logger.Error("Failed to register service", err, loggingpkg.LogFields{"service": svc.Name()})
			return ExitUsage
		}
	}

	if len(r.Signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, r.Signals...)
		defer stop()
	}

	logger.Info("Starting services", loggingpkg.LogFields{
		"services":  serviceNames(services),
		"transport": opts.Config().Transport,
		"version":   Version,
	})
	if err := container.Run(ctx); err != nil {
		logger.Error("Container stopped with error", err, nil)
		return ExitFailure
	}
	logger.Info("Shutdown complete", nil)
	return ExitOK
}

func (r *Runner) logger(opts *Options) loggingpkg.ServiceLogger {
	level, _ := loggingpkg.ParseLevel(opts.LogLevel)
	if opts.LogFormat == "json" {
		return loggingpkg.NewJSONLogger(r.Stderr, level)
	}
	return loggingpkg.NewTextLogger(r.Stderr, level)
}

func serviceNames(services []*runtime.Service) []string {
	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = svc.Name()
	}
	return names
}
