// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/config"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/image"
	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/profile"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/cmd/sindri/internal/supportfiles"
	"github.com/pacphi/sindri/cmd/sindri/internal/telemetry"
	"github.com/pacphi/sindri/pkg/logging"
	"github.com/pacphi/sindri/pkg/ux"
)

// matrixFile is the support file holding the compatibility matrix.
const matrixFile = "compatibility-matrix.yaml"

// app carries global flags and the components built from them. Commands
// ask for what they need; nothing is opened until a command runs.
type app struct {
	stdout io.Writer
	stderr io.Writer
	out    *ux.Printer

	home        string
	cliVersion  string
	logLevel    string
	logJSON     bool
	quiet       bool
	traceFile   string
	metricsFile string
	repair      bool
	timeout     time.Duration

	env       config.Env
	settings  *config.Settings
	log       *logging.Logger
	telemetry *telemetry.Telemetry
	token     *memguard.Enclave
	observer  retry.Observer
	cancel    context.CancelFunc

	ledger    *ledger.Ledger
	registry  *extension.Registry
	installer *installer.Installer
	fetcher   source.Fetcher
	gcs       *source.GCSFetcher
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:     stdout,
		stderr:     stderr,
		out:        ux.NewPrinter(stdout, ux.ModeFor(stdout)),
		cliVersion: buildVersion,
		logLevel:   "warn",
	}
}

// setup runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return usageError{err}
	}

	env, err := config.FromEnv(nil)
	if err != nil {
		return err
	}
	if a.home != "" {
		env = env.WithHome(a.home)
	}
	a.token = image.SealToken(env.Token)
	env.Token = ""
	a.env = env

	a.log = logging.New(logging.Config{
		Level:   level,
		LogDir:  env.LogDir(),
		Service: "sindri",
		JSON:    a.logJSON,
		Quiet:   a.quiet,
		Output:  a.stderr,
	})

	if a.settings, err = config.LoadSettings(env.Home); err != nil {
		return err
	}

	a.telemetry, err = telemetry.Init(telemetry.Config{
		TraceFile:   a.traceFile,
		MetricsFile: a.metricsFile,
		Version:     a.cliVersion,
	})
	if err != nil {
		return err
	}
	a.observer = retry.Observe(
		retry.NewTracingObserver(a.logger()),
		retry.NewMetricsObserver(a.telemetry.Registry()),
	)

	if a.timeout > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
		a.cancel = cancel
		cmd.SetContext(ctx)
	}
	a.logger().Debug("sindri starting", "command", cmd.CommandPath(), "home", env.Home, "cli_version", a.cliVersion)
	return nil
}

// close releases everything setup acquired. Safe to call when setup did
// not run or failed part way.
func (a *app) close() error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
	}
	if a.gcs != nil {
		errs = append(errs, a.gcs.Close())
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

func (a *app) logger() *slog.Logger {
	if a.log == nil {
		return logging.Discard()
	}
	return a.log.Slog()
}

func (a *app) openLedger() (*ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	l, err := ledger.Open(a.env.StateDir(), ledger.Options{
		CLIVersion: a.cliVersion,
		Repair:     a.repair,
		Logger:     a.logger(),
	})
	if err != nil {
		return nil, err
	}
	a.ledger = l
	return l, nil
}

func (a *app) loadRegistry() (*extension.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	r, err := extension.LoadRegistry(extension.Sources{
		IndexPath:   a.env.RegistryIndex(),
		BundledDir:  a.env.ExtHome,
		LocalDevDir: a.env.DevExtensions,
	})
	if err != nil {
		return nil, err
	}
	a.registry = r
	return r, nil
}

// loadMatrix reads the synced compatibility matrix. Without one every
// candidate is compatible and a warning is logged.
func (a *app) loadMatrix() (*compat.Matrix, error) {
	path := filepath.Join(a.env.Home, supportfiles.Dir, matrixFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		a.logger().Warn("compatibility matrix not found, run 'sindri support-files sync'", "path", path)
		return nil, nil
	}
	return compat.LoadFile(path)
}

func (a *app) sourceFetcher() (source.Fetcher, error) {
	if a.fetcher != nil {
		return a.fetcher, nil
	}
	mux := source.NewMux(a.token)
	gcs, err := source.NewGCSFetcher(a.settings.GCSCredentials)
	if err != nil {
		return nil, fmt.Errorf("%w: gcsCredentials: %v", config.ErrInvalidConfig, err)
	}
	mux.GCS, a.gcs = gcs, gcs
	a.fetcher = mux
	return mux, nil
}

func (a *app) networkRetry(name string) retry.Executor {
	return retry.Executor{
		Name:      name,
		Policy:    retry.NetworkPolicy(),
		Predicate: retry.Transient(),
		Observer:  a.observer,
	}
}

func (a *app) cacheDir() string {
	if a.settings.CacheDir != "" {
		return a.settings.CacheDir
	}
	return a.env.CacheDir()
}

func (a *app) newCache() (*source.Cache, error) {
	fetcher, err := a.sourceFetcher()
	if err != nil {
		return nil, err
	}
	return source.NewCache(a.cacheDir(), source.CacheOptions{
		Fetcher: fetcher,
		Retry:   a.networkRetry("download"),
		Logger:  a.logger(),
	}), nil
}

func (a *app) newInstaller() (*installer.Installer, error) {
	if a.installer != nil {
		return a.installer, nil
	}
	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	reg, err := a.loadRegistry()
	if err != nil {
		return nil, err
	}
	matrix, err := a.loadMatrix()
	if err != nil {
		return nil, err
	}
	cache, err := a.newCache()
	if err != nil {
		return nil, err
	}

	hooks := installer.NewExecRunner(a.logger())
	hooks.ValidationPaths = a.env.ValidationPaths
	if a.logLevel == "debug" {
		hooks.Output = a.stderr
	}

	a.installer = &installer.Installer{
		Ledger: l,
		Sources: &source.Resolver{
			DevDir:     a.env.DevExtensions,
			BundledDir: a.env.ExtHome,
			Cache:      cache,
			Logger:     a.logger(),
		},
		Registry:        reg,
		Matrix:          matrix,
		Hooks:           hooks,
		Root:            a.env.Home,
		CLIVersion:      a.cliVersion,
		AllowPrerelease: a.settings.AllowPrerelease,
		Parallelism:     a.settings.Parallelism,
		Policy:          a.settings.Retry,
		Observer:        a.observer,
		Metrics:         installer.NewMetrics(a.telemetry.Registry()),
		Logger:          a.logger(),
		Tracer:          a.telemetry.Tracer("sindri/installer"),
	}
	return a.installer, nil
}

func (a *app) newProfileInstaller(progress func(done, total int, name string)) (*profile.Installer, error) {
	profiles, err := profile.Load(a.env.ProfilesPath())
	if err != nil {
		return nil, err
	}
	in, err := a.newInstaller()
	if err != nil {
		return nil, err
	}
	return &profile.Installer{
		Profiles:   profiles,
		Registry:   in.Registry,
		Extensions: in,
		Ledger:     in.Ledger,
		Hooks:      in.Hooks,
		CLIVersion: a.cliVersion,
		Progress:   progress,
		Logger:     a.logger(),
	}, nil
}

func (a *app) supportManager() (*supportfiles.Manager, error) {
	fetcher, err := a.sourceFetcher()
	if err != nil {
		return nil, err
	}
	return supportfiles.NewManager(a.env.Home, a.cliVersion, supportfiles.ManagerOptions{
		BaseURL:    a.settings.SupportBaseURL,
		BundledDir: filepath.Join(a.env.ExtHome, supportfiles.Dir),
		Fetcher:    fetcher,
		Retry:      a.networkRetry("support-files"),
		Logger:     a.logger(),
	})
}

// imageResolver builds one registry client per host. GITHUB_TOKEN is only
// offered to ghcr.io.
func (a *app) imageResolver(baseURL string) *image.Resolver {
	limiter := rate.NewLimiter(rate.Limit(10), 5)
	factory := func(registry string) (image.TagLister, error) {
		opts := image.ClientOptions{
			BaseURL:   baseURL,
			Limiter:   limiter,
			Retry:     a.networkRetry("registry"),
			UserAgent: "sindri/" + a.cliVersion,
			Logger:    a.logger(),
		}
		if registry == "ghcr.io" {
			opts.Token = a.token
		}
		return image.NewRegistryClient(registry, opts)
	}
	return image.NewResolver(factory, a.logger())
}
