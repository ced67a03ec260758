package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andyy0123/inbox-connector/internal/api"
	"github.com/andyy0123/inbox-connector/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	configPath  string
	profileMode string
	profilePath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "inbox-connector",
		Short:         "Multi-tenant mailbox sync and reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $INBOX_CONFIG or config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and sync every tenant periodically",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&profileMode, "profile", "", "Enable profiling: cpu, mem or block")
	serveCmd.Flags().StringVar(&profilePath, "profile-path", ".", "Directory for profile output")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Sync every tenant once and print the reports",
		RunE:  runSync,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inbox-connector %s (%s, %s)\n", version, commit, buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

// load reads and validates configuration and sets up logging.
func load() (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logFile, err := setupLogging(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	return cfg, func() { _ = logFile.Close() }, nil
}

func startProfile() interface{ Stop() } {
	opts := []func(*profile.Profile){profile.ProfilePath(profilePath), profile.NoShutdownHook}

	switch profileMode {
	case "cpu":
		return profile.Start(append(opts, profile.CPUProfile)...)
	case "mem":
		return profile.Start(append(opts, profile.MemProfile, profile.MemProfileAllocs)...)
	case "block":
		return profile.Start(append(opts, profile.BlockProfile)...)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := load()
	if err != nil {
		return err
	}
	defer closeLog()

	if p := startProfile(); p != nil {
		defer p.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	verifier, err := a.verifier(ctx)
	if err != nil {
		return err
	}

	apiOpts := api.Options{Logger: logrus.WithField("pkg", "api")}
	if verifier != nil {
		apiOpts.Verifier = verifier
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(a.store, a.registry, a.engine, apiOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.driver.Run(ctx, cfg.Sync.Interval)
	}()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logrus.WithError(serr).Error("HTTP shutdown failed")
	}
	wg.Wait()

	return err
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := load()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reports := a.driver.SyncAll(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return err
	}

	for _, r := range reports {
		if failed := r.FailedUsers(); len(failed) > 0 {
			return fmt.Errorf("tenant %s: %d users failed", r.TenantID, len(failed))
		}
	}

	return nil
}
