package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/itstheanurag/playground/internal/config"
	"github.com/itstheanurag/playground/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	v          *viper.Viper
	configFile string
	conf       *config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "playground",
		Short: "Compile and test smart contracts in throwaway workspaces",
		Long: `playground serves an HTTP API that writes submitted contract projects
into per-request workspaces, runs the configured toolchain against them
and removes the workspace before responding.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		RunE: a.serve,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.String("port", "", "HTTP listen port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	bindFlags(a.v, flags, map[string]string{
		"port":      "server.port",
		"log-level": "log.level",
	})

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server (default)",
			RunE:  a.serve,
		},
		newSweepCmd(a),
		newVersionCmd(),
	)
	return root
}

// bindFlags maps command-line flags onto config keys. Only flags that were
// set on the command line override file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

func (a *app) load() error {
	conf, err := config.LoadConfig(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.conf = conf
	a.logger = newLogger(conf.Log)
	return nil
}

func (a *app) serve(cmd *cobra.Command, args []string) error {
	logger := &a.logger

	srv, err := server.New(a.conf, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server crashed")
		}
		return err
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}

func newLogger(conf config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.Level)
	if err != nil || conf.Level == "" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if conf.Format == "json" {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
