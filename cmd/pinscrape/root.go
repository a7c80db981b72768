package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ibeckermayer/pinscrape/internal/app"
	"github.com/ibeckermayer/pinscrape/internal/auth"
	"github.com/ibeckermayer/pinscrape/internal/config"
	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/logging"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
	outputDir  string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
	stop   context.CancelFunc
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pinscrape",
		Short:         "Collect Pinterest pins into per-keyword SQLite databases",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default is the user config dir)")
	pf.StringVarP(&c.outputDir, "output", "o", "", "output directory, overrides output.dir")
	pf.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&c.logFormat, "log-format", "", "text or json")

	root.AddCommand(
		c.scrapeCmd(),
		c.pipelineCmd(),
		c.stageCmd("repair", "Detect and rebuild damaged keyword databases"),
		c.stageCmd("convert", "Rewrite Base64 pin ids to numeric ids"),
		c.stageCmd("enhance", "Fetch detail pages for pins without image URLs"),
		c.stageCmd("download", "Download pending images"),
		c.statsCmd(),
		c.sessionsCmd(),
		c.exportCmd(),
		c.scheduleCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.openCmd(),
		c.configCmd(),
		c.botCheckCmd(),
	)
	return root
}

// setup loads config, builds the logger and the app, and installs the
// signal handler.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.outputDir != "" {
		cfg.Output.Dir = c.outputDir
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var authManager *auth.Manager
	if path, err := auth.DefaultCookieStorePath(); err != nil {
		logger.Warn("no cookie store available", "error", err)
	} else {
		authManager = auth.NewManager(auth.NewCookieStore(path), logger)
	}

	im := interrupt.New()
	ctx, stop := context.WithCancel(cmd.Context())
	interrupt.Notify(ctx, im, logger)

	c.cfg = cfg
	c.logger = logger
	c.stop = stop
	c.app = app.New(app.Options{
		Config:     cfg,
		ConfigPath: c.configPath,
		Logger:     logger,
		Interrupt:  im,
		Auth:       authManager,
	})
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
	if c.stop != nil {
		c.stop()
	}
}

// interrupted converts an interruption into exit status 130.
func interrupted(err error) error {
	if interrupt.Is(err) {
		return &exitError{code: 130, err: err}
	}
	return err
}
