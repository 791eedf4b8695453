// Package cmd defines the wikiscrape CLI: one subcommand per pipeline phase.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/app"
	"github.com/lostcityquiz/wikiscrape/internal/config"
	"github.com/lostcityquiz/wikiscrape/internal/logging"
	"github.com/lostcityquiz/wikiscrape/internal/pipeline"
	"github.com/lostcityquiz/wikiscrape/internal/validate"
	pkgconfig "github.com/lostcityquiz/wikiscrape/pkg/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application container. Tests
// inject a fake through newApp.
type App interface {
	Crawl(ctx context.Context) (pipeline.CrawlResult, error)
	Images(ctx context.Context) (pipeline.BackfillResult, error)
	Secondary(ctx context.Context) (pipeline.BackfillResult, error)
	Lengths(ctx context.Context) (pipeline.LengthsResult, error)
	Export(ctx context.Context) (int, error)
	Validate(ctx context.Context, cfg validate.Config) (*validate.Report, error)
	ValidationConfig() validate.Config
	Logger() *zap.Logger
	Close()
}

// newApp is the application factory; a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, run app.RunOptions) (App, error) {
	a, err := app.New(ctx, cfg, logger, run)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rootFlags struct {
	configPath string
	dryRun     bool
	limit      int
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "wikiscrape",
		Short: "Builds the Lost City quiz dataset from the RuneScape wikis.",
		Long: `wikiscrape crawls RuneScape wiki categories for pages released in the
configured year range, resolves period-appropriate thumbnails from the
primary and secondary wikis, and enriches, exports and validates the
resulting content.json. Every phase resumes from its progress file.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			used, err := pkgconfig.InitConfig(v, flags.configPath)
			if err != nil {
				return err
			}
			cfg, err := config.LoadFrom(v, "")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if used != "" {
				logger.Info("using config file", zap.String("path", used))
			}
			if flags.limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger, app.RunOptions{
				DryRun:     flags.dryRun,
				Limit:      flags.limit,
				StatusAddr: cfg.Status.Addr,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default is ./config.yaml)")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "run without downloading files or writing outputs")
	pf.IntVar(&flags.limit, "limit", 0, "stop after this many download attempts (0 = no limit)")
	pf.String("status-addr", "", "serve /healthz, /metrics and /v1/status on this address")
	_ = v.BindPFlag("status.addr", pf.Lookup("status-addr")) //nolint:errcheck // flag is defined above

	cmd.AddCommand(
		newCrawlCmd(),
		newImagesCmd(),
		newSecondaryCmd(),
		newLengthsCmd(),
		newExportCmd(),
		newValidateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
