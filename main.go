// Package main is the entry point for the Nightscout loop daemon
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/app"
	"github.com/mrcode/nightscout-loop/internal/chart"
	"github.com/mrcode/nightscout-loop/internal/config"
	"github.com/mrcode/nightscout-loop/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	settings *config.Settings
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nightscout-loop",
	Short: "Closed-loop insulin dosing driven by Nightscout data",
	Long: `nightscout-loop reads glucose, carbs and the therapy profile from a
Nightscout server, forecasts glucose and suggests temp basals and
microboluses. In closed-loop mode the suggestions are enacted on the pump
after passing the safety limits.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			path, err := config.GetConfigPath()
			if err != nil {
				return fmt.Errorf("failed to locate settings: %w", err)
			}
			configPath = path
		}
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = s

		logger, err = logging.New(verbose || s.Verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the loop on its interval until interrupted",
	RunE:  runLoop,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single loop attempt and print the suggestion",
	RunE:  runOnce,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest stored suggestion",
	RunE:  showStatus,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the forecast of the latest suggestion as PNG",
	RunE:  renderForecast,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test the Nightscout connection",
	RunE:  checkConnection,
}

var notifyCmd = &cobra.Command{
	Use:   "test-notification",
	Short: "Send a test desktop notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.SendTestNotification()
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (default in the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	statusCmd.Flags().Int("history", 0, "also list this many earlier suggestions")

	renderCmd.Flags().StringP("out", "o", "forecast.png", "output file")
	renderCmd.Flags().Int("width", 640, "image width")
	renderCmd.Flags().Int("height", 320, "image height")

	rootCmd.AddCommand(runCmd, onceCmd, statusCmd, renderCmd, checkCmd, notifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the app, runs fn under a signal-aware context and closes it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, settings, configPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func runLoop(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		s := a.Settings()
		logger.Info("starting loop",
			zap.String("config", configPath),
			zap.Bool("closed_loop", s.ClosedLoop),
			zap.Duration("interval", s.LoopInterval))
		return a.Run(ctx)
	})
}

func runOnce(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		s, err := a.Once(ctx)
		if s != nil {
			printSuggestion(cmd, s)
		}
		return err
	})
}

func showStatus(cmd *cobra.Command, args []string) error {
	history, _ := cmd.Flags().GetInt("history")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		s, err := a.LatestSuggestion(ctx)
		if err != nil {
			return fmt.Errorf("no suggestion available: %w", err)
		}
		printSuggestion(cmd, s)

		if history > 0 {
			earlier, err := a.Suggestions(ctx, time.Time{}, history+1)
			if err != nil {
				return err
			}
			for i := range earlier {
				if earlier[i].ID == s.ID {
					continue
				}
				printSummary(cmd, &earlier[i])
			}
		}

		if spark := chart.Sparkline(s.Predictions.COB, 8); spark != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "COB forecast:\n%s\n", spark)
		} else if spark := chart.Sparkline(s.Predictions.IOB, 8); spark != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "IOB forecast:\n%s\n", spark)
		}
		return nil
	})
}

func renderForecast(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		s, err := a.LatestSuggestion(ctx)
		if err != nil {
			return fmt.Errorf("no suggestion available: %w", err)
		}

		opts := chart.DefaultOptions()
		opts.Width, opts.Height = width, height
		opts.MmolL = settings.Units == config.UnitMmolL
		if p, err := a.Profile(ctx); err == nil {
			t := p.At(s.Timestamp)
			opts.TargetLow, opts.TargetHigh = t.TargetLow, t.TargetHigh
		} else {
			logger.Warn("profile unavailable, using default target band", zap.Error(err))
		}

		f, err := os.Create(out) //nolint:gosec // path comes from the CLI
		if err != nil {
			return err
		}
		if err := chart.RenderPNG(f, s, opts); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
		return nil
	})
}

func checkConnection(cmd *cobra.Command, args []string) error {
	if !settings.IsConfigured() {
		return app.ErrNotConfigured
	}
	status, err := app.TestConnection(cmd.Context(), settings)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "connected to %s (Nightscout %s, units %s)\n",
		status.Name, status.Version, status.Settings.Units)
	return nil
}
