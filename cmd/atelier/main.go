package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"atelier/internal/canvas"
	"atelier/internal/config"
	"atelier/internal/logging"
	"atelier/internal/orchestrator"
	"atelier/internal/provider"
	"atelier/internal/schedule"
	"atelier/internal/server"
)

// Set at build time via -ldflags.
var version = "dev"

var (
	configPath string
	debug      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "atelier - generation backend for the spatial canvas studio",
	Long: `atelier is the AI backend of a spatial canvas studio.

It routes each user turn to a specialist agent, streams code and prose
artifacts onto the canvas as they generate, renders images and video, and
hosts the live voice bridge. Run "atelier serve" to start it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the generation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("atelier", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "atelier.yaml", "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetLevel(config.ParseLevel(cfg.Logging.Level))
	logging.Boot().Infow("starting", "version", version, "provider", cfg.Provider, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := schedule.New(schedule.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Spacing:       cfg.SpacingDuration(),
	})
	policy := schedule.RetryPolicy{
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseDelay:    cfg.BaseDelayDuration(),
		SafetyMargin: time.Second,
	}

	backend, models, err := buildProvider(ctx, cfg, sched, policy)
	if err != nil {
		return err
	}

	orch := orchestrator.New(backend, models, sched, policy, canvas.NewStore())
	srv := server.New(cfg.Server.Addr, orch)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return config.Watch(ctx, configPath) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logging.Boot().Infow("shut down cleanly")
	return nil
}

func buildProvider(ctx context.Context, cfg *config.Config, sched *schedule.Scheduler, policy schedule.RetryPolicy) (provider.Provider, provider.Models, error) {
	switch cfg.Provider {
	case "gemini":
		models := provider.Models{
			Pro:   cfg.Gemini.ProModel,
			Flash: cfg.Gemini.FlashModel,
			Lite:  cfg.Gemini.LiteModel,
			Image: cfg.Gemini.ImageModel,
			Video: cfg.Gemini.VideoModel,
		}
		p, err := provider.NewGeminiProvider(ctx, cfg.Gemini.APIKey, models, sched, policy, cfg.PollIntervalDuration())
		return p, models, err
	case "bridge":
		models := provider.Models{
			Pro:   cfg.Bridge.ChatModel,
			Flash: cfg.Bridge.ChatModel,
			Lite:  cfg.Bridge.ChatModel,
			Image: cfg.Bridge.ImageModel,
			Video: cfg.Bridge.VideoModel,
		}
		p, err := provider.NewBridgeProvider(cfg.Bridge.BaseURL, cfg.Bridge.APIKey, models, sched, policy,
			cfg.PollIntervalDuration(), cfg.BridgeTimeoutDuration())
		return p, models, err
	default:
		return nil, provider.Models{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
