package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"promptrouter/internal/config"
	"promptrouter/internal/dispatcher"
	"promptrouter/internal/provider"
	providerfactory "promptrouter/internal/provider/factory"
)

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "promptrouter",
		Short: "Run prompt templates against OpenAI, OpenRouter and Anthropic models",
		Long: `promptrouter compiles a prompt template, normalizes its messages and
sends it to the provider that serves the requested model.

Examples:
  promptrouter serve --config config.yaml
  promptrouter run --config config.yaml --model gpt-4o-mini --prompt "Hello {{name}}" --var name=Ada
  promptrouter models --config config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	_ = root.MarkPersistentFlagRequired("config")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(modelsCmd(&cfgPath))
	return root
}

// app bundles everything a command needs once configuration is loaded.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	catalog    *provider.Registry
	dispatcher *dispatcher.Dispatcher
}

func loadApp(cmd *cobra.Command, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	catalog, err := providerfactory.NewCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("build model catalog: %w", err)
	}

	handlers, err := providerfactory.BuildProviders(cfg, nil)
	if err != nil {
		return nil, err
	}

	d, err := dispatcher.New(catalog, handlers, dispatcher.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, catalog: catalog, dispatcher: d}, nil
}
