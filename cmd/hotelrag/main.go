package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hotelrag/backend/internal/app"
	"github.com/hotelrag/backend/internal/extraction"
	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/internal/qa"
	"github.com/hotelrag/backend/pkg/config"
	"github.com/hotelrag/backend/pkg/logger"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hotelrag",
	Short:   "Hotel bookings analytics and question answering",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		return logger.Init(level, cfg.Logging.Format, cfg.Logging.OutputPath)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	indexCmd.Flags().Bool("reset", false, "Re-read the documents before populating")
	indexCmd.Flags().Bool("flush-embeddings", false, "Drop cached query embeddings")
	askCmd.Flags().String("ground-truth", "", "Reference answer; enables faithfulness scoring")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(analyticsCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.Init()

		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Extract the documents and populate the knowledge collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		flush, _ := cmd.Flags().GetBool("flush-embeddings")

		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if flush {
			if a.Redis == nil {
				return fmt.Errorf("embedding cache is not enabled")
			}
			removed, err := a.Redis.InvalidateEmbeddings(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d cached embeddings\n", removed)
		}

		result, err := a.Engine.BuildIndex(ctx, reset)
		if err != nil {
			return err
		}
		fmt.Printf("Passages: %d, inserted: %d\n", result.Passages, result.Inserted)
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Print the passages extracted from the configured documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		passages, err := extraction.NewExtractor().Extract(cmd.Context(), app.Documents(cfg))
		if err != nil {
			return err
		}
		return printJSON(passages)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question through the full pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groundTruth, _ := cmd.Flags().GetString("ground-truth")

		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.Engine.Ask(ctx, qa.AskRequest{Question: args[0], Reference: groundTruth})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics <group>",
	Short: "Run one report group against the bookings table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		group, cache, ok := a.Registry.Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown report group %q (have %v)", args[0], a.Registry.Names())
		}
		results, err := a.Executor.Execute(ctx, group, cache)
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}
