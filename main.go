package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Mirage/internal"
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/hbomb79/Mirage/pkg/logger"
	"github.com/spf13/cobra"
)

var log = logger.Get("Bootstrap")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		config     internal.MirageConfig
	)

	cmd := &cobra.Command{
		Use:           "mirage",
		Short:         "Media ingestion for face swapping",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(configPath, &config)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML). The environment is used if omitted")
	cmd.AddCommand(serveCmd(&config), sourceCmd(&config), targetCmd(&config))

	return cmd
}

func serveCmd(config *internal.MirageConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ingestion API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return internal.New(*config).Run(ctx)
		},
	}
}

func sourceCmd(config *internal.MirageConfig) *cobra.Command {
	var uploads []string
	cmd := &cobra.Command{
		Use:   "source [references]",
		Short: "Ingest a comma separated list of source references",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			references := ""
			if len(args) > 0 {
				references = args[0]
			}

			result := internal.New(*config).IngestService().IngestMany(ctx, ingest.SourceRequest{References: references, Uploads: uploads})
			for _, file := range result.Files {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", file.Kind, file.Path, file.SizeBytes)
			}
			for _, trouble := range result.Troubles {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%v)\n", trouble.Reference(), trouble.Message(), trouble)
			}

			summary := result.Summary()
			fmt.Fprintf(cmd.OutOrStdout(), "audio preview: %s\nimage preview: %s\n", orNone(summary.AudioPreviewPath), orNone(summary.ImagePreviewPath))
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&uploads, "upload", "u", nil, "Path of an uploaded file to include (repeatable)")
	return cmd
}

func targetCmd(config *internal.MirageConfig) *cobra.Command {
	request := ingest.TargetRequest{}
	cmd := &cobra.Command{
		Use:   "target [reference]",
		Short: "Ingest a single target reference, reporting progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if len(args) > 0 {
				request.Reference = args[0]
			}

			var terminal ingest.Event
			for event := range internal.New(*config).IngestService().IngestSingle(ctx, request) {
				fmt.Fprintln(cmd.OutOrStdout(), event.Message)
				terminal = event
			}

			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case terminal.Kind == ingest.DONE_EVENT:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", terminal.File.Kind, terminal.File.Path)
				return nil
			default:
				return fmt.Errorf("target could not be ingested: %s", terminal.Message)
			}
		},
	}

	cmd.Flags().StringVarP(&request.Upload, "upload", "u", "", "Path of an uploaded file, takes priority over the reference")
	cmd.Flags().StringVarP(&request.DownloadDir, "download-dir", "d", "", "Directory remote references are downloaded to")
	return cmd
}

func loadConfig(configPath string, config *internal.MirageConfig) error {
	if configPath != "" {
		if err := config.LoadFromFile(configPath); err != nil {
			return err
		}
	} else if err := config.LoadFromEnv(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}

	logger.SetMinLoggingLevel(level.Level())
	log.Emit(logger.DEBUG, "Loaded configuration (log level %s)\n", config.LogLevel)
	return nil
}

func orNone(path string) string {
	if path == "" {
		return "none"
	}

	return path
}
