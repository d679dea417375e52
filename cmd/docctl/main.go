// Command docctl runs ingestion and retrieval locally without the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/internal/service/document"
	"github.com/feichai0017/document-context/pkg/logger"
)

var (
	configPath string
	logLevel   string

	cfg     *config.Config
	log     logger.Logger
	service *document.Service
)

var rootCmd = &cobra.Command{
	Use:   "docctl",
	Short: "Document context tool",
	Long: `Ingests PDFs and images into retrieval-ready chunks and searches them.

Environment variables:
  DOC_CONFIG     YAML config file (same as --config)
  DATABASE_URL   Postgres DSN, needed for durable mode and search by document id
  DOC_OCR_ENGINE tesseract | textract | none`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Logger.Level = logLevel
		cfg.Logger.OutputPaths = []string{"stderr"}
		cfg.Logger.Encoding = "console"
		log, err = logger.NewLogger(logger.WithConfig(cfg.Logger))
		if err != nil {
			return err
		}
		service, err = document.GetService(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("failed to start document service: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if service != nil {
			_ = service.Close()
		}
		if log != nil {
			_ = log.Sync()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
