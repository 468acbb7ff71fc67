package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/pepref/internal/server"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trigger API and the internal write surface",
	Long: `Serve exposes:
  POST /v1/process, POST /v1/batch          pipeline triggers
  GET  /v1/ready                             language-model provider check
  /internal/v1/...                           idempotent write surface
  GET  /healthz

Every route except /healthz requires the X-Pipeline-Secret header.

Example:
  PEPREF_SERVER_SECRET=... pepref serve --addr :8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().BoolVar(&mockLLM, "mock-llm", false, "use the offline mock language model")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	a, err := newApp(ctx, cfg, appOptions{mockLLM: mockLLM, pipeline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.Ready(ctx); err != nil {
		a.logger.Warn("starting with unavailable providers", "error", err)
	}

	return server.New(a.pipeline, a.store, cfg, a.logger).Run(ctx, cfg.Server.Addr)
}
