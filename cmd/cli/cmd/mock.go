package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/internal/mockserver"
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve a scripted streaming endpoint for trying out the harness",
	Long: `Serve an OpenAI-compatible streaming endpoint with scripted timing.

The server answers /v1/chat/completions, /v1/completions, /v1/models,
/health and /metrics.

Examples:
  kvbench mock --addr :8000 --initial-delay 80ms --chunk-delay 15ms --chunks 100
  kvbench run --api-base http://localhost:8000/v1 --metrics-url http://localhost:8000/metrics`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

var (
	mockAddr   string
	mockConfig mockserver.Config
)

func init() {
	f := mockCmd.Flags()
	f.StringVar(&mockAddr, "addr", ":8000", "Listen address")
	f.StringVar(&mockConfig.Model, "served-model", "mock-model", "Model name the server lists")
	f.DurationVar(&mockConfig.InitialDelay, "initial-delay", 50*time.Millisecond, "Delay before the first chunk")
	f.DurationVar(&mockConfig.ChunkDelay, "chunk-delay", 10*time.Millisecond, "Delay between chunks")
	f.IntVar(&mockConfig.Chunks, "chunks", 100, "Content chunks per response")
	f.IntVar(&mockConfig.FailStatus, "fail-status", 0, "Fail every completion with this HTTP status")
	RootCmd.AddCommand(mockCmd)
}

func runMock(cmd *cobra.Command, args []string) error {
	srv := &http.Server{
		Addr:              mockAddr,
		Handler:           mockserver.New(mockConfig),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock server listening", slog.String("addr", mockAddr))
		errCh <- srv.ListenAndServe()
	}()

	ctx := cmd.Context()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down mock server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
