package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdeck/shiftsync/internal/devserver"
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run a stub backend for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runDevServer(addr)
	},
}

func init() {
	devServerCmd.Flags().String("addr", "127.0.0.1:8470", "listen address")
}

func runDevServer(addr string) error {
	fmt.Fprintf(os.Stderr, "shiftsync dev-server %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: devserver.New(seedHandoffs()...).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dev-server listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seedHandoffs() []devserver.Handoff {
	return []devserver.Handoff{
		{
			ID:         "demo-night-1",
			Summary:    "Night shift wrap-up, line 2",
			Notes:      "Compressor 4 restarted at 02:10, watch discharge pressure.",
			AssetScope: []string{"line-2", "compressor-4"},
			VoiceNotes: []devserver.VoiceNote{
				{ID: "demo-vn-1", Transcript: "Keep an eye on the discharge pressure after the restart."},
			},
		},
		{
			ID:         "demo-day-1",
			Summary:    "Day shift handoff, packaging",
			Notes:      "Label printer on wrapper 1 is low on ribbon.",
			AssetScope: []string{"wrapper-1"},
		},
	}
}
