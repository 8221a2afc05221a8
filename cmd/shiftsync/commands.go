package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdeck/shiftsync/internal/config"
	"github.com/opsdeck/shiftsync/internal/engine"
	"github.com/opsdeck/shiftsync/internal/intercept"
	"github.com/opsdeck/shiftsync/internal/staleness"
	"github.com/opsdeck/shiftsync/internal/storage"
)

// openEngine builds the engine from config and starts its background loops.
// The cleanup func cancels them and closes the store.
func openEngine(ctx context.Context) (*engine.Engine, config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	eng, err := engine.New(cfg, slog.Default())
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	eng.OnTerminalFailure(func(a storage.PendingAction) {
		printError("Acknowledgment for %s failed permanently: %s", a.HandoffID, a.LastError)
	})

	runCtx, cancel := context.WithCancel(ctx)
	eng.Start(runCtx)
	cleanup := func() {
		cancel()
		eng.Close()
	}
	return eng, cfg, cleanup, nil
}

// --- ls ---

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List handoffs available offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cfg, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		handoffs, err := eng.CachedHandoffs()
		if err != nil {
			return err
		}
		if len(handoffs) == 0 {
			fmt.Println("No cached handoffs.")
			return nil
		}

		now := time.Now()
		for _, h := range handoffs {
			freshness := staleness.Classify(h.CachedAt, now, cfg.Cache.TTL)
			label := colorize(ansiGreen, "fresh")
			if freshness == staleness.Stale {
				label = colorize(ansiYellow, "stale")
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(ansiCyan, h.ID),
				h.CachedAt.Local().Format("2006-01-02 15:04"),
				label,
			)
		}
		return nil
	},
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <handoff-id>",
	Short: "Show a handoff, from cache or the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		// Give the first health probe a chance; a cached copy is served
		// either way.
		eng.WaitUntilOnline(cmd.Context(), wait)

		res, err := eng.ReadHandoff(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		switch res.Classification {
		case intercept.Stale:
			printWarning("Showing cached copy from %s; it may be out of date", res.CachedAt.Local().Format("2006-01-02 15:04"))
		case intercept.Fresh:
			printStatus("Cached", "%s", res.CachedAt.Local().Format("2006-01-02 15:04"))
		}

		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(res.Payload), "", "  "); err != nil {
			fmt.Println(res.Payload)
		} else {
			fmt.Println(buf.String())
		}

		for _, m := range res.Media {
			audio := eng.AudioPath(m)
			if audio == "" {
				audio = colorize(ansiYellow, "(transcript only)")
			}
			fmt.Printf("\n%s %s\n  %s\n", colorize(ansiBold, "voice note"), audio, m.Transcript)
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Duration("wait", 2*time.Second, "how long to wait for connectivity before serving from cache")
}

// --- ack ---

var ackCmd = &cobra.Command{
	Use:   "ack <handoff-id>",
	Short: "Acknowledge a handoff, queued for sync when offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		wait, _ := cmd.Flags().GetDuration("wait")

		payload := map[string]any{"ack": true}
		if note != "" {
			payload["note"] = note
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		eng.WaitUntilOnline(cmd.Context(), wait)

		status, err := eng.QueueAcknowledgment(cmd.Context(), args[0], body)
		if err != nil {
			return err
		}
		switch status {
		case intercept.StatusSent:
			printSuccess("Acknowledgment for %s delivered", args[0])
		case intercept.StatusQueued:
			printWarning("Offline: acknowledgment for %s queued, will sync when connectivity returns", args[0])
		}
		return nil
	},
}

func init() {
	ackCmd.Flags().String("note", "", "free-form note to attach to the acknowledgment")
	ackCmd.Flags().Duration("wait", 2*time.Second, "how long to wait for connectivity before queueing")
}

// --- evict ---

var evictCmd = &cobra.Command{
	Use:   "evict <handoff-id>",
	Short: "Remove a handoff and its media from the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.EvictHandoff(args[0]); err != nil {
			return err
		}
		printSuccess("Evicted %s", args[0])
		return nil
	},
}

// --- pending / failed ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued writes awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		actions, err := eng.PendingActions()
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, a := range actions {
			printAction(a)
		}
		return nil
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List writes that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		actions, err := eng.FailedActions()
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("No failed writes.")
			return nil
		}
		for _, a := range actions {
			printAction(a)
		}
		fmt.Printf("\nUse %s to re-deliver or %s to abandon.\n",
			colorize(ansiBold, "shiftsync retry <id>"),
			colorize(ansiBold, "shiftsync discard <id>"),
		)
		return nil
	},
}

func printAction(a storage.PendingAction) {
	fmt.Printf("%s  %s  %s  created %s",
		colorize(ansiCyan, a.ID),
		a.Type,
		a.HandoffID,
		a.CreatedAt.Local().Format("2006-01-02 15:04"),
	)
	if a.RetryCount > 0 {
		fmt.Printf("  %s", colorize(ansiYellow, fmt.Sprintf("retries %d/%d", a.RetryCount, storage.MaxRetries)))
	}
	fmt.Println()
	if a.LastError != "" {
		fmt.Printf("    last error: %s\n", a.LastError)
	}
}

// --- drain ---

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		before, err := eng.PendingCount()
		if err != nil {
			return err
		}
		if before == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		if !eng.WaitUntilOnline(cmd.Context(), timeout) {
			return fmt.Errorf("backend unreachable after %s; %d write(s) remain queued", timeout, before)
		}

		eng.Drain(cmd.Context())

		after, err := eng.PendingCount()
		if err != nil {
			return err
		}
		delivered := before - after
		if after == 0 {
			printSuccess("Delivered %d queued write(s)", delivered)
			return nil
		}
		printWarning("Delivered %d, %d still queued (in retry backoff or failing)", delivered, after)
		return nil
	},
}

func init() {
	drainCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for connectivity")
}

// --- retry / discard ---

var retryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Re-arm a failed write and attempt delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		eng.WaitUntilOnline(cmd.Context(), timeout)
		if err := eng.RetryAction(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Re-armed %s", args[0])
		return nil
	},
}

func init() {
	retryCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for connectivity")
}

var discardCmd = &cobra.Command{
	Use:   "discard <action-id>",
	Short: "Abandon a failed write",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently drops the queued write. Use --confirm to proceed.")
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("exactly one action id is required")
		}

		eng, _, cleanup, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.DiscardAction(args[0]); err != nil {
			return err
		}
		printSuccess("Discarded %s", args[0])
		return nil
	},
}

func init() {
	discardCmd.Flags().Bool("confirm", false, "confirm discarding the write")
}
