// Package engine composes the offline cache: durable store, connectivity
// monitor, interception layer, and sync queue. UI layers consume this
// facade and stay oblivious to which side of the network a result came from.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/opsdeck/shiftsync/internal/backend"
	"github.com/opsdeck/shiftsync/internal/config"
	"github.com/opsdeck/shiftsync/internal/connectivity"
	"github.com/opsdeck/shiftsync/internal/intercept"
	"github.com/opsdeck/shiftsync/internal/storage"
	"github.com/opsdeck/shiftsync/internal/syncq"
)

// Engine is the offline-first cache and sync engine for shift handoffs.
type Engine struct {
	logger  *slog.Logger
	store   *storage.Store
	client  *backend.Client
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	layer   *intercept.Layer
	proc    *syncq.Processor
	blobs   *intercept.BlobCache

	cancel context.CancelFunc
}

// New builds an Engine from config. Call Start to begin probing and
// draining, and Close when done.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	blobs, err := intercept.NewBlobCache(filepath.Join(cfg.Storage.DataDir, "media"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening blob cache: %w", err)
	}

	client := backend.New(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.RequestTimeout)
	monitor := connectivity.NewMonitor(cfg.Connectivity.Debounce, logger)
	prober := connectivity.NewProber(monitor, client.HealthURL(), cfg.Connectivity.ProbeInterval, logger)
	layer := intercept.NewLayer(store, client, monitor, blobs, cfg.Cache.TTL, logger)
	proc := syncq.New(store, client, monitor, logger)

	return &Engine{
		logger:  logger,
		store:   store,
		client:  client,
		monitor: monitor,
		prober:  prober,
		layer:   layer,
		proc:    proc,
		blobs:   blobs,
	}, nil
}

// Start launches the connectivity prober and the queue processor. The
// processor drains immediately if a previous session left queued writes and
// the backend is reachable.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	// A write queued because a direct send failed mid-session should not
	// wait for a connectivity flap; the drain itself is connectivity-gated.
	e.layer.OnEnqueued(func() { go e.proc.Drain(ctx) })
	go e.prober.Run(ctx)
	go e.proc.Run(ctx, e.monitor.Subscribe())
}

// Close stops background work and releases the store.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.store.Close()
}

// ReadHandoff returns the handoff with cache-then-network semantics; the
// result carries its freshness classification for UI messaging.
func (e *Engine) ReadHandoff(ctx context.Context, id string) (intercept.ReadResult, error) {
	return e.layer.ReadHandoff(ctx, id)
}

// QueueAcknowledgment records an acknowledgment: sent directly when online,
// otherwise queued durably for replay. StatusQueued means "received locally,
// will sync", not server confirmation.
func (e *Engine) QueueAcknowledgment(ctx context.Context, handoffID string, payload json.RawMessage) (intercept.WriteStatus, error) {
	return e.layer.Acknowledge(ctx, handoffID, payload)
}

// SubscribeToUpdates registers a callback for revalidation updates of one
// handoff. The returned func cancels the subscription.
func (e *Engine) SubscribeToUpdates(handoffID string, fn func(intercept.Update)) func() {
	return e.layer.Subscribe(handoffID, fn)
}

// OnTerminalFailure registers the callback for actions that exhausted their
// retries or were permanently rejected. Must be called before Start.
func (e *Engine) OnTerminalFailure(fn func(storage.PendingAction)) {
	e.proc.OnTerminalFailure(fn)
}

// ReportConnectivity feeds an external reachability signal into the monitor,
// for hosts that know better than the prober.
func (e *Engine) ReportConnectivity(online bool) {
	e.monitor.Report(online)
}

// Connectivity returns the current debounced connectivity state.
func (e *Engine) Connectivity() connectivity.State {
	return e.monitor.State()
}

// SubscribeConnectivity returns a channel of connectivity transitions for
// banner rendering.
func (e *Engine) SubscribeConnectivity() <-chan connectivity.State {
	return e.monitor.Subscribe()
}

// PendingCount returns the number of queued, not-yet-delivered writes.
func (e *Engine) PendingCount() (int, error) {
	return e.store.CountPending()
}

// PendingActions lists queued writes oldest-first.
func (e *Engine) PendingActions() ([]storage.PendingAction, error) {
	return e.store.ListPendingActions()
}

// FailedActions lists terminal-failed writes awaiting a manual retry. They
// are retained until retried or explicitly discarded.
func (e *Engine) FailedActions() ([]storage.PendingAction, error) {
	return e.store.ListFailedActions()
}

// RetryAction re-arms a terminal-failed action and triggers a drain.
func (e *Engine) RetryAction(ctx context.Context, id string) error {
	return e.proc.Retry(ctx, id)
}

// DiscardAction drops a terminal-failed action the user chose to abandon.
func (e *Engine) DiscardAction(id string) error {
	return e.store.DeleteAction(id)
}

// CachedHandoffs lists everything available offline, most recent first.
func (e *Engine) CachedHandoffs() ([]storage.Handoff, error) {
	return e.store.ListHandoffs()
}

// EvictHandoff removes a handoff and its media rows from the cache.
func (e *Engine) EvictHandoff(id string) error {
	return e.store.DeleteHandoff(id)
}

// AudioPath returns the on-disk audio file for a cached media row, or ""
// when only the transcript is available.
func (e *Engine) AudioPath(m storage.Media) string {
	if m.AudioRef == "" {
		return ""
	}
	return e.blobs.Path(m.AudioRef)
}

// Drain forces a queue drain outside the normal triggers (CLI use).
func (e *Engine) Drain(ctx context.Context) {
	e.proc.Drain(ctx)
}

// WaitUntilOnline blocks until the monitor commits an Online state or the
// timeout expires. CLI commands use it to avoid racing the first probe.
func (e *Engine) WaitUntilOnline(ctx context.Context, timeout time.Duration) bool {
	if e.monitor.State() == connectivity.Online {
		return true
	}
	events := e.monitor.Subscribe()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case s := <-events:
			if s == connectivity.Online {
				return true
			}
		}
	}
}
