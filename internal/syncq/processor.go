// Package syncq drains the pending-action write-ahead queue against the
// backend. Delivery is at-least-once: the acknowledgment endpoint is
// idempotent server-side, so this processor's job is ordering, retry, and
// backoff, not deduplication.
package syncq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opsdeck/shiftsync/internal/backend"
	"github.com/opsdeck/shiftsync/internal/connectivity"
	"github.com/opsdeck/shiftsync/internal/storage"
)

// ActionStore is the slice of the durable store the processor needs.
type ActionStore interface {
	ListPendingActions() ([]storage.PendingAction, error)
	MarkActionFailed(id, errMsg string) (storage.PendingAction, error)
	MarkActionTerminal(id, errMsg string) error
	DeleteAction(id string) error
	RearmAction(id string) error
	CountPending() (int, error)
}

// Sender delivers one queued write to the backend.
type Sender interface {
	SendAcknowledgment(ctx context.Context, handoffID string, payload json.RawMessage) error
}

// StateSource reports the current debounced connectivity state. Every drain
// path consults it: attempting delivery while offline would spend the retry
// budget on connection-refused errors before the queue ever had a chance to
// sync.
type StateSource interface {
	State() connectivity.State
}

// Processor drains the queue on connectivity recovery and on startup.
// Within a pass, actions are delivered strictly oldest-first and one at a
// time, preserving the causal order of a handoff's action history.
type Processor struct {
	store  ActionStore
	sender Sender
	state  StateSource
	logger *slog.Logger

	// onTerminal surfaces terminal failures to the UI layer.
	onTerminal func(storage.PendingAction)

	mu       sync.Mutex
	draining bool
	rerun    bool
	retimer  *time.Timer
}

// New creates a Processor.
func New(store ActionStore, sender Sender, state StateSource, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, sender: sender, state: state, logger: logger}
}

// OnTerminalFailure registers the callback invoked when an action becomes
// terminal-failed (retry cap hit, or permanent rejection). Must be set
// before Run.
func (p *Processor) OnTerminalFailure(fn func(storage.PendingAction)) {
	p.onTerminal = fn
}

// Run drains once at startup if the queue is non-empty and the device is
// online, then drains on every Online transition until ctx is cancelled. A
// session that starts offline leaves its queued writes untouched until
// connectivity arrives. Offline transitions are ignored: an in-flight pass
// simply fails its next attempt and reschedules.
func (p *Processor) Run(ctx context.Context, events <-chan connectivity.State) {
	if n, err := p.store.CountPending(); err != nil {
		p.logger.Error("counting pending actions", "error", err)
	} else if n > 0 {
		if p.state.State() == connectivity.Online {
			p.logger.Info("draining queue left over from previous session", "pending", n)
			p.Drain(ctx)
		} else {
			p.logger.Info("queued writes waiting for connectivity", "pending", n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-events:
			if !ok {
				return
			}
			if state == connectivity.Online {
				p.Drain(ctx)
			}
		}
	}
}

// Drain runs a drain pass, unless the device is offline: a drain without
// connectivity cannot deliver anything and would only burn each action's
// retry budget on transport errors. Re-entrant triggers while a pass is in
// progress are coalesced into a single follow-up pass instead of stacking,
// so no action ever has two in-flight requests.
func (p *Processor) Drain(ctx context.Context) {
	if p.state.State() != connectivity.Online {
		p.logger.Debug("skipping drain while offline")
		return
	}

	p.mu.Lock()
	if p.draining {
		p.rerun = true
		p.mu.Unlock()
		return
	}
	p.draining = true
	if p.retimer != nil {
		p.retimer.Stop()
		p.retimer = nil
	}
	p.mu.Unlock()

	for {
		p.drainOnce(ctx)

		p.mu.Lock()
		if !p.rerun {
			p.draining = false
			p.mu.Unlock()
			return
		}
		p.rerun = false
		p.mu.Unlock()
	}
}

// drainOnce attempts every due pending action in created_at order. Each
// delivery waits for its predecessor's outcome. Actions still inside their
// backoff window are skipped and a follow-up drain is scheduled for the
// earliest of them.
func (p *Processor) drainOnce(ctx context.Context) {
	actions, err := p.store.ListPendingActions()
	if err != nil {
		p.logger.Error("listing pending actions", "error", err)
		return
	}

	var earliest time.Time
	now := time.Now().UTC()

	for _, a := range actions {
		if ctx.Err() != nil {
			return
		}
		if a.NextAttemptAt.After(now) {
			if earliest.IsZero() || a.NextAttemptAt.Before(earliest) {
				earliest = a.NextAttemptAt
			}
			continue
		}

		next := p.deliver(ctx, a)
		if !next.IsZero() && (earliest.IsZero() || next.Before(earliest)) {
			earliest = next
		}
		now = time.Now().UTC()
	}

	if !earliest.IsZero() {
		p.scheduleRedrain(ctx, time.Until(earliest))
	}
}

// deliver attempts one action and returns the rescheduled attempt time, or
// zero when the action reached a terminal state (delivered or failed).
func (p *Processor) deliver(ctx context.Context, a storage.PendingAction) time.Time {
	err := p.sender.SendAcknowledgment(ctx, a.HandoffID, json.RawMessage(a.Payload))
	if err == nil {
		if delErr := p.store.DeleteAction(a.ID); delErr != nil {
			p.logger.Error("removing delivered action", "action_id", a.ID, "error", delErr)
		}
		p.logger.Info("action delivered", "action_id", a.ID, "handoff_id", a.HandoffID)
		return time.Time{}
	}

	if backend.IsPermanent(err) {
		// The server already rejected this body; retrying is useless and
		// masks a real data problem.
		p.logger.Warn("action rejected permanently", "action_id", a.ID, "error", err)
		if termErr := p.store.MarkActionTerminal(a.ID, err.Error()); termErr != nil {
			p.logger.Error("marking action terminal", "action_id", a.ID, "error", termErr)
		}
		a.Status = storage.ActionFailed
		a.LastError = err.Error()
		p.surfaceTerminal(a)
		return time.Time{}
	}

	updated, failErr := p.store.MarkActionFailed(a.ID, err.Error())
	if failErr != nil {
		p.logger.Error("marking action failed", "action_id", a.ID, "error", failErr)
		return time.Time{}
	}
	if updated.Status == storage.ActionFailed {
		p.logger.Warn("action exhausted retries", "action_id", a.ID, "retry_count", updated.RetryCount, "error", err)
		p.surfaceTerminal(updated)
		return time.Time{}
	}
	p.logger.Warn("action delivery failed, rescheduled",
		"action_id", a.ID, "retry_count", updated.RetryCount, "next_attempt_at", updated.NextAttemptAt, "error", err)
	return updated.NextAttemptAt
}

func (p *Processor) surfaceTerminal(a storage.PendingAction) {
	if p.onTerminal != nil {
		p.onTerminal(a)
	}
}

// scheduleRedrain arms a timer for the earliest persisted backoff deadline.
// The schedule lives in the store, so a restart mid-backoff resumes it; the
// timer is only the in-process shortcut.
func (p *Processor) scheduleRedrain(ctx context.Context, d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retimer != nil {
		p.retimer.Stop()
	}
	p.retimer = time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		p.Drain(ctx)
	})
}

// Retry re-arms a terminal-failed action and drains immediately when online;
// offline, the re-armed action waits for the next connectivity event. This
// is the manual affordance behind the "sync failed, retry" UI state.
func (p *Processor) Retry(ctx context.Context, id string) error {
	if err := p.store.RearmAction(id); err != nil {
		return err
	}
	p.Drain(ctx)
	return nil
}
