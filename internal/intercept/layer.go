// Package intercept sits between UI reads/writes and the network. Reads get
// cache-then-network semantics: a cached handoff is served immediately and
// revalidated in the background; a miss while offline is reported honestly.
// Writes go direct when online and into the durable pending-action queue
// otherwise.
package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/opsdeck/shiftsync/internal/backend"
	"github.com/opsdeck/shiftsync/internal/connectivity"
	"github.com/opsdeck/shiftsync/internal/staleness"
	"github.com/opsdeck/shiftsync/internal/storage"
)

// Classification of a read result as exposed to UI consumers.
type Classification int

const (
	Fresh Classification = iota
	Stale
	Unavailable
)

func (c Classification) String() string {
	switch c {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unavailable"
	}
}

// WriteStatus distinguishes a confirmed delivery from an optimistic queue.
type WriteStatus int

const (
	StatusSent WriteStatus = iota
	StatusQueued
)

func (s WriteStatus) String() string {
	if s == StatusSent {
		return "sent"
	}
	return "queued"
}

// ErrUnavailableOffline is returned for a never-cached handoff read while
// offline. The engine never fabricates content.
var ErrUnavailableOffline = errors.New("handoff not available offline")

// ReadResult is what a UI read gets back: the snapshot (when available), its
// freshness, and the cached voice notes.
type ReadResult struct {
	HandoffID      string
	Payload        string
	Classification Classification
	CachedAt       time.Time
	Media          []storage.Media
}

// Update notifies subscribers that a background revalidation refreshed a
// handoff they are looking at.
type Update struct {
	HandoffID string
	Payload   string
	CachedAt  time.Time
}

// Store is the slice of the durable store the layer needs.
type Store interface {
	GetHandoff(id string) (storage.Handoff, error)
	PutHandoff(h storage.Handoff) error
	PutMedia(m storage.Media) error
	ListMediaByHandoff(handoffID string) ([]storage.Media, error)
	EnqueueAction(a storage.PendingAction) error
}

// Backend is the network side: fetch, audio download, direct ack delivery.
type Backend interface {
	FetchHandoff(ctx context.Context, id string) (*backend.Handoff, error)
	FetchAudio(ctx context.Context, url string) ([]byte, error)
	SendAcknowledgment(ctx context.Context, handoffID string, payload json.RawMessage) error
}

// StateSource reports the current debounced connectivity state.
type StateSource interface {
	State() connectivity.State
}

// Layer implements the interception semantics over a store, a backend
// client, and a connectivity source.
type Layer struct {
	store   Store
	backend Backend
	conn    StateSource
	blobs   *BlobCache
	ttl     time.Duration
	logger  *slog.Logger

	group singleflight.Group

	// onEnqueued fires after a write lands in the pending-action queue.
	onEnqueued func()

	mu      sync.Mutex
	subs    map[string]map[int]func(Update)
	nextSub int
}

// NewLayer wires the interception layer. A ttl <= 0 falls back to
// staleness.DefaultTTL; blobs may be nil to disable audio caching.
func NewLayer(store Store, be Backend, conn StateSource, blobs *BlobCache, ttl time.Duration, logger *slog.Logger) *Layer {
	if ttl <= 0 {
		ttl = staleness.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		store:   store,
		backend: be,
		conn:    conn,
		blobs:   blobs,
		ttl:     ttl,
		logger:  logger,
		subs:    make(map[string]map[int]func(Update)),
	}
}

// ReadHandoff serves a handoff with cache-then-network semantics.
//
// Cache hit: the cached snapshot is returned without waiting on the network.
// If online and fresh, a background revalidation updates the store and
// notifies subscribers; if online and stale, revalidation happens inline
// because the cache is then display-only fallback. Cache miss: fetched
// synchronously when online, ErrUnavailableOffline otherwise.
func (l *Layer) ReadHandoff(ctx context.Context, id string) (ReadResult, error) {
	cached, err := l.store.GetHandoff(id)
	hit := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// Storage trouble is recovered as a miss, never surfaced.
		l.logger.Warn("cache read failed, treating as miss", "handoff_id", id, "error", err)
	}

	online := l.conn.State() == connectivity.Online

	if !hit {
		if !online {
			return ReadResult{HandoffID: id, Classification: Unavailable}, ErrUnavailableOffline
		}
		h, err := l.revalidate(ctx, id)
		if err != nil {
			return ReadResult{HandoffID: id, Classification: Unavailable}, err
		}
		return l.buildResult(*h, Fresh), nil
	}

	fr := staleness.Classify(cached.CachedAt, time.Now().UTC(), l.ttl)
	if online {
		if fr == staleness.Stale {
			if h, err := l.revalidate(ctx, id); err == nil {
				return l.buildResult(*h, Fresh), nil
			} else {
				l.logger.Warn("revalidation failed, serving stale cache", "handoff_id", id, "error", err)
			}
		} else {
			go func() {
				if _, err := l.revalidate(context.WithoutCancel(ctx), id); err != nil {
					l.logger.Debug("background revalidation failed", "handoff_id", id, "error", err)
				}
			}()
		}
	}

	cls := Fresh
	if fr == staleness.Stale {
		cls = Stale
	}
	return l.buildResult(cached, cls), nil
}

// Acknowledge delivers an acknowledgment directly when online, otherwise (or
// on a transient send failure) queues it durably and reports StatusQueued so
// the UI can confirm receipt without claiming server confirmation. Permanent
// backend rejections are returned to the caller, not queued.
func (l *Layer) Acknowledge(ctx context.Context, handoffID string, payload json.RawMessage) (WriteStatus, error) {
	if err := ValidateAckPayload(payload); err != nil {
		return StatusQueued, err
	}

	if l.conn.State() == connectivity.Online {
		err := l.backend.SendAcknowledgment(ctx, handoffID, payload)
		if err == nil {
			return StatusSent, nil
		}
		if backend.IsPermanent(err) {
			return StatusQueued, err
		}
		l.logger.Warn("direct acknowledgment failed, queueing", "handoff_id", handoffID, "error", err)
	}

	a := storage.PendingAction{
		ID:        uuid.New().String(),
		Type:      storage.ActionTypeAcknowledgment,
		HandoffID: handoffID,
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.EnqueueAction(a); err != nil {
		// Losing a write silently is the one thing the queue must never
		// do, so enqueue failures surface.
		return StatusQueued, fmt.Errorf("queueing acknowledgment: %w", err)
	}
	if l.onEnqueued != nil {
		l.onEnqueued()
	}
	return StatusQueued, nil
}

// OnEnqueued registers a callback fired after a write is queued. The engine
// uses it to trigger a drain right away when the queue grew because a direct
// send failed transiently while still online. Must be set before use.
func (l *Layer) OnEnqueued(fn func()) {
	l.onEnqueued = fn
}

// Subscribe registers a callback for revalidation updates of one handoff.
// The returned cancel func removes the subscription.
func (l *Layer) Subscribe(handoffID string, fn func(Update)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs[handoffID] == nil {
		l.subs[handoffID] = make(map[int]func(Update))
	}
	key := l.nextSub
	l.nextSub++
	l.subs[handoffID][key] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[handoffID], key)
	}
}

// revalidate fetches a handoff and persists the result. Concurrent
// revalidations of the same id are coalesced into one network request.
func (l *Layer) revalidate(ctx context.Context, id string) (*storage.Handoff, error) {
	v, err, _ := l.group.Do(id, func() (any, error) {
		fetched, err := l.backend.FetchHandoff(ctx, id)
		if err != nil {
			return nil, err
		}
		return l.persist(ctx, fetched), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Handoff), nil
}

// persist writes a fetched handoff into the durable store. The text payload
// is stored before any media so a quota failure while caching audio can
// never cost the handoff itself. All storage failures here are recovered:
// the fetched snapshot is still served.
func (l *Layer) persist(ctx context.Context, fetched *backend.Handoff) *storage.Handoff {
	now := time.Now().UTC()
	mediaIDs := make([]string, 0, len(fetched.VoiceNotes))
	for _, vn := range fetched.VoiceNotes {
		mediaIDs = append(mediaIDs, vn.ID)
	}

	h := storage.Handoff{ID: fetched.ID, Payload: string(fetched.Payload), CachedAt: now, MediaIDs: mediaIDs}
	if err := l.store.PutHandoff(h); err != nil {
		l.logger.Warn("caching handoff failed, serving network result only", "handoff_id", h.ID, "error", err)
	}

	for _, vn := range fetched.VoiceNotes {
		l.cacheVoiceNote(ctx, fetched.ID, vn)
	}

	l.notify(Update{HandoffID: h.ID, Payload: h.Payload, CachedAt: now})
	return &h
}

// cacheVoiceNote stores the transcript row and opportunistically caches the
// audio bytes. Audio failures (network or quota) degrade to transcript-only.
func (l *Layer) cacheVoiceNote(ctx context.Context, handoffID string, vn backend.VoiceNote) {
	ref := ""
	if vn.AudioURL != "" && l.blobs != nil {
		data, err := l.backend.FetchAudio(ctx, vn.AudioURL)
		if err != nil {
			l.logger.Warn("audio fetch failed, keeping transcript only", "media_id", vn.ID, "error", err)
		} else if r, putErr := l.blobs.Put(vn.ID, data); putErr != nil {
			l.logger.Warn("audio cache failed, keeping transcript only", "media_id", vn.ID, "error", putErr)
		} else {
			ref = r
		}
	}

	if err := l.store.PutMedia(storage.Media{ID: vn.ID, HandoffID: handoffID, AudioRef: ref, Transcript: vn.Transcript}); err != nil {
		l.logger.Warn("caching media row failed", "media_id", vn.ID, "error", err)
	}
}

func (l *Layer) notify(u Update) {
	l.mu.Lock()
	fns := make([]func(Update), 0, len(l.subs[u.HandoffID]))
	for _, fn := range l.subs[u.HandoffID] {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (l *Layer) buildResult(h storage.Handoff, cls Classification) ReadResult {
	media, err := l.store.ListMediaByHandoff(h.ID)
	if err != nil {
		l.logger.Warn("listing cached media failed", "handoff_id", h.ID, "error", err)
	}
	return ReadResult{
		HandoffID:      h.ID,
		Payload:        h.Payload,
		Classification: cls,
		CachedAt:       h.CachedAt,
		Media:          media,
	}
}

// ValidateAckPayload checks the acknowledgment body shape at the enqueue
// boundary instead of deferring bad payloads to replay time: a JSON object
// with a boolean "ack" field.
func ValidateAckPayload(payload json.RawMessage) error {
	var body struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid acknowledgment payload: %w", err)
	}
	if body.Ack == nil {
		return errors.New("invalid acknowledgment payload: missing \"ack\" field")
	}
	return nil
}
