package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/shiftsync/internal/backend"
	"github.com/opsdeck/shiftsync/internal/connectivity"
	"github.com/opsdeck/shiftsync/internal/staleness"
	"github.com/opsdeck/shiftsync/internal/storage"
)

type fixedState connectivity.State

func (s fixedState) State() connectivity.State { return connectivity.State(s) }

var (
	online  = fixedState(connectivity.Online)
	offline = fixedState(connectivity.Offline)
)

type fakeStore struct {
	mu            sync.Mutex
	handoffs      map[string]storage.Handoff
	media         map[string]storage.Media
	actions       []storage.PendingAction
	putMediaErr   error
	putHandoffErr error
	getErr        error
	enqueueErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		handoffs: make(map[string]storage.Handoff),
		media:    make(map[string]storage.Media),
	}
}

func (f *fakeStore) GetHandoff(id string) (storage.Handoff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return storage.Handoff{}, f.getErr
	}
	h, ok := f.handoffs[id]
	if !ok {
		return storage.Handoff{}, storage.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) PutHandoff(h storage.Handoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putHandoffErr != nil {
		return f.putHandoffErr
	}
	f.handoffs[h.ID] = h
	return nil
}

func (f *fakeStore) PutMedia(m storage.Media) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putMediaErr != nil {
		return f.putMediaErr
	}
	f.media[m.ID] = m
	return nil
}

func (f *fakeStore) ListMediaByHandoff(handoffID string) ([]storage.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Media
	for _, m := range f.media {
		if m.HandoffID == handoffID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) EnqueueAction(a storage.PendingAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeStore) queuedActions() []storage.PendingAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.PendingAction(nil), f.actions...)
}

type fakeBackend struct {
	mu         sync.Mutex
	payloads   map[string]string
	audio      map[string][]byte
	fetchErr   error
	audioErr   error
	ackErr     error
	fetchCount int
	ackCount   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{payloads: make(map[string]string), audio: make(map[string][]byte)}
}

func (f *fakeBackend) FetchHandoff(ctx context.Context, id string) (*backend.Handoff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	payload, ok := f.payloads[id]
	if !ok {
		return nil, &backend.RequestError{Op: "fetching handoff", StatusCode: http.StatusNotFound}
	}
	var meta struct {
		VoiceNotes []backend.VoiceNote `json:"voice_notes"`
	}
	json.Unmarshal([]byte(payload), &meta)
	return &backend.Handoff{ID: id, Payload: json.RawMessage(payload), VoiceNotes: meta.VoiceNotes}, nil
}

func (f *fakeBackend) FetchAudio(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	data, ok := f.audio[url]
	if !ok {
		return nil, &backend.RequestError{Op: "fetching audio", StatusCode: http.StatusNotFound}
	}
	return data, nil
}

func (f *fakeBackend) SendAcknowledgment(ctx context.Context, handoffID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCount++
	return f.ackErr
}

func (f *fakeBackend) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func newTestLayer(t *testing.T, store *fakeStore, be *fakeBackend, conn StateSource) *Layer {
	t.Helper()
	blobs, err := NewBlobCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobCache: %v", err)
	}
	return NewLayer(store, be, conn, blobs, staleness.DefaultTTL, nil)
}

func TestReadOfflineHitServesCache(t *testing.T) {
	store := newFakeStore()
	store.handoffs["h1"] = storage.Handoff{ID: "h1", Payload: `{"notes":"x"}`, CachedAt: time.Now().UTC()}
	be := newFakeBackend()
	l := newTestLayer(t, store, be, offline)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Payload != `{"notes":"x"}` {
		t.Errorf("Payload = %q", res.Payload)
	}
	if res.Classification != Fresh {
		t.Errorf("Classification = %v, want fresh", res.Classification)
	}
	if be.fetches() != 0 {
		t.Errorf("offline read hit the network %d times", be.fetches())
	}
}

func TestReadOfflineStaleHitStillServes(t *testing.T) {
	store := newFakeStore()
	store.handoffs["h1"] = storage.Handoff{ID: "h1", Payload: `{"notes":"x"}`, CachedAt: time.Now().UTC().Add(-49 * time.Hour)}
	l := newTestLayer(t, store, newFakeBackend(), offline)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Classification != Stale {
		t.Errorf("Classification = %v, want stale", res.Classification)
	}
	if res.Payload != `{"notes":"x"}` {
		t.Errorf("stale read must keep the identical payload, got %q", res.Payload)
	}
}

func TestReadOfflineMissIsUnavailable(t *testing.T) {
	l := newTestLayer(t, newFakeStore(), newFakeBackend(), offline)

	res, err := l.ReadHandoff(context.Background(), "never-seen")
	if !errors.Is(err, ErrUnavailableOffline) {
		t.Fatalf("err = %v, want ErrUnavailableOffline", err)
	}
	if res.Classification != Unavailable {
		t.Errorf("Classification = %v, want unavailable", res.Classification)
	}
	if res.Payload != "" {
		t.Errorf("fabricated payload on a miss: %q", res.Payload)
	}
}

func TestReadOnlineMissFetchesAndCaches(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	be.payloads["h1"] = `{"summary":"day shift","voice_notes":[{"id":"vn-1","transcript":"check valve 7","audio_url":"/media/vn-1"}]}`
	be.audio["/media/vn-1"] = []byte("audio-bytes")
	l := newTestLayer(t, store, be, online)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Classification != Fresh {
		t.Errorf("Classification = %v, want fresh", res.Classification)
	}

	cached, err := store.GetHandoff("h1")
	if err != nil {
		t.Fatalf("handoff not cached after online read: %v", err)
	}
	if len(cached.MediaIDs) != 1 || cached.MediaIDs[0] != "vn-1" {
		t.Errorf("MediaIDs = %v, want [vn-1]", cached.MediaIDs)
	}

	m := store.media["vn-1"]
	if m.Transcript != "check valve 7" {
		t.Errorf("Transcript = %q", m.Transcript)
	}
	if m.AudioRef == "" {
		t.Error("audio was available but not cached")
	}
	if data, err := l.blobs.Read(m.AudioRef); err != nil || string(data) != "audio-bytes" {
		t.Errorf("blob read = %q, %v", data, err)
	}
}

func TestReadOnlineFreshHitRevalidatesInBackground(t *testing.T) {
	store := newFakeStore()
	store.handoffs["h1"] = storage.Handoff{ID: "h1", Payload: `{"v":1}`, CachedAt: time.Now().UTC()}
	be := newFakeBackend()
	be.payloads["h1"] = `{"v":2}`
	l := newTestLayer(t, store, be, online)

	var gotUpdate sync.WaitGroup
	gotUpdate.Add(1)
	var update Update
	cancel := l.Subscribe("h1", func(u Update) {
		update = u
		gotUpdate.Done()
	})
	defer cancel()

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	// The caller never blocks on the network: the cached value comes back.
	if res.Payload != `{"v":1}` {
		t.Errorf("served payload = %q, want cached {\"v\":1}", res.Payload)
	}

	done := make(chan struct{})
	go func() { gotUpdate.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background revalidation never notified")
	}
	if update.Payload != `{"v":2}` {
		t.Errorf("update payload = %q, want {\"v\":2}", update.Payload)
	}
	if h, _ := store.GetHandoff("h1"); h.Payload != `{"v":2}` {
		t.Errorf("store not updated by revalidation: %q", h.Payload)
	}
}

func TestReadOnlineStaleHitRevalidatesInline(t *testing.T) {
	store := newFakeStore()
	store.handoffs["h1"] = storage.Handoff{ID: "h1", Payload: `{"v":1}`, CachedAt: time.Now().UTC().Add(-49 * time.Hour)}
	be := newFakeBackend()
	be.payloads["h1"] = `{"v":2}`
	l := newTestLayer(t, store, be, online)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Classification != Fresh {
		t.Errorf("Classification = %v, want fresh after inline revalidation", res.Classification)
	}
	if res.Payload != `{"v":2}` {
		t.Errorf("Payload = %q, want revalidated {\"v\":2}", res.Payload)
	}
}

func TestReadOnlineStaleFetchFailureFallsBackToCache(t *testing.T) {
	store := newFakeStore()
	store.handoffs["h1"] = storage.Handoff{ID: "h1", Payload: `{"v":1}`, CachedAt: time.Now().UTC().Add(-49 * time.Hour)}
	be := newFakeBackend()
	be.fetchErr = &backend.RequestError{Op: "fetching handoff", Err: errors.New("timeout")}
	l := newTestLayer(t, store, be, online)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Classification != Stale {
		t.Errorf("Classification = %v, want stale", res.Classification)
	}
	if res.Payload != `{"v":1}` {
		t.Errorf("Payload = %q, want cached fallback", res.Payload)
	}
}

// TestMediaQuotaDoesNotBlockHandoff: a quota failure while caching media
// must not prevent the handoff's text payload from being stored.
func TestMediaQuotaDoesNotBlockHandoff(t *testing.T) {
	store := newFakeStore()
	store.putMediaErr = fmt.Errorf("putting media: %w", storage.ErrQuotaExceeded)
	be := newFakeBackend()
	be.payloads["h1"] = `{"summary":"x","voice_notes":[{"id":"vn-1","transcript":"t","audio_url":"/media/vn-1"}]}`
	l := newTestLayer(t, store, be, online)

	res, err := l.ReadHandoff(context.Background(), "h1")
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if res.Classification != Fresh {
		t.Errorf("Classification = %v, want fresh", res.Classification)
	}
	if _, err := store.GetHandoff("h1"); err != nil {
		t.Errorf("handoff payload was not stored despite media quota failure: %v", err)
	}
}

func TestAudioFailureDegradesToTranscript(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	be.payloads["h1"] = `{"voice_notes":[{"id":"vn-1","transcript":"keep this","audio_url":"/media/vn-1"}]}`
	be.audioErr = &backend.RequestError{Op: "fetching audio", Err: errors.New("timeout")}
	l := newTestLayer(t, store, be, online)

	if _, err := l.ReadHandoff(context.Background(), "h1"); err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	m := store.media["vn-1"]
	if m.Transcript != "keep this" {
		t.Errorf("Transcript = %q, want inline transcript despite audio failure", m.Transcript)
	}
	if m.AudioRef != "" {
		t.Errorf("AudioRef = %q, want empty", m.AudioRef)
	}
}

func TestAcknowledgeOnlineSendsDirect(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	l := newTestLayer(t, store, be, online)

	status, err := l.Acknowledge(context.Background(), "h1", json.RawMessage(`{"ack":true}`))
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if status != StatusSent {
		t.Errorf("status = %v, want sent", status)
	}
	if len(store.queuedActions()) != 0 {
		t.Errorf("direct send still queued an action")
	}
}

func TestAcknowledgeOfflineQueues(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	l := newTestLayer(t, store, be, offline)

	status, err := l.Acknowledge(context.Background(), "h1", json.RawMessage(`{"ack":true}`))
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if status != StatusQueued {
		t.Errorf("status = %v, want queued", status)
	}
	if be.ackCount != 0 {
		t.Errorf("offline write hit the network")
	}

	actions := store.queuedActions()
	if len(actions) != 1 {
		t.Fatalf("queued %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Type != storage.ActionTypeAcknowledgment || a.HandoffID != "h1" || a.Payload != `{"ack":true}` {
		t.Errorf("queued action = %+v", a)
	}
	if a.ID == "" {
		t.Error("action has no locally generated id")
	}
}

// TestAcknowledgeTransientSendFailureQueues also checks that the enqueue
// callback fires: while still online, a queued write should not have to wait
// for a connectivity transition before the processor picks it up.
func TestAcknowledgeTransientSendFailureQueues(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	be.ackErr = &backend.RequestError{Op: "sending acknowledgment", StatusCode: http.StatusBadGateway}
	l := newTestLayer(t, store, be, online)
	enqueued := 0
	l.OnEnqueued(func() { enqueued++ })

	status, err := l.Acknowledge(context.Background(), "h1", json.RawMessage(`{"ack":true}`))
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if status != StatusQueued {
		t.Errorf("status = %v, want queued", status)
	}
	if len(store.queuedActions()) != 1 {
		t.Errorf("transient failure did not queue the write")
	}
	if enqueued != 1 {
		t.Errorf("enqueue callback fired %d times, want 1", enqueued)
	}
}

func TestAcknowledgePermanentFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	be := newFakeBackend()
	be.ackErr = &backend.RequestError{Op: "sending acknowledgment", StatusCode: http.StatusUnprocessableEntity}
	l := newTestLayer(t, store, be, online)

	_, err := l.Acknowledge(context.Background(), "h1", json.RawMessage(`{"ack":true}`))
	if !backend.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent backend rejection", err)
	}
	if len(store.queuedActions()) != 0 {
		t.Errorf("permanent rejection was queued for replay")
	}
}

func TestAcknowledgeRejectsInvalidPayload(t *testing.T) {
	store := newFakeStore()
	l := newTestLayer(t, store, newFakeBackend(), offline)

	for _, payload := range []string{`{}`, `{"other":1}`, `[1,2]`, `"ack"`, `{bad`} {
		if _, err := l.Acknowledge(context.Background(), "h1", json.RawMessage(payload)); err == nil {
			t.Errorf("payload %s accepted, want validation error", payload)
		}
	}
	if len(store.queuedActions()) != 0 {
		t.Errorf("invalid payloads reached the queue")
	}
}

func TestSubscribeCancel(t *testing.T) {
	store := newFakeStore()
	l := newTestLayer(t, store, newFakeBackend(), offline)

	calls := 0
	cancel := l.Subscribe("h1", func(Update) { calls++ })
	l.notify(Update{HandoffID: "h1"})
	cancel()
	l.notify(Update{HandoffID: "h1"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancel must stop delivery)", calls)
	}
}

func TestBlobCacheRoundTrip(t *testing.T) {
	blobs, err := NewBlobCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobCache: %v", err)
	}

	ref, err := blobs.Put("vn 1/with:odd chars", []byte("bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := blobs.Read(ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "bytes" {
		t.Errorf("Read = %q", data)
	}

	// Same id maps to the same ref so re-caching overwrites.
	ref2, err := blobs.Put("vn 1/with:odd chars", []byte("newer"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if ref2 != ref {
		t.Errorf("refs differ for same id: %q vs %q", ref, ref2)
	}
}
