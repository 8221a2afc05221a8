// Package devserver is a stub implementation of the backend contract the
// engine consumes: handoff fetch, idempotent acknowledgment recording, a
// health endpoint, and voice-note audio. It exists for local development and
// integration tests; production traffic goes to the real agent/API service.
package devserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxAckBodySize = 1 << 20 // 1MB

// VoiceNote is a seeded voice note. Audio may be nil to simulate notes whose
// binary is unavailable.
type VoiceNote struct {
	ID         string
	Transcript string
	Audio      []byte
}

// Handoff is a seeded shift-handoff record.
type Handoff struct {
	ID         string
	Summary    string
	Notes      string
	AssetScope []string
	VoiceNotes []VoiceNote
}

type ackRecord struct {
	ID         string
	HandoffID  string
	RecordedAt time.Time
}

// Server holds seeded handoffs and recorded acknowledgments in memory.
type Server struct {
	mu       sync.Mutex
	handoffs map[string]Handoff
	acks     map[string]ackRecord // keyed by (handoffID, payload) digest
}

// New creates a Server with the given seed records.
func New(seed ...Handoff) *Server {
	s := &Server{
		handoffs: make(map[string]Handoff),
		acks:     make(map[string]ackRecord),
	}
	for _, h := range seed {
		s.handoffs[h.ID] = h
	}
	return s
}

// SetHandoff adds or replaces a record, used to simulate server-side edits
// between fetches.
func (s *Server) SetHandoff(h Handoff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs[h.ID] = h
}

// AckCount returns how many distinct acknowledgments are recorded for a
// handoff. Replays of an identical body do not add to it.
func (s *Server) AckCount(handoffID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.acks {
		if a.HandoffID == handoffID {
			n++
		}
	}
	return n
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/handoffs/{id}", s.handleGetHandoff)
	r.Post("/handoffs/{id}/ack", s.handleAck)
	r.Get("/media/{id}", s.handleMedia)

	return r
}

func (s *Server) handleGetHandoff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	h, ok := s.handoffs[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "not_found_error", "no handoff %q", id)
		return
	}

	notes := make([]map[string]string, 0, len(h.VoiceNotes))
	for _, vn := range h.VoiceNotes {
		notes = append(notes, map[string]string{
			"id":         vn.ID,
			"transcript": vn.Transcript,
			"audio_url":  "/media/" + vn.ID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":          h.ID,
		"summary":     h.Summary,
		"notes":       h.Notes,
		"asset_scope": h.AssetScope,
		"voice_notes": notes,
	})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxAckBodySize)
	defer r.Body.Close()

	var req struct {
		HandoffID string          `json:"handoffId"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.HandoffID != id {
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "body handoffId %q does not match path %q", req.HandoffID, id)
		return
	}
	var body struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(req.Payload, &body); err != nil || body.Ack == nil {
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "payload must be an object with an \"ack\" field")
		return
	}

	s.mu.Lock()
	if _, known := s.handoffs[id]; !known {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "not_found_error", "no handoff %q", id)
		return
	}

	// Idempotent recording: replaying the same acknowledgment is a no-op,
	// not a duplicate record.
	key := ackKey(id, req.Payload)
	rec, seen := s.acks[key]
	if !seen {
		rec = ackRecord{ID: uuid.New().String(), HandoffID: id, RecordedAt: time.Now().UTC()}
		s.acks[key] = rec
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ackId":    rec.ID,
		"recorded": !seen,
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	var audio []byte
	for _, h := range s.handoffs {
		for _, vn := range h.VoiceNotes {
			if vn.ID == id {
				audio = vn.Audio
			}
		}
	}
	s.mu.Unlock()

	if audio == nil {
		httpError(w, http.StatusNotFound, "not_found_error", "no audio for %q", id)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

func ackKey(handoffID string, payload json.RawMessage) string {
	sum := sha256.Sum256(append([]byte(handoffID+"\n"), payload...))
	return hex.EncodeToString(sum[:])
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
