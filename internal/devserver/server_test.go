package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Handoff{
		ID:      "h1",
		Summary: "night shift",
		Notes:   "pump 3 vibration trending up",
		VoiceNotes: []VoiceNote{
			{ID: "vn-1", Transcript: "check valve 7", Audio: []byte("mp3-bytes")},
		},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func postAck(t *testing.T, url, handoffID, payload string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]json.RawMessage{
		"handoffId": json.RawMessage(`"` + handoffID + `"`),
		"payload":   json.RawMessage(payload),
	})
	resp, err := http.Post(url+"/handoffs/"+handoffID+"/ack", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST ack: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetHandoffPayload(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/handoffs/h1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var payload struct {
		ID         string `json:"id"`
		Summary    string `json:"summary"`
		VoiceNotes []struct {
			ID       string `json:"id"`
			AudioURL string `json:"audio_url"`
		} `json:"voice_notes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if payload.ID != "h1" || payload.Summary != "night shift" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.VoiceNotes) != 1 || payload.VoiceNotes[0].AudioURL != "/media/vn-1" {
		t.Errorf("voice notes = %+v", payload.VoiceNotes)
	}
}

func TestGetHandoffNotFound(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/handoffs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// TestAckIdempotent: replaying the identical acknowledgment records once.
func TestAckIdempotent(t *testing.T) {
	s, srv := testServer(t)

	r1 := postAck(t, srv.URL, "h1", `{"ack":true}`)
	if r1.StatusCode != http.StatusOK {
		t.Fatalf("first ack status = %d", r1.StatusCode)
	}
	var first struct {
		AckID    string `json:"ackId"`
		Recorded bool   `json:"recorded"`
	}
	json.NewDecoder(r1.Body).Decode(&first)
	if !first.Recorded || first.AckID == "" {
		t.Errorf("first ack = %+v, want recorded with id", first)
	}

	r2 := postAck(t, srv.URL, "h1", `{"ack":true}`)
	var second struct {
		AckID    string `json:"ackId"`
		Recorded bool   `json:"recorded"`
	}
	json.NewDecoder(r2.Body).Decode(&second)
	if second.Recorded {
		t.Error("replay was recorded as a new acknowledgment")
	}
	if second.AckID != first.AckID {
		t.Errorf("replay ackId = %q, want %q", second.AckID, first.AckID)
	}
	if n := s.AckCount("h1"); n != 1 {
		t.Errorf("AckCount = %d, want 1", n)
	}
}

func TestAckValidation(t *testing.T) {
	_, srv := testServer(t)

	if resp := postAck(t, srv.URL, "h1", `{"nope":1}`); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("payload without ack: status = %d, want 422", resp.StatusCode)
	}
	if resp := postAck(t, srv.URL, "nope", `{"ack":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown handoff: status = %d, want 404", resp.StatusCode)
	}
}

func TestMediaServesAudio(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/media/vn-1")
	if err != nil {
		t.Fatalf("GET media: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "mp3-bytes" {
		t.Errorf("audio = %q", data)
	}

	missing, err := http.Get(srv.URL + "/media/vn-404")
	if err != nil {
		t.Fatalf("GET missing media: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing media status = %d, want 404", missing.StatusCode)
	}
}
