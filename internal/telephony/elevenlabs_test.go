package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"practice-dialer/internal/config"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *ElevenLabsProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewElevenLabsProvider(config.ElevenLabsConfig{BaseURL: srv.URL + "/", APIKey: "xi-test"})
}

func TestElevenLabs_SubmitBatch(t *testing.T) {
	var got BatchRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/batch-calling/submit" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi-test" {
			t.Fatalf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(BatchResult{ID: "btcal_1", Status: "pending", ScheduledTimeUnix: got.ScheduledTimeUnix})
	})

	res, err := p.SubmitBatch(context.Background(), BatchRequest{
		CallName:           "Praxis Muster #1",
		AgentID:            "agent_1",
		AgentPhoneNumberID: "phnum_1",
		ScheduledTimeUnix:  1767600000,
		Recipients: []Recipient{{
			PhoneNumber: "+4930123456",
			ClientData:  ClientData{DynamicVariables: map[string]any{"patient_name": "Alex"}},
		}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ID != "btcal_1" || res.ScheduledTimeUnix != 1767600000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(got.Recipients) != 1 || got.Recipients[0].ClientData.DynamicVariables["patient_name"] != "Alex" {
		t.Fatalf("recipient not forwarded: %+v", got.Recipients)
	}
}

func TestElevenLabs_SubmitBatch_ProviderError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota"}`, http.StatusTooManyRequests)
	})
	_, err := p.SubmitBatch(context.Background(), BatchRequest{})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestElevenLabs_SubmitBatch_MissingID(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	})
	if _, err := p.SubmitBatch(context.Background(), BatchRequest{}); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestElevenLabs_CancelBatch(t *testing.T) {
	var path string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	if err := p.CancelBatch(context.Background(), "btcal_9"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if path != "/batch-calling/btcal_9/cancel" {
		t.Fatalf("unexpected path %q", path)
	}
	if err := p.CancelBatch(context.Background(), " "); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider for empty id, got %v", err)
	}
}
