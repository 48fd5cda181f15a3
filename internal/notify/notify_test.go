package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhook_Notify(t *testing.T) {
	var (
		gotType string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	payload := map[string]any{"msg": "Synthesis succeeded for 1 stack(s)"}
	if err := NewWebhook(srv.URL).Notify(context.Background(), payload); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if gotType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotType)
	}
	if gotBody["msg"] != "Synthesis succeeded for 1 stack(s)" {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestWebhook_NotifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Notify(context.Background(), struct{}{}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestWebhook_NotifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := NewWebhook(url).Notify(context.Background(), struct{}{}); err == nil {
		t.Fatal("expected error for unreachable sink")
	}
}

func TestDiscard(t *testing.T) {
	var n Notifier = Discard{}
	if err := n.Notify(context.Background(), "anything"); err != nil {
		t.Fatalf("Discard.Notify: %v", err)
	}
}
