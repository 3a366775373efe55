package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHTTPSenderPostsNotification(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "test-key", zerolog.Nop())
	if err := sender.Send(context.Background(), "device-token-1", "Lab results", "Your results are ready"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.DeviceToken != "device-token-1" {
		t.Errorf("device token = %q", got.DeviceToken)
	}
	if got.Title != "Lab results" || got.Body != "Your results are ready" {
		t.Errorf("payload = %+v", got)
	}
}

func TestHTTPSenderProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "test-key", zerolog.Nop())
	if err := sender.Send(context.Background(), "device-token-1", "t", "b"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
