package sessionapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openkiosk/orchestrator/internal/shared"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", 2*time.Second, nil)
}

func TestCreateSession(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Session{Code: "S-1042", Status: "OPEN"})
	})

	session, err := client.CreateSession(context.Background(), 12)
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	if session.Code != "S-1042" {
		t.Errorf("expected code S-1042, got %q", session.Code)
	}
	if gotPath != "/sessions" {
		t.Errorf("expected path /sessions, got %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if gotBody["store_id"] != float64(12) {
		t.Errorf("expected store_id 12 in body, got %v", gotBody["store_id"])
	}
}

func TestCorrelationIDPropagated(t *testing.T) {
	var gotCorrelation string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		json.NewEncoder(w).Encode(Session{Code: "S-1", Status: "OPEN"})
	})

	ctx := shared.WithCorrelationID(context.Background(), "corr-123")
	if _, err := client.CreateSession(ctx, 1); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	if gotCorrelation != "corr-123" {
		t.Errorf("expected correlation id corr-123, got %q", gotCorrelation)
	}
}

func TestCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	var gotCorrelation string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		json.NewEncoder(w).Encode(Session{Code: "S-1", Status: "OPEN"})
	})

	if _, err := client.CreateSession(context.Background(), 1); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	if gotCorrelation == "" {
		t.Error("expected a generated correlation id on a bare context")
	}
}

func TestCreateSessionEmptyCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Session{Status: "OPEN"})
	})

	_, err := client.CreateSession(context.Background(), 12)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing code, got %v", err)
	}
}

func TestUpsertItemReplaceSemantics(t *testing.T) {
	var gotBody map[string]interface{}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S-1/items" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(ItemResult{OK: true, TotalPrice: 450})
	})

	result, err := client.UpsertItem(context.Background(), "S-1", "prod-77", 2)
	if err != nil {
		t.Fatalf("upsert item failed: %v", err)
	}

	if !result.OK {
		t.Error("expected ok result")
	}
	if result.TotalPrice != 450 {
		t.Errorf("expected total 450, got %d", result.TotalPrice)
	}
	if gotBody["product_ref"] != "prod-77" {
		t.Errorf("expected product_ref prod-77, got %v", gotBody["product_ref"])
	}
	if gotBody["quantity"] != float64(2) {
		t.Errorf("expected quantity 2, got %v", gotBody["quantity"])
	}
}

func TestBindCard(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S-1/bind-card" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(BindResult{OK: true, Bound: true})
	})

	result, err := client.BindCard(context.Background(), "S-1", "04AB11")
	if err != nil {
		t.Fatalf("bind card failed: %v", err)
	}
	if !result.Bound {
		t.Error("expected bound=true")
	}
}

func TestCheckout(t *testing.T) {
	var gotBody map[string]interface{}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(CheckoutResult{OK: true, TotalPrice: 900})
	})

	result, err := client.Checkout(context.Background(), "S-1")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if result.TotalPrice != 900 {
		t.Errorf("expected total 900, got %d", result.TotalPrice)
	}
	if gotBody["approve"] != true {
		t.Errorf("expected approve=true in body, got %v", gotBody["approve"])
	}
}

func TestCancel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S-1/cancel" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	if err := client.Cancel(context.Background(), "S-1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrNotOpen},
		{"bad request", http.StatusBadRequest, ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, ErrValidation},
		{"unavailable", http.StatusServiceUnavailable, ErrUnreachable},
		{"bad gateway", http.StatusBadGateway, ErrUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(apiError{Error: "boom", Code: "E1"})
			})

			_, err := client.Checkout(context.Background(), "S-1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestUnreachableOnConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "", time.Second, nil)
	_, err := client.CreateSession(context.Background(), 1)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestUnreachableLogsCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	core, logs := observer.New(zap.ErrorLevel)
	client := NewClient(server.URL, "", time.Second, zap.New(core))

	ctx := shared.WithCorrelationID(context.Background(), "corr-55")
	if _, err := client.CreateSession(ctx, 1); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 error log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "corr-55" {
		t.Errorf("correlation_id = %v, want corr-55", got)
	}
}

func TestContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.CreateSession(ctx, 1)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable classification, got %v", err)
	}
}
