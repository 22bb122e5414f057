package nightscout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

func TestHashSecret(t *testing.T) {
	result := hashSecret("test")
	expected := "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

	if result != expected {
		t.Errorf("hashSecret(\"test\") = %s, want %s", result, expected)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("https://test.example.com/", "secret", "token", true)

	if client.baseURL != "https://test.example.com" {
		t.Errorf("baseURL = %s, should not have trailing slash", client.baseURL)
	}
	if !client.useToken {
		t.Error("useToken should be true")
	}
}

func TestClient_GetEntries(t *testing.T) {
	from := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entries/sgv" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("find[date][$gte]"); got != "1777633200000" {
			t.Errorf("from filter = %s", got)
		}
		if got := r.URL.Query().Get("count"); got != "72" {
			t.Errorf("count = %s, want 72", got)
		}

		entries := []models.GlucoseEntry{
			{SGV: 120, Date: from.Add(10 * time.Minute).UnixMilli()},
			{SGV: 115, Date: from.Add(5 * time.Minute).UnixMilli()},
			{SGV: 118, Date: from.UnixMilli()},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	entries, err := client.GetEntries(context.Background(), from, time.Time{}, 72)

	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Got %d entries, want 3", len(entries))
	}
}

func TestClient_GetTreatments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/treatments" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("find[created_at][$gte]"); got != "2026-05-01T06:00:00Z" {
			t.Errorf("created_at filter = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"_id":"a","eventType":"Meal Bolus","created_at":"2026-05-01T11:00:00Z","insulin":2,"carbs":40}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	treatments, err := client.GetTreatments(context.Background(), time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC), 0)
	if err != nil {
		t.Fatalf("GetTreatments() error = %v", err)
	}
	if len(treatments) != 1 || treatments[0].Carbs != 40 {
		t.Errorf("treatments = %+v", treatments)
	}
}

func TestClient_GetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}

		status := ServerStatus{
			Status:     "ok",
			Name:       "test-nightscout",
			Version:    "15.0.2",
			APIEnabled: true,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	status, err := client.GetStatus(context.Background())

	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Name != "test-nightscout" {
		t.Errorf("Name = %s, want test-nightscout", status.Name)
	}
	if err := client.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection() error = %v, want nil", err)
	}
}

func TestClient_AuthHeaders(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		token    string
		useToken bool
		header   string
		want     string
	}{
		{"token", "", "testtoken123", true, "Authorization", "Bearer testtoken123"},
		{"secret", "mysecret", "", false, "API-SECRET", hashSecret("mysecret")},
		{"secret when token disabled", "mysecret", "unused", false, "API-SECRET", hashSecret("mysecret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get(tt.header); got != tt.want {
					t.Errorf("%s header = %s, want %s", tt.header, got, tt.want)
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(ServerStatus{Status: "ok"})
			}))
			defer server.Close()

			client := NewClient(server.URL, tt.secret, tt.token, tt.useToken)
			if _, err := client.GetStatus(context.Background()); err != nil {
				t.Fatalf("GetStatus() error = %v", err)
			}
		})
	}
}

func TestClient_ErrorHandling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unauthorized"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", false)
	_, err := client.GetStatus(context.Background())

	if err == nil {
		t.Error("Expected error for 401 response")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "", "", false)
	if _, err := client.GetEntries(ctx, time.Time{}, time.Time{}, 0); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
