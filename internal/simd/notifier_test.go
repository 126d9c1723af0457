package simd

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/policy"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

func TestValidateCallbackURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		errType error
	}{
		{name: "valid external URL", url: "https://example.com/callback"},
		{name: "valid localhost for development", url: "http://localhost:8000/callback"},
		{name: "template placeholder", url: "https://example.com/runs/{run_id}/done"},
		{name: "invalid scheme", url: "ftp://example.com/callback", errType: ErrInvalidURL},
		{name: "missing hostname", url: "http:///callback", errType: ErrInvalidURL},
		{name: "metadata endpoint - IP", url: "http://169.254.169.254/metadata", errType: ErrMetadataEndpoint},
		{name: "metadata endpoint - hostname", url: "http://metadata.google.internal/metadata", errType: ErrMetadataEndpoint},
		{name: "wildcard address", url: "http://0.0.0.0:8000/callback", errType: ErrInternalHost},
		{name: "loopback IP", url: "http://127.0.0.1:8000/callback", errType: ErrInternalHost},
		{name: "private network", url: "http://10.1.2.3/callback", errType: ErrInternalHost},
		{name: "IPv6 loopback", url: "http://[::1]:8000/callback", errType: ErrInternalHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCallbackURL(tt.url)
			if tt.errType == nil {
				if err != nil {
					t.Fatalf("validateCallbackURL(%q) = %v, want nil", tt.url, err)
				}
				return
			}
			if !errors.Is(err, tt.errType) {
				t.Fatalf("validateCallbackURL(%q) = %v, want %v", tt.url, err, tt.errType)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"public IP", "8.8.8.8", false},
		{"RFC 1918 - 10.0.0.0/8", "10.0.0.1", true},
		{"RFC 1918 - 172.16.0.0/12", "172.16.0.1", true},
		{"RFC 1918 - 192.168.0.0/16", "192.168.1.1", true},
		{"link-local", "169.254.0.1", true},
		{"loopback", "127.0.0.1", true},
		{"IPv6 loopback", "::1", true},
		{"IPv6 unique local", "fc00::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP: %s", tt.ip)
			}
			if got := isPrivateIP(ip); got != tt.want {
				t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

// localhostURL rewrites an httptest URL to the localhost name that passes
// callback validation
func localhostURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	return "http://localhost:" + u.Port()
}

func completedRecord(id string) *RunRecord {
	now := time.Now().UTC()
	return &RunRecord{
		Run: models.Run{
			ID:        id,
			Kind:      models.RunKindGradient,
			Status:    models.RunStatusCompleted,
			CreatedAt: now,
			EndedAt:   now,
		},
		Input:  &RunInput{},
		Result: &models.GradientReport{Objective: 1.5, SolverRuns: 2},
	}
}

func TestNotifierNotify_Success(t *testing.T) {
	got := make(chan NotificationPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		var payload NotificationPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
		got <- payload
	}))
	defer server.Close()

	NewNotifier().Notify(localhostURL(t, server)+"/callback", "", completedRecord("test-run-123"))

	select {
	case payload := <-got:
		if payload.RunID != "test-run-123" || payload.Status != models.RunStatusCompleted {
			t.Errorf("unexpected payload %+v", payload)
		}
		if payload.Result == nil {
			t.Errorf("expected result in payload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifierNotify_WithSecret(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		got <- r.Header.Get("X-Callback-Secret")
	}))
	defer server.Close()

	NewNotifier().Notify(localhostURL(t, server)+"/callback", "my-secret-123", completedRecord("test-run-123"))

	select {
	case secret := <-got:
		if secret != "my-secret-123" {
			t.Errorf("expected secret 'my-secret-123', got '%s'", secret)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifierNotify_URLTemplateSubstitution(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		got <- r.URL.Path
	}))
	defer server.Close()

	NewNotifier().Notify(localhostURL(t, server)+"/callback/{run_id}", "", completedRecord("run-abc-123"))

	select {
	case path := <-got:
		if path != "/callback/run-abc-123" {
			t.Errorf("expected path '/callback/run-abc-123', got '%s'", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifierRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer server.Close()

	n := NewNotifier().WithRetries(3, utils.NewConstantBackoff(5*time.Millisecond))
	n.Notify(localhostURL(t, server), "", completedRecord("retry"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("notification not delivered after retries, calls=%d", calls.Load())
	}
	if c := calls.Load(); c != 3 {
		t.Errorf("expected 3 attempts, got %d", c)
	}
}

func TestNotifierCircuitBreakerSkipsFailingHost(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := policy.NewCircuitBreaker(1, 1, time.Hour)
	n := NewNotifier().WithRetries(0, nil).WithCircuitBreaker(breaker)
	target := localhostURL(t, server)

	// synchronous sends keep the attempt count deterministic
	payload := NotificationPayload{RunID: "a"}
	n.sendNotification(target, "", payload)
	n.sendNotification(target, "", payload)

	if c := calls.Load(); c != 1 {
		t.Fatalf("expected the open circuit to stop the second send, got %d calls", c)
	}
	if s := breaker.State(callbackHost(target), time.Now()); s != policy.CircuitStateOpen {
		t.Fatalf("expected open circuit, got %s", s)
	}
}

func TestNotifierNotify_Skipped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	n := NewNotifier()
	// empty URL, nil record, and a direct IP that validation blocks
	n.Notify("", "", completedRecord("a"))
	n.Notify(localhostURL(t, server), "", nil)
	n.Notify(server.URL, "", completedRecord("b"))

	time.Sleep(100 * time.Millisecond)
	if c := calls.Load(); c != 0 {
		t.Fatalf("expected no deliveries, got %d", c)
	}
}

func TestGetCallbackSecret(t *testing.T) {
	tests := []struct {
		name     string
		rec      *RunRecord
		expected string
	}{
		{"with secret", &RunRecord{Input: &RunInput{CallbackSecret: "my-secret"}}, "my-secret"},
		{"without secret", &RunRecord{Input: &RunInput{}}, ""},
		{"nil input", &RunRecord{}, ""},
		{"nil record", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getCallbackSecret(tt.rec); got != tt.expected {
				t.Errorf("getCallbackSecret() = %q, want %q", got, tt.expected)
			}
		})
	}
}
