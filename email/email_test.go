package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAlerterRateLimits(t *testing.T) {
	logger := testLogger()
	mock := NewMockProvider(logger)
	a := NewAlerter(mock, logger, "ops@example.com", time.Minute)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		task string
		at   time.Time
		want bool
	}{
		{"telegram", start, true},
		{"telegram", start.Add(10 * time.Second), false},
		{"telegram", start.Add(20 * time.Second), false},
		{"backfill", start.Add(30 * time.Second), true},
		{"telegram", start.Add(61 * time.Second), true},
	}
	for i, step := range steps {
		sent, err := a.TaskCrashed(ctx, Crash{
			Task:    step.task,
			Err:     errors.New("stream closed"),
			Attempt: i + 1,
			Delay:   5 * time.Second,
			At:      step.at,
		})
		if err != nil {
			t.Fatalf("step %d: TaskCrashed() error = %v", i, err)
		}
		if sent != step.want {
			t.Errorf("step %d: TaskCrashed() sent = %v, want %v", i, sent, step.want)
		}
	}

	msgs := mock.Sent()
	if len(msgs) != 3 {
		t.Fatalf("sent %d emails, want 3", len(msgs))
	}
	if msgs[0].To != "ops@example.com" || !strings.Contains(msgs[0].Subject, "telegram crashed") {
		t.Errorf("first email = %+v", msgs[0])
	}
	if !strings.Contains(msgs[2].Body, "Suppressed alerts") {
		t.Error("alert after a quiet period should report suppressed crashes")
	}
	if strings.Contains(msgs[0].Body, "Suppressed alerts") {
		t.Error("first alert should not report suppressed crashes")
	}
}

type failingProvider struct{}

func (failingProvider) Send(context.Context, string, string, string) error {
	return errors.New("quota exceeded")
}

func TestAlerterProviderError(t *testing.T) {
	a := NewAlerter(failingProvider{}, testLogger(), "ops@example.com", 0)
	sent, err := a.TaskCrashed(context.Background(), Crash{Task: "slack", Err: errors.New("x")})
	if err == nil || sent {
		t.Errorf("TaskCrashed() = %v, %v; want provider error", sent, err)
	}
	if a.interval != DefaultAlertInterval {
		t.Errorf("interval = %v, want default", a.interval)
	}
}

func TestFormatAlertBodyEscapes(t *testing.T) {
	body := formatAlertBody(Crash{
		Task:    "<script>",
		Err:     errors.New(`get "x" failed & <b>`),
		Attempt: 2,
		Delay:   10 * time.Second,
		At:      time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}, "worker-1", 0)

	for _, want := range []string{
		"&lt;script&gt;",
		"get &quot;x&quot; failed &amp; &lt;b&gt;",
		"restart in 10s",
		"2024-01-01T10:00:00Z",
		"worker-1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("alert body missing %q", want)
		}
	}
	if strings.Contains(body, "<script>") {
		t.Error("task name was not escaped")
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ops@example.com", "ops@example.com"},
		{"ops@example.com\r\nBcc: evil@example.com", "ops@example.comBcc: evil@example.com"},
		{"tab\there", "tabhere"},
		{"Канал впав", "Канал впав"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	raw, err := base64.URLEncoding.DecodeString(buildMessage("ops@example.com", "crash\nInjected: yes", "<p>hi</p>"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := string(raw)
	if !strings.Contains(msg, "Subject: crashInjected: yes\r\n") {
		t.Errorf("subject not sanitized:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>") {
		t.Errorf("body not after headers:\n%s", msg)
	}
}

func TestBrevoProvider(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewBrevoProvider("key-1", "bot@example.com", "Recorder", testLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), "ops@example.com", "crash", "<p>x</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "bot@example.com" || len(got.To) != 1 || got.To[0].Email != "ops@example.com" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoProviderClientErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewBrevoProvider("wrong", "bot@example.com", "", testLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), "ops@example.com", "crash", "x"); err == nil {
		t.Fatal("Send() error = nil, want rejection")
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("401 was retried: %d requests", n)
	}
}
