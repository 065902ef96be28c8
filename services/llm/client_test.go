package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fastLimiter keeps tests from spending real time in the token bucket
func fastLimiter() RateLimiterConfig {
	return RateLimiterConfig{MaxTokens: 100, RefillRate: 1000, MinInterval: time.Nanosecond}
}

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Limiter: fastLimiter(),
	})
}

func completionBody(content string) string {
	resp := Response{Choices: []Choice{{}}}
	resp.Choices[0].Message.Content = content
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestChatCompletionSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", req.Temperature)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}

		w.Write([]byte(completionBody(`{"ok":true}`)))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	resp, err := c.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if got := resp.ExtractContent(); got != `{"ok":true}` {
		t.Errorf("content = %q", got)
	}
}

func TestChatCompletionStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"server error", http.StatusInternalServerError, ErrUpstream, true},
		{"bad gateway", http.StatusBadGateway, ErrUpstream, true},
		{"bad request", http.StatusBadRequest, ErrBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, ErrBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			c := newTestClient(server.URL)
			_, err := c.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestChatCompletionMalformedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if !IsTransient(err) {
		t.Error("malformed response must be transient")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded is transient")
	}
	if IsTransient(errors.New("some app bug")) {
		t.Error("unknown errors are not transient")
	}
	if !IsTransient(ErrTimeout) {
		t.Error("timeout is transient")
	}
	if IsTransient(ErrBadRequest) {
		t.Error("rejected requests are not transient")
	}
}

func TestRateLimiterMinInterval(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:   10,
		RefillRate:  10,
		MinInterval: 30 * time.Millisecond,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	// Two inter-request gaps of 30ms each
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 requests took %v, want at least 60ms", elapsed)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:   1,
		RefillRate:  0.001, // Practically never refills
		MinInterval: time.Nanosecond,
	})

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait succeeded with no tokens and an expiring context")
	}
}

func TestRateLimiterTryAcquire(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:   2,
		RefillRate:  0.001,
		MinInterval: 0,
	})

	if !limiter.TryAcquire() || !limiter.TryAcquire() {
		t.Fatal("expected two immediate acquisitions")
	}
	if limiter.TryAcquire() {
		t.Fatal("acquired a third token from an empty bucket")
	}
}
