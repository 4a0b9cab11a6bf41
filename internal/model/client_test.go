package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okResponse(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func newTestClient(url string) *Client {
	c := New(url, "test-model")
	c.RetryBackoff = time.Millisecond
	c.sleep = func(time.Duration) {}
	return c
}

func TestGenerateSuccess(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, okResponse("hello back"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello back" {
		t.Fatalf("out = %q", out)
	}
	if gotReq.Model != "test-model" || gotReq.MaxTokens != 2048 {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestGenerateRetriesOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, okResponse("second try"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	slept := false
	c.sleep = func(time.Duration) { slept = true }
	out, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "second try" {
		t.Fatalf("out = %q", out)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !slept {
		t.Fatal("backoff skipped between attempts")
	}
}

func TestGenerateUnavailableAfterRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestGenerateConnectionRefused(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestGenerateCanceledContextNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(srv.URL)
	c.HTTPClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			cancel()
			return http.DefaultTransport.RoundTrip(r)
		}),
	}
	_, err := c.Generate(ctx, []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls > 1 {
		t.Fatalf("calls = %d, want no retry after cancellation", calls)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestGenerateModelErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"context length exceeded"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "context length exceeded") {
		t.Fatalf("err = %v, want model error message", err)
	}
}

func TestClampInputDropsOldestConversation(t *testing.T) {
	c := New("http://unused", "m")
	c.MaxInputTokens = 10 // 40-char budget

	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: strings.Repeat("a", 30)},
		{Role: "assistant", Content: strings.Repeat("b", 20)},
		{Role: "user", Content: strings.Repeat("c", 10)},
	}
	out := c.clampInput(msgs)
	if out[0].Role != "system" {
		t.Fatalf("system message dropped: %+v", out)
	}
	for _, m := range out[1:] {
		if m.Content[0] == 'a' {
			t.Fatal("oldest conversation message survived over newer ones")
		}
	}
	last := out[len(out)-1]
	if last.Content[0] != 'c' {
		t.Fatalf("newest message missing, got %q role %s", last.Content[:1], last.Role)
	}
}

func TestClampInputNoopUnderBudget(t *testing.T) {
	c := New("http://unused", "m")
	msgs := []Message{{Role: "user", Content: "short"}}
	out := c.clampInput(msgs)
	if len(out) != 1 || out[0].Content != "short" {
		t.Fatalf("out = %+v", out)
	}
}
