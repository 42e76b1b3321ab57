package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/squall-dispatch/squall/internal/squallerr"
	"github.com/squall-dispatch/squall/pkg/models"
)

func TestParseOpenAIEventExtractsDelta(t *testing.T) {
	ev := parseOpenAIEvent(`{"choices":[{"delta":{"content":"hi"}}]}`)
	if ev.text != "hi" || ev.done || ev.skip {
		t.Errorf("parseOpenAIEvent = %+v, want text=hi", ev)
	}
}

func TestParseOpenAIEventDoneMarker(t *testing.T) {
	ev := parseOpenAIEvent("[DONE]")
	if !ev.done {
		t.Errorf("parseOpenAIEvent([DONE]) = %+v, want done=true", ev)
	}
}

func TestParseOpenAIEventSkipsEmptyDelta(t *testing.T) {
	ev := parseOpenAIEvent(`{"choices":[{"delta":{}}]}`)
	if !ev.skip {
		t.Errorf("parseOpenAIEvent(empty delta) = %+v, want skip=true", ev)
	}
}

func TestParseOpenAIEventReasoningContentConcatenates(t *testing.T) {
	ev := parseOpenAIEvent(`{"choices":[{"delta":{"reasoning_content":"thinking... ","content":"answer"}}]}`)
	if ev.text != "thinking... answer" {
		t.Errorf("text = %q, want reasoning+content concatenated", ev.text)
	}
}

func TestParseAnthropicEventTextDelta(t *testing.T) {
	ev := parseAnthropicEvent(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)
	if ev.text != "hi" {
		t.Errorf("parseAnthropicEvent = %+v, want text=hi", ev)
	}
}

func TestParseAnthropicEventMessageStop(t *testing.T) {
	ev := parseAnthropicEvent(`{"type":"message_stop"}`)
	if !ev.done {
		t.Errorf("parseAnthropicEvent(message_stop) = %+v, want done=true", ev)
	}
}

func TestBuildRequestBodyOpenAIIncludesSystemAndAuth(t *testing.T) {
	model := models.ModelEntry{NativeID: "gpt-5"}
	provider := models.ProviderEntry{APIFormat: models.APIFormatOpenAI}
	req := models.DispatchRequest{Prompt: "hello", SystemPrompt: "be terse"}

	body, headers, err := buildRequestBody(req, model, provider, "secret-key")
	if err != nil {
		t.Fatalf("buildRequestBody: %v", err)
	}
	if headers["Authorization"] != "Bearer secret-key" {
		t.Errorf("Authorization header = %q", headers["Authorization"])
	}
	if !strings.Contains(string(body), "be terse") || !strings.Contains(string(body), "hello") {
		t.Errorf("body = %s, want both system and user content", body)
	}
}

func TestBuildRequestBodyAnthropicUsesXAPIKeyHeader(t *testing.T) {
	model := models.ModelEntry{NativeID: "claude-opus-4-5"}
	provider := models.ProviderEntry{APIFormat: models.APIFormatAnthropic}
	req := models.DispatchRequest{Prompt: "hello"}

	_, headers, err := buildRequestBody(req, model, provider, "secret-key")
	if err != nil {
		t.Fatalf("buildRequestBody: %v", err)
	}
	if headers["x-api-key"] != "secret-key" {
		t.Errorf("x-api-key header = %q, want secret-key", headers["x-api-key"])
	}
	if headers["anthropic-version"] == "" {
		t.Error("expected an anthropic-version header")
	}
}

func TestHTTPDispatchQueryModelCompletesOnDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test", NativeID: "test-model"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}
	req := models.DispatchRequest{Prompt: "hi"}

	outcome, err := d.QueryModel(context.Background(), req, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusComplete {
		t.Fatalf("Status = %v, want StatusComplete (outcome=%+v)", outcome.Status, outcome)
	}
	if outcome.Text != "hello world" {
		t.Errorf("Text = %q, want hello world", outcome.Text)
	}
}

func TestHTTPDispatchQueryModelRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}

	outcome, err := d.QueryModel(context.Background(), models.DispatchRequest{Prompt: "hi"}, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusError || outcome.ErrorKind != "rate_limited" {
		t.Fatalf("outcome = %+v, want a rate_limited error", outcome)
	}
}

func TestHTTPDispatchQueryModelAuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}

	outcome, err := d.QueryModel(context.Background(), models.DispatchRequest{Prompt: "hi"}, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusError || outcome.ErrorKind != "auth_failed" {
		t.Fatalf("outcome = %+v, want an auth_failed error", outcome)
	}
}

func TestHTTPDispatchQueryModelEmptyResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}

	outcome, err := d.QueryModel(context.Background(), models.DispatchRequest{Prompt: "hi"}, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusError || outcome.ErrorKind != "empty_response" {
		t.Fatalf("outcome = %+v, want an empty_response error", outcome)
	}
}

func TestHTTPDispatchQueryModelContextCancelYieldsPartial(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial text\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcome, err := d.QueryModel(ctx, models.DispatchRequest{Prompt: "hi"}, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusPartial {
		t.Fatalf("Status = %v, want StatusPartial (outcome=%+v)", outcome.Status, outcome)
	}
	if !outcome.Partial || outcome.Text != "partial text" {
		t.Errorf("outcome = %+v, want partial text preserved", outcome)
	}
}

func TestHTTPDispatchQueryModelSizeCapYieldsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		first, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": "kept"}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", first)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		huge, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": strings.Repeat("x", MaxHTTPResponseBytes+1)}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", huge)
	}))
	defer srv.Close()

	d := NewHTTPDispatch()
	model := models.ModelEntry{Key: "test-model", Provider: "test"}
	provider := models.ProviderEntry{Name: "test", BaseURL: srv.URL, APIFormat: models.APIFormatOpenAI}

	outcome, err := d.QueryModel(context.Background(), models.DispatchRequest{Prompt: "hi"}, model, provider, "key")
	if err != nil {
		t.Fatalf("QueryModel: %v", err)
	}
	if outcome.Status != models.StatusPartial {
		t.Fatalf("Status = %v, want StatusPartial (outcome=%+v)", outcome.Status, outcome)
	}
	if !outcome.Partial || outcome.Text != "kept" {
		t.Errorf("outcome = %+v, want accumulated text preserved up to the cap", outcome)
	}
	if outcome.Reason != string(squallerr.KindTooLarge) {
		t.Errorf("Reason = %q, want %q", outcome.Reason, squallerr.KindTooLarge)
	}
}

func TestStallTimeoutForWidensForReasoningEfforts(t *testing.T) {
	if stallTimeoutFor(models.ReasoningNone) != stallTimeout {
		t.Error("non-reasoning effort should use the default stall timeout")
	}
	if stallTimeoutFor(models.ReasoningHigh) != reasoningStallTimeout {
		t.Error("high reasoning effort should use the widened stall timeout")
	}
}
