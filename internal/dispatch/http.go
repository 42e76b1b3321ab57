// Package dispatch implements Squall's three backend transports — HTTP
// streaming, CLI subprocess, and async-poll — behind a single tagged-variant
// entry point so the review executor never branches on backend kind itself.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/squall-dispatch/squall/internal/squallerr"
	"github.com/squall-dispatch/squall/pkg/models"
)

// MaxHTTPResponseBytes is the per-request HTTP streaming cap (spec §6).
const MaxHTTPResponseBytes = 2 * 1024 * 1024

const (
	stallTimeout          = 60 * time.Second
	reasoningStallTimeout  = 300 * time.Second
	firstByteTimeout       = 60 * time.Second
	headersTimeout         = 60 * time.Second
)

func stallTimeoutFor(effort models.ReasoningEffort) time.Duration {
	switch effort {
	case models.ReasoningMedium, models.ReasoningHigh, models.ReasoningXhigh:
		return reasoningStallTimeout
	default:
		return stallTimeout
	}
}

func firstByteTimeoutFor(effort models.ReasoningEffort) time.Duration {
	switch effort {
	case models.ReasoningMedium, models.ReasoningHigh, models.ReasoningXhigh:
		return reasoningStallTimeout
	default:
		return firstByteTimeout
	}
}

// HTTPDispatch holds the shared client used for every HTTP-backend model.
type HTTPDispatch struct {
	client *http.Client
}

// NewHTTPDispatch builds a client tuned for many short-lived streaming
// requests: a connect timeout via Transport, generous idle-connection reuse.
func NewHTTPDispatch() *HTTPDispatch {
	return &HTTPDispatch{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// QueryModel sends req to model over provider's HTTP transport and returns
// a DispatchOutcome. It retries the initial send (not the stream body) up
// to twice on network or 5xx failures, per spec §7's retry policy.
func (d *HTTPDispatch) QueryModel(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, apiKey string) (models.DispatchOutcome, error) {
	start := time.Now()

	body, headers, err := buildRequestBody(req, model, provider, apiKey)
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindConfig, provider.Name, err.Error(), err)), nil
	}

	var resp *http.Response
	lastStatus := 0 // status of the last attempt's 5xx response, 0 otherwise
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	sendErr := backoff.Retry(func() error {
		hctx, cancel := context.WithTimeout(ctx, headersTimeout)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(hctx, http.MethodPost, provider.BaseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
		r, err := d.client.Do(httpReq)
		if err != nil {
			lastStatus = 0
			return err // network error: retryable
		}
		if r.StatusCode >= 500 {
			lastStatus = r.StatusCode
			r.Body.Close()
			return fmt.Errorf("upstream %d", r.StatusCode)
		}
		resp = r
		return nil
	}, policy)

	if sendErr != nil {
		if ctx.Err() != nil {
			return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "request timed out", sendErr)), nil
		}
		if lastStatus >= 500 {
			e := squallerr.New(squallerr.KindUpstream5xx, provider.Name, fmt.Sprintf("upstream returned %d", lastStatus), sendErr)
			e.StatusCode = lastStatus
			return errOutcome(model, e), nil
		}
		return errOutcome(model, squallerr.New(squallerr.KindNetwork, provider.Name, "network error reaching provider", sendErr)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 0
		fmt.Sscanf(resp.Header.Get("Retry-After"), "%d", &retryAfter)
		e := squallerr.New(squallerr.KindRateLimited, provider.Name, "rate limited", nil)
		e.RetryAfter = retryAfter
		return errOutcome(model, e), nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errOutcome(model, squallerr.New(squallerr.KindAuthFailed, provider.Name, "authentication failed", nil)), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readCappedErrorBody(resp.Body, 500)
		e := squallerr.New(squallerr.KindUpstream5xx, provider.Name, fmt.Sprintf("%d: %s", resp.StatusCode, msg), nil)
		e.StatusCode = resp.StatusCode
		return errOutcome(model, e), nil
	}

	return d.readSSEStream(ctx, resp.Body, req, model, provider, start)
}

func errOutcome(model models.ModelEntry, e *squallerr.Error) models.DispatchOutcome {
	return models.DispatchOutcome{
		ModelKey: model.Key, Provider: model.Provider, Backend: model.Backend,
		Status: models.StatusError, ErrorKind: string(e.Kind), ErrorMsg: e.UserMessage(),
		Reason: string(e.Kind),
	}
}

func readCappedErrorBody(r io.Reader, max int) string {
	buf := make([]byte, max+1)
	n, _ := io.ReadFull(io.LimitReader(r, int64(max+1)), buf)
	if n > max {
		return string(buf[:max]) + "..."
	}
	return string(buf[:n])
}

func buildRequestBody(req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, apiKey string) ([]byte, map[string]string, error) {
	switch provider.APIFormat {
	case models.APIFormatAnthropic:
		payload := map[string]any{
			"model":      model.NativeID,
			"messages":   []map[string]string{{"role": "user", "content": req.Prompt}},
			"stream":     true,
			"max_tokens": orDefault(req.MaxTokens, 16384),
		}
		if req.SystemPrompt != "" {
			payload["system"] = req.SystemPrompt
		}
		if req.Temperature != nil {
			payload["temperature"] = *req.Temperature
		}
		b, err := json.Marshal(payload)
		return b, map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": "2023-06-01",
			"Content-Type":      "application/json",
		}, err

	default: // OpenAI-compatible
		var messages []map[string]string
		if req.SystemPrompt != "" {
			messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
		}
		messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
		payload := map[string]any{
			"model":    model.NativeID,
			"messages": messages,
			"stream":   true,
		}
		if req.Temperature != nil {
			payload["temperature"] = *req.Temperature
		}
		if req.MaxTokens > 0 {
			payload["max_tokens"] = req.MaxTokens
		}
		if req.ReasoningEffort != "" && req.ReasoningEffort != models.ReasoningNone {
			payload["reasoning"] = map[string]string{"effort": string(req.ReasoningEffort)}
		}
		b, err := json.Marshal(payload)
		return b, map[string]string{
			"Authorization": "Bearer " + apiKey,
			"Content-Type":  "application/json",
		}, err
	}
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type sseEvent struct {
	text string
	done bool
	skip bool
}

// readSSEStream drains the streaming body, racing the context deadline, a
// stall timer (reset on every event, widened for reasoning effort), and a
// first-byte timer, exactly mirroring the reference implementation's
// select!-based five-timeout design minus the connect/headers layers
// already enforced above.
func (d *HTTPDispatch) readSSEStream(ctx context.Context, body io.Reader, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, start time.Time) (models.DispatchOutcome, error) {
	events := make(chan sseEvent, 8)
	readErrs := make(chan error, 1)
	go scanSSE(body, provider.APIFormat, events, readErrs)

	var accumulated strings.Builder
	receivedFirst := false

	stall := req.StallTimeout
	if stall == 0 {
		stall = stallTimeoutFor(req.ReasoningEffort)
	}
	firstByte := req.StallTimeout
	if firstByte == 0 {
		firstByte = firstByteTimeoutFor(req.ReasoningEffort)
	}

	timer := time.NewTimer(firstByte)
	defer timer.Stop()

	partial := func(reason squallerr.Kind) (models.DispatchOutcome, error) {
		text := accumulated.String()
		if text == "" {
			e := squallerr.New(reason, provider.Name, "no data received", nil)
			return errOutcome(model, e), nil
		}
		return models.DispatchOutcome{
			ModelKey: model.Key, Provider: model.Provider, Backend: model.Backend,
			Status: models.StatusPartial, Text: text, Partial: true,
			Bytes: len(text), ElapsedMS: time.Since(start).Milliseconds(),
			Reason: string(reason),
		}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return partial(squallerr.KindTimeout)
		case <-timer.C:
			return partial(squallerr.KindTimeout)
		case err := <-readErrs:
			if accumulated.Len() == 0 {
				return errOutcome(model, squallerr.New(squallerr.KindNetwork, provider.Name, "stream read error", err)), nil
			}
			return partial(squallerr.KindNetwork)
		case ev, ok := <-events:
			if !ok {
				if accumulated.Len() == 0 {
					return errOutcome(model, squallerr.New(squallerr.KindEmptyResponse, provider.Name, "stream ended without a done marker", nil)), nil
				}
				return partial(squallerr.KindEmptyResponse)
			}
			if ev.done {
				if accumulated.Len() == 0 {
					return errOutcome(model, squallerr.New(squallerr.KindEmptyResponse, provider.Name, "empty streaming response", nil)), nil
				}
				return models.DispatchOutcome{
					ModelKey: model.Key, Provider: model.Provider, Backend: model.Backend,
					Status: models.StatusComplete, Text: accumulated.String(),
					Bytes: accumulated.Len(), ElapsedMS: time.Since(start).Milliseconds(),
				}, nil
			}
			if ev.skip {
				receivedFirst = true
				timer.Reset(stall)
				continue
			}
			receivedFirst = true
			if accumulated.Len()+len(ev.text) > MaxHTTPResponseBytes {
				return partial(squallerr.KindTooLarge)
			}
			accumulated.WriteString(ev.text)
			if receivedFirst {
				timer.Reset(stall)
			}
		}
	}
}

// scanSSE reads "data: ..." lines from an SSE body and parses each event
// per api format, closing events when the body is exhausted.
func scanSSE(body io.Reader, format models.APIFormat, events chan<- sseEvent, errs chan<- error) {
	defer close(events)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 2*MaxHTTPResponseBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		events <- parseSSEEvent(data, format)
	}
	if err := scanner.Err(); err != nil {
		errs <- err
	}
}

func parseSSEEvent(data string, format models.APIFormat) sseEvent {
	if format == models.APIFormatAnthropic {
		return parseAnthropicEvent(data)
	}
	return parseOpenAIEvent(data)
}

func parseOpenAIEvent(data string) sseEvent {
	if data == "[DONE]" {
		return sseEvent{done: true}
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
		return sseEvent{skip: true}
	}
	text := chunk.Choices[0].Delta.ReasoningContent + chunk.Choices[0].Delta.Content
	if text == "" {
		return sseEvent{skip: true}
	}
	return sseEvent{text: text}
}

func parseAnthropicEvent(data string) sseEvent {
	var ev struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return sseEvent{skip: true}
	}
	switch ev.Type {
	case "message_stop":
		return sseEvent{done: true}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return sseEvent{text: ev.Delta.Text}
		}
	}
	return sseEvent{skip: true}
}
