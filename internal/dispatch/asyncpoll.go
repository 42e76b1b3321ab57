package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/squall-dispatch/squall/internal/squallerr"
	"github.com/squall-dispatch/squall/pkg/models"
)

// MaxPollResponseBytes bounds a single poll response body; research results
// can be large, so this is wider than the HTTP streaming cap.
const MaxPollResponseBytes = 4 * 1024 * 1024

// maxPollFailures is the number of consecutive poll failures tolerated
// before giving up on an otherwise-launched job.
const maxPollFailures = 5

// PollStatus is the outcome of one poll of an async job.
type PollStatus struct {
	InProgress bool
	Text       string
	FailureMsg string
}

// asyncPollAPI abstracts the provider-specific launch/poll request shapes.
type asyncPollAPI interface {
	buildLaunchRequest(prompt, model, apiKey, systemPrompt string) (url string, headers map[string]string, body any)
	buildPollRequest(jobID, apiKey string) (url string, headers map[string]string)
	parseLaunchResponse(body []byte) (jobID string, err error)
	parsePollResponse(body []byte) (PollStatus, error)
	pollInterval() time.Duration
	maxPollInterval() time.Duration
}

type openAIResponsesAPI struct{}

func (openAIResponsesAPI) buildLaunchRequest(prompt, model, apiKey, systemPrompt string) (string, map[string]string, any) {
	var input []map[string]string
	if systemPrompt != "" {
		input = append(input, map[string]string{"role": "developer", "content": systemPrompt})
	}
	input = append(input, map[string]string{"role": "user", "content": prompt})
	body := map[string]any{
		"model": model, "input": input,
		"tools": []map[string]string{{"type": "web_search_preview"}},
		"background": true, "store": true,
	}
	return "https://api.openai.com/v1/responses", map[string]string{
		"Authorization": "Bearer " + apiKey, "Content-Type": "application/json",
	}, body
}

func (openAIResponsesAPI) buildPollRequest(jobID, apiKey string) (string, map[string]string) {
	return "https://api.openai.com/v1/responses/" + jobID, map[string]string{
		"Authorization": "Bearer " + apiKey,
	}
}

func (openAIResponsesAPI) parseLaunchResponse(body []byte) (string, error) {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("OpenAI launch response: %w", err)
	}
	id, _ := v["id"].(string)
	if id == "" {
		return "", fmt.Errorf("OpenAI launch response missing 'id'")
	}
	return id, nil
}

func (openAIResponsesAPI) parsePollResponse(body []byte) (PollStatus, error) {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return PollStatus{}, fmt.Errorf("OpenAI poll response: %w", err)
	}
	status, _ := v["status"].(string)
	switch status {
	case "queued", "in_progress":
		return PollStatus{InProgress: true}, nil
	case "completed":
		text, _ := v["output_text"].(string)
		return PollStatus{Text: text}, nil
	case "failed", "incomplete", "cancelled":
		return PollStatus{FailureMsg: "job " + status}, nil
	case "":
		return PollStatus{}, fmt.Errorf("OpenAI poll response missing 'status'")
	default:
		return PollStatus{FailureMsg: "unknown status: " + status}, nil
	}
}

func (openAIResponsesAPI) pollInterval() time.Duration    { return 5 * time.Second }
func (openAIResponsesAPI) maxPollInterval() time.Duration { return 60 * time.Second }

type geminiInteractionsAPI struct{}

func (geminiInteractionsAPI) buildLaunchRequest(prompt, model, apiKey, systemPrompt string) (string, map[string]string, any) {
	effective := prompt
	if systemPrompt != "" {
		effective = systemPrompt + "\n\n" + prompt
	}
	body := map[string]any{"agent": model, "input": effective, "background": true}
	return "https://generativelanguage.googleapis.com/v1beta/interactions", map[string]string{
		"x-goog-api-key": apiKey, "Content-Type": "application/json",
	}, body
}

func (geminiInteractionsAPI) buildPollRequest(jobID, apiKey string) (string, map[string]string) {
	return "https://generativelanguage.googleapis.com/v1beta/interactions/" + jobID, map[string]string{
		"x-goog-api-key": apiKey,
	}
}

func (geminiInteractionsAPI) parseLaunchResponse(body []byte) (string, error) {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("Gemini launch response: %w", err)
	}
	id, _ := v["id"].(string)
	if id == "" {
		return "", fmt.Errorf("Gemini launch response missing 'id'")
	}
	return id, nil
}

func (geminiInteractionsAPI) parsePollResponse(body []byte) (PollStatus, error) {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return PollStatus{}, fmt.Errorf("Gemini poll response: %w", err)
	}
	status, _ := v["status"].(string)
	switch status {
	case "in_progress":
		return PollStatus{InProgress: true}, nil
	case "completed":
		text := ""
		if outputs, ok := v["outputs"].([]any); ok && len(outputs) > 0 {
			if last, ok := outputs[len(outputs)-1].(map[string]any); ok {
				text, _ = last["text"].(string)
			}
		}
		return PollStatus{Text: text}, nil
	case "failed", "cancelled":
		msg, _ := v["error"].(string)
		if msg == "" {
			msg = status
		}
		return PollStatus{FailureMsg: msg}, nil
	case "":
		return PollStatus{}, fmt.Errorf("Gemini poll response missing 'status'")
	default:
		return PollStatus{FailureMsg: "unknown status: " + status}, nil
	}
}

func (geminiInteractionsAPI) pollInterval() time.Duration    { return 45 * time.Second }
func (geminiInteractionsAPI) maxPollInterval() time.Duration { return 120 * time.Second }

func apiForProvider(provider string) asyncPollAPI {
	if provider == "gemini-api" {
		return geminiInteractionsAPI{}
	}
	return openAIResponsesAPI{}
}

var asyncPersistCounter atomic.Uint64

// AsyncPollDispatch launches a long-running job then polls it to
// completion, backing off exponentially between polls up to a provider cap.
type AsyncPollDispatch struct {
	client *http.Client
}

func NewAsyncPollDispatch() *AsyncPollDispatch {
	return &AsyncPollDispatch{client: &http.Client{}}
}

// nextPollDelay grows the base interval by 1.5^attempt, capped at the
// provider's max poll interval.
func nextPollDelay(api asyncPollAPI, attempt int) time.Duration {
	base := api.pollInterval()
	max := api.maxPollInterval()
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if delay > max {
		return max
	}
	return delay
}

// QueryModel launches an async job for model and polls until it completes,
// fails, or the request's deadline no longer leaves room for another poll.
func (d *AsyncPollDispatch) QueryModel(ctx context.Context, req models.DispatchRequest, model models.ModelEntry, provider models.ProviderEntry, apiKey string) (models.DispatchOutcome, error) {
	api := apiForProvider(model.Provider)
	start := time.Now()

	remaining := time.Until(req.Deadline)
	if remaining < 5*time.Second {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "insufficient time remaining to launch job", nil)), nil
	}

	launchURL, launchHeaders, launchBody := api.buildLaunchRequest(req.Prompt, model.NativeID, apiKey, req.SystemPrompt)
	launchResp, err := d.doJSON(ctx, http.MethodPost, launchURL, launchHeaders, launchBody, minDur(remaining, 30*time.Second))
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "job launch timed out", err)), nil
	}
	if launchResp.status == http.StatusUnauthorized || launchResp.status == http.StatusForbidden {
		return errOutcome(model, squallerr.New(squallerr.KindAuthFailed, provider.Name, "authentication failed", nil)), nil
	}
	if launchResp.status == http.StatusTooManyRequests {
		return errOutcome(model, squallerr.New(squallerr.KindRateLimited, provider.Name, "rate limited", nil)), nil
	}
	if launchResp.status < 200 || launchResp.status >= 300 {
		return errOutcome(model, squallerr.New(squallerr.KindUpstream5xx, provider.Name,
			fmt.Sprintf("launch failed with HTTP %d", launchResp.status), nil)), nil
	}

	jobID, err := api.parseLaunchResponse(launchResp.body)
	if err != nil {
		return errOutcome(model, squallerr.New(squallerr.KindParseError, provider.Name, "could not parse launch response", err)), nil
	}

	attempt := 0
	consecutiveFailures := 0

	for {
		delay := nextPollDelay(api, attempt)
		remaining = time.Until(req.Deadline)
		if remaining < delay {
			return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "deadline elapsed while polling", nil)), nil
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "dispatch cancelled while polling", ctx.Err())), nil
		}
		attempt++
		remaining = time.Until(req.Deadline)

		pollURL, pollHeaders := api.buildPollRequest(jobID, apiKey)
		pollResp, err := d.doJSON(ctx, http.MethodGet, pollURL, pollHeaders, nil, minDur(remaining, 30*time.Second))
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures >= maxPollFailures {
				return errOutcome(model, squallerr.New(squallerr.KindTimeout, provider.Name, "too many consecutive poll failures", err)), nil
			}
			continue
		}

		if pollResp.status == http.StatusUnauthorized || pollResp.status == http.StatusForbidden {
			return errOutcome(model, squallerr.New(squallerr.KindAuthFailed, provider.Name, "authentication failed during poll", nil)), nil
		}
		if pollResp.status == http.StatusTooManyRequests {
			consecutiveFailures++
			if consecutiveFailures >= maxPollFailures {
				return errOutcome(model, squallerr.New(squallerr.KindRateLimited, provider.Name, "rate limited while polling", nil)), nil
			}
			continue
		}
		if pollResp.status < 200 || pollResp.status >= 300 {
			consecutiveFailures++
			if consecutiveFailures >= maxPollFailures {
				return errOutcome(model, squallerr.New(squallerr.KindUpstream5xx, provider.Name,
					fmt.Sprintf("poll returned HTTP %d repeatedly", pollResp.status), nil)), nil
			}
			continue
		}
		consecutiveFailures = 0

		if len(pollResp.body) > MaxPollResponseBytes {
			return errOutcome(model, squallerr.New(squallerr.KindTooLarge, provider.Name, "poll response exceeded size cap", nil)), nil
		}

		status, err := api.parsePollResponse(pollResp.body)
		if err != nil {
			return errOutcome(model, squallerr.New(squallerr.KindParseError, provider.Name, "could not parse poll response", err)), nil
		}
		if status.InProgress {
			continue
		}
		if status.FailureMsg != "" {
			return errOutcome(model, squallerr.New(squallerr.KindUpstream5xx, provider.Name, status.FailureMsg, nil)), nil
		}

		elapsed := time.Since(start)
		text := status.Text
		if path, err := persistResearchResult(req.WorkingDirectory, model.Key, model.Provider, text, jobID, elapsed.Milliseconds()); err == nil {
			text = fmt.Sprintf("%s\n\n---\nFull result persisted to: %s", text, path)
		}

		return models.DispatchOutcome{
			ModelKey: model.Key, Provider: model.Provider, Backend: model.Backend,
			Status: models.StatusComplete, Text: text, Bytes: len(text),
			ElapsedMS: elapsed.Milliseconds(),
		}, nil
	}
}

type jsonResponse struct {
	status int
	body   []byte
}

func (d *AsyncPollDispatch) doJSON(ctx context.Context, method, url string, headers map[string]string, body any, timeout time.Duration) (jsonResponse, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return jsonResponse{}, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(rctx, method, url, reader)
	if err != nil {
		return jsonResponse{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return jsonResponse{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxPollResponseBytes+1))
	if err != nil {
		return jsonResponse{}, err
	}
	return jsonResponse{status: resp.StatusCode, body: respBody}, nil
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// persistResearchResult writes a completed async-poll job's text to
// <workingDirectory>/.squall/research/<ts>_<seq>_<model>.json via
// temp-file-then-rename, the same durability pattern as CLI persistence.
func persistResearchResult(workingDirectory, model, provider, text, jobID string, elapsedMS int64) (string, error) {
	base := workingDirectory
	if base == "" {
		base = "."
	}
	dir := filepath.Join(base, ".squall", "research")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ts := time.Now().UnixMilli()
	seq := asyncPersistCounter.Add(1)
	safeModel := sanitizeModelName(model)
	filename := fmt.Sprintf("%d_%d_%s.json", ts, seq, safeModel)
	path := filepath.Join(dir, filename)

	payload := map[string]any{
		"model": model, "provider": provider, "job_id": jobID,
		"elapsed_ms": elapsedMS, "text": text,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return filepath.Join(".squall", "research", filename), nil
}
