package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApiForProviderSelectsGemini(t *testing.T) {
	if _, ok := apiForProvider("gemini-api").(geminiInteractionsAPI); !ok {
		t.Error("apiForProvider(gemini-api) should return geminiInteractionsAPI")
	}
	if _, ok := apiForProvider("openai").(openAIResponsesAPI); !ok {
		t.Error("apiForProvider(openai) should return openAIResponsesAPI")
	}
}

func TestOpenAIParseLaunchResponse(t *testing.T) {
	id, err := openAIResponsesAPI{}.parseLaunchResponse([]byte(`{"id":"resp_123"}`))
	if err != nil || id != "resp_123" {
		t.Errorf("parseLaunchResponse = %q, %v, want resp_123, nil", id, err)
	}
	if _, err := (openAIResponsesAPI{}).parseLaunchResponse([]byte(`{}`)); err == nil {
		t.Error("expected an error when 'id' is missing")
	}
}

func TestOpenAIParsePollResponseStatuses(t *testing.T) {
	cases := []struct {
		body        string
		wantProg    bool
		wantText    string
		wantFailure bool
	}{
		{`{"status":"queued"}`, true, "", false},
		{`{"status":"in_progress"}`, true, "", false},
		{`{"status":"completed","output_text":"the findings"}`, false, "the findings", false},
		{`{"status":"failed"}`, false, "", true},
	}
	for _, c := range cases {
		status, err := openAIResponsesAPI{}.parsePollResponse([]byte(c.body))
		if err != nil {
			t.Fatalf("parsePollResponse(%s): %v", c.body, err)
		}
		if status.InProgress != c.wantProg || status.Text != c.wantText || (status.FailureMsg != "") != c.wantFailure {
			t.Errorf("parsePollResponse(%s) = %+v, want inProgress=%v text=%q failure=%v", c.body, status, c.wantProg, c.wantText, c.wantFailure)
		}
	}
	if _, err := (openAIResponsesAPI{}).parsePollResponse([]byte(`{}`)); err == nil {
		t.Error("expected an error when 'status' is missing")
	}
}

func TestGeminiParsePollResponseCompletedUsesLastOutput(t *testing.T) {
	body := `{"status":"completed","outputs":[{"text":"first"},{"text":"final answer"}]}`
	status, err := geminiInteractionsAPI{}.parsePollResponse([]byte(body))
	if err != nil {
		t.Fatalf("parsePollResponse: %v", err)
	}
	if status.Text != "final answer" {
		t.Errorf("Text = %q, want the last output entry", status.Text)
	}
}

func TestGeminiParsePollResponseFailed(t *testing.T) {
	status, err := geminiInteractionsAPI{}.parsePollResponse([]byte(`{"status":"failed","error":"quota exceeded"}`))
	if err != nil {
		t.Fatalf("parsePollResponse: %v", err)
	}
	if status.FailureMsg != "quota exceeded" {
		t.Errorf("FailureMsg = %q, want quota exceeded", status.FailureMsg)
	}
}

func TestNextPollDelayGrowsAndCaps(t *testing.T) {
	api := openAIResponsesAPI{}
	d0 := nextPollDelay(api, 0)
	d1 := nextPollDelay(api, 1)
	if d1 <= d0 {
		t.Errorf("nextPollDelay should grow with attempt: d0=%v d1=%v", d0, d1)
	}
	dFar := nextPollDelay(api, 50)
	if dFar != api.maxPollInterval() {
		t.Errorf("nextPollDelay(50) = %v, want capped at %v", dFar, api.maxPollInterval())
	}
}

func TestMinDur(t *testing.T) {
	if got := minDur(3*time.Second, 5*time.Second); got != 3*time.Second {
		t.Errorf("minDur = %v, want the smaller value", got)
	}
	if got := minDur(5*time.Second, 3*time.Second); got != 3*time.Second {
		t.Errorf("minDur = %v, want the smaller value", got)
	}
}

func TestPersistResearchResultWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	relPath, err := persistResearchResult(dir, "o3-deep-research", "openai", "the research text", "job-abc", 1234)
	if err != nil {
		t.Fatalf("persistResearchResult: %v", err)
	}
	full := filepath.Join(dir, relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("persisted file is not valid JSON: %v", err)
	}
	if payload["job_id"] != "job-abc" || payload["text"] != "the research text" {
		t.Errorf("payload = %v, want job_id/text preserved", payload)
	}
}
