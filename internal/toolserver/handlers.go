package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/squall-dispatch/squall/internal/gitctx"
	"github.com/squall-dispatch/squall/internal/review"
	"github.com/squall-dispatch/squall/internal/sandbox"
	"github.com/squall-dispatch/squall/pkg/models"
)

// reasoningNeedsExtendedDeadline reports whether effort warrants the
// extended (10-minute) deadline rather than HTTP's default 5 minutes.
func reasoningNeedsExtendedDeadline(effort string) bool {
	switch effort {
	case "medium", "high", "xhigh":
		return true
	default:
		return false
	}
}

func contextFormat(s string) sandbox.ContextFormat {
	if s == "hashline" {
		return sandbox.FormatHashline
	}
	return sandbox.FormatXML
}

func (d *Deps) handleChat(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p chatParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed chat params: " + err.Error())
	}
	if err := sandbox.ValidatePrompt(p.Prompt); err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := sandbox.ValidateTemperature(p.Temperature); err != nil {
		return nil, invalidParams(err.Error())
	}

	modelName := p.Model
	if modelName == "" {
		modelName = DefaultChatModel
	}
	entry, found, suggestion := d.Registry.Resolve(modelName)
	if !found {
		msg := fmt.Sprintf("unknown model %q", modelName)
		if suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		return nil, invalidParams(msg)
	}

	start := time.Now()
	prompt := p.Prompt
	if len(p.FilePaths) > 0 {
		if p.WorkingDirectory == "" {
			return nil, invalidParams("working_directory is required when file_paths is set")
		}
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		fileResult, err := sandbox.ResolveFileContext(p.FilePaths, baseDir, sandbox.MaxFileContextBytes, contextFormat(p.ContextFormat))
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		if fileResult.Context != "" {
			prompt = fileResult.Context + "\n" + prompt
		}
	}

	deadlineSecs := 300
	if entry.IsAsyncPoll() || reasoningNeedsExtendedDeadline(p.ReasoningEffort) {
		deadlineSecs = 600
	}

	dreq := models.DispatchRequest{
		Prompt:          prompt,
		ModelKey:        entry.Key,
		SystemPrompt:    p.SystemPrompt,
		Temperature:     p.Temperature,
		MaxTokens:       p.MaxTokens,
		ReasoningEffort: models.ReasoningEffort(p.ReasoningEffort),
		Deadline:        start.Add(time.Duration(deadlineSecs) * time.Second),
	}

	outcome := d.Dispatcher.QueryModel(ctx, dreq)
	d.recordDispatchMetric(string(outcome.Backend), string(outcome.Status))
	d.recordActivity("chat", entry.Key, string(outcome.Status), outcome.ElapsedMS)

	return outcomeToResult("chat", outcome, start), nil
}

func (d *Deps) handleClink(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p clinkParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed clink params: " + err.Error())
	}
	if err := sandbox.ValidatePrompt(p.Prompt); err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := sandbox.ValidateTemperature(p.Temperature); err != nil {
		return nil, invalidParams(err.Error())
	}
	if p.CLIName == "" {
		return nil, invalidParams("cli_name must not be empty")
	}

	entry, found, suggestion := d.Registry.Resolve(p.CLIName)
	if !found {
		msg := fmt.Sprintf("unknown model %q", p.CLIName)
		if suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		return nil, invalidParams(msg)
	}

	start := time.Now()
	prompt := p.Prompt
	workingDirectory := ""

	// Use the canonical path from ValidateWorkingDirectory, not the raw
	// string, so a symlink retargeted between validation and subprocess
	// launch can't escape the sandbox (TOCTOU).
	if len(p.FilePaths) > 0 {
		if p.WorkingDirectory == "" {
			return nil, invalidParams("working_directory is required when file_paths is set")
		}
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		manifest, err := sandbox.ResolveFileManifest(p.FilePaths, baseDir)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		if manifest != "" {
			prompt = manifest + "\n\n" + prompt
		}
		workingDirectory = baseDir
	} else if p.WorkingDirectory != "" {
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		workingDirectory = baseDir
	}

	dreq := models.DispatchRequest{
		Prompt:           prompt,
		ModelKey:         entry.Key,
		SystemPrompt:     p.SystemPrompt,
		Temperature:      p.Temperature,
		MaxTokens:        p.MaxTokens,
		ReasoningEffort:  models.ReasoningEffort(p.ReasoningEffort),
		Deadline:         start.Add(600 * time.Second),
		WorkingDirectory: workingDirectory,
	}

	outcome := d.Dispatcher.QueryModel(ctx, dreq)
	d.recordDispatchMetric(string(outcome.Backend), string(outcome.Status))
	d.recordActivity("clink", entry.Key, string(outcome.Status), outcome.ElapsedMS)

	return outcomeToResult("clink", outcome, start), nil
}

func outcomeToResult(tool string, outcome models.DispatchOutcome, start time.Time) dispatchResult {
	if outcome.Status == models.StatusError || outcome.Status == models.StatusNotStarted {
		errMsg := outcome.ErrorMsg
		if errMsg == "" {
			errMsg = "dispatch failed"
		}
		return dispatchResult{
			OK: false, Model: outcome.ModelKey, Provider: outcome.Provider,
			Error: errMsg, DurationSeconds: time.Since(start).Seconds(),
		}
	}
	return dispatchResult{
		OK: true, Text: outcome.Text, Model: outcome.ModelKey, Provider: outcome.Provider,
		DurationSeconds: time.Since(start).Seconds(),
	}
}

func (d *Deps) handleListModels(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	available := make(map[string]bool)
	for _, m := range d.Registry.Available() {
		available[m.Key] = true
	}

	all := d.Registry.List()
	out := make([]modelInfo, 0, len(all))
	for _, m := range all {
		out = append(out, modelInfo{
			Name: m.Key, Provider: m.Provider, Backend: string(m.Backend),
			Description: m.Description, Strengths: m.Strengths, Weaknesses: m.Weaknesses,
			SpeedTier: m.SpeedTier, PrecisionTier: m.PrecisionTier, Available: available[m.Key],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return listModelsResult{Models: out}, nil
}

func (d *Deps) handleReview(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p reviewParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed review params: " + err.Error())
	}
	if err := sandbox.ValidatePrompt(p.Prompt); err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := sandbox.ValidateTemperature(p.Temperature); err != nil {
		return nil, invalidParams(err.Error())
	}

	prompt := p.Prompt
	workingDirectory := ""

	// Reserve MinDiffBudget for the diff so it's never starved by large
	// file context, when both are supplied (spec §4.2).
	fileBudget := sandbox.MaxFileContextBytes
	if p.Diff != "" {
		fileBudget -= sandbox.MinDiffBudget
		if fileBudget < 0 {
			fileBudget = 0
		}
	}

	if len(p.FilePaths) > 0 {
		if p.WorkingDirectory == "" {
			return nil, invalidParams("working_directory is required when file_paths is set")
		}
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		fileResult, err := sandbox.ResolveFileContext(p.FilePaths, baseDir, fileBudget, contextFormat(p.ContextFormat))
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		if fileResult.Context != "" {
			prompt = fileResult.Context + "\n" + prompt
		}
		workingDirectory = baseDir
	} else if p.WorkingDirectory != "" {
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		workingDirectory = baseDir
	}

	if p.Diff != "" {
		fileContextUsed := len(prompt) - len(p.Prompt)
		diffBudget := sandbox.MaxFileContextBytes - fileContextUsed
		if wrapped := sandbox.WrapDiffContext(p.Diff, diffBudget); wrapped != "" {
			prompt = wrapped + "\n" + prompt
		}
	}

	promptLen := len(prompt)
	req := review.Request{
		Prompt:                prompt,
		Models:                p.Models,
		TimeoutSecs:           p.TimeoutSecs,
		SystemPrompt:          p.SystemPrompt,
		Temperature:           p.Temperature,
		PerModelSystemPrompts: p.PerModelSystemPrompts,
		PerModelTimeoutSecs:   p.PerModelTimeoutSecs,
		Deep:                  p.Deep,
		InvestigationContext:  p.InvestigationContext,
		MaxTokensPerResponse:  p.MaxTokensPerResponse,
		WorkingDirectory:      workingDirectory,
	}

	record := d.Executor.Execute(ctx, req, d.Memory)

	if d.Metrics != nil {
		d.Metrics.RecordReviewLatency(record.ElapsedMS)
	}
	for _, outcome := range record.Outcomes {
		d.recordDispatchMetric(string(outcome.Backend), string(outcome.Status))
		d.recordActivity("review", outcome.ModelKey, string(outcome.Status), outcome.ElapsedMS)
	}

	// Memory logging is fire-and-forget: a slow or failing write to
	// .squall/memory must never hold up the tool response (spec §4.7).
	if d.Memory != nil {
		outcomesCopy := append([]models.DispatchOutcome(nil), record.Outcomes...)
		go d.Memory.LogEvents(outcomesCopy, promptLen)
	}

	return record, nil
}

func (d *Deps) handleMemorize(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p memorizeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed memorize params: " + err.Error())
	}

	scope := p.Scope
	if scope == "" && p.WorkingDirectory != "" {
		baseDir, err := sandbox.ValidateWorkingDirectory(p.WorkingDirectory)
		if err != nil {
			return nil, invalidParams("invalid working_directory: " + err.Error())
		}
		gitCtx, ok := d.gitCache().GetOrDetect(baseDir)
		scope = gitctx.DefaultScope(gitCtx, ok)
	}

	path, err := d.Memory.Memorize(p.Category, p.Content, p.Model, p.Tags, scope, p.Metadata)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return memorizeResult{Path: path}, nil
}

func (d *Deps) handleMemory(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p memoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed memory params: " + err.Error())
	}
	maxChars := p.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMemoryMaxChars
	}

	content, err := d.Memory.ReadMemory(p.Category, p.Model, maxChars, p.Scope)
	if err != nil {
		return nil, internalError(err.Error())
	}
	return memoryResult{Content: content}, nil
}

func (d *Deps) handleFlush(ctx context.Context, raw json.RawMessage) (interface{}, *errorBody) {
	var p flushParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("malformed flush params: " + err.Error())
	}
	if p.Branch == "" {
		return nil, invalidParams("branch must not be empty")
	}

	report, err := d.Memory.FlushBranch(p.Branch)
	if err != nil {
		return nil, internalError(err.Error())
	}
	return flushResult{Report: report}, nil
}

// gitCache lazily builds a cache if the caller wired none, so memorize's
// scope auto-detection always has somewhere to store results.
func (d *Deps) gitCache() *gitctx.Cache {
	if d.GitCache == nil {
		d.GitCache = gitctx.NewCache()
	}
	return d.GitCache
}
