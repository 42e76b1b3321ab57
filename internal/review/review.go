// Package review orchestrates the parallel, deadline-bounded fan-out of one
// prompt to many models: the hard success-rate gate, fuzzy per-model option
// resolution, straggler-cutoff partial capture, and persistence of the
// resulting record.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squall-dispatch/squall/internal/telemetry"
	"github.com/squall-dispatch/squall/pkg/models"
)

// MaxModels bounds how many models a single review may target, preventing a
// caller from fanning a single request out into an unbounded dispatch storm.
const MaxModels = 20

// MinSuccessRate is the hard gate floor: a model's quality success rate must
// meet or exceed this to stay eligible once it has enough samples.
const MinSuccessRate = 0.70

// MinGateSamples is the minimum sample count before the gate applies at all;
// models with less history pass through un-judged.
const MinGateSamples = 5

// MaxTimeoutSecs caps any caller- or config-supplied deadline, preventing
// overflow from untrusted input reaching the internal deadline arithmetic.
const MaxTimeoutSecs = 600

// MaxInvestigationContextBytes bounds the optional supplementary blob
// appended to the prompt; it is truncated at a UTF-8 boundary, not rejected.
const MaxInvestigationContextBytes = 256 * 1024

// cutoffBufferSecs is added to the requested deadline before the internal
// abort sequence starts, covering cooperative-cancel grace plus hard-abort
// drain so "straggler cutoff" accounting stays accurate.
const cutoffBufferSecs = 15

const (
	cancelGrace = 3 * time.Second
	drainGrace  = 5 * time.Second
)

// ModelDispatcher is the narrow interface the executor needs from
// internal/dispatch — one blocking call per model, returning its outcome.
type ModelDispatcher interface {
	QueryModel(ctx context.Context, req models.DispatchRequest) models.DispatchOutcome
}

// ModelCatalog is the narrow registry view the executor needs: model/
// provider lookup plus the native-id→key reverse index used for fuzzy
// resolution and default-model selection.
type ModelCatalog interface {
	Get(key string) (models.ModelEntry, bool)
	List() []models.ModelEntry
	NativeIDToKey() map[string]string
}

// GateSource supplies the per-model diagnostic stats the hard gate reads.
// A memory store with no history yet returns (nil, false).
type GateSource interface {
	GateStats(idToKey map[string]string) (map[string]models.GateStats, bool)
}

// Request is one caller-submitted review: a prompt fanned out to a model
// list under a shared deadline, with optional per-model overrides.
type Request struct {
	Prompt                string
	Models                []string // nil means "use DefaultModels or the full catalog"
	DefaultModels         []string
	TimeoutSecs           int // 0 means "use the mode default"
	SystemPrompt          string
	Temperature           *float64
	PerModelSystemPrompts map[string]string
	PerModelTimeoutSecs   map[string]int
	Deep                  bool
	InvestigationContext  string
	MaxTokensPerResponse  int
	WorkingDirectory      string
	FilesSkipped          []string
	FilesErrors           []string
}

// EffectiveDeadlineSecs returns the mode-appropriate default when the
// caller didn't set one, clamped to MaxTimeoutSecs either way.
func (r Request) EffectiveDeadlineSecs() int {
	secs := r.TimeoutSecs
	if secs == 0 {
		if r.Deep {
			secs = 600
		} else {
			secs = 180
		}
	}
	if secs > MaxTimeoutSecs {
		secs = MaxTimeoutSecs
	}
	return secs
}

func (r Request) effectiveMaxTokens() int {
	if r.MaxTokensPerResponse > 0 {
		return r.MaxTokensPerResponse
	}
	if r.Deep {
		return 16384
	}
	return 8192
}

func (r Request) effectiveReasoningEffort() models.ReasoningEffort {
	if r.Deep {
		return models.ReasoningHigh
	}
	return models.ReasoningMedium
}

// Executor runs reviews against a catalog and dispatcher, gated by memory.
type Executor struct {
	catalog    ModelCatalog
	dispatcher ModelDispatcher
	persist    func(models.ReviewRecord) (string, error)
}

func NewExecutor(catalog ModelCatalog, dispatcher ModelDispatcher, persist func(models.ReviewRecord) (string, error)) *Executor {
	return &Executor{catalog: catalog, dispatcher: dispatcher, persist: persist}
}

type taskResult struct {
	modelKey string
	provider string
	outcome  models.DispatchOutcome
}

// Execute runs the five-step review algorithm: gate, spawn, race against the
// deadline capturing partial results on cutoff, assemble, persist.
func (e *Executor) Execute(ctx context.Context, req Request, gate GateSource) models.ReviewRecord {
	start := time.Now()
	var warnings []string

	promptDigest := sha256.Sum256([]byte(req.Prompt))
	promptDigestHex := hex.EncodeToString(promptDigest[:8])

	cutoffSecs := req.EffectiveDeadlineSecs()
	cutoff := time.Duration(cutoffSecs) * time.Second

	targetModels, autoSelected, w := e.selectModels(req)
	warnings = append(warnings, w...)
	originalCount := len(targetModels)

	ctx, span := telemetry.StartReview(ctx, promptDigestHex, originalCount)
	defer span.End()

	idToKey := e.catalog.NativeIDToKey()
	gatedCount := 0
	if gate != nil {
		if stats, ok := gate.GateStats(idToKey); ok {
			targetModels, gatedCount, w = applyGate(targetModels, stats)
			warnings = append(warnings, w...)
		}
	}

	var notStarted []string
	type modelProvider struct{ key, provider string }
	var modelProviders []modelProvider
	for _, key := range targetModels {
		entry, ok := e.catalog.Get(key)
		if !ok {
			notStarted = append(notStarted, key)
			continue
		}
		modelProviders = append(modelProviders, modelProvider{key, entry.Provider})
	}

	targetSet := make(map[string]bool, len(modelProviders))
	for _, mp := range modelProviders {
		targetSet[mp.key] = true
	}
	resolvedSystemPrompts, w := resolveStringMap(req.PerModelSystemPrompts, targetSet, idToKey, "per_model_system_prompts")
	warnings = append(warnings, w...)
	resolvedTimeouts, w := resolveIntMap(req.PerModelTimeoutSecs, targetSet, idToKey, "per_model_timeout_secs")
	warnings = append(warnings, w...)

	internalDeadline := start.Add(cutoff + cutoffBufferSecs*time.Second)
	reviewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	investigationCtx, ictxWarning := clampInvestigationContext(req.InvestigationContext)
	if ictxWarning != "" {
		warnings = append(warnings, ictxWarning)
	}
	prompt := req.Prompt
	if investigationCtx != "" {
		prompt = prompt + "\n\n" + investigationCtx
	}

	results := make(chan taskResult, len(modelProviders))
	var wg sync.WaitGroup
	for _, mp := range modelProviders {
		mp := mp
		systemPrompt := req.SystemPrompt
		if sp, ok := resolvedSystemPrompts[mp.key]; ok {
			systemPrompt = sp
		}
		deadline := internalDeadline
		if secs, ok := resolvedTimeouts[mp.key]; ok {
			if secs > MaxTimeoutSecs {
				secs = MaxTimeoutSecs
			}
			perModelDeadline := start.Add(time.Duration(secs) * time.Second)
			if perModelDeadline.Before(deadline) {
				deadline = perModelDeadline
			}
		}
		stallTimeout := time.Duration(0)
		if req.Deep {
			stallTimeout = 300 * time.Second
		}

		dreq := models.DispatchRequest{
			Prompt:           prompt,
			ModelKey:         mp.key,
			SystemPrompt:     systemPrompt,
			Temperature:      req.Temperature,
			MaxTokens:        req.effectiveMaxTokens(),
			ReasoningEffort:  req.effectiveReasoningEffort(),
			Deadline:         deadline,
			StallTimeout:     stallTimeout,
			WorkingDirectory: req.WorkingDirectory,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- taskResult{
						modelKey: mp.key, provider: mp.provider,
						outcome: models.DispatchOutcome{
							ModelKey: mp.key, Provider: mp.provider, Status: models.StatusError,
							ErrorMsg: fmt.Sprintf("dispatch task panicked: %v", r), Reason: "panic",
						},
					}
				}
			}()
			outcome := e.dispatcher.QueryModel(reviewCtx, dreq)
			results <- taskResult{modelKey: mp.key, provider: mp.provider, outcome: outcome}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make(map[string]models.DispatchOutcome, len(modelProviders))
	deadlineTimer := time.NewTimer(cutoff)
	defer deadlineTimer.Stop()

collectLoop:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break collectLoop
			}
			outcomes[r.modelKey] = r.outcome
		case <-deadlineTimer.C:
			// Straggler cutoff: cancel the shared context, give in-flight
			// tasks cancelGrace to return whatever partial text they hold,
			// then drainGrace to mop up stragglers. Every outcome that
			// arrives after the deadline is recorded with reason cutoff.
			cancel()
			graceTimer := time.NewTimer(cancelGrace)
		graceLoop:
			for {
				select {
				case r, ok := <-results:
					if !ok {
						graceTimer.Stop()
						break collectLoop
					}
					o := r.outcome
					o.Reason = string(models.ReasonCutoff)
					outcomes[r.modelKey] = o
				case <-graceTimer.C:
					break graceLoop
				}
			}
			drainTimer := time.NewTimer(drainGrace)
		drainLoop:
			for {
				select {
				case r, ok := <-results:
					if !ok {
						drainTimer.Stop()
						break collectLoop
					}
					o := r.outcome
					o.Reason = string(models.ReasonCutoff)
					outcomes[r.modelKey] = o
				case <-drainTimer.C:
					break drainLoop
				}
			}
			break collectLoop
		}
	}

	elapsed := time.Since(start)
	var assembled []models.DispatchOutcome
	for _, mp := range modelProviders {
		if out, ok := outcomes[mp.key]; ok {
			assembled = append(assembled, out)
			continue
		}
		assembled = append(assembled, models.DispatchOutcome{
			ModelKey: mp.key, Provider: mp.provider, Status: models.StatusError,
			ErrorMsg: "straggler cutoff", Reason: string(models.ReasonCutoff),
			ElapsedMS: elapsed.Milliseconds(),
		})
	}

	summary := buildSummary(originalCount, gatedCount, len(notStarted), assembled, autoSelected, req, targetModels)

	record := models.ReviewRecord{
		ID:                    uuid.New().String(),
		PromptDigest:          promptDigestHex,
		ModelsRequested:       req.Models,
		NotStarted:            notStarted,
		Deep:                  req.Deep,
		DeadlineSecs:          cutoffSecs,
		CutoffSecs:            cutoffSecs,
		Outcomes:              assembled,
		Summary:               summary,
		ElapsedMS:             elapsed.Milliseconds(),
		FilesSkipped:          req.FilesSkipped,
		FilesErrors:           req.FilesErrors,
		Warnings:              warnings,
		InvestigationContext:  investigationCtx,
		CreatedAt:             start,
	}

	if e.persist != nil {
		if path, err := e.persist(record); err != nil {
			record.PersistError = err.Error()
		} else {
			record.ResultsFile = path
		}
	}

	return record
}

// selectModels dedupes and caps the requested model list, or falls back to
// the config default / full catalog when the caller omitted one.
func (e *Executor) selectModels(req Request) ([]string, bool, []string) {
	var warnings []string
	if req.Models != nil {
		seen := make(map[string]bool)
		var deduped []string
		for _, m := range req.Models {
			if !seen[m] {
				seen[m] = true
				deduped = append(deduped, m)
			}
		}
		if len(deduped) > MaxModels {
			dropped := deduped[MaxModels:]
			warnings = append(warnings, fmt.Sprintf("Requested %d models but max is %d. Dropped: %v.", len(deduped), MaxModels, dropped))
			deduped = deduped[:MaxModels]
		}
		return deduped, false, warnings
	}

	var all []string
	if len(req.DefaultModels) > 0 {
		all = append(all, req.DefaultModels...)
	} else {
		for _, m := range e.catalog.List() {
			all = append(all, m.Key)
		}
		sort.Strings(all)
	}
	if len(all) > MaxModels {
		dropped := all[MaxModels:]
		warnings = append(warnings, fmt.Sprintf("Auto-selected %d models but max is %d. Dropped: %v.", len(all), MaxModels, dropped))
		all = all[:MaxModels]
	}
	return all, true, warnings
}

// applyGate excludes models below the success threshold, restoring the
// original list (ungated) if that would empty the set, and re-admitting one
// gated model via the exploration slot when its failures are mostly timing.
func applyGate(target []string, stats map[string]models.GateStats) (result []string, gatedCount int, warnings []string) {
	original := append([]string(nil), target...)
	var gatedDetails []string
	var kept []string

	for _, model := range target {
		s, ok := stats[model]
		if ok && s.SampleCount >= MinGateSamples && s.SuccessRate < MinSuccessRate {
			timing := s.TimeoutCount + s.CutoffCount
			detail := fmt.Sprintf("%s: %.1f%% success (%d samples", model, s.SuccessRate*100, s.SampleCount)
			if timing > 0 {
				detail += fmt.Sprintf(", %d/%d timeout/cutoff", timing, s.SampleCount)
				if s.AvgFailedPromptLen > 0 {
					detail += fmt.Sprintf(", avg failed prompt %dchars", s.AvgFailedPromptLen)
				}
			}
			if s.PartialCount > 0 {
				detail += fmt.Sprintf(", %d partial", s.PartialCount)
			}
			detail += ")"
			gatedDetails = append(gatedDetails, detail)
			continue
		}
		kept = append(kept, model)
	}

	gatedCount = len(gatedDetails)
	if gatedCount > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"Models excluded by hard gate (<%.1f%% success, >=%d samples): %s",
			MinSuccessRate*100, MinGateSamples, strings.Join(gatedDetails, "; ")))
	}

	if len(kept) == 0 && gatedCount > 0 {
		warnings = append(warnings, "All requested models below success threshold — proceeding with original list")
		return original, 0, warnings
	}

	if gatedCount > 0 {
		gatedSet := make(map[string]bool, len(kept))
		for _, m := range kept {
			gatedSet[m] = true
		}
		var bestModel string
		var bestStats models.GateStats
		found := false
		for _, m := range original {
			if gatedSet[m] {
				continue
			}
			s, ok := stats[m]
			if !ok {
				continue
			}
			timing := s.TimeoutCount + s.CutoffCount
			successes := int(s.SuccessRate * float64(s.SampleCount))
			failures := s.SampleCount - successes
			if failures <= 0 || timing*2 <= failures {
				continue
			}
			if !found || s.SuccessRate > bestStats.SuccessRate {
				bestModel, bestStats, found = m, s, true
			}
		}
		if found {
			kept = append(kept, bestModel)
			gatedCount--
			timing := bestStats.TimeoutCount + bestStats.CutoffCount
			warnings = append(warnings, fmt.Sprintf(
				"Exploration slot: re-adding %s (%.1f%% success, %d/%d timeout/cutoff — likely config issue)",
				bestModel, bestStats.SuccessRate*100, timing, bestStats.SampleCount))
		}
	}

	return kept, gatedCount, warnings
}

// resolvePerModelKey implements the three-step fuzzy match from spec §4.5:
// exact key, case-insensitive key, then reverse lookup via native id.
func resolvePerModelKey(key string, targetSet map[string]bool, idToKey map[string]string) (string, bool) {
	if targetSet[key] {
		return key, true
	}
	lower := strings.ToLower(key)
	for k := range targetSet {
		if strings.ToLower(k) == lower {
			return k, true
		}
	}
	if configKey, ok := idToKey[key]; ok && targetSet[configKey] {
		return configKey, true
	}
	return "", false
}

func resolveStringMap(in map[string]string, targetSet map[string]bool, idToKey map[string]string, fieldName string) (map[string]string, []string) {
	if in == nil {
		return nil, nil
	}
	resolved := make(map[string]string, len(in))
	var unresolved []string
	var warnings []string
	for key, val := range in {
		matched, ok := resolvePerModelKey(key, targetSet, idToKey)
		if !ok {
			unresolved = append(unresolved, key)
			continue
		}
		if matched != key {
			warnings = append(warnings, fmt.Sprintf("%s key '%s' resolved to '%s'", fieldName, key, matched))
		}
		resolved[matched] = val
	}
	if len(unresolved) > 0 {
		warnings = append(warnings, fmt.Sprintf("%s contains unknown models: %v. Check listmodels for valid names.", fieldName, unresolved))
	}
	return resolved, warnings
}

func resolveIntMap(in map[string]int, targetSet map[string]bool, idToKey map[string]string, fieldName string) (map[string]int, []string) {
	if in == nil {
		return nil, nil
	}
	resolved := make(map[string]int, len(in))
	var unresolved, zeros []string
	var warnings []string
	for key, val := range in {
		matched, ok := resolvePerModelKey(key, targetSet, idToKey)
		if !ok {
			unresolved = append(unresolved, key)
			continue
		}
		if matched != key {
			warnings = append(warnings, fmt.Sprintf("%s key '%s' resolved to '%s'", fieldName, key, matched))
		}
		resolved[matched] = val
		if val == 0 {
			zeros = append(zeros, matched)
		}
	}
	if len(unresolved) > 0 {
		warnings = append(warnings, fmt.Sprintf("%s contains unknown models: %v. Check listmodels for valid names.", fieldName, unresolved))
	}
	if len(zeros) > 0 {
		warnings = append(warnings, fmt.Sprintf("%s has 0 for %v — this causes immediate timeout. Use at least 1.", fieldName, zeros))
	}
	return resolved, warnings
}

// clampInvestigationContext truncates at a UTF-8 rune boundary rather than
// rejecting an oversized blob outright.
func clampInvestigationContext(ctx string) (string, string) {
	if len(ctx) <= MaxInvestigationContextBytes {
		return ctx, ""
	}
	boundary := MaxInvestigationContextBytes
	for boundary > 0 && !isUTF8Boundary(ctx, boundary) {
		boundary--
	}
	truncated := ctx[:boundary]
	warning := fmt.Sprintf("investigation_context was truncated from %d to %d bytes.", len(ctx), len(truncated))
	return truncated, warning
}

func isUTF8Boundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

func buildSummary(originalCount, gatedCount, notStartedCount int, outcomes []models.DispatchOutcome, autoSelected bool, req Request, defaultModels []string) models.ReviewSummary {
	var succeeded, partial, failed, cutoff int
	for _, o := range outcomes {
		switch {
		case o.Reason == string(models.ReasonCutoff):
			cutoff++
		case o.Status == models.StatusComplete && o.Partial:
			partial++
		case o.Status == models.StatusComplete:
			succeeded++
		case o.Status == models.StatusError:
			failed++
		}
	}
	var note string
	if autoSelected {
		note = fmt.Sprintf("Using default models from config: %v", defaultModels)
	}
	return models.ReviewSummary{
		ModelsRequested:  originalCount,
		ModelsGated:      gatedCount,
		ModelsSucceeded:  succeeded,
		ModelsPartial:    partial,
		ModelsFailed:     failed,
		ModelsCutoff:     cutoff,
		ModelsNotStarted: notStartedCount,
		AutoSelected:     autoSelected,
		SelectionNote:    note,
	}
}
