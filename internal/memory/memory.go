// Package memory persists Squall's cross-review learning as human-scannable
// markdown under .squall/memory/: an append-only event log, a patterns
// store that merges by content identity, an append-only tactics list (no
// merging or evidence counting), and the gate
// statistics the review executor reads before each dispatch — grounded on
// `original_source/memory/local.rs`.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/squall-dispatch/squall/pkg/models"
)

// MaxEventLogEntries bounds models.md's event log before the oldest rows
// are dropped on the next write.
const MaxEventLogEntries = 100

// CompactionInterval recomputes the summary table every N writes even when
// the log hasn't hit its cap, so a slowly-growing log still gets a fresh
// summary periodically.
const CompactionInterval = 10

// MaxPatternEntries caps patterns.md; once the cap is exceeded the entry
// with the lowest evidence count is pruned first, the one with the oldest
// last-seen date among equals.
const MaxPatternEntries = 50

// MaxTacticsBytes caps tactics.md's total size; oldest entries are dropped
// first once the cap is exceeded.
const MaxTacticsBytes = 10 * 1024

// MaxMemorizeContentLen bounds one memorize call's content string.
const MaxMemorizeContentLen = 500

// ConfirmedThreshold is the evidence count at which a pattern is marked
// "[confirmed]".
const ConfirmedThreshold = 5

// ValidCategories is the closed set `memorize` accepts.
var ValidCategories = []string{"pattern", "tactic", "recommend"}

const defaultMemoryDir = ".squall/memory"

const indexContent = `# Squall Memory

This directory holds Squall's durable cross-review memory:

- models.md — per-model latency/success-rate event log and summary
- patterns.md — recurring findings, merged by content identity
- tactics.md — proven (model, lens-prompt) pairings
- archive.md — patterns graduated or retired out of branch scope
`

// Store manages Squall's memory files. Writes are serialized through an
// internal mutex so concurrent reviews can't interleave partial writes;
// reads are lock-free since every write lands via temp-file-then-rename.
type Store struct {
	baseDir     string
	writeMu     sync.Mutex
	writeCount  uint64
	idToKey     map[string]string
}

func NewStore(workingDirectory string) *Store {
	base := workingDirectory
	if base == "" {
		base = "."
	}
	return &Store{baseDir: filepath.Join(base, defaultMemoryDir)}
}

// WithIDToKey sets the provider-native-id → config-key normalization map
// used when reading legacy event rows that recorded a native id.
func (s *Store) WithIDToKey(m map[string]string) *Store {
	s.idToKey = m
	return s
}

func (s *Store) modelsPath() string   { return filepath.Join(s.baseDir, "models.md") }
func (s *Store) patternsPath() string { return filepath.Join(s.baseDir, "patterns.md") }
func (s *Store) tacticsPath() string  { return filepath.Join(s.baseDir, "tactics.md") }
func (s *Store) archivePath() string  { return filepath.Join(s.baseDir, "archive.md") }
func (s *Store) indexPath() string    { return filepath.Join(s.baseDir, "index.md") }

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	idx := s.indexPath()
	if _, err := os.Stat(idx); os.IsNotExist(err) {
		return atomicWrite(idx, indexContent)
	}
	return nil
}

// LogEvents appends one event-log row per outcome to models.md, normalizing
// each model key via idToKey, and recomputes the summary table every
// CompactionInterval writes or whenever the log gets truncated.
func (s *Store) LogEvents(outcomes []models.DispatchOutcome, promptLen int) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ensureDir(); err != nil {
		return
	}

	path := s.modelsPath()
	existing, _ := readFileLossy(path)
	timestamp := isoTimestamp()

	var newEvents []string
	for _, o := range outcomes {
		latencyS := fmt.Sprintf("%.1fs", float64(o.ElapsedMS)/1000.0)
		status := strings.ToLower(string(o.Status))
		partial := "no"
		if o.Partial {
			partial = "yes"
		}
		reason := o.Reason
		if reason == "" {
			reason = "—"
		}
		errMsg := o.ErrorMsg
		if errMsg == "" {
			errMsg = "—"
		}
		model := o.ModelKey
		if s.idToKey != nil {
			if k, ok := s.idToKey[model]; ok {
				model = k
			}
		}
		newEvents = append(newEvents, fmt.Sprintf("| %s | %s | %s | %s | %s | %s | %s | %d |",
			timestamp, escapePipes(model), latencyS, status, partial, escapePipes(reason), escapePipes(errMsg), promptLen))
	}

	summarySection, eventLines := parseModelsFile(existing)
	allEvents := append(eventLines, newEvents...)

	s.writeCount++
	shouldCompact := s.writeCount%CompactionInterval == 0

	truncated := len(allEvents) > MaxEventLogEntries
	if truncated {
		allEvents = allEvents[len(allEvents)-MaxEventLogEntries:]
	}

	newSummary := summarySection
	if shouldCompact || truncated || summarySection == "" {
		newSummary = computeSummary(allEvents, s.idToKey)
	}

	output := formatModelsFile(newSummary, allEvents)
	_ = atomicWrite(path, output)
}

// Memorize writes an explicit learning to patterns.md or tactics.md,
// rejecting invalid categories, oversized, or empty content.
func (s *Store) Memorize(category, content string, model string, tags []string, scope string, metadata map[string]string) (string, error) {
	if !contains(ValidCategories, category) {
		return "", fmt.Errorf("invalid category: %s. Must be one of: %s", category, strings.Join(ValidCategories, ", "))
	}
	if len(content) > MaxMemorizeContentLen {
		return "", fmt.Errorf("content too long: %d chars (max %d)", len(content), MaxMemorizeContentLen)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("content must not be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ensureDir(); err != nil {
		return "", fmt.Errorf("failed to create memory directory: %w", err)
	}

	content = sanitizeLine(content)
	timestamp := isoDate()

	tagLine := ""
	if len(tags) > 0 {
		sanitized := make([]string, len(tags))
		for i, t := range tags {
			sanitized[i] = sanitizeLine(t)
		}
		tagLine = "- Tags: " + strings.Join(sanitized, ", ")
	}
	modelLine := ""
	if model != "" {
		modelLine = "- Model: " + sanitizeLine(model)
	}
	var metadataLines []string
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			metadataLines = append(metadataLines, fmt.Sprintf("- %s: %s", sanitizeLine(k), sanitizeLine(metadata[k])))
		}
	}

	switch category {
	case "pattern":
		return s.memorizePattern(content, scope, modelLine, tagLine, metadataLines, timestamp)
	default: // "tactic", "recommend"
		return s.memorizeTactic(content, model)
	}
}

func (s *Store) memorizePattern(content, scope, modelLine, tagLine string, metadataLines []string, timestamp string) (string, error) {
	path := s.patternsPath()
	existing, err := readFileLossy(path)
	if err != nil {
		return "", fmt.Errorf("failed to read patterns.md: %w", err)
	}
	entries := parsePatternEntries(existing)

	hash := contentHash(content, scope)
	idx := -1
	for i, e := range entries {
		if extractEntryHash(e) == hash {
			idx = i
			break
		}
	}

	if idx >= 0 {
		old := entries[idx]
		newCount := extractEvidenceCount(old) + 1
		firstSeen := extractFirstSeen(old)
		if firstSeen == "" {
			firstSeen = timestamp
		}
		confirmed := ""
		if newCount >= ConfirmedThreshold {
			confirmed = " [confirmed]"
		}

		scopeLine := ""
		if scope != "" {
			scopeLine = "- Scope: " + sanitizeLine(scope)
		} else if old := extractEntryScope(old); old != "" {
			scopeLine = "- Scope: " + old
		}

		var b strings.Builder
		fmt.Fprintf(&b, "## [%s] %s [x%d]%s\n<!-- hash:%s -->\n- Evidence: %d occurrences (%s to %s)\n",
			timestamp, content, newCount, confirmed, hash, newCount, firstSeen, timestamp)
		if scopeLine != "" {
			b.WriteString(scopeLine + "\n")
		}
		effModelLine := modelLine
		if effModelLine == "" {
			if m := extractEntryModel(entries[idx]); m != "" {
				effModelLine = "- Model: " + m
			}
		}
		if effModelLine != "" {
			b.WriteString(effModelLine + "\n")
		}
		effTagLine := tagLine
		if effTagLine == "" {
			if t := extractEntryTags(entries[idx]); t != "" {
				effTagLine = "- Tags: " + t
			}
		}
		if effTagLine != "" {
			b.WriteString(effTagLine + "\n")
		}
		if len(metadataLines) > 0 {
			for _, ml := range metadataLines {
				b.WriteString(ml + "\n")
			}
		} else {
			for _, ml := range extractEntryMetadataLines(entries[idx]) {
				b.WriteString(ml + "\n")
			}
		}
		entries[idx] = b.String()
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "## [%s] %s [x1]\n<!-- hash:%s -->\n", timestamp, content, hash)
		if scope != "" {
			b.WriteString("- Scope: " + sanitizeLine(scope) + "\n")
		}
		if modelLine != "" {
			b.WriteString(modelLine + "\n")
		}
		if tagLine != "" {
			b.WriteString(tagLine + "\n")
		}
		for _, ml := range metadataLines {
			b.WriteString(ml + "\n")
		}
		entries = append(entries, b.String())
	}

	lastSeen := func(e string) string {
		if end := strings.Index(e, "]"); strings.HasPrefix(e, "## [") && end > 4 {
			return e[4:end]
		}
		return ""
	}
	for len(entries) > MaxPatternEntries {
		victim := 0
		for i := 1; i < len(entries); i++ {
			ei, ev := extractEvidenceCount(entries[i]), extractEvidenceCount(entries[victim])
			if ei < ev || (ei == ev && lastSeen(entries[i]) < lastSeen(entries[victim])) {
				victim = i
			}
		}
		entries = append(entries[:victim], entries[victim+1:]...)
	}

	output := "# Recurring Patterns\n\n" + strings.Join(entries, "\n")
	if err := atomicWrite(path, output); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, "patterns.md"), nil
}

func (s *Store) memorizeTactic(content, model string) (string, error) {
	path := s.tacticsPath()
	existing, err := readFileLossy(path)
	if err != nil {
		return "", fmt.Errorf("failed to read tactics.md: %w", err)
	}

	var newLine string
	if model != "" {
		newLine = fmt.Sprintf("- [%s] %s", sanitizeLine(model), content)
	} else {
		newLine = "- " + content
	}

	var output string
	if existing == "" {
		output = "# Prompt Tactics\n\n" + newLine + "\n"
	} else {
		output = existing + "\n" + newLine + "\n"
	}

	for len(output) > MaxTacticsBytes {
		pos := strings.Index(output, "\n- ")
		if pos < 0 {
			break
		}
		rest := output[pos+1:]
		end := strings.Index(rest, "\n")
		if end < 0 {
			output = output[:pos]
		} else {
			output = output[:pos] + output[pos+1+end:]
		}
	}
	for strings.HasSuffix(output, "\n\n\n") {
		output = output[:len(output)-1]
	}

	if err := atomicWrite(path, output); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, "tactics.md"), nil
}

// ReadMemory implements the `memory` tool's read path: category selects
// models/patterns/tactics/recommend/all, with an optional model or scope
// filter and a hard character cap on the returned text.
func (s *Store) ReadMemory(category, model string, maxChars int, scope string) (string, error) {
	if category == "" {
		category = "all"
	}
	var sections []string

	if category == "recommend" {
		content, err := readFile(s.modelsPath())
		if err != nil {
			if os.IsNotExist(err) {
				return "No model data yet. Run a `review` first to populate model metrics.", nil
			}
			return "", fmt.Errorf("failed to read models.md: %w", err)
		}
		rec := generateRecommendations(content, s.idToKey)
		if rec != "" {
			return rec, nil
		}
		return "No model data yet. Run a `review` first to populate model metrics.", nil
	}

	if category == "all" || category == "models" {
		content, err := readFile(s.modelsPath())
		if err == nil {
			summary, _ := parseModelsFile(content)
			if summary != "" {
				sections = append(sections, "# Model Performance\n\n"+summary)
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read models.md: %w", err)
		}
	}

	if category == "all" || category == "patterns" {
		content, err := readFile(s.patternsPath())
		if err == nil {
			if scope != "" {
				entries := parsePatternEntries(content)
				var filtered []string
				for _, e := range entries {
					if extractEntryScope(e) == strings.TrimSpace(scope) {
						filtered = append(filtered, e)
					}
				}
				if len(filtered) > 0 {
					sections = append(sections, "# Recurring Patterns\n\n"+strings.Join(filtered, "\n"))
				}
			} else {
				sections = append(sections, content)
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read patterns.md: %w", err)
		}
	}

	if category == "all" || category == "tactics" {
		content, err := readFile(s.tacticsPath())
		if err == nil {
			if model != "" {
				marker := "[" + model + "]"
				var filtered []string
				found := false
				for _, line := range strings.Split(content, "\n") {
					if strings.HasPrefix(line, "#") || strings.Contains(line, marker) || strings.TrimSpace(line) == "" {
						filtered = append(filtered, line)
						if strings.Contains(line, marker) {
							found = true
						}
					}
				}
				if found {
					sections = append(sections, strings.Join(filtered, "\n"))
				}
			} else {
				sections = append(sections, content)
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read tactics.md: %w", err)
		}
	}

	if len(sections) == 0 {
		return "No memory found. Use the `memorize` tool to save learnings, or run a `review` to auto-populate model metrics.", nil
	}

	result := strings.Join(sections, "\n\n---\n\n")
	const truncationSuffix = "\n\n[truncated]"
	if maxChars > 0 && len(result) > maxChars {
		target := maxChars - len(truncationSuffix)
		if target < 0 {
			target = 0
		}
		boundary := floorByteBoundary(result, target)
		result = result[:boundary] + truncationSuffix
	}

	return result, nil
}

// GateStats implements review.GateSource: it parses models.md's event log
// into the per-model diagnostic stats the hard gate and exploration slot
// read. Returns (nil, false) when there's no log yet.
func (s *Store) GateStats(idToKey map[string]string) (map[string]models.GateStats, bool) {
	content, err := readFile(s.modelsPath())
	if err != nil {
		return nil, false
	}
	_, events := parseModelsFile(content)
	if len(events) == 0 {
		return nil, false
	}

	type acc struct {
		sampleCount, successes, timeoutCount, cutoffCount, partialCount int
		failedPromptLenSum, failedPromptLenCount                        int
	}
	stats := map[string]*acc{}

	for _, line := range events {
		cols := splitCols(line)
		if len(cols) < 8 {
			continue
		}
		rawModel := cols[1]
		model := rawModel
		if k, ok := idToKey[rawModel]; ok {
			model = k
		}
		status := cols[3]
		partial := cols[4]
		reason := cols[5]
		promptLen, _ := strconv.Atoi(cols[7])

		a, ok := stats[model]
		if !ok {
			a = &acc{}
			stats[model] = a
		}
		if reason == "auth_failed" || reason == "rate_limited" || reason == "network" || reason == "spawn_failed" {
			continue // infra failures excluded from the gate denominator entirely
		}
		a.sampleCount++
		isSuccess := status == "complete" && partial != "yes"
		if isSuccess {
			a.successes++
		} else {
			a.failedPromptLenSum += promptLen
			a.failedPromptLenCount++
		}
		if partial == "yes" {
			a.partialCount++
		}
		switch reason {
		case "timeout":
			a.timeoutCount++
		case "cutoff":
			a.cutoffCount++
		}
	}

	out := make(map[string]models.GateStats, len(stats))
	for model, a := range stats {
		avgFailed := 0
		if a.failedPromptLenCount > 0 {
			avgFailed = a.failedPromptLenSum / a.failedPromptLenCount
		}
		rate := 0.0
		if a.sampleCount > 0 {
			rate = float64(a.successes) / float64(a.sampleCount)
		}
		out[model] = models.GateStats{
			ModelKey: model, SampleCount: a.sampleCount, SuccessRate: rate,
			TimeoutCount: a.timeoutCount, CutoffCount: a.cutoffCount,
			PartialCount: a.partialCount, AvgFailedPromptLen: avgFailed,
		}
	}
	return out, true
}

// FlushBranch graduates branch-scoped patterns with evidence >= 3 to
// codebase scope, archives the rest, and prunes model events older than 30
// days. Archive write happens before the patterns rewrite, so an archive
// failure never loses data that's already been dropped from patterns.md.
func (s *Store) FlushBranch(branch string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	branchScope := "branch:" + branch
	graduated, archived := 0, 0

	existing, err := readFileLossy(s.patternsPath())
	if err != nil {
		return "", fmt.Errorf("failed to read patterns.md: %w", err)
	}
	entries := parsePatternEntries(existing)

	var kept, archiveEntries []string
	for _, entry := range entries {
		if extractEntryScope(entry) == branchScope {
			if extractEvidenceCount(entry) >= 3 {
				kept = append(kept, strings.Replace(entry, "- Scope: "+branchScope, "- Scope: codebase", 1))
				graduated++
			} else {
				archiveEntries = append(archiveEntries, entry)
				archived++
			}
		} else {
			kept = append(kept, entry)
		}
	}

	if len(archiveEntries) > 0 {
		archive, err := readFileLossy(s.archivePath())
		if err != nil {
			return "", fmt.Errorf("failed to read archive.md: %w", err)
		}
		if archive == "" {
			archive = "# Archived Patterns\n\n"
		}
		for _, e := range archiveEntries {
			archive += e + "\n"
		}
		if err := atomicWrite(s.archivePath(), archive); err != nil {
			return "", err
		}
	}

	if graduated > 0 || archived > 0 {
		output := "# Recurring Patterns\n\n" + strings.Join(kept, "\n")
		if err := atomicWrite(s.patternsPath(), output); err != nil {
			return "", err
		}
	}

	pruned := s.pruneOldModelEvents(30)

	return fmt.Sprintf("Flush complete for branch '%s': %d patterns graduated to codebase, %d patterns archived, %d old model events pruned",
		branch, graduated, archived, pruned), nil
}

func (s *Store) pruneOldModelEvents(maxAgeDays int) int {
	content, err := readFile(s.modelsPath())
	if err != nil {
		return 0
	}
	_, events := parseModelsFile(content)
	if len(events) == 0 {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).Format("2006-01-02")
	var kept []string
	for _, e := range events {
		trimmed := strings.TrimPrefix(e, "| ")
		if len(trimmed) < 10 || trimmed[:10] >= cutoff {
			kept = append(kept, e)
		}
	}
	pruned := len(events) - len(kept)
	if pruned > 0 {
		summary := computeSummary(kept, s.idToKey)
		_ = atomicWrite(s.modelsPath(), formatModelsFile(summary, kept))
	}
	return pruned
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
