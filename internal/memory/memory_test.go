package memory_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/squall-dispatch/squall/internal/memory"
	"github.com/squall-dispatch/squall/pkg/models"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	dir := t.TempDir()
	return memory.NewStore(dir)
}

// ─── Event logging ──────────────────────────────────────────

func TestLogEventsWritesTable(t *testing.T) {
	s := newTestStore(t)
	s.LogEvents([]models.DispatchOutcome{
		{ModelKey: "gpt-5", Status: models.StatusComplete, ElapsedMS: 1500},
		{ModelKey: "claude", Status: models.StatusError, ElapsedMS: 200, Reason: "timeout", ErrorMsg: "deadline exceeded"},
	}, 42)

	got, ok := s.GateStats(nil)
	if !ok {
		t.Fatalf("GateStats() ok = false, want true after logging events")
	}
	if got["gpt-5"].SampleCount != 1 {
		t.Errorf("gpt-5 SampleCount = %d, want 1", got["gpt-5"].SampleCount)
	}
	if got["gpt-5"].SuccessRate != 1.0 {
		t.Errorf("gpt-5 SuccessRate = %v, want 1.0", got["gpt-5"].SuccessRate)
	}
	if got["claude"].TimeoutCount != 1 {
		t.Errorf("claude TimeoutCount = %d, want 1", got["claude"].TimeoutCount)
	}
}

func TestLogEventsExcludesInfraFailuresFromGate(t *testing.T) {
	s := newTestStore(t)
	s.LogEvents([]models.DispatchOutcome{
		{ModelKey: "m1", Status: models.StatusError, Reason: "auth_failed"},
		{ModelKey: "m1", Status: models.StatusError, Reason: "rate_limited"},
	}, 10)

	got, ok := s.GateStats(nil)
	if !ok {
		t.Fatalf("GateStats() ok = false")
	}
	if stats, present := got["m1"]; present && stats.SampleCount != 0 {
		t.Errorf("m1 SampleCount = %d, want 0 (infra failures excluded)", stats.SampleCount)
	}
}

func TestGateStatsNoLogReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.GateStats(nil)
	if ok {
		t.Error("GateStats() ok = true with no events logged, want false")
	}
}

func TestLogEventsCapsAtMaxEntries(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < memory.MaxEventLogEntries+20; i++ {
		s.LogEvents([]models.DispatchOutcome{
			{ModelKey: "m1", Status: models.StatusComplete, ElapsedMS: 100},
		}, 5)
	}
	got, _ := s.ReadMemory("models", "", 0, "")
	want := fmt.Sprintf("| m1 | %d |", memory.MaxEventLogEntries)
	if !strings.Contains(got, want) {
		t.Errorf("models summary = %q, want it to contain %q: only the %d rows the capped log keeps are counted", got, want, memory.MaxEventLogEntries)
	}
}

// ─── Memorize ────────────────────────────────────────────────

func TestMemorizeRejectsInvalidCategory(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Memorize("nonsense", "some content", "", nil, "", nil)
	if err == nil {
		t.Fatal("Memorize() with invalid category error = nil, want error")
	}
}

func TestMemorizeRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Memorize("pattern", "   ", "", nil, "", nil)
	if err == nil {
		t.Fatal("Memorize() with blank content error = nil, want error")
	}
}

func TestMemorizeRejectsOversizedContent(t *testing.T) {
	s := newTestStore(t)
	content := strings.Repeat("x", memory.MaxMemorizeContentLen+1)
	_, err := s.Memorize("pattern", content, "", nil, "", nil)
	if err == nil {
		t.Fatal("Memorize() with oversized content error = nil, want error")
	}
}

func TestMemorizePatternAppendsNewEntry(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Memorize("pattern", "off-by-one in pagination", "gpt-5", []string{"bug"}, "codebase", nil)
	if err != nil {
		t.Fatalf("Memorize() error = %v", err)
	}
	if path == "" {
		t.Error("Memorize() returned empty path")
	}

	got, err := s.ReadMemory("patterns", "", 0, "")
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !strings.Contains(got, "off-by-one in pagination") {
		t.Errorf("ReadMemory(patterns) = %q, want it to contain the new pattern", got)
	}
	if !strings.Contains(got, "[x1]") {
		t.Errorf("ReadMemory(patterns) = %q, want evidence count [x1] on first sighting", got)
	}
}

func TestMemorizePatternMergesDuplicateByContent(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Memorize("pattern", "same finding every time", "", nil, "codebase", nil); err != nil {
			t.Fatalf("Memorize() call %d error = %v", i, err)
		}
	}

	got, _ := s.ReadMemory("patterns", "", 0, "")
	if strings.Count(got, "## [") != 1 {
		t.Errorf("ReadMemory(patterns) has %d entries, want exactly 1 merged entry", strings.Count(got, "## ["))
	}
	if !strings.Contains(got, "[x3]") {
		t.Errorf("ReadMemory(patterns) = %q, want evidence count [x3] after 3 identical memorize calls", got)
	}
}

func TestMemorizePatternMarksConfirmedAtThreshold(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < memory.ConfirmedThreshold; i++ {
		if _, err := s.Memorize("pattern", "recurring issue", "", nil, "codebase", nil); err != nil {
			t.Fatalf("Memorize() call %d error = %v", i, err)
		}
	}
	got, _ := s.ReadMemory("patterns", "", 0, "")
	if !strings.Contains(got, "[confirmed]") {
		t.Errorf("ReadMemory(patterns) = %q, want [confirmed] marker at evidence threshold %d", got, memory.ConfirmedThreshold)
	}
}

func TestMemorizeTacticAppends(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Memorize("tactic", "ask for a diff-only summary to cut latency", "gpt-5", nil, "", nil)
	if err != nil {
		t.Fatalf("Memorize() error = %v", err)
	}
	got, err := s.ReadMemory("tactics", "", 0, "")
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !strings.Contains(got, "ask for a diff-only summary") {
		t.Errorf("ReadMemory(tactics) = %q, want it to contain the tactic", got)
	}
	if !strings.Contains(got, "[gpt-5]") {
		t.Errorf("ReadMemory(tactics) = %q, want model tag [gpt-5]", got)
	}
}

// ─── ReadMemory ──────────────────────────────────────────────

func TestReadMemoryEmptyStoreReturnsHelpfulMessage(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadMemory("all", "", 0, "")
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if got == "" {
		t.Error("ReadMemory() on empty store returned empty string, want a guidance message")
	}
}

func TestReadMemoryTruncatesAtMaxCharsOnRuneBoundary(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Memorize("tactic", "café résumé naïve pattern with multibyte runes", "", nil, "", nil); err != nil {
		t.Fatalf("Memorize() error = %v", err)
	}
	got, err := s.ReadMemory("tactics", "", 20, "")
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("ReadMemory() with maxChars=20 = %q, want truncation suffix", got)
	}
	if !isValidUTF8(got) {
		t.Errorf("ReadMemory() truncated output is not valid UTF-8: %q", got)
	}
}

func isValidUTF8(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func TestReadMemoryScopeFilter(t *testing.T) {
	s := newTestStore(t)
	s.Memorize("pattern", "scoped to main", "", nil, "codebase", nil)
	s.Memorize("pattern", "scoped to a branch", "", nil, "branch:feature-x", nil)

	got, err := s.ReadMemory("patterns", "", 0, "codebase")
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !strings.Contains(got, "scoped to main") {
		t.Errorf("ReadMemory(scope=codebase) = %q, want the codebase-scoped entry", got)
	}
	if strings.Contains(got, "scoped to a branch") {
		t.Errorf("ReadMemory(scope=codebase) = %q, should not include branch-scoped entry", got)
	}
}

// ─── FlushBranch ─────────────────────────────────────────────

func TestFlushBranchGraduatesWellEvidencedPatterns(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.Memorize("pattern", "graduate me", "", nil, "branch:feature-x", nil)
	}
	s.Memorize("pattern", "too thin to graduate", "", nil, "branch:feature-x", nil)

	msg, err := s.FlushBranch("feature-x")
	if err != nil {
		t.Fatalf("FlushBranch() error = %v", err)
	}
	if !strings.Contains(msg, "1 patterns graduated") {
		t.Errorf("FlushBranch() message = %q, want it to report 1 graduated pattern", msg)
	}
	if !strings.Contains(msg, "1 patterns archived") {
		t.Errorf("FlushBranch() message = %q, want it to report 1 archived pattern", msg)
	}

	got, _ := s.ReadMemory("patterns", "", 0, "codebase")
	if !strings.Contains(got, "graduate me") {
		t.Errorf("ReadMemory(codebase) after flush = %q, want the graduated pattern", got)
	}
}

// ─── Recommendations ─────────────────────────────────────────

func TestReadMemoryRecommendWithNoDataIsGraceful(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadMemory("recommend", "", 0, "")
	if err != nil {
		t.Fatalf("ReadMemory(recommend) error = %v", err)
	}
	if got == "" {
		t.Error("ReadMemory(recommend) on empty store returned empty string, want guidance")
	}
}

func TestReadMemoryRecommendRanksHigherSuccessModelFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		s.LogEvents([]models.DispatchOutcome{
			{ModelKey: "reliable", Status: models.StatusComplete, ElapsedMS: 2000},
		}, 100)
	}
	for i := 0; i < 10; i++ {
		status := models.StatusComplete
		if i%2 == 0 {
			status = models.StatusError
		}
		s.LogEvents([]models.DispatchOutcome{
			{ModelKey: "flaky", Status: status, ElapsedMS: 2000, Reason: "parse_error"},
		}, 100)
	}

	got, err := s.ReadMemory("recommend", "", 0, "")
	if err != nil {
		t.Fatalf("ReadMemory(recommend) error = %v", err)
	}
	reliableIdx := strings.Index(got, "reliable")
	flakyIdx := strings.Index(got, "flaky")
	if reliableIdx < 0 || flakyIdx < 0 {
		t.Fatalf("ReadMemory(recommend) = %q, want both models mentioned", got)
	}
	if reliableIdx > flakyIdx {
		t.Errorf("reliable model ranked after flaky model in recommendations, want the more successful model to surface first")
	}
}
