package toolserver

import (
	"context"

	"github.com/squall-dispatch/squall/internal/gitctx"
	"github.com/squall-dispatch/squall/internal/ops"
	"github.com/squall-dispatch/squall/internal/review"
	"github.com/squall-dispatch/squall/pkg/models"
)

// DefaultChatModel is used by chat/clink when the caller omits a model name.
const DefaultChatModel = "grok-4-1-fast-reasoning"

// ModelCatalog is the narrow registry view toolserver needs — kept as an
// interface, like internal/dispatch's ModelResolver and internal/review's
// ModelCatalog, so handler tests can supply a fake catalog.
type ModelCatalog interface {
	Get(key string) (models.ModelEntry, bool)
	List() []models.ModelEntry
	Available() []models.ModelEntry
	NativeIDToKey() map[string]string
	Resolve(name string) (models.ModelEntry, bool, string)
}

// Dispatcher is the narrow dispatch view toolserver needs.
type Dispatcher interface {
	QueryModel(ctx context.Context, req models.DispatchRequest) models.DispatchOutcome
}

// MemoryStore is the narrow memory view toolserver needs.
type MemoryStore interface {
	Memorize(category, content, model string, tags []string, scope string, metadata map[string]string) (string, error)
	ReadMemory(category, model string, maxChars int, scope string) (string, error)
	FlushBranch(branch string) (string, error)
	GateStats(idToKey map[string]string) (map[string]models.GateStats, bool)
	LogEvents(outcomes []models.DispatchOutcome, promptLen int)
}

// Deps bundles everything a tool handler needs to do its work. Ops and
// activity tracking are optional — a caller that never starts the loopback
// diagnostics surface leaves them nil, and handlers skip recording to them.
type Deps struct {
	Registry   ModelCatalog
	Dispatcher Dispatcher
	Memory     MemoryStore
	Executor   *review.Executor
	GitCache   *gitctx.Cache

	Metrics  *ops.Metrics
	Activity *ops.ActivityLog
}

func (d *Deps) recordActivity(kind, modelKey, status string, latencyMS int64) {
	if d.Activity == nil {
		return
	}
	d.Activity.Record(ops.ActivityEntry{
		Kind: kind, ModelKey: modelKey, Status: status, LatencyMS: latencyMS,
	})
}

func (d *Deps) recordDispatchMetric(backend, status string) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RecordDispatch(backend, status)
}
