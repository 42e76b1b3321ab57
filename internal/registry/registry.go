// Package registry builds Squall's model and provider catalog: a built-in
// list of known models gated by credential/executable availability, with an
// optional TOML overlay (internal/config) layered on top. It also resolves
// a caller-supplied model name to a catalog key, tolerating case and a
// provider's own native model id.
package registry

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/squall-dispatch/squall/internal/config"
	"github.com/squall-dispatch/squall/pkg/models"
)

// Registry is the immutable, process-lifetime catalog of models and
// providers. Construction resolves credentials and probes executables once;
// dispatch never re-checks availability per call.
type Registry struct {
	models    map[string]models.ModelEntry
	providers map[string]models.ProviderEntry
	// nativeIndex maps lowercased native_id -> config key, for the
	// native-id-reverse-lookup step of fuzzy resolution.
	nativeIndex map[string]string
}

// Option customizes catalog construction, primarily for tests that want to
// avoid depending on the real environment or PATH.
type Option func(*buildState)

type buildState struct {
	lookupEnv  func(string) (string, bool)
	lookPath   func(string) (string, error)
	overlay    config.Overlay
}

// WithLookupEnv overrides the environment lookup used for HTTP credentials.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(s *buildState) { s.lookupEnv = f }
}

// WithLookPath overrides the executable-probe used for CLI backends.
func WithLookPath(f func(string) (string, error)) Option {
	return func(s *buildState) { s.lookPath = f }
}

// WithOverlay applies a merged TOML overlay (internal/config.MergeOverlays)
// on top of the built-in catalog.
func WithOverlay(o config.Overlay) Option {
	return func(s *buildState) { s.overlay = o }
}

// New constructs the catalog: the built-in provider/model list (grounded in
// known credential env vars and CLI executables), then the overlay, in that
// order so overlay entries always win.
func New(opts ...Option) *Registry {
	s := &buildState{
		lookupEnv: os.LookupEnv,
		lookPath:  exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := &Registry{
		models:      map[string]models.ModelEntry{},
		providers:   map[string]models.ProviderEntry{},
		nativeIndex: map[string]string{},
	}
	r.loadBuiltins(s)
	r.applyOverlay(s.overlay, s)
	r.reindex()
	return r
}

type builtinModel struct {
	key, provider, nativeID, description, speedTier, precisionTier string
	strengths, weaknesses                                          []string
	backend                                                        models.Backend
	apiKeyEnv, baseURL                                             string
	apiFormat                                                      models.APIFormat
	executable                                                     string
	args                                                           []string
	parser                                                         string
	pollInterval                                                   time.Duration
	maxPollAttempts                                                int
}

// builtinCatalog is the known-model list, grounded on the reference
// implementation's from_env() construction: one HTTP model per credential
// env var, one CLI model per discoverable executable, one async-poll model
// per research-capable credential.
func builtinCatalog() []builtinModel {
	return []builtinModel{
		{
			key: "grok-4-1-fast-reasoning", provider: "xai", nativeID: "grok-4-1-fast-reasoning",
			description: "xAI's fast reasoning model, good for quick review passes",
			strengths:   []string{"fast responses", "broad knowledge"},
			weaknesses:  []string{"XML escaping false positives"},
			speedTier:   "fast", precisionTier: "medium",
			backend: models.BackendHTTP, apiKeyEnv: "XAI_API_KEY",
			baseURL: "https://api.x.ai/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "moonshotai/kimi-k2.5", provider: "openrouter", nativeID: "moonshotai/kimi-k2.5",
			description: "Moonshot's Kimi K2.5, contrarian reviewer with edge-case focus",
			strengths:   []string{"contrarian perspective", "edge case detection"},
			weaknesses:  []string{"frequent timeouts", "inconsistent quality"},
			speedTier:   "slow", precisionTier: "medium",
			backend: models.BackendHTTP, apiKeyEnv: "OPENROUTER_API_KEY",
			baseURL: "https://openrouter.ai/api/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "z-ai/glm-5", provider: "openrouter", nativeID: "z-ai/glm-5",
			description: "Zhipu's GLM-5, strong architectural framing",
			strengths:   []string{"architectural analysis", "structured output"},
			weaknesses:  []string{"rarely finds real bugs", "surface-level findings"},
			speedTier:   "medium", precisionTier: "low",
			backend: models.BackendHTTP, apiKeyEnv: "OPENROUTER_API_KEY",
			baseURL: "https://openrouter.ai/api/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "deepseek-r1", provider: "deepseek", nativeID: "deepseek-reasoner",
			description: "DeepSeek R1 reasoning model, strong at logic-heavy analysis",
			strengths:   []string{"deep reasoning chains", "logic analysis"},
			weaknesses:  []string{"verbose output", "slow on complex prompts"},
			speedTier:   "medium", precisionTier: "medium",
			backend: models.BackendHTTP, apiKeyEnv: "DEEPSEEK_API_KEY",
			baseURL: "https://api.deepseek.com/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "gpt-5", provider: "openai", nativeID: "gpt-5",
			description: "OpenAI GPT-5, general-purpose with strong code understanding",
			strengths:   []string{"broad code understanding", "refactoring suggestions"},
			weaknesses:  []string{"can be overly cautious"},
			speedTier:   "medium", precisionTier: "high",
			backend: models.BackendHTTP, apiKeyEnv: "OPENAI_API_KEY",
			baseURL: "https://api.openai.com/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "mistral-large", provider: "mistral", nativeID: "mistral-large-latest",
			description: "Mistral Large, efficient model with solid code expertise",
			strengths:   []string{"efficient token usage", "multilingual code review"},
			weaknesses:  []string{"less depth on niche patterns"},
			speedTier:   "fast", precisionTier: "medium",
			backend: models.BackendHTTP, apiKeyEnv: "MISTRAL_API_KEY",
			baseURL: "https://api.mistral.ai/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "qwen-3.5", provider: "together", nativeID: "Qwen/Qwen3.5-72B",
			description: "Alibaba's Qwen 3.5 72B via Together AI",
			strengths:   []string{"multilingual understanding", "pattern matching"},
			weaknesses:  []string{"sometimes misses context"},
			speedTier:   "medium", precisionTier: "medium",
			backend: models.BackendHTTP, apiKeyEnv: "TOGETHER_API_KEY",
			baseURL: "https://api.together.xyz/v1/chat/completions", apiFormat: models.APIFormatOpenAI,
		},
		{
			key: "claude", provider: "anthropic", nativeID: "claude-opus-4-5",
			description: "Anthropic Claude, native Messages API",
			strengths:   []string{"careful reasoning", "long context"},
			weaknesses:  []string{"conservative on aggressive refactors"},
			speedTier:   "medium", precisionTier: "high",
			backend: models.BackendHTTP, apiKeyEnv: "ANTHROPIC_API_KEY",
			baseURL: "https://api.anthropic.com/v1/messages", apiFormat: models.APIFormatAnthropic,
		},
		{
			key: "gemini", provider: "gemini", nativeID: "gemini-3-pro-preview",
			description: "Google Gemini CLI, best at systems-level bug detection",
			strengths:   []string{"systems-level bugs", "thoroughness"},
			weaknesses:  []string{"slower than HTTP models"},
			speedTier:   "medium", precisionTier: "high",
			backend: models.BackendCLI, executable: "gemini",
			args: []string{"-m", "gemini-3-pro-preview", "-o", "json"}, parser: "gemini-json",
		},
		{
			key: "codex", provider: "codex", nativeID: "codex",
			description: "OpenAI Codex CLI, highest precision with low false-positive rate",
			strengths:   []string{"highest precision", "exact line references"},
			weaknesses:  []string{"variable speed"},
			speedTier:   "slow", precisionTier: "high",
			backend: models.BackendCLI, executable: "codex",
			args: []string{"exec", "--json"}, parser: "codex-jsonl",
		},
		{
			key: "o3-deep-research", provider: "openai", nativeID: "o3-deep-research",
			description: "OpenAI o3 deep research, long-running web research",
			strengths:   []string{"deep web research", "comprehensive analysis"},
			weaknesses:  []string{"very slow", "expensive"},
			speedTier:   "very_slow", precisionTier: "high",
			backend: models.BackendAsyncPoll, apiKeyEnv: "OPENAI_API_KEY",
			pollInterval: 10 * time.Second, maxPollAttempts: 180,
		},
		{
			key: "o4-mini-deep-research", provider: "openai", nativeID: "o4-mini-deep-research",
			description: "OpenAI o4-mini deep research, faster deep-research variant",
			strengths:   []string{"faster than o3-deep-research", "cost-quality tradeoff"},
			weaknesses:  []string{"still slow", "less thorough than o3"},
			speedTier:   "very_slow", precisionTier: "medium",
			backend: models.BackendAsyncPoll, apiKeyEnv: "OPENAI_API_KEY",
			pollInterval: 10 * time.Second, maxPollAttempts: 180,
		},
		{
			key: "deep-research-pro", provider: "gemini-api", nativeID: "deep-research-pro-preview-12-2025",
			description: "Google Gemini deep research via the Interactions API",
			strengths:   []string{"comprehensive research", "search integration"},
			weaknesses:  []string{"very slow", "may run for an hour"},
			speedTier:   "very_slow", precisionTier: "high",
			backend: models.BackendAsyncPoll, apiKeyEnv: "GOOGLE_API_KEY",
			pollInterval: 15 * time.Second, maxPollAttempts: 240,
		},
	}
}

func (r *Registry) loadBuiltins(s *buildState) {
	for _, b := range builtinCatalog() {
		entry := models.ModelEntry{
			Key: b.key, Provider: b.provider, Backend: b.backend, NativeID: b.nativeID,
			Description: b.description, Strengths: b.strengths, Weaknesses: b.weaknesses,
			SpeedTier: b.speedTier, PrecisionTier: b.precisionTier,
		}

		prov, ok := r.providers[b.provider]
		if !ok {
			prov = models.ProviderEntry{Name: b.provider, Backend: b.backend}
		}

		switch b.backend {
		case models.BackendHTTP, models.BackendAsyncPoll:
			prov.APIKeyEnv = b.apiKeyEnv
			if b.baseURL != "" {
				prov.BaseURL = b.baseURL
			}
			if b.apiFormat != "" {
				prov.APIFormat = b.apiFormat
			}
			prov.PollInterval = b.pollInterval
			prov.MaxPollAttempt = b.maxPollAttempts
			if _, ok := s.lookupEnv(b.apiKeyEnv); ok {
				prov.Available = true
			} else {
				prov.UnavailableReason = fmt.Sprintf("%s not set", b.apiKeyEnv)
			}
		case models.BackendCLI:
			prov.Executable = b.executable
			prov.ArgsTemplate = b.args
			prov.Parser = b.parser
			if _, err := s.lookPath(b.executable); err == nil {
				prov.Available = true
			} else {
				prov.UnavailableReason = fmt.Sprintf("%s not found on PATH", b.executable)
			}
		}

		r.providers[b.provider] = prov
		r.models[b.key] = entry
	}
}

// applyOverlay merges TOML overlay entries into the built-in catalog,
// deleting any model whose overlay sets remove = true.
func (r *Registry) applyOverlay(o config.Overlay, s *buildState) {
	for name, po := range o.Providers {
		prov := r.providers[name]
		prov.Name = name
		if po.BaseURL != "" {
			prov.BaseURL = po.BaseURL
		}
		if po.APIKeyEnv != "" {
			prov.APIKeyEnv = po.APIKeyEnv
			if _, ok := s.lookupEnv(po.APIKeyEnv); ok {
				prov.Available = true
				prov.UnavailableReason = ""
			}
		}
		if po.APIFormat != "" {
			prov.APIFormat = models.APIFormat(po.APIFormat)
		}
		if po.TimeoutS > 0 {
			prov.Timeout = time.Duration(po.TimeoutS) * time.Second
		}
		r.providers[name] = prov
	}

	for key, mo := range o.Models {
		if mo.Remove {
			delete(r.models, key)
			continue
		}
		entry, existed := r.models[key]
		entry.Key = key
		if mo.Provider != "" {
			entry.Provider = mo.Provider
		}
		if mo.Backend != "" {
			entry.Backend = models.Backend(mo.Backend)
		}
		if mo.NativeID != "" {
			entry.NativeID = mo.NativeID
		}
		if mo.Description != "" {
			entry.Description = mo.Description
		}
		if len(mo.Strengths) > 0 {
			entry.Strengths = mo.Strengths
		}
		if len(mo.Weaknesses) > 0 {
			entry.Weaknesses = mo.Weaknesses
		}
		if mo.SpeedTier != "" {
			entry.SpeedTier = mo.SpeedTier
		}
		if mo.PrecisionTier != "" {
			entry.PrecisionTier = mo.PrecisionTier
		}
		r.models[key] = entry

		prov, ok := r.providers[entry.Provider]
		if !ok {
			prov = models.ProviderEntry{Name: entry.Provider, Backend: entry.Backend}
		}
		if mo.BaseURL != "" {
			prov.BaseURL = mo.BaseURL
		}
		if mo.APIKeyEnv != "" {
			prov.APIKeyEnv = mo.APIKeyEnv
			if _, ok := s.lookupEnv(mo.APIKeyEnv); ok {
				prov.Available = true
				prov.UnavailableReason = ""
			} else if !existed {
				prov.UnavailableReason = fmt.Sprintf("%s not set", mo.APIKeyEnv)
			}
		}
		if mo.APIFormat != "" {
			prov.APIFormat = models.APIFormat(mo.APIFormat)
		}
		if mo.Executable != "" {
			prov.Executable = mo.Executable
			if _, err := s.lookPath(mo.Executable); err == nil {
				prov.Available = true
				prov.UnavailableReason = ""
			} else if !existed {
				prov.UnavailableReason = fmt.Sprintf("%s not found on PATH", mo.Executable)
			}
		}
		if len(mo.Args) > 0 {
			prov.ArgsTemplate = mo.Args
		}
		if mo.Parser != "" {
			prov.Parser = mo.Parser
		}
		r.providers[entry.Provider] = prov
	}
}

func (r *Registry) reindex() {
	r.nativeIndex = map[string]string{}
	for key, m := range r.models {
		r.nativeIndex[strings.ToLower(m.NativeID)] = key
	}
}

// Get returns the catalog entry for an exact key match.
func (r *Registry) Get(key string) (models.ModelEntry, bool) {
	m, ok := r.models[key]
	return m, ok
}

// Provider returns the provider entry for a provider name.
func (r *Registry) Provider(name string) (models.ProviderEntry, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// List returns all catalog entries, sorted by key for deterministic output.
func (r *Registry) List() []models.ModelEntry {
	out := make([]models.ModelEntry, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NativeIDToKey returns a fresh map from each model's exact provider-native
// id to its config key, used by the review executor's fuzzy per-model
// option resolution (spec §4.5, `original_source/review.rs`'s id_to_key).
func (r *Registry) NativeIDToKey() map[string]string {
	out := make(map[string]string, len(r.models))
	for key, m := range r.models {
		out[m.NativeID] = key
	}
	return out
}

// Available returns List filtered to entries whose provider is usable.
func (r *Registry) Available() []models.ModelEntry {
	all := r.List()
	out := all[:0:0]
	for _, m := range all {
		if p, ok := r.providers[m.Provider]; ok && p.Available {
			out = append(out, m)
		}
	}
	return out
}

// Resolve finds a model entry for a caller-supplied name, trying in order:
// exact key, case-insensitive key, then a reverse lookup by the provider's
// own native model id. Ambiguous or unresolved names return ok=false along
// with the closest suggestion for a "did you mean" hint.
func (r *Registry) Resolve(name string) (models.ModelEntry, bool, string) {
	if m, ok := r.models[name]; ok {
		return m, true, ""
	}
	lower := strings.ToLower(name)
	for key, m := range r.models {
		if strings.ToLower(key) == lower {
			return m, true, ""
		}
	}
	if key, ok := r.nativeIndex[lower]; ok {
		return r.models[key], true, ""
	}
	return models.ModelEntry{}, false, r.suggest(name)
}

// suggest returns the catalog key with the smallest edit distance to name,
// for a "did you mean" hint on an unresolved model.
func (r *Registry) suggest(name string) string {
	best := ""
	bestDist := -1
	lower := strings.ToLower(name)
	for key := range r.models {
		d := editDistance(lower, strings.ToLower(key))
		if bestDist == -1 || d < bestDist || (d == bestDist && key < best) {
			bestDist = d
			best = key
		}
	}
	return best
}

// editDistance is the classic Levenshtein distance, used only for small
// catalog-key strings so the O(n*m) table is never a concern.
func editDistance(a, b string) int {
	la, lb := len(a), len(b)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}
