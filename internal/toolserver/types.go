package toolserver

// chatParams mirrors the original chat tool's request shape.
type chatParams struct {
	Model            string   `json:"model,omitempty"`
	Prompt           string   `json:"prompt"`
	FilePaths        []string `json:"file_paths,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	ReasoningEffort  string   `json:"reasoning_effort,omitempty"`
	ContextFormat    string   `json:"context_format,omitempty"`
}

// clinkParams mirrors the original clink tool's request shape.
type clinkParams struct {
	CLIName          string   `json:"cli_name"`
	Prompt           string   `json:"prompt"`
	FilePaths        []string `json:"file_paths,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	ReasoningEffort  string   `json:"reasoning_effort,omitempty"`
}

// reviewParams mirrors the original review tool's request shape.
type reviewParams struct {
	Prompt                string            `json:"prompt"`
	Models                []string          `json:"models,omitempty"`
	TimeoutSecs           int               `json:"timeout_secs,omitempty"`
	SystemPrompt          string            `json:"system_prompt,omitempty"`
	Temperature           *float64          `json:"temperature,omitempty"`
	FilePaths             []string          `json:"file_paths,omitempty"`
	WorkingDirectory      string            `json:"working_directory,omitempty"`
	Diff                  string            `json:"diff,omitempty"`
	ContextFormat         string            `json:"context_format,omitempty"`
	PerModelSystemPrompts map[string]string `json:"per_model_system_prompts,omitempty"`
	PerModelTimeoutSecs   map[string]int    `json:"per_model_timeout_secs,omitempty"`
	Deep                  bool              `json:"deep,omitempty"`
	InvestigationContext  string            `json:"investigation_context,omitempty"`
	MaxTokensPerResponse  int               `json:"max_tokens_per_response,omitempty"`
}

// listModelsResult mirrors the original listmodels tool's response shape.
type listModelsResult struct {
	Models []modelInfo `json:"models"`
}

type modelInfo struct {
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	Backend       string   `json:"backend"`
	Description   string   `json:"description"`
	Strengths     []string `json:"strengths"`
	Weaknesses    []string `json:"weaknesses"`
	SpeedTier     string   `json:"speed_tier"`
	PrecisionTier string   `json:"precision_tier"`
	Available     bool     `json:"available"`
}

// dispatchResult is chat/clink's single-model response shape.
type dispatchResult struct {
	OK              bool   `json:"ok"`
	Text            string `json:"text,omitempty"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Error           string `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// memorizeParams mirrors the original memorize tool's request shape.
type memorizeParams struct {
	Category         string            `json:"category"`
	Content          string            `json:"content"`
	Model            string            `json:"model,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Scope            string            `json:"scope,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type memorizeResult struct {
	Path string `json:"path"`
}

// memoryParams mirrors the original memory tool's request shape.
type memoryParams struct {
	Category string `json:"category,omitempty"`
	Model    string `json:"model,omitempty"`
	MaxChars int    `json:"max_chars,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type memoryResult struct {
	Content string `json:"content"`
}

// flushParams mirrors the original flush tool's request shape.
type flushParams struct {
	Branch   string `json:"branch"`
	PRNumber int    `json:"pr_number,omitempty"`
}

type flushResult struct {
	Report string `json:"report"`
}

const defaultMemoryMaxChars = 4000
