package schema

// Profile is the per-deployment pipeline configuration: which model
// provider backs the chat node, the triage rule set, the extraction
// queries, and audit retention. Loaded from a JSON file at startup and
// validated against ProfileSchema before the flow is assembled.
type Profile struct {
	Provider  ProviderConfig  `json:"provider"`
	Triage    TriageConfig    `json:"triage"`
	Prompt    PromptConfig    `json:"prompt"`
	Extract   ExtractConfig   `json:"extract"`
	Retention RetentionConfig `json:"retention"`
}

// ProviderConfig selects and configures the conversational model backend.
type ProviderConfig struct {
	// Name selects a preset: "deepseek", "qwen", or "static".
	Name        string  `json:"name"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	APIKeyEnv   string  `json:"api_key_env,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// TriageRule is one red-flag rule. Pattern is a case-insensitive regular
// expression matched against the normalized message text. When is an
// optional predicate evaluated by the named expression engine ("cel" or
// "expr") against {text, words, length}; the rule only fires if both the
// pattern matches and the predicate holds.
type TriageRule struct {
	Pattern string `json:"pattern"`
	When    string `json:"when,omitempty"`
	Engine  string `json:"engine,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TriageConfig holds additional rules layered on top of the built-in
// red-flag set, plus the safety disclaimer appended to every reply.
type TriageConfig struct {
	Rules      []TriageRule `json:"rules,omitempty"`
	Disclaimer string       `json:"disclaimer,omitempty"`

	// UrgentMessage overrides the advice shown when triage flags the turn
	// as urgent. May contain ${{...}} references.
	UrgentMessage string `json:"urgent_message,omitempty"`
}

// PromptConfig customizes the messages sent to the model. Both fields
// may contain ${{...}} references resolved against the turn scope
// (state.<key> and turn.<field>) before the request is built.
type PromptConfig struct {
	System   string `json:"system,omitempty"`
	Template string `json:"template,omitempty"`
}

// ExtractConfig holds the jq queries applied to structured model output.
type ExtractConfig struct {
	FollowupQuery string `json:"followup_query,omitempty"`
	WarningQuery  string `json:"warning_query,omitempty"`
}

// RetentionConfig governs the audit retention sweeper.
type RetentionConfig struct {
	// Schedule is a standard 5-field cron spec. Empty disables the sweeper.
	Schedule   string `json:"schedule,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}
