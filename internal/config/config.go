// Package config provides configuration types and loading for fireredbot.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Bridge, Agent, History,
// Gateway, Broadcast, Logging.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Bridge    BridgeConfig    `json:"bridge"`
	Agent     AgentConfig     `json:"agent"`
	History   HistoryConfig   `json:"history"`
	Gateway   GatewayConfig   `json:"gateway"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Logging   LoggingConfig   `json:"logging"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// StateDir holds the conversation log and every state aggregate.
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
	// TimelineDB is the SQLite event/usage audit database.
	TimelineDB string `json:"timelineDb" envconfig:"TIMELINE_DB"`
	// SystemPromptFile overrides the built-in system prompt when set.
	SystemPromptFile string `json:"systemPromptFile,omitempty" envconfig:"SYSTEM_PROMPT_FILE"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups model request settings.
type ModelConfig struct {
	// Name is "provider/model" or a bare model name for the OpenAI provider.
	Name            string  `json:"name" envconfig:"MODEL"`
	MaxTokens       int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature     float64 `json:"temperature" envconfig:"TEMPERATURE"`
	ReasoningEffort string  `json:"reasoningEffort,omitempty" envconfig:"REASONING_EFFORT"`
	// MaxPromptTokens forces a summary when the previous call's prompt
	// exceeded it.
	MaxPromptTokens int `json:"maxPromptTokens" envconfig:"MAX_PROMPT_TOKENS"`
	// PromptByteCeiling forces a summary when the serialized payload exceeds it.
	PromptByteCeiling int `json:"promptByteCeiling" envconfig:"PROMPT_BYTE_CEILING"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	XAI        ProviderConfig `json:"xai"`
	VLLM       ProviderConfig `json:"vllm"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Bridge – environment bridge HTTP endpoint
// ---------------------------------------------------------------------------

// BridgeConfig configures the environment bridge client.
type BridgeConfig struct {
	URL     string        `json:"url" envconfig:"URL"`
	Timeout time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	// CommandTimeout bounds a sendCommands call, which blocks until the
	// keys have been played.
	CommandTimeout time.Duration `json:"commandTimeout" envconfig:"COMMAND_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Agent – cycle scheduling and recovery
// ---------------------------------------------------------------------------

// AgentConfig groups the cycle controller settings.
type AgentConfig struct {
	SummaryInterval        int           `json:"summaryInterval" envconfig:"SUMMARY_INTERVAL"`
	CritiqueInterval       int           `json:"critiqueInterval" envconfig:"CRITIQUE_INTERVAL"`
	RollupThreshold        int           `json:"rollupThreshold" envconfig:"ROLLUP_THRESHOLD"`
	ErrorBackoff           time.Duration `json:"errorBackoff" envconfig:"ERROR_BACKOFF"`
	PathRetries            int           `json:"pathRetries" envconfig:"PATH_RETRIES"`
	OversizeLoopLimit      int           `json:"oversizeLoopLimit" envconfig:"OVERSIZE_LOOP_LIMIT"`
	NavigationPlanMaxSteps int           `json:"navigationPlanMaxSteps" envconfig:"NAVIGATION_PLAN_MAX_STEPS"`
	RecoveryByteCeiling    int64         `json:"recoveryByteCeiling" envconfig:"RECOVERY_BYTE_CEILING"`
	// MaxCycles stops the loop after this many cycles; 0 runs forever.
	MaxCycles int `json:"maxCycles,omitempty" envconfig:"MAX_CYCLES"`
}

// ---------------------------------------------------------------------------
// History – compaction budgets
// ---------------------------------------------------------------------------

// HistoryConfig holds storage and transmission compaction budgets.
type HistoryConfig struct {
	SectionKeep             map[string]int `json:"sectionKeep"`
	SectionCeiling          int            `json:"sectionCeiling" envconfig:"SECTION_CEILING"`
	MessageCeiling          int            `json:"messageCeiling" envconfig:"MESSAGE_CEILING"`
	RecentToolResults       int            `json:"recentToolResults" envconfig:"RECENT_TOOL_RESULTS"`
	RecentToolResultCeiling int            `json:"recentToolResultCeiling" envconfig:"RECENT_TOOL_RESULT_CEILING"`
	OldToolResultCeiling    int            `json:"oldToolResultCeiling" envconfig:"OLD_TOOL_RESULT_CEILING"`
	OldDetailsCeiling       int            `json:"oldDetailsCeiling" envconfig:"OLD_DETAILS_CEILING"`
	SummaryCeiling          int            `json:"summaryCeiling" envconfig:"SUMMARY_CEILING"`
	StorageTextCeiling      int            `json:"storageTextCeiling" envconfig:"STORAGE_TEXT_CEILING"`
	StorageAssistantCeiling int            `json:"storageAssistantCeiling" envconfig:"STORAGE_ASSISTANT_CEILING"`
	StorageToolCeiling      int            `json:"storageToolCeiling" envconfig:"STORAGE_TOOL_CEILING"`
	StorageImageKeep        int            `json:"storageImageKeep" envconfig:"STORAGE_IMAGE_KEEP"`
}

// ---------------------------------------------------------------------------
// Gateway – status HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains status gateway settings.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Broadcast – external event sinks
// ---------------------------------------------------------------------------

// BroadcastConfig configures where broadcast events are forwarded.
type BroadcastConfig struct {
	Kafka KafkaSinkConfig `json:"kafka"`
	Slack SlackSinkConfig `json:"slack"`
}

// KafkaSinkConfig publishes every broadcast event to a Kafka topic.
type KafkaSinkConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// SlackSinkConfig posts selected broadcast events to a Slack channel.
type SlackSinkConfig struct {
	Enabled  bool     `json:"enabled" envconfig:"ENABLED"`
	BotToken string   `json:"botToken" envconfig:"BOT_TOKEN"`
	Channel  string   `json:"channel" envconfig:"CHANNEL"`
	Events   []string `json:"events" envconfig:"EVENTS"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // "text" or "json"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:   "~/.fireredbot/state",
			TimelineDB: "~/.fireredbot/timeline.db",
		},
		Model: ModelConfig{
			Name:              "openai/gpt-5-mini",
			MaxTokens:         16384,
			MaxPromptTokens:   180_000,
			PromptByteCeiling: 4_000_000,
		},
		Bridge: BridgeConfig{
			URL:            "http://127.0.0.1:8000",
			Timeout:        30 * time.Second,
			CommandTimeout: 120 * time.Second,
		},
		Agent: AgentConfig{
			SummaryInterval:        100,
			CritiqueInterval:       25,
			RollupThreshold:        10,
			ErrorBackoff:           5 * time.Second,
			PathRetries:            3,
			OversizeLoopLimit:      3,
			NavigationPlanMaxSteps: 80,
			RecoveryByteCeiling:    8_000_000,
		},
		History: HistoryConfig{
			SectionKeep: map[string]int{
				"minimap":           1,
				"memory":            1,
				"markers":           1,
				"objectives":        1,
				"detailed_stats":    2,
				"live_chat":         3,
				"critique_reminder": 1,
				"navigation_plan":   1,
			},
			SectionCeiling:          12_000,
			MessageCeiling:          80_000,
			RecentToolResults:       6,
			RecentToolResultCeiling: 8_000,
			OldToolResultCeiling:    1_500,
			OldDetailsCeiling:       200,
			SummaryCeiling:          40_000,
			StorageTextCeiling:      60_000,
			StorageAssistantCeiling: 20_000,
			StorageToolCeiling:      16_000,
			StorageImageKeep:        2,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1", // Secure default
			Port:    18790,
		},
		Broadcast: BroadcastConfig{
			Kafka: KafkaSinkConfig{
				Topic: "fireredbot.events",
			},
			Slack: SlackSinkConfig{
				Events: []string{"error_message", "summary_end", "criticism_end"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
