// internal/models/config.go
package models

// MemoryConfig governs the Memory/Chapter Engine's retrieval and
// auto-chapter-creation behavior for one story.
type MemoryConfig struct {
	ChapterThreshold        int  `yaml:"chapter_threshold" json:"chapter_threshold"`
	ChapterBuffer           int  `yaml:"chapter_buffer" json:"chapter_buffer"`
	AutoSummarize           bool `yaml:"auto_summarize" json:"auto_summarize"`
	EnableRetrieval         bool `yaml:"enable_retrieval" json:"enable_retrieval"`
	MaxChaptersPerRetrieval int  `yaml:"max_chapters_per_retrieval" json:"max_chapters_per_retrieval"`
	EnableArcs              bool `yaml:"enable_arcs" json:"enable_arcs"`
}

// DefaultMemoryConfig returns the documented defaults (threshold 50, buffer
// 10, 4 chapters per retrieval).
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ChapterThreshold:        50,
		ChapterBuffer:           10,
		AutoSummarize:           true,
		EnableRetrieval:         true,
		MaxChaptersPerRetrieval: 4,
		EnableArcs:              false,
	}
}

// InjectionModeConfig is the entry-config-level injection strategy, distinct
// from the per-entry InjectionMode.
type InjectionModeConfig string

const (
	InjectionConfigAuto      InjectionModeConfig = "auto"
	InjectionConfigAll       InjectionModeConfig = "all"
	InjectionConfigStateOnly InjectionModeConfig = "state-only"
)

// EntryConfig governs the Entry Engine's tiered selection.
type EntryConfig struct {
	EnableLLMSelection bool                `yaml:"enable_llm_selection" json:"enable_llm_selection"`
	LLMThreshold       int                 `yaml:"llm_threshold" json:"llm_threshold"`
	InjectionMode      InjectionModeConfig `yaml:"injection_mode" json:"injection_mode"`
	MaxEntryTokens      int                `yaml:"max_entry_tokens" json:"max_entry_tokens"`
}

// DefaultEntryConfig returns the documented defaults (llmThreshold 30).
func DefaultEntryConfig() EntryConfig {
	return EntryConfig{
		EnableLLMSelection: true,
		LLMThreshold:       30,
		InjectionMode:      InjectionConfigAuto,
		MaxEntryTokens:     2000,
	}
}

// QualityTier selects the provider-model mapping a story runs at.
type QualityTier string

const (
	QualitySwift   QualityTier = "swift"
	QualityBalanced QualityTier = "balanced"
	QualityVivid   QualityTier = "vivid"
)

// ProviderModels is a per-role model override, keyed by role name.
// Recognized roles: narrator, classifier, retrieval, summarization,
// suggestions.
type ProviderModels struct {
	Narrator      string `yaml:"narrator" json:"narrator"`
	Classifier    string `yaml:"classifier" json:"classifier"`
	Retrieval     string `yaml:"retrieval" json:"retrieval"`
	Summarization string `yaml:"summarization" json:"summarization"`
	Suggestions   string `yaml:"suggestions" json:"suggestions"`
}

// StoryConfig is the per-story configuration block the Turn Coordinator and
// its phase services read from.
type StoryConfig struct {
	Mode           Mode           `yaml:"mode" json:"mode"`
	Memory         MemoryConfig   `yaml:"memory_config" json:"memory_config"`
	Entry          EntryConfig    `yaml:"entry_config" json:"entry_config"`
	QualityTier    QualityTier    `yaml:"quality_tier" json:"quality_tier"`
	ProviderModels ProviderModels `yaml:"provider_models" json:"provider_models"`
	RecentWindow   int            `yaml:"recent_window" json:"recent_window"` // recent messages included in retrieval/narration prompts, default 6
}

// DefaultStoryConfig returns a story config with every documented default
// applied.
func DefaultStoryConfig() StoryConfig {
	return StoryConfig{
		Mode:         ModeAdventure,
		Memory:       DefaultMemoryConfig(),
		Entry:        DefaultEntryConfig(),
		QualityTier:  QualityBalanced,
		RecentWindow: 6,
	}
}
