// cmd/tui/main.go
package main

import (
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/config"
	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/llm/providers/anthropic"
	"github.com/aventura-engine/aventura/internal/llm/providers/genai"
	"github.com/aventura-engine/aventura/internal/llm/providers/httpcompat"
	"github.com/aventura-engine/aventura/internal/llm/providers/openai"
	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/storage"
)

func main() {
	var (
		cfgPath  string
		provider string
		storyID  string
	)

	root := &cobra.Command{
		Use:   "aventura-tui",
		Short: "Aventura's terminal client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, provider, storyID)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", envOrDefault("AVENTURA_CONFIG", "aventura.yaml"), "path to the story-config YAML file")
	root.Flags().StringVar(&provider, "provider", envOrDefault("AVENTURA_PROVIDER", "openai"), "LLM provider to use (openai, anthropic, genai, httpcompat)")
	root.Flags().StringVar(&storyID, "story", "", "story id to play (created if absent)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(cfgPath, providerName, storyID string) error {
	mgr, err := config.Load(cfgPath, os.Getenv("AVENTURA_CONFIG_KEY"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Current()

	store, err := storage.Open(cfg.Server.DataDir + "/aventura.db")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	registry := newProviderRegistry()
	providerCfg := map[string]string{"api_key": cfg.ProviderAPIKey(providerName)}
	if p, ok := cfg.Providers[providerName]; ok {
		if p.BaseURL != "" {
			providerCfg["base_url"] = p.BaseURL
		}
		if p.DefaultModel != "" {
			providerCfg["default_model"] = p.DefaultModel
		}
	}
	llmProvider, err := registry.Get(providerName, providerCfg)
	if err != nil {
		return aerrors.NewConfigError("construct provider "+providerName, err)
	}

	if storyID == "" {
		storyID = "local"
	}

	eventBus := bus.New(256)
	coordinator := services.NewTurnCoordinator(
		store,
		services.NewEntryEngine(store, llmProvider),
		services.NewChapterEngine(store, llmProvider, 4),
		services.NewNarratorService(llmProvider),
		services.NewClassifierService(llmProvider),
		services.NewSuggestionsService(llmProvider),
		eventBus,
	)

	events := make(chan bus.Event, 64)
	unsubscribe := eventBus.Subscribe(bus.EventSentenceComplete, forward(events))
	unsubNarrative := eventBus.Subscribe(bus.EventNarrativeResponse, forward(events))
	unsubSuggestions := eventBus.Subscribe(bus.EventSuggestionsReady, forward(events))
	unsubError := eventBus.Subscribe(bus.EventError, forward(events))
	defer func() {
		unsubscribe()
		unsubNarrative()
		unsubSuggestions()
		unsubError()
	}()

	p := tea.NewProgram(newModel(storyID, coordinator, events), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// forward hands a bus.Event to the tui's event channel, dropping it rather
// than blocking Bus.Emit's synchronous dispatch if the program's Update loop
// has fallen behind.
func forward(events chan bus.Event) bus.Handler {
	return func(ev bus.Event) {
		select {
		case events <- ev:
		default:
		}
	}
}

func newProviderRegistry() *llm.Registry {
	r := llm.NewRegistry()
	r.Register("openai", func(cfg map[string]string) (llm.Provider, error) { return openai.New(cfg) })
	r.Register("anthropic", func(cfg map[string]string) (llm.Provider, error) { return anthropic.New(cfg) })
	r.Register("genai", func(cfg map[string]string) (llm.Provider, error) { return genai.New(cfg) })
	r.Register("httpcompat", func(cfg map[string]string) (llm.Provider, error) { return httpcompat.New("httpcompat", cfg) })
	return r
}
