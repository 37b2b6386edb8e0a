// cmd/mcpserver/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/config"
	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/llm/providers/anthropic"
	"github.com/aventura-engine/aventura/internal/llm/providers/genai"
	"github.com/aventura-engine/aventura/internal/llm/providers/httpcompat"
	"github.com/aventura-engine/aventura/internal/llm/providers/openai"
	"github.com/aventura-engine/aventura/internal/mcp"
	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/storage"
)

// main starts the MCP tool server on stdio, the same entry surface
// louisbranch-fracturing.space's cmd/mcp binary uses, so an MCP client
// (Claude Desktop, an agent harness) can launch it as a subprocess.
func main() {
	log.SetPrefix("[mcpserver] ")

	cfgPath := os.Getenv("AVENTURA_CONFIG")
	if cfgPath == "" {
		cfgPath = "aventura.yaml"
	}
	mgr, err := config.Load(cfgPath, os.Getenv("AVENTURA_CONFIG_KEY"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := mgr.Current()

	store, err := storage.Open(cfg.Server.DataDir + "/aventura.db")
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	registry := newProviderRegistry()
	provider, err := selectProvider(registry, cfg)
	if err != nil {
		log.Fatalf("select provider: %v", err)
	}

	// a bus of its own: an MCP client has no socket to receive pushed
	// events on, so nothing subscribes, but Submit still needs a non-nil
	// Bus to emit into.
	eventBus := bus.New(256)
	coordinator := services.NewTurnCoordinator(
		store,
		services.NewEntryEngine(store, provider),
		services.NewChapterEngine(store, provider, 4),
		services.NewNarratorService(provider),
		services.NewClassifierService(provider),
		services.NewSuggestionsService(provider),
		eventBus,
	)

	server := mcp.NewServer(coordinator, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		log.Fatalf("serve MCP: %v", err)
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

func selectProvider(registry *llm.Registry, cfg *config.Config) (llm.Provider, error) {
	name := os.Getenv("AVENTURA_PROVIDER")
	if name == "" {
		name = "openai"
	}
	providerCfg := map[string]string{"api_key": cfg.ProviderAPIKey(name)}
	if p, ok := cfg.Providers[name]; ok {
		if p.BaseURL != "" {
			providerCfg["base_url"] = p.BaseURL
		}
		if p.DefaultModel != "" {
			providerCfg["default_model"] = p.DefaultModel
		}
	}
	provider, err := registry.Get(name, providerCfg)
	if err != nil {
		return nil, aerrors.NewConfigError("construct provider "+name, err)
	}
	return provider, nil
}
