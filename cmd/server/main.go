// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aventura-engine/aventura/internal/api"
	"github.com/aventura-engine/aventura/internal/auth"
	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/config"
	aerrors "github.com/aventura-engine/aventura/internal/errors"
	"github.com/aventura-engine/aventura/internal/llm"
	"github.com/aventura-engine/aventura/internal/llm/providers/anthropic"
	"github.com/aventura-engine/aventura/internal/llm/providers/genai"
	"github.com/aventura-engine/aventura/internal/llm/providers/httpcompat"
	"github.com/aventura-engine/aventura/internal/llm/providers/openai"
	"github.com/aventura-engine/aventura/internal/scheduler"
	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/storage"
)

var (
	cfgPath     string
	providerEnv string
	requireAuth bool
)

func main() {
	root := &cobra.Command{
		Use:   "aventura-server",
		Short: "Aventura's HTTP/WebSocket bridge to the storytelling core",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOrDefault("AVENTURA_CONFIG", "aventura.yaml"), "path to the story-config YAML file")
	root.PersistentFlags().StringVar(&providerEnv, "provider", envOrDefault("AVENTURA_PROVIDER", "openai"), "LLM provider to use (openai, anthropic, genai, httpcompat)")
	root.PersistentFlags().BoolVar(&requireAuth, "require-auth", os.Getenv("AVENTURA_REQUIRE_AUTH") == "true", "require a bearer token on the REST API")

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	encryptionKey := os.Getenv("AVENTURA_CONFIG_KEY")
	mgr, err := config.Load(cfgPath, encryptionKey)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Watch(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	cfg := mgr.Current()

	store, err := storage.Open(cfg.Server.DataDir + "/aventura.db")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	registry := newProviderRegistry()
	providerCfg := map[string]string{"api_key": cfg.ProviderAPIKey(providerEnv)}
	if p, ok := cfg.Providers[providerEnv]; ok {
		if p.BaseURL != "" {
			providerCfg["base_url"] = p.BaseURL
		}
		if p.DefaultModel != "" {
			providerCfg["default_model"] = p.DefaultModel
		}
	}
	provider, err := registry.Get(providerEnv, providerCfg)
	if err != nil {
		return aerrors.NewConfigError("construct provider "+providerEnv, err)
	}

	eventBus := bus.New(256)
	chapterEngine := services.NewChapterEngine(store, provider, 4)
	coordinator := services.NewTurnCoordinator(
		store,
		services.NewEntryEngine(store, provider),
		chapterEngine,
		services.NewNarratorService(provider),
		services.NewClassifierService(provider),
		services.NewSuggestionsService(provider),
		eventBus,
	)

	sched := scheduler.New(coordinator, chapterEngine, cfg.Server.WatchdogTimeout)
	sched.Start(ctx)

	var tokenConfig *auth.TokenConfig
	if requireAuth {
		secret := []byte(os.Getenv("AVENTURA_AUTH_SECRET"))
		if len(secret) == 0 {
			return fmt.Errorf("--require-auth set but AVENTURA_AUTH_SECRET is empty")
		}
		tokenConfig = &auth.TokenConfig{Secret: secret, Expiration: 24 * time.Hour}
	}

	server := api.NewServer(coordinator, store, eventBus, tokenConfig)

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{Addr: addr, Handler: server.Engine()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("aventura server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
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
