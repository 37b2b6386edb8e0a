// internal/config/config.go
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/utils"
)

// ServerConfig is the process-level configuration: listen port, data
// directories, and the watchdog timeout internal/scheduler enforces against
// a stuck Turn Coordinator.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	DataDir         string        `yaml:"data_dir"`
	LogDir          string        `yaml:"log_dir"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// ProviderConfig is one provider's connection settings. APIKeyEncrypted, if
// present, is an AES-GCM ciphertext (internal/utils.Encrypt) decrypted with
// the process's config encryption key; an unencrypted APIKey field is only
// ever populated from the environment, never persisted to the YAML file.
type ProviderConfig struct {
	APIKeyEncrypted string `yaml:"api_key_encrypted,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
	DefaultModel    string `yaml:"default_model,omitempty"`
	APIKey          string `yaml:"-"`
}

// fileConfig is the on-disk YAML shape. Server and Story are hand-edited or
// hot-reloaded; provider API keys live here only in encrypted form.
type fileConfig struct {
	Server    ServerConfig              `yaml:"server"`
	Story     models.StoryConfig        `yaml:"story"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Config is one immutable, fully-resolved configuration snapshot. Manager
// swaps the active Config atomically on reload; nothing in internal/services
// ever holds a Config across a turn boundary, so a reload can never mutate
// state an in-flight Turn Context is reading.
type Config struct {
	Server    ServerConfig
	Story     models.StoryConfig
	Providers map[string]ProviderConfig
}

// ProviderAPIKey returns name's resolved API key (environment override takes
// precedence over the YAML file's encrypted value), or "" if unconfigured.
func (c *Config) ProviderAPIKey(name string) string {
	if p, ok := c.Providers[name]; ok {
		return p.APIKey
	}
	return ""
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		DataDir:         "data",
		LogDir:          "logs",
		WatchdogTimeout: 2 * time.Minute,
	}
}

// Manager owns the current Config behind an atomic pointer and, once Watch
// is called, keeps it current from filesystem changes to the backing YAML
// file.
//
// Grounded on the teacher's internal/config.go package-level
// currentConfig/configMutex singleton, generalized from a
// read-lock/copy-on-read pair into a single atomic.Pointer swap (the
// lock-free equivalent) and from "reload on next GetCurrentConfig call" to
// "reload pushed by an fsnotify watch", since spec.md's hot-reload
// requirement needs the change observed without any caller polling for it.
type Manager struct {
	path          string
	encryptionKey string
	current       atomic.Pointer[Config]
}

// Load reads path (a YAML file) plus .env/process environment for provider
// API keys and returns a Manager holding the resolved Config. encryptionKey,
// if non-empty, decrypts any providers[*].api_key_encrypted entries found in
// the file; an environment variable NAME_API_KEY always takes precedence
// over the file's encrypted value for that provider.
func Load(path, encryptionKey string) (*Manager, error) {
	godotenv.Load()

	m := &Manager{path: path, encryptionKey: encryptionKey}
	cfg, err := m.readFile()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

func (m *Manager) readFile() (*Config, error) {
	var file fileConfig
	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", m.path, err)
		}
	case os.IsNotExist(err):
		// a missing story-config file just means "run on defaults until one
		// is written"; only a read failure past ENOENT is fatal.
	default:
		return nil, fmt.Errorf("config: read %s: %w", m.path, err)
	}

	server := file.Server
	if server.Port == "" {
		server.Port = getEnv("PORT", defaultServerConfig().Port)
	}
	if server.DataDir == "" {
		server.DataDir = getEnvPath("DATA_DIR", defaultServerConfig().DataDir)
	}
	if server.LogDir == "" {
		server.LogDir = getEnvPath("LOG_DIR", defaultServerConfig().LogDir)
	}
	if server.WatchdogTimeout == 0 {
		server.WatchdogTimeout = getEnvDuration("WATCHDOG_TIMEOUT", defaultServerConfig().WatchdogTimeout)
	}

	story := file.Story
	if story.Mode == "" {
		story = models.DefaultStoryConfig()
	}

	providers := make(map[string]ProviderConfig, len(file.Providers))
	for name, p := range file.Providers {
		resolved, err := m.resolveProviderKey(name, p)
		if err != nil {
			return nil, err
		}
		providers[name] = resolved
	}
	// an env-only provider (no providers: block entry at all) still needs to
	// surface its key, for deployments that skip the YAML file entirely.
	for _, name := range []string{"openai", "anthropic", "genai", "httpcompat"} {
		if _, ok := providers[name]; ok {
			continue
		}
		if key := os.Getenv(strings.ToUpper(name) + "_API_KEY"); key != "" {
			providers[name] = ProviderConfig{APIKey: key}
		}
	}

	return &Config{Server: server, Story: story, Providers: providers}, nil
}

func (m *Manager) resolveProviderKey(name string, p ProviderConfig) (ProviderConfig, error) {
	if envKey := os.Getenv(strings.ToUpper(name) + "_API_KEY"); envKey != "" {
		p.APIKey = envKey
		return p, nil
	}
	if p.APIKeyEncrypted == "" {
		return p, nil
	}
	if m.encryptionKey == "" {
		return p, fmt.Errorf("config: provider %q has an encrypted key but no encryption key is configured", name)
	}
	plain, err := utils.Decrypt(p.APIKeyEncrypted, m.encryptionKey)
	if err != nil {
		return p, fmt.Errorf("config: decrypt provider %q key: %w", name, err)
	}
	p.APIKey = plain
	return p, nil
}

// Current returns the active Config snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Watch starts an fsnotify watch on the backing YAML file and reloads on
// every write, swapping the atomic pointer in place. It runs until ctx is
// cancelled. A reload failure is logged and the previous Config stays
// active; it never panics or exits the process, since a bad hand-edit to
// the story-config file should not take a running story down.
//
// Grounded on the teacher's pattern of a single background goroutine owning
// a resource for the process lifetime (internal/utils/logger.go's
// sync.Once-guarded singleton), generalized to a cancellable watch loop
// since spec.md's hot-reload requirement needs a live fsnotify.Watcher
// rather than a one-shot init.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.Reload(); err != nil {
					utils.GetLogger().Warn("config reload failed, keeping previous configuration", map[string]interface{}{"path": m.path, "error": err.Error()})
				} else {
					utils.GetLogger().Info("configuration reloaded", map[string]interface{}{"path": m.path})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				utils.GetLogger().Warn("config watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	return nil
}

// Reload re-reads the backing file and swaps it in, returning the error (and
// leaving the previous Config active) if the new file fails to parse.
func (m *Manager) Reload() error {
	cfg, err := m.readFile()
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// SetProviderKey encrypts plaintext with the Manager's encryption key and
// persists it into the YAML file's providers block, then reloads. Requires
// an encryption key to have been configured.
func (m *Manager) SetProviderKey(name, plaintext string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("config: cannot persist a provider key without an encryption key configured")
	}
	encrypted, err := utils.Encrypt(plaintext, m.encryptionKey)
	if err != nil {
		return fmt.Errorf("config: encrypt provider %q key: %w", name, err)
	}

	var file fileConfig
	if data, err := os.ReadFile(m.path); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("config: parse %s: %w", m.path, err)
		}
	}
	if file.Providers == nil {
		file.Providers = make(map[string]ProviderConfig)
	}
	entry := file.Providers[name]
	entry.APIKeyEncrypted = encrypted
	file.Providers[name] = entry

	out, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", m.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(m.path), err)
	}
	if err := os.WriteFile(m.path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", m.path, err)
	}
	return m.Reload()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			utils.GetLogger().Warn("failed to create configured directory", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}
	return path
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
