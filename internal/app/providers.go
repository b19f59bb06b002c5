package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/store"
	"github.com/MrWong99/parley/pkg/store/badger"
	"github.com/MrWong99/parley/pkg/store/postgres"
	"github.com/MrWong99/parley/pkg/translate"
	"github.com/MrWong99/parley/pkg/translate/openai"
)

// RegisterBuiltins wires the translator and store implementations that ship
// with parley into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Translators ──────────────────────────────────────────────────────────

	reg.RegisterTranslator("openai", func(entry config.ProviderEntry, lang string) (translate.Translator, error) {
		var opts []openai.Option
		if lang != "" {
			opts = append(opts, openai.WithTargetLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		if d := optDuration(entry.Options, "request_timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Stores ───────────────────────────────────────────────────────────────

	reg.RegisterStore(config.StoreBadger, func(_ context.Context, cfg config.StoreConfig) (store.Store, error) {
		if cfg.Path == "" {
			return badger.Open("", badger.WithInMemory())
		}
		return badger.Open(cfg.Path)
	})

	reg.RegisterStore(config.StorePostgres, func(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
		return postgres.Open(ctx, cfg.DSN)
	})

	slog.Debug("registered builtin providers", "translators", []string{"openai"}, "stores", []config.StoreDriver{config.StoreBadger, config.StorePostgres})
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// optInt extracts an integer from a provider Options map. YAML decodes
// plain numbers as int; floats with no fraction are accepted too.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// optDuration extracts a duration written as a Go duration string.
func optDuration(opts map[string]any, key string) time.Duration {
	s, ok := opts[key].(string)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
