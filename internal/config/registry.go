package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/store"
	"github.com/MrWong99/parley/pkg/translate"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranslatorFactory builds a translator from its provider entry. The target
// language comes from the enclosing [TranslationConfig].
type TranslatorFactory func(entry ProviderEntry, targetLanguage string) (translate.Translator, error)

// StoreFactory opens a result store.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (store.Store, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	translators map[string]TranslatorFactory
	stores      map[StoreDriver]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		translators: make(map[string]TranslatorFactory),
		stores:      make(map[StoreDriver]StoreFactory),
	}
}

// RegisterTranslator registers a translator factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranslator(name string, factory TranslatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators[name] = factory
}

// RegisterStore registers a store factory for driver.
func (r *Registry) RegisterStore(driver StoreDriver, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[driver] = factory
}

// CreateTranslator instantiates the translator registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTranslator(entry ProviderEntry, targetLanguage string) (translate.Translator, error) {
	r.mu.RLock()
	factory, ok := r.translators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translator/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, targetLanguage)
}

// CreateStore opens the store registered for cfg.Driver.
func (r *Registry) CreateStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, cfg.Driver)
	}
	return factory(ctx, cfg)
}
