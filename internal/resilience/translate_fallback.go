package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/translate"
)

var _ translate.Translator = (*TranslatorFallback)(nil)

// TranslatorFallback implements [translate.Translator] with failover across
// several translation backends.
type TranslatorFallback struct {
	group *FallbackGroup[translate.Translator]
}

// NewTranslatorFallback creates a [TranslatorFallback] with primary as the
// preferred backend.
func NewTranslatorFallback(primary translate.Translator, primaryName string, cfg FallbackConfig) *TranslatorFallback {
	return &TranslatorFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *TranslatorFallback) AddFallback(name string, t translate.Translator) {
	f.group.AddFallback(name, t)
}

// Translate asks the first healthy backend.
func (f *TranslatorFallback) Translate(ctx context.Context, text string) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(t translate.Translator) (string, error) {
		return t.Translate(ctx, text)
	})
}

// Breaker exposes the named backend's breaker for health reporting.
func (f *TranslatorFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Names returns the backend names in the order they are tried.
func (f *TranslatorFallback) Names() []string {
	return f.group.Names()
}
