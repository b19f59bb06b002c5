// Package mock provides a scriptable [translate.Translator].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/translate"
)

var _ translate.Translator = (*Translator)(nil)

// Translator returns Prefix+text, or Err when set. Safe for concurrent use.
type Translator struct {
	mu sync.Mutex

	// Prefix is prepended to the input to form the translation.
	Prefix string

	// Err, if set, is returned instead of a translation.
	Err error

	// Calls records every input in call order.
	Calls []string
}

// Translate implements translate.Translator.
func (t *Translator) Translate(_ context.Context, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, text)
	if t.Err != nil {
		return "", t.Err
	}
	return t.Prefix + text, nil
}

// CallCount returns the number of Translate calls.
func (t *Translator) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
