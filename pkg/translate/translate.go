// Package translate defines the contract for translating AI transcripts into
// the learner's native language. The session calls it fire-and-forget after
// each finished assistant turn; a failure never affects the conversation.
package translate

import "context"

// DefaultTargetLanguage is used when no target language is configured.
const DefaultTargetLanguage = "Korean"

// Translator translates text into a fixed target language.
// Implementations must be safe for concurrent use.
type Translator interface {
	// Translate returns the translation of text.
	Translate(ctx context.Context, text string) (string, error)
}

// Func adapts a plain function to [Translator].
type Func func(ctx context.Context, text string) (string, error)

// Translate calls f.
func (f Func) Translate(ctx context.Context, text string) (string, error) { return f(ctx, text) }
