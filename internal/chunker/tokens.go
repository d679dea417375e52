package chunker

import "unicode/utf8"

// TokenCounter estimates how many model tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter assumes four characters per token.
type CharCounter struct{}

func (CharCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// TokenCounterFunc adapts a plain function, e.g. a real tokenizer.
type TokenCounterFunc func(string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }
