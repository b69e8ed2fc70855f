// Package tokenizer provides approximate token counting for chunk sizing
// and context budgeting. The estimate tracks GPT-style tokenization closely
// enough for budget decisions; exact counts are a provider concern.
package tokenizer

import (
	"strings"
	"unicode"
)

// Tokenizer counts and splits tokens
type Tokenizer interface {
	CountTokens(text string) int
	Tokenize(text string) []string
}

// Estimator is a word-and-punctuation based tokenizer
type Estimator struct{}

// NewEstimator creates the default tokenizer
func NewEstimator() *Estimator { return &Estimator{} }

// CountTokens estimates the token count of text. English words average
// roughly 1.3 tokens each, so the estimate takes the larger of the raw
// word-and-punctuation count and the adjusted word count.
func (t *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				tokens++
				inWord = false
			}
		case unicode.IsPunct(r):
			tokens++
			inWord = false
		default:
			inWord = true
		}
	}
	if inWord {
		tokens++
	}

	estimated := int(float64(len(strings.Fields(text))) * 1.3)
	if estimated > tokens {
		return estimated
	}
	return tokens
}

// Tokenize splits text into word and punctuation tokens
func (t *Estimator) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		case unicode.IsPunct(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
