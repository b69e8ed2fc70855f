package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTokens(t *testing.T) {
	est := NewEstimator()

	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "single word", text: "hello", want: 1},
		{name: "words adjusted upward", text: "one two three four five six seven eight nine ten", want: 13},
		{name: "punctuation counts", text: "hi!", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, est.CountTokens(tt.text))
		})
	}
}

func TestCountTokensNeverBelowWordCount(t *testing.T) {
	est := NewEstimator()
	text := "alpha beta gamma delta epsilon"
	assert.GreaterOrEqual(t, est.CountTokens(text), 5)
}

func TestTokenize(t *testing.T) {
	est := NewEstimator()
	assert.Equal(t, []string{"hello", ",", "world", "!"}, est.Tokenize("hello, world!"))
	assert.Nil(t, est.Tokenize(""))
}
