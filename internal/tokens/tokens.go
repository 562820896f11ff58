// Package tokens estimates token counts when an upstream does not report usage.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
	loadErr  error
)

func load() (*tiktoken.Tiktoken, error) {
	once.Do(func() {
		encoding, loadErr = tiktoken.GetEncoding(encodingName)
	})

	return encoding, loadErr
}

// Count returns the number of cl100k_base tokens in text. When the encoding
// cannot be loaded it falls back to four bytes per token.
func Count(text string) int {
	if text == "" {
		return 0
	}

	tke, err := load()
	if err != nil {
		return (len(text) + 3) / 4
	}

	return len(tke.Encode(text, nil, nil))
}

// CountAll sums Count over texts.
func CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Count(t)
	}

	return total
}
