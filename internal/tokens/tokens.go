// Package tokens estimates token counts for cost metering.
// It uses the tiktoken cl100k_base encoding when the encoder can be
// initialized and falls back to the len/4 heuristic otherwise, so metering
// keeps working in offline environments where the BPE ranks are unavailable.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		// Errors leave enc nil and force the heuristic path.
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return enc
}

// Estimate returns the token count of text, preferring the tiktoken encoder.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return Heuristic(text)
}

// Heuristic returns ceil(len(text)/4), the conventional 4-chars-per-token
// approximation. Retrieval context sizing uses this exact formula.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
