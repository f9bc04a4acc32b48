package chunking

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens returns the approximate token count of text. It uses the
// cl100k_base BPE when available and falls back to word_count * 1.3 rounded
// up. The same counter is used for both budget enforcement and reported
// counts so previews never drift from actual output.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}

	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}
