package fusion

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding, falling
// back to the len/4 rule of thumb when the encoding is unavailable
// (e.g. offline with no cached BPE data).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("[FUSION] Token encoder unavailable, estimating by length: %v", err)
			return
		}
		encoder = enc
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
