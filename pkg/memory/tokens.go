// Copyright 2025 The Genesis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with tiktoken, falling back to a chars/4
// estimate when the encoding is unavailable (offline environments).
type TokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

var defaultCounter = &TokenCounter{}

// CountTokens estimates the token count of text.
func CountTokens(text string) int { return defaultCounter.Count(text) }

// Count estimates the token count of text.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using estimate", "err", err)
			return
		}
		c.encoding = enc
	})
	if c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// FitTokenBudget keeps the newest items whose combined token count stays
// within budget. Items are assumed chronological; the result preserves
// that order.
func FitTokenBudget(items []Item, budget int) []Item {
	if budget <= 0 {
		return items
	}
	total := 0
	cut := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		total += CountTokens(items[i].Content)
		if total > budget {
			break
		}
		cut = i
	}
	return items[cut:]
}
