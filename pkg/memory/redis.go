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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMemory is a remote shared conversation store: agents on different
// hosts see the same conversations. Items live in one Redis list per
// conversation.
type RedisMemory struct {
	rdb    *redis.Client
	prefix string
	retain int64
}

// RedisConfig configures RedisMemory.
type RedisConfig struct {
	// Client is the Redis connection; the caller owns its lifecycle.
	Client *redis.Client
	// Prefix namespaces conversation keys. Defaults to "genesis:memory".
	Prefix string
	// Retain caps items kept per conversation; each write trims the list.
	// Zero keeps all.
	Retain int
}

// NewRedis constructs the store.
func NewRedis(cfg RedisConfig) (*RedisMemory, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("memory: redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "genesis:memory"
	}
	return &RedisMemory{rdb: cfg.Client, prefix: cfg.Prefix, retain: int64(cfg.Retain)}, nil
}

func (m *RedisMemory) key(conversationID string) string {
	return m.prefix + ":" + conversationID
}

func (m *RedisMemory) Write(ctx context.Context, conversationID string, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("memory: encode item for %q: %w", conversationID, err)
	}
	key := m.key(conversationID)
	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	if m.retain > 0 {
		pipe.LTrim(ctx, key, -m.retain, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("memory: write item for %q: %w", conversationID, err)
	}
	return nil
}

func (m *RedisMemory) Retrieve(ctx context.Context, conversationID string, k int) ([]Item, error) {
	start := int64(0)
	if k > 0 {
		start = int64(-k)
	}
	values, err := m.rdb.LRange(ctx, m.key(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve %q: %w", conversationID, err)
	}
	items := make([]Item, 0, len(values))
	for _, v := range values {
		var item Item
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			return nil, fmt.Errorf("memory: decode item for %q: %w", conversationID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (m *RedisMemory) Summarize(ctx context.Context, conversationID string) (string, error) {
	items, err := m.Retrieve(ctx, conversationID, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, item := range ContextItems(items) {
		b.WriteString(string(item.Role))
		b.WriteString(": ")
		b.WriteString(item.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (m *RedisMemory) Prune(ctx context.Context, conversationID string) error {
	if m.retain <= 0 {
		return nil
	}
	if err := m.rdb.LTrim(ctx, m.key(conversationID), -m.retain, -1).Err(); err != nil {
		return fmt.Errorf("memory: prune %q: %w", conversationID, err)
	}
	return nil
}
