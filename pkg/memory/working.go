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
	"strings"
	"sync"
	"time"
)

// WorkingMemory is an in-process sliding window per conversation. Writes
// for a given conversation are serialized; cross-conversation ordering is
// whatever the callers produce.
type WorkingMemory struct {
	windowSize int

	mu            sync.RWMutex
	conversations map[string][]Item
}

// WorkingConfig configures WorkingMemory.
type WorkingConfig struct {
	// WindowSize caps retained items per conversation. Defaults to 200.
	WindowSize int
}

// NewWorking constructs an empty in-process store.
func NewWorking(cfg WorkingConfig) *WorkingMemory {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	return &WorkingMemory{
		windowSize:    cfg.WindowSize,
		conversations: make(map[string][]Item),
	}
}

func (m *WorkingMemory) Write(_ context.Context, conversationID string, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append(m.conversations[conversationID], item)
	if len(items) > m.windowSize {
		items = items[len(items)-m.windowSize:]
	}
	m.conversations[conversationID] = items
	return nil
}

func (m *WorkingMemory) Retrieve(_ context.Context, conversationID string, k int) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.conversations[conversationID]
	if k > 0 && len(items) > k {
		items = items[len(items)-k:]
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out, nil
}

// Summarize joins the window's user/assistant contents. The working store
// keeps no model handle, so this is a plain textual digest.
func (m *WorkingMemory) Summarize(ctx context.Context, conversationID string) (string, error) {
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

// Prune drops the conversation entirely; the window already bounds growth.
func (m *WorkingMemory) Prune(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, conversationID)
	return nil
}
