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
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLMemory is a disk-backed conversation store over database/sql.
// Supported dialects: "sqlite3" and "postgres".
type SQLMemory struct {
	db      *sql.DB
	dialect string
	// retain caps items kept per conversation by Prune. Zero disables.
	retain int
}

// SQLConfig configures SQLMemory.
type SQLConfig struct {
	// Dialect is "sqlite3" or "postgres".
	Dialect string
	// DSN is the driver-specific connection string
	// (e.g. "file:genesis.db" or a postgres URL).
	DSN string
	// Retain caps items kept per conversation by Prune. Zero keeps all.
	Retain int
}

const createItemsTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_items (
    id %s,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    tool_call_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL
)`

const createItemsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_conversation_items
    ON conversation_items (conversation_id, id)`

// NewSQL opens the store and ensures the schema exists.
func NewSQL(cfg SQLConfig) (*SQLMemory, error) {
	switch cfg.Dialect {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("memory: unsupported sql dialect %q", cfg.Dialect)
	}
	db, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s store: %w", cfg.Dialect, err)
	}
	m := &SQLMemory{db: db, dialect: cfg.Dialect, retain: cfg.Retain}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQLMemory) migrate() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if m.dialect == "postgres" {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := m.db.Exec(fmt.Sprintf(createItemsTableSQL, idCol)); err != nil {
		return fmt.Errorf("memory: create items table: %w", err)
	}
	if _, err := m.db.Exec(createItemsIndexSQL); err != nil {
		return fmt.Errorf("memory: create items index: %w", err)
	}
	return nil
}

// placeholder rewrites ?-style placeholders for postgres.
func (m *SQLMemory) placeholder(query string) string {
	if m.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (m *SQLMemory) Write(ctx context.Context, conversationID string, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	query := m.placeholder(`INSERT INTO conversation_items
        (conversation_id, role, content, tool_call_id, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := m.db.ExecContext(ctx, query,
		conversationID, string(item.Role), item.Content, item.ToolCallID, item.CreatedAt); err != nil {
		return fmt.Errorf("memory: write item for %q: %w", conversationID, err)
	}
	return nil
}

func (m *SQLMemory) Retrieve(ctx context.Context, conversationID string, k int) ([]Item, error) {
	query := `SELECT role, content, tool_call_id, created_at
        FROM conversation_items WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if k > 0 {
		query += " LIMIT ?"
		args = append(args, k)
	}
	rows, err := m.db.QueryContext(ctx, m.placeholder(query), args...)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve %q: %w", conversationID, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var role string
		var toolCallID sql.NullString
		if err := rows.Scan(&role, &item.Content, &toolCallID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan item for %q: %w", conversationID, err)
		}
		item.Role = Role(role)
		item.ToolCallID = toolCallID.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate items for %q: %w", conversationID, err)
	}
	// Rows come newest-first; callers expect chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (m *SQLMemory) Summarize(ctx context.Context, conversationID string) (string, error) {
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

// Prune keeps the newest retain items of the conversation.
func (m *SQLMemory) Prune(ctx context.Context, conversationID string) error {
	if m.retain <= 0 {
		return nil
	}
	query := m.placeholder(`DELETE FROM conversation_items
        WHERE conversation_id = ? AND id NOT IN (
            SELECT id FROM conversation_items
            WHERE conversation_id = ? ORDER BY id DESC LIMIT ?)`)
	if _, err := m.db.ExecContext(ctx, query, conversationID, conversationID, m.retain); err != nil {
		return fmt.Errorf("memory: prune %q: %w", conversationID, err)
	}
	return nil
}

// Close releases the database handle.
func (m *SQLMemory) Close() error { return m.db.Close() }
