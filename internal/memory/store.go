package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recalled memory row.
type Entry struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chatId,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Score     float64   `json:"score"`
}

// Store is the sqlite-backed recall store behind the semantic-recall API.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memory_chat ON memory_entries(chat_id);
`

// OpenStore opens (creating if needed) the store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records one memory entry.
func (s *Store) Save(ctx context.Context, chatID, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("memory: empty content")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (chat_id, content, created_at) VALUES (?, ?, ?)`,
		chatID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Recall returns the topK entries most relevant to input, scored by term
// overlap. A non-empty chatID restricts recall to that chat.
func (s *Store) Recall(ctx context.Context, input, chatID string, topK int) ([]Entry, error) {
	if topK <= 0 {
		topK = 5
	}
	terms := tokenize(input)
	if len(terms) == 0 {
		return nil, nil
	}

	query := `SELECT id, chat_id, content, created_at FROM memory_entries`
	args := []any{}
	if chatID != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1000`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recall query: %w", err)
	}
	defer rows.Close()

	var scored []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("recall scan: %w", err)
		}
		e.Score = overlapScore(terms, tokenize(e.Content))
		if e.Score > 0 {
			scored = append(scored, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recall rows: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// tokenize lowercases and splits on non-alphanumerics, dropping one-char
// tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// overlapScore is the fraction of query terms present in the document.
func overlapScore(query, doc []string) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(doc))
	for _, term := range doc {
		set[term] = struct{}{}
	}
	hits := 0
	for _, term := range query {
		if _, ok := set[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
