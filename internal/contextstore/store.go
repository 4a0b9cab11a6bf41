// Package contextstore keeps the assistant's bounded, categorized memory.
// Entries are append-only per category; the total retained size is kept
// under a token budget by a deterministic prune that never evicts a
// category's most recent entry.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"cofounder/internal/domain"
)

// ErrUnknownCategory reports an append to a category outside the
// configured schema. Fatal to the operation, not to the caller's task.
var ErrUnknownCategory = errors.New("unknown context category")

// EstimateTokens approximates token count at ~4 characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Summarizer optionally condenses evicted entries into a replacement
// entry. The default policy drops evicted entries outright.
type Summarizer interface {
	Summarize(category string, evicted []domain.ContextEntry) (string, bool)
}

// Store is process-wide shared state between the chat flow and a running
// task. Mutations take the write lock; Snapshot takes the read lock.
// sync.RWMutex blocks new readers once a writer is waiting, which gives
// the writer priority the snapshot-staleness rule asks for.
type Store struct {
	DB         *sql.DB
	Categories []string
	Budget     int
	Summarizer Summarizer
	Now        func() time.Time

	mu sync.RWMutex
}

func New(db *sql.DB, categories []string, budget int) *Store {
	return &Store{DB: db, Categories: categories, Budget: budget, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) validCategory(category string) bool {
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Append adds an entry and prunes if the budget is exceeded.
func (s *Store) Append(ctx context.Context, category, content string, metadata map[string]any) error {
	if !s.validCategory(category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta any
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(data)
	}
	ts := s.now().UTC().Format(time.RFC3339)
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO context_entries(category,ts,content,metadata_json) VALUES (?,?,?,?)`,
		category, ts, content, meta); err != nil {
		return err
	}
	return s.pruneLocked(ctx)
}

// Prune evicts oldest entries until the store fits the budget.
func (s *Store) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(ctx)
}

// pruneLocked walks entries oldest-first and evicts until under budget,
// always sparing each category's newest entry. Given the same stored
// entries and budget the same survivors remain: eviction order is rowid.
func (s *Store) pruneLocked(ctx context.Context) error {
	entries, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	total := 0
	newest := map[string]int64{}
	for _, e := range entries {
		total += EstimateTokens(e.Content)
		if e.ID > newest[e.Category] {
			newest[e.Category] = e.ID
		}
	}
	if total <= s.Budget {
		return nil
	}
	evicted := map[string][]domain.ContextEntry{}
	for _, e := range entries {
		if total <= s.Budget {
			break
		}
		if newest[e.Category] == e.ID {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM context_entries WHERE id=?`, e.ID); err != nil {
			return err
		}
		total -= EstimateTokens(e.Content)
		evicted[e.Category] = append(evicted[e.Category], e)
	}
	if s.Summarizer == nil {
		return nil
	}
	for _, cat := range s.Categories {
		dropped := evicted[cat]
		if len(dropped) == 0 {
			continue
		}
		summary, ok := s.Summarizer.Summarize(cat, dropped)
		if !ok || summary == "" {
			continue
		}
		// A summary counts against the budget like any entry: it gets
		// only the headroom eviction opened up, truncated to fit.
		headroom := s.Budget - total
		if headroom <= 0 {
			continue
		}
		summary = truncateRunes(summary, headroom*4)
		ts := s.now().UTC().Format(time.RFC3339)
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO context_entries(category,ts,content,metadata_json) VALUES (?,?,?,NULL)`,
			cat, ts, summary); err != nil {
			return err
		}
		total += EstimateTokens(summary)
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// TotalTokens reports the current retained size.
func (s *Store) TotalTokens(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		total += EstimateTokens(e.Content)
	}
	return total, nil
}

// Entries returns a category's entries in append order.
func (s *Store) Entries(ctx context.Context, category string) ([]domain.ContextEntry, error) {
	if !s.validCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(ctx, `SELECT id,category,ts,content,metadata_json FROM context_entries WHERE category=? ORDER BY id`, category)
}

func (s *Store) loadAll(ctx context.Context) ([]domain.ContextEntry, error) {
	return s.load(ctx, `SELECT id,category,ts,content,metadata_json FROM context_entries ORDER BY id`)
}

func (s *Store) load(ctx context.Context, q string, args ...any) ([]domain.ContextEntry, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextEntry
	for rows.Next() {
		var e domain.ContextEntry
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Category, &e.TS, &e.Content, &meta); err != nil {
			return nil, err
		}
		if meta.Valid {
			e.Metadata = &meta.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Snapshot is a bounded view of the store for prompt assembly.
type Snapshot struct {
	Entries []domain.ContextEntry `json:"entries"`
	Tokens  int                   `json:"tokens"`
}

// Render serializes the snapshot grouped by category, entries in append
// order, categories in the store's configured order.
func (sn Snapshot) Render(categories []string) string {
	if len(sn.Entries) == 0 {
		return ""
	}
	byCat := map[string][]domain.ContextEntry{}
	for _, e := range sn.Entries {
		byCat[e.Category] = append(byCat[e.Category], e)
	}
	var b strings.Builder
	for _, cat := range categories {
		entries := byCat[cat]
		if len(entries) == 0 {
			continue
		}
		b.WriteString(categoryHeader(cat))
		for _, e := range entries {
			b.WriteString(entryLine(e))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func categoryHeader(cat string) string {
	return "## " + strings.ToUpper(cat) + "\n"
}

func entryLine(e domain.ContextEntry) string {
	return "- [" + e.TS + "] " + e.Content + "\n"
}

// GetSnapshot picks the most recent entries across categories that fit
// maxTokens. Each entry is charged at its serialized cost, header lines
// included, so the rendered snapshot fits the budget too. Selection is
// round-robin newest-first over the configured category order, so a
// fixed store state and budget always yield the same snapshot.
func (s *Store) GetSnapshot(ctx context.Context, maxTokens int) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCat := map[string][]domain.ContextEntry{}
	all, err := s.loadAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, e := range all {
		byCat[e.Category] = append(byCat[e.Category], e)
	}

	remaining := maxTokens
	picked := map[int64]bool{}
	exhausted := map[string]bool{}
	headerCharged := map[string]bool{}
	var selected []domain.ContextEntry
	for depth := 0; ; depth++ {
		progressed := false
		for _, cat := range s.Categories {
			if exhausted[cat] {
				continue
			}
			entries := byCat[cat]
			idx := len(entries) - 1 - depth
			if idx < 0 {
				exhausted[cat] = true
				continue
			}
			e := entries[idx]
			cost := EstimateTokens(entryLine(e))
			if !headerCharged[cat] {
				cost += EstimateTokens(categoryHeader(cat) + "\n")
			}
			if cost > remaining {
				exhausted[cat] = true
				continue
			}
			remaining -= cost
			headerCharged[cat] = true
			picked[e.ID] = true
			selected = append(selected, e)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Restore append order for rendering.
	var ordered []domain.ContextEntry
	for _, e := range all {
		if picked[e.ID] {
			ordered = append(ordered, e)
		}
	}
	return Snapshot{Entries: ordered, Tokens: maxTokens - remaining}, nil
}
