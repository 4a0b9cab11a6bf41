package contextstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cofounder/internal/contextstore"
	"cofounder/internal/db"
	"cofounder/internal/domain"
	"cofounder/internal/migrate"
)

var testCategories = []string{"conversation", "task_state", "decisions", "research"}

func newTestStore(t *testing.T, budget int) (*contextstore.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := contextstore.New(conn, testCategories, budget)
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, conn
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := contextstore.EstimateTokens(tc.in); got != tc.want {
			t.Fatalf("EstimateTokens(%d chars) = %d, want %d", len(tc.in), got, tc.want)
		}
	}
}

func TestAppendUnknownCategory(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	err := s.Append(context.Background(), "gossip", "hello", nil)
	if !errors.Is(err, contextstore.ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestAppendAndEntries(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	ctx := context.Background()
	if err := s.Append(ctx, "decisions", "use sqlite", map[string]any{"by": "me"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "decisions", "ship friday", nil); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Entries(ctx, "decisions")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Content != "use sqlite" || entries[1].Content != "ship friday" {
		t.Fatalf("entries out of append order: %+v", entries)
	}
	if entries[0].Metadata == nil || !strings.Contains(*entries[0].Metadata, `"by":"me"`) {
		t.Fatalf("metadata not stored: %+v", entries[0])
	}
}

func TestPruneKeepsBudgetAndNewestPerCategory(t *testing.T) {
	// 100-token budget; each entry is 25 tokens (100 chars).
	s, _ := newTestStore(t, 100)
	ctx := context.Background()
	entry := func(tag string) string {
		return tag + strings.Repeat("x", 100-len(tag))
	}
	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "conversation", entry(fmt.Sprintf("conv%d:", i)), nil); err != nil {
			t.Fatal(err)
		}
	}
	// Over budget now; oldest conversation entries must be gone, but the
	// research category keeps its only (newest) entry.
	if err := s.Append(ctx, "research", entry("res0:"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "research", entry("res1:"), nil); err != nil {
		t.Fatal(err)
	}

	total, err := s.TotalTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total > 100 {
		t.Fatalf("total tokens = %d, over budget 100", total)
	}
	conv, err := s.Entries(ctx, "conversation")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) == 0 {
		t.Fatal("newest conversation entry was evicted")
	}
	if got := conv[len(conv)-1].Content[:6]; got != "conv3:" {
		t.Fatalf("surviving conversation entry = %q, want newest conv3:", got)
	}
	res, err := s.Entries(ctx, "research")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) == 0 || res[len(res)-1].Content[:5] != "res1:" {
		t.Fatalf("newest research entry missing: %+v", res)
	}
}

func TestPruneDeterministic(t *testing.T) {
	run := func() []string {
		s, _ := newTestStore(t, 50)
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			cat := testCategories[i%2]
			content := fmt.Sprintf("e%d:", i) + strings.Repeat("y", 60)
			if err := s.Append(ctx, cat, content, nil); err != nil {
				t.Fatal(err)
			}
		}
		var ids []string
		for _, cat := range testCategories {
			entries, err := s.Entries(ctx, cat)
			if err != nil {
				t.Fatal(err)
			}
			for _, e := range entries {
				ids = append(ids, e.Content[:3])
			}
		}
		return ids
	}
	first := run()
	for i := 0; i < 3; i++ {
		if got := run(); strings.Join(got, ",") != strings.Join(first, ",") {
			t.Fatalf("prune not deterministic: %v vs %v", got, first)
		}
	}
}

type recordingSummarizer struct {
	calls map[string]int
}

func (r *recordingSummarizer) Summarize(category string, evicted []domain.ContextEntry) (string, bool) {
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[category] += len(evicted)
	return fmt.Sprintf("summary of %d %s entries", len(evicted), category), true
}

func TestPruneSummarizesEvicted(t *testing.T) {
	s, _ := newTestStore(t, 60)
	sum := &recordingSummarizer{}
	s.Summarizer = sum
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "conversation", strings.Repeat("z", 100), nil); err != nil {
			t.Fatal(err)
		}
	}
	if sum.calls["conversation"] == 0 {
		t.Fatal("summarizer never saw evicted entries")
	}
	entries, err := s.Entries(ctx, "conversation")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Content, "summary of ") {
			found = true
		}
	}
	if !found {
		t.Fatal("summary entry not inserted")
	}
}

// floodSummarizer returns summaries far larger than anything evicted.
type floodSummarizer struct{}

func (floodSummarizer) Summarize(category string, evicted []domain.ContextEntry) (string, bool) {
	return strings.Repeat("s", 4000), true
}

func TestPruneBudgetHoldsWithLargeSummaries(t *testing.T) {
	s, _ := newTestStore(t, 100)
	s.Summarizer = floodSummarizer{}
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := s.Append(ctx, "conversation", strings.Repeat("z", 120), nil); err != nil {
			t.Fatal(err)
		}
		total, err := s.TotalTokens(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if total > 100 {
			t.Fatalf("after append %d: total tokens = %d, over budget 100", i, total)
		}
	}
	entries, err := s.Entries(ctx, "conversation")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Content, "ssss") {
			found = true
			if got := contextstore.EstimateTokens(e.Content); got > 100 {
				t.Fatalf("summary entry alone is %d tokens", got)
			}
		}
	}
	if !found {
		t.Fatal("no truncated summary entry retained")
	}
}

func TestGetSnapshotBounded(t *testing.T) {
	s, _ := newTestStore(t, 10000)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		for _, cat := range testCategories {
			if err := s.Append(ctx, cat, fmt.Sprintf("%s entry %d ", cat, i)+strings.Repeat("w", 80), nil); err != nil {
				t.Fatal(err)
			}
		}
	}
	snap, err := s.GetSnapshot(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Tokens > 100 {
		t.Fatalf("snapshot tokens = %d, over max 100", snap.Tokens)
	}
	if len(snap.Entries) == 0 {
		t.Fatal("snapshot empty despite available entries")
	}
	// Newest entries win.
	for _, e := range snap.Entries {
		if !strings.Contains(e.Content, "entry 9") && !strings.Contains(e.Content, "entry 8") {
			t.Fatalf("snapshot picked old entry: %q", e.Content[:30])
		}
	}
}

func TestGetSnapshotDeterministic(t *testing.T) {
	s, _ := newTestStore(t, 10000)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		cat := testCategories[i%len(testCategories)]
		if err := s.Append(ctx, cat, fmt.Sprintf("%s-%d ", cat, i)+strings.Repeat("v", 40), nil); err != nil {
			t.Fatal(err)
		}
	}
	first, err := s.GetSnapshot(ctx, 60)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		snap, err := s.GetSnapshot(ctx, 60)
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Entries) != len(first.Entries) || snap.Tokens != first.Tokens {
			t.Fatalf("snapshot varies: %+v vs %+v", snap, first)
		}
		for j := range snap.Entries {
			if snap.Entries[j].ID != first.Entries[j].ID {
				t.Fatalf("snapshot order varies at %d", j)
			}
		}
	}
}

func TestSnapshotRenderFitsBudget(t *testing.T) {
	s, _ := newTestStore(t, 10000)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		cat := testCategories[i%len(testCategories)]
		if err := s.Append(ctx, cat, fmt.Sprintf("note %d", i), nil); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := s.GetSnapshot(ctx, 80)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) == 0 {
		t.Fatal("snapshot empty despite available entries")
	}
	// The budget covers the serialized form, headers and entry
	// prefixes included, not just raw content.
	if got := contextstore.EstimateTokens(snap.Render(testCategories)); got > 80 {
		t.Fatalf("rendered snapshot = %d tokens, over max 80", got)
	}
}

func TestSnapshotRender(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	ctx := context.Background()
	if err := s.Append(ctx, "decisions", "use sqlite", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "conversation", "hello", nil); err != nil {
		t.Fatal(err)
	}
	snap, err := s.GetSnapshot(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	out := snap.Render(testCategories)
	convIdx := strings.Index(out, "## CONVERSATION")
	decIdx := strings.Index(out, "## DECISIONS")
	if convIdx < 0 || decIdx < 0 {
		t.Fatalf("missing category headers:\n%s", out)
	}
	if convIdx > decIdx {
		t.Fatalf("categories not in configured order:\n%s", out)
	}
	if !strings.Contains(out, "- [2024-01-01T00:00:00Z] hello") {
		t.Fatalf("entry line missing:\n%s", out)
	}
}
