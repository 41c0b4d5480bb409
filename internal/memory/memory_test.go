package memory

import (
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), maxEntries, 90, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	st.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return st
}

func TestSaveAndGet(t *testing.T) {
	st := newStore(t, 100)

	saved, err := st.Save("auth-design", "JWT based auth design",
		[]string{"design", "auth"}, map[string]any{"issue": "42"})
	if err != nil {
		t.Fatal(err)
	}
	if saved.Key != "auth-design" || len(saved.Tags) != 2 {
		t.Errorf("saved = %+v", saved)
	}

	got, found, err := st.Get("auth-design")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Content != "JWT based auth design" || got.Metadata["issue"] != "42" {
		t.Errorf("got = %+v", got)
	}

	// Update with nil tags keeps the old tags and merges metadata.
	updated, err := st.Save("auth-design", "JWT auth v2", nil, map[string]any{"rev": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Tags) != 2 {
		t.Errorf("tags lost on update: %+v", updated.Tags)
	}
	if updated.Metadata["issue"] != "42" || updated.Metadata["rev"] != "2" {
		t.Errorf("metadata = %+v", updated.Metadata)
	}
	if !updated.CreatedAt.Equal(got.CreatedAt) {
		t.Error("created_at must be preserved on update")
	}
	if !updated.UpdatedAt.After(got.UpdatedAt) {
		t.Error("updated_at must advance")
	}

	if _, found, _ := st.Get("missing"); found {
		t.Error("missing key must not be found")
	}
}

func TestSearch(t *testing.T) {
	st := newStore(t, 100)

	if _, err := st.Save("auth", "JWT token validation rules", []string{"design"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Save("db", "PostgreSQL schema migration notes", []string{"infra"}, nil); err != nil {
		t.Fatal(err)
	}

	results, err := st.Search("JWT", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Key != "auth" {
		t.Errorf("results = %+v", results)
	}

	// Tag filter drops non-matching entries.
	results, err = st.Search("JWT", []string{"infra"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v", results)
	}

	// Key names are searchable too.
	results, err = st.Search("db", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Key != "db" {
		t.Errorf("results = %+v", results)
	}

	if results, _ := st.Search("", nil, 10); results != nil {
		t.Errorf("empty query must return nothing: %+v", results)
	}
}

func TestPruneArchiveRestore(t *testing.T) {
	st := newStore(t, 100)

	original, err := st.Save("lesson", "retry with backoff on 429", []string{"ops"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// TTL of zero expires everything saved so far.
	st.ttlDays = 0
	archived, err := st.Prune()
	if err != nil {
		t.Fatal(err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d", archived)
	}
	if _, found, _ := st.Get("lesson"); found {
		t.Error("archived entry must leave the live partition")
	}
	if results, _ := st.Search("backoff", nil, 10); len(results) != 0 {
		t.Error("archived entry must leave the index")
	}

	hits, err := st.SearchArchive("backoff", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Key != "lesson" || hits[0].ArchivedAt == nil {
		t.Errorf("hits = %+v", hits)
	}

	restored, found, err := st.Restore("lesson")
	if err != nil || !found {
		t.Fatalf("restore: found=%v err=%v", found, err)
	}
	if restored.Content != original.Content || restored.ArchivedAt != nil {
		t.Errorf("restored = %+v", restored)
	}

	got, found, err := st.Get("lesson")
	if err != nil || !found {
		t.Fatalf("get after restore: found=%v err=%v", found, err)
	}
	if got.Content != original.Content || len(got.Tags) != 1 {
		t.Errorf("got = %+v", got)
	}
	if results, _ := st.Search("backoff", nil, 10); len(results) != 1 {
		t.Error("restored entry must be searchable again")
	}

	if _, found, _ := st.Restore("lesson"); found {
		t.Error("second restore must miss")
	}
}

func TestPruneMaxEntries(t *testing.T) {
	st := newStore(t, 3)

	keys := []string{"one", "two", "three", "four", "five"}
	for _, key := range keys {
		if _, err := st.Save(key, "note about "+key, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	live, err := st.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 3 {
		t.Fatalf("live = %d", len(live))
	}
	for _, entry := range live {
		if entry.Key == "one" || entry.Key == "two" {
			t.Errorf("oldest entry survived: %s", entry.Key)
		}
	}

	archiveSummary, err := st.GetArchiveSummary()
	if err != nil {
		t.Fatal(err)
	}
	if archiveSummary.TotalEntries != 2 {
		t.Errorf("archive = %+v", archiveSummary)
	}
}

func TestDeleteAndClear(t *testing.T) {
	st := newStore(t, 100)
	if _, err := st.Save("keep", "live note", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Save("gone", "other note", nil, nil); err != nil {
		t.Fatal(err)
	}

	deleted, err := st.Delete("gone")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if deleted, _ := st.Delete("gone"); deleted {
		t.Error("second delete must report false")
	}

	// Archive one entry, then clear the live partition.
	st.ttlDays = 0
	if _, err := st.Prune(); err != nil {
		t.Fatal(err)
	}
	st.ttlDays = 90
	if _, err := st.Save("fresh", "new note", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Clear(); err != nil {
		t.Fatal(err)
	}
	live, err := st.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Errorf("live after clear = %+v", live)
	}
	archive, err := st.ListArchive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(archive) == 0 {
		t.Error("clear must not touch the archive")
	}
}

func TestGetSummary(t *testing.T) {
	st := newStore(t, 50)
	if _, err := st.Save("a", "alpha", []string{"x"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Save("b", "beta", []string{"x", "y"}, nil); err != nil {
		t.Fatal(err)
	}

	summary, err := st.GetSummary()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalEntries != 2 || summary.TagCount != 2 || summary.MaxEntries != 50 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.OldestEntry == "" || summary.NewestEntry == "" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestContextFor(t *testing.T) {
	st := newStore(t, 100)
	if _, err := st.Save("auth", "JWT validation is strict\nsecond line", nil, nil); err != nil {
		t.Fatal(err)
	}

	ctx := st.ContextFor("JWT", 5)
	if !strings.Contains(ctx, "- **auth**: JWT validation is strict") {
		t.Errorf("ctx = %q", ctx)
	}
	if strings.Contains(ctx, "second line") {
		t.Errorf("ctx must keep only the first line: %q", ctx)
	}

	if got := st.ContextFor("nothing-matches", 5); got != "" {
		t.Errorf("ctx = %q", got)
	}
}
