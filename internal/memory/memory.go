// Package memory is the persistent learning store agents write findings
// into. Entries live in a per-scope SQLite database (project scope under
// .multi-agent-mcp/memory, global scope under ~/.multi-agent-mcp/memory)
// with an FTS5 index over key, content and tags. Pruning never deletes:
// expired or excess entries move to an archive partition that stays
// searchable and restorable.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/tmuxcrew/internal/config"
)

const (
	DefaultMaxEntries = 1000
	DefaultTTLDays    = 90
)

// Entry is one stored piece of knowledge.
type Entry struct {
	Key        string         `json:"key"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}

// Summary describes one partition (live or archive) of the store.
type Summary struct {
	TotalEntries int      `json:"total_entries"`
	UniqueTags   []string `json:"unique_tags"`
	TagCount     int      `json:"tag_count"`
	StoragePath  string   `json:"storage_path"`
	MaxEntries   int      `json:"max_entries,omitempty"`
	TTLDays      int      `json:"ttl_days,omitempty"`
	OldestEntry  string   `json:"oldest_entry,omitempty"`
	NewestEntry  string   `json:"newest_entry,omitempty"`
}

const memorySchema = `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	checksum TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	archived_at TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
	key,
	content,
	tags,
	tokenize='porter unicode61'
);
`

// Store wraps one scope's memory database. Mutations prune automatically
// so the live partition never exceeds MaxEntries or the TTL.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	path       string
	maxEntries int
	ttlDays    int
	autoPrune  bool
	logger     *log.Logger
	now        func() time.Time
}

// Open opens (or creates) the memory database under dir.
func Open(dir string, maxEntries, ttlDays int, logger *log.Logger) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttlDays < 0 {
		ttlDays = DefaultTTLDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	path := filepath.Join(dir, "memory.db")
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(memorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{
		db:         db,
		path:       path,
		maxEntries: maxEntries,
		ttlDays:    ttlDays,
		autoPrune:  true,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// OpenGlobal opens the user-scoped store shared across projects.
func OpenGlobal(maxEntries, ttlDays int, logger *log.Logger) (*Store, error) {
	dir, err := config.GlobalMemoryDir()
	if err != nil {
		return nil, err
	}
	return Open(dir, maxEntries, ttlDays, logger)
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func decodeMetadata(raw string) map[string]any {
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}

func hasAnyTag(entry []string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, have := range entry {
			if have == w {
				return true
			}
		}
	}
	return false
}

const timeLayout = time.RFC3339Nano

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var e Entry
	var tags, metadata, createdAt, updatedAt string
	var archivedAt sql.NullString
	if err := scan(&e.Key, &e.Content, &tags, &metadata, &createdAt, &updatedAt, &archivedAt); err != nil {
		return Entry{}, err
	}
	e.Tags = decodeTags(tags)
	if e.Tags == nil {
		e.Tags = []string{}
	}
	e.Metadata = decodeMetadata(metadata)
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if archivedAt.Valid {
		if t, err := time.Parse(timeLayout, archivedAt.String); err == nil {
			e.ArchivedAt = &t
		}
	}
	return e, nil
}

const entryColumns = "key, content, tags, metadata, created_at, updated_at, archived_at"

// Save inserts or updates a live entry. A nil tag list on update keeps
// the existing tags; metadata is merged. Saving prunes afterwards.
func (s *Store) Save(key, content string, tags []string, metadata map[string]any) (Entry, error) {
	if key == "" {
		return Entry{}, fmt.Errorf("memory key is empty")
	}
	s.mu.Lock()
	now := s.now()

	existing, found, err := s.getLocked(key, false)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}

	entry := Entry{Key: key, Content: content, CreatedAt: now, UpdatedAt: now}
	if found {
		entry.CreatedAt = existing.CreatedAt
		entry.Tags = existing.Tags
		entry.Metadata = existing.Metadata
	}
	if tags != nil {
		entry.Tags = tags
	}
	if entry.Tags == nil {
		entry.Tags = []string{}
	}
	if metadata != nil {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			entry.Metadata[k] = v
		}
	}

	if err := s.upsertLocked(entry, ""); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	s.mu.Unlock()

	if s.autoPrune {
		if _, err := s.Prune(); err != nil {
			s.logf("memory: auto prune failed: %v", err)
		}
	}
	return entry, nil
}

// upsertLocked writes one row and refreshes its FTS shadow. archivedAt
// empty means live.
func (s *Store) upsertLocked(entry Entry, archivedAt string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var archived any
	if archivedAt != "" {
		archived = archivedAt
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO entries (key, content, tags, metadata, checksum, created_at, updated_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.Content, encodeJSON(entry.Tags), encodeJSON(entry.Metadata),
		checksum(entry.Content),
		entry.CreatedAt.Format(timeLayout), entry.UpdatedAt.Format(timeLayout), archived,
	); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM entries_fts WHERE key = ?`, entry.Key); err != nil {
		return fmt.Errorf("clear fts row: %w", err)
	}
	if archivedAt == "" {
		if _, err := tx.Exec(
			`INSERT INTO entries_fts (key, content, tags) VALUES (?, ?, ?)`,
			entry.Key, entry.Content, strings.Join(entry.Tags, " "),
		); err != nil {
			return fmt.Errorf("index entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) getLocked(key string, archived bool) (Entry, bool, error) {
	cond := "archived_at IS NULL"
	if archived {
		cond = "archived_at IS NOT NULL"
	}
	row := s.db.QueryRow(
		`SELECT `+entryColumns+` FROM entries WHERE key = ? AND `+cond, key)
	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Get returns a live entry by key.
func (s *Store) Get(key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(key, false)
}

// sanitizeFTSQuery strips FTS5 operators and joins the remaining tokens
// with implicit AND.
func sanitizeFTSQuery(q string) string {
	replacer := strings.NewReplacer(
		"\"", "", "'", "", "(", "", ")", "", "*", "", ":", "", "^", "", "{", "", "}", "",
	)
	var tokens []string
	for _, w := range strings.Fields(replacer.Replace(q)) {
		if w != "" && w != "AND" && w != "OR" && w != "NOT" && w != "NEAR" {
			tokens = append(tokens, w)
		}
	}
	return strings.Join(tokens, " ")
}

// Search matches live entries against the FTS index, optionally filtered
// to entries carrying at least one of the given tags. Results come back
// newest-updated first.
func (s *Store) Search(query string, tags []string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM entries
		 WHERE archived_at IS NULL
		 AND key IN (SELECT key FROM entries_fts WHERE entries_fts MATCH ?)
		 ORDER BY updated_at DESC`, ftsQuery)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		if !hasAnyTag(entry.Tags, tags) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// ListByTags returns live entries carrying at least one of the tags.
func (s *Store) ListByTags(tags []string) ([]Entry, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, entry := range all {
		if len(tags) > 0 && hasAnyTag(entry.Tags, tags) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) listPartition(archived bool, limit int) ([]Entry, error) {
	cond := "archived_at IS NULL"
	if archived {
		cond = "archived_at IS NOT NULL"
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + cond + ` ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ListAll returns every live entry, newest-updated first.
func (s *Store) ListAll() ([]Entry, error) {
	return s.listPartition(false, 0)
}

// Delete removes a live entry permanently. Reports whether it existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM entries WHERE key = ? AND archived_at IS NULL`, key)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if _, err := tx.Exec(`DELETE FROM entries_fts WHERE key = ?`, key); err != nil {
		return false, err
	}
	return affected > 0, tx.Commit()
}

// Clear removes every live entry. The archive is untouched.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM entries WHERE archived_at IS NULL`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entries_fts`); err != nil {
		return err
	}
	return tx.Commit()
}

// Prune archives TTL-expired entries, then archives the oldest entries
// past MaxEntries. Returns how many entries moved to the archive.
func (s *Store) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.livePruneOrder()
	if err != nil {
		return 0, err
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(s.ttlDays) * 24 * time.Hour)
	var toArchive []Entry
	var kept []Entry
	for _, entry := range live {
		if entry.UpdatedAt.Before(cutoff) {
			toArchive = append(toArchive, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	if excess := len(kept) - s.maxEntries; excess > 0 {
		// kept is oldest-first, so the front is the overflow.
		toArchive = append(toArchive, kept[:excess]...)
	}

	stamp := now.Format(timeLayout)
	for _, entry := range toArchive {
		if err := s.upsertLocked(entry, stamp); err != nil {
			return 0, err
		}
	}
	if len(toArchive) > 0 {
		s.logf("memory: archived %d entries", len(toArchive))
	}
	return len(toArchive), nil
}

// livePruneOrder returns live entries oldest-updated first.
func (s *Store) livePruneOrder() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT ` + entryColumns + ` FROM entries WHERE archived_at IS NULL ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SearchArchive substring-matches archived entries on key and content,
// optionally filtered by tags, newest-updated first.
func (s *Store) SearchArchive(query string, tags []string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	archived, err := s.listPartition(true, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var results []Entry
	for _, entry := range archived {
		if !hasAnyTag(entry.Tags, tags) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(entry.Content), needle) &&
			!strings.Contains(strings.ToLower(entry.Key), needle) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ListArchive returns archived entries, newest-updated first.
func (s *Store) ListArchive(limit int) ([]Entry, error) {
	return s.listPartition(true, limit)
}

// Restore moves an archived entry back to the live partition, stamping a
// fresh updated_at so it survives the next prune.
func (s *Store) Restore(key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found, err := s.getLocked(key, true)
	if err != nil || !found {
		return Entry{}, false, err
	}
	entry.UpdatedAt = s.now()
	entry.ArchivedAt = nil
	if err := s.upsertLocked(entry, ""); err != nil {
		return Entry{}, false, err
	}
	s.logf("memory: restored %s from archive", key)
	return entry, true, nil
}

func (s *Store) partitionSummary(archived bool) (Summary, error) {
	entries, err := s.listPartition(archived, 0)
	if err != nil {
		return Summary{}, err
	}
	tagSet := map[string]bool{}
	summary := Summary{TotalEntries: len(entries), StoragePath: s.path}
	for i, entry := range entries {
		for _, tag := range entry.Tags {
			tagSet[tag] = true
		}
		// listPartition is newest-first.
		if i == 0 {
			summary.NewestEntry = entry.UpdatedAt.Format(timeLayout)
		}
		if i == len(entries)-1 {
			summary.OldestEntry = entry.UpdatedAt.Format(timeLayout)
		}
	}
	for tag := range tagSet {
		summary.UniqueTags = append(summary.UniqueTags, tag)
	}
	sort.Strings(summary.UniqueTags)
	summary.TagCount = len(summary.UniqueTags)
	return summary, nil
}

// GetSummary describes the live partition.
func (s *Store) GetSummary() (Summary, error) {
	summary, err := s.partitionSummary(false)
	if err != nil {
		return Summary{}, err
	}
	summary.MaxEntries = s.maxEntries
	summary.TTLDays = s.ttlDays
	return summary, nil
}

// GetArchiveSummary describes the archive partition.
func (s *Store) GetArchiveSummary() (Summary, error) {
	return s.partitionSummary(true)
}

// ContextFor renders a compact bullet list of the best matches for a
// query, for embedding into generated task files. Empty when nothing
// matches.
func (s *Store) ContextFor(query string, limit int) string {
	entries, err := s.Search(query, nil, limit)
	if err != nil {
		s.logf("memory: context search failed: %v", err)
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		content := entry.Content
		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			content = content[:idx]
		}
		if len([]rune(content)) > 200 {
			content = string([]rune(content)[:200]) + "..."
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", entry.Key, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
