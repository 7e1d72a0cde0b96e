// Package memory holds the per-user archival memory: core memory sections
// injected into the system prompt, and archival facts with optional vector
// search. Fact insertion is the event source for projection triggers.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/valet/internal/providers"
)

// FactHook is invoked after every successful fact insertion. The gateway
// wires this to the projection trigger check so "when X happens, do Y" works
// uniformly for worker completions and any other archived fact.
type FactHook func(ctx context.Context, content, source string)

// Fact is one archival memory entry.
type Fact struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at"`
}

// Store is the per-user archival memory. It shares the user's memory.db file
// with the projection store but owns its own tables.
type Store struct {
	db       *sql.DB
	userID   string
	vectors  *chromem.Collection
	embedder providers.Embedder
	onFact   FactHook
}

// Open opens the archival side of the user's memory database. vectorDir
// holds the persistent chromem collection; embedder may be nil (keyword-only
// search, no vectors).
func Open(dbPath, vectorDir, userID string, embedder providers.Embedder) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS core_memory (
			section    TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory schema: %w", err)
		}
	}

	s := &Store{db: db, userID: userID, embedder: embedder}

	if embedder != nil {
		vdb, err := chromem.NewPersistentDB(vectorDir, false)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		embedFn := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		})
		col, err := vdb.GetOrCreateCollection("facts", nil, embedFn)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open facts collection: %w", err)
		}
		s.vectors = col
	}

	return s, nil
}

// SetFactHook registers the post-insert hook. Must be called before the
// store is shared across goroutines.
func (s *Store) SetFactHook(hook FactHook) { s.onFact = hook }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AddFact archives a fact and fires the fact hook. Vector indexing is
// best-effort: an embedding failure never blocks the insert.
func (s *Store) AddFact(ctx context.Context, content, source string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO facts (content, source, created_at) VALUES (?, ?, ?)`,
		content, source, time.Now().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	id, _ := res.LastInsertId()

	if s.vectors != nil {
		if err := s.vectors.AddDocument(ctx, chromem.Document{
			ID:      strconv.FormatInt(id, 10),
			Content: content,
		}); err != nil {
			slog.Warn("fact vector indexing failed", "user", s.userID, "fact", id, "error", err)
		}
	}

	slog.Debug("fact archived", "user", s.userID, "fact", id, "source", source)

	if s.onFact != nil {
		s.onFact(ctx, content, source)
	}
	return id, nil
}

// Search returns the k most relevant facts for query: vector search when an
// embedder is configured, token-overlap LIKE matching otherwise.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Fact, error) {
	if k <= 0 {
		k = 6
	}

	if s.vectors != nil && s.vectors.Count() > 0 {
		n := k
		if c := s.vectors.Count(); c < n {
			n = c
		}
		results, err := s.vectors.Query(ctx, query, n, nil, nil)
		if err != nil {
			slog.Warn("vector search failed, falling back to keyword", "user", s.userID, "error", err)
		} else {
			var out []Fact
			for _, r := range results {
				id, _ := strconv.ParseInt(r.ID, 10, 64)
				if f, err := s.getFact(id); err == nil && f != nil {
					out = append(out, *f)
				}
			}
			return out, nil
		}
	}

	return s.keywordSearch(query, k)
}

func (s *Store) getFact(id int64) (*Fact, error) {
	var f Fact
	err := s.db.QueryRow(`SELECT id, content, source, created_at FROM facts WHERE id = ?`, id).
		Scan(&f.ID, &f.Content, &f.Source, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) keywordSearch(query string, k int) ([]Fact, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	where := make([]string, 0, len(tokens))
	args := make([]any, 0, len(tokens)+1)
	for _, tok := range tokens {
		where = append(where, "lower(content) LIKE ?")
		args = append(args, "%"+tok+"%")
	}
	args = append(args, k)

	rows, err := s.db.Query(`
		SELECT id, content, source, created_at FROM facts
		WHERE `+strings.Join(where, " OR ")+`
		ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetCore replaces one core memory section.
func (s *Store) SetCore(section, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO core_memory (section, content, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(section) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		section, content)
	return err
}

// CoreSections returns all core memory sections in name order.
func (s *Store) CoreSections() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT section, content FROM core_memory ORDER BY section`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var section, content string
		if err := rows.Scan(&section, &content); err != nil {
			return nil, err
		}
		out[section] = content
	}
	return out, rows.Err()
}

// DumpCore renders core memory for the /memory command and the system prompt.
func (s *Store) DumpCore() (string, error) {
	sections, err := s.CoreSections()
	if err != nil {
		return "", err
	}
	if len(sections) == 0 {
		return "(core memory is empty)", nil
	}

	keys := make([]string, 0, len(sections))
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "## %s\n%s\n\n", k, sections[k])
	}
	return strings.TrimSpace(b.String()), nil
}
