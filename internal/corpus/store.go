package corpus

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Document is one retrievable unit of the corpus. Content is owned here;
// retrieval metadata (decay, archival) is owned by the decay tracker.
type Document struct {
	ID        string
	Title     string
	Content   string
	Source    string
	Topic     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const snippetLength = 250

// Store resolves item identifiers to document content and snippets. The
// gateway never mutates document content; writes happen through the external
// curation tooling that shares this database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to corpus database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}

	logger.Info("Corpus store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		topic TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_topic ON documents(topic);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize corpus schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, source, topic, created_at, updated_at
		 FROM documents WHERE id = ?`, id)

	var doc Document
	var source, topic sql.NullString
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &source, &topic,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	doc.Source = source.String
	doc.Topic = topic.String
	return &doc, nil
}

// Snippet returns a short plain-text preview for an item. HTML content is
// stripped to text first. Unknown items yield an empty snippet, not an error.
func (s *Store) Snippet(ctx context.Context, id string) (string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", nil
	}
	return MakeSnippet(doc.Content), nil
}

// All streams every document, used to build the keyword index at startup.
func (s *Store) All(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content, source, topic, created_at, updated_at FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var source, topic sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &source, &topic,
			&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Source = source.String
		doc.Topic = topic.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// MakeSnippet strips markup and truncates on a word boundary.
func MakeSnippet(content string) string {
	text := content
	if strings.Contains(content, "<") && strings.Contains(content, ">") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
			text = doc.Text()
		}
	}

	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetLength {
		return text
	}

	cut := text[:snippetLength]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}
