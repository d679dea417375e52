// Package postgres is the durable store for documents, pages, chunks and tables.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

//go:embed scripts/initdb.sql
var schemaFS embed.FS

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store wraps a pgx-backed database/sql pool.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := New(db, log)
	if err := s.Migrate(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// ReplaceDocument writes a parse result for doc in one transaction. Prior
// rows for the same document id are replaced only when the whole write succeeds.
func (s *Store) ReplaceDocument(ctx context.Context, doc models.Document, res *models.ParseResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsertDoc = `
		INSERT INTO documents (id, owner_id, filename, mime_type, size_bytes, page_count, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			page_count = EXCLUDED.page_count,
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
	`
	if _, err = tx.ExecContext(ctx, upsertDoc,
		doc.ID, doc.OwnerID, doc.Filename, doc.MimeType, doc.Size, len(res.Pages), doc.ContentHash, doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	for _, table := range []string{"pages", "chunks", "doc_tables"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE document_id = $1", doc.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, p := range res.Pages {
		var pageErr []byte
		if p.Err != nil {
			if pageErr, err = json.Marshal(p.Err); err != nil {
				return fmt.Errorf("marshal page error: %w", err)
			}
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO pages (document_id, number, text, ocr, confidence, method, error) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			doc.ID, p.Number, p.Text, p.OCR, p.Confidence, string(p.Method), nullJSON(pageErr),
		); err != nil {
			return fmt.Errorf("insert page %d: %w", p.Number, err)
		}
	}

	for _, c := range res.Chunks {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, page, idx, start_line, end_line, token_count, type, text)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, doc.ID, c.Page, c.Index, c.Position.Start, c.Position.End, c.TokenCount, string(c.Type), c.Text,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	for _, t := range res.Tables {
		bbox, _ := json.Marshal(t.BBox)
		header, _ := json.Marshal(t.Header)
		rows, _ := json.Marshal(t.Rows)
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO doc_tables (document_id, page, bbox, header, rows) VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, t.Page, string(bbox), string(header), string(rows),
		); err != nil {
			return fmt.Errorf("insert table on page %d: %w", t.Page, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// FindByHash returns the newest document of owner with the given content hash.
func (s *Store) FindByHash(ctx context.Context, owner, hash string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE owner_id = $1 AND content_hash = $2 ORDER BY updated_at DESC LIMIT 1`,
		owner, hash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// DeleteDocument removes a document and, through cascades, its pages, chunks and tables.
func (s *Store) DeleteDocument(ctx context.Context, owner, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const chunkColumns = `c.id, c.document_id, c.page, c.idx, c.start_line, c.end_line, c.token_count, c.type, c.text`

// Chunks lists the chunks of the owner's documents in page order.
func (s *Store) Chunks(ctx context.Context, owner string, docIDs []string) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = $1 AND c.document_id = ANY($2)
		ORDER BY c.document_id, c.page, c.idx`,
		owner, docIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchChunks ranks chunks with ts_rank_cd against any of terms.
func (s *Store) SearchChunks(ctx context.Context, owner string, docIDs, terms []string, limit int) ([]models.ScoredChunk, error) {
	q := TSQuery(terms)
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, ts_rank_cd(c.tsv, query) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id,
		     websearch_to_tsquery('english', $3) query
		WHERE d.owner_id = $1 AND c.document_id = ANY($2) AND c.tsv @@ query
		ORDER BY score DESC, c.page, c.idx
		LIMIT $4`,
		owner, docIDs, q, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		var typ string
		if err := rows.Scan(
			&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Page, &sc.Chunk.Index,
			&sc.Chunk.Position.Start, &sc.Chunk.Position.End, &sc.Chunk.TokenCount, &typ, &sc.Chunk.Text, &sc.Score,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		sc.Chunk.Type = models.ChunkType(typ)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanChunk(rows *sql.Rows) (models.Chunk, error) {
	var c models.Chunk
	var typ string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Page, &c.Index, &c.Position.Start, &c.Position.End, &c.TokenCount, &typ, &c.Text); err != nil {
		return c, fmt.Errorf("scan chunk: %w", err)
	}
	c.Type = models.ChunkType(typ)
	return c, nil
}

// TSQuery builds a websearch_to_tsquery expression matching any term.
// Multi-word terms become phrases.
func TSQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	seen := make(map[string]bool)
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(strings.NewReplacer(`"`, "", "-", " ").Replace(t)))
		if t == "" || t == "or" || seen[t] {
			continue
		}
		seen[t] = true
		if strings.Contains(t, " ") {
			t = `"` + t + `"`
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, " or ")
}
