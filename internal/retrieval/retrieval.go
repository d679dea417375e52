// Package retrieval ranks chunks for a free-text query. It never comes back
// empty while candidates exist.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

const (
	DefaultLimit = 8
	MaxLimit     = 50
)

type Config struct {
	DefaultLimit int
	MaxLimit     int
}

// DurableSource is the durable chunk store.
type DurableSource interface {
	Chunks(ctx context.Context, owner string, docIDs []string) ([]models.Chunk, error)
	SearchChunks(ctx context.Context, owner string, docIDs, terms []string, limit int) ([]models.ScoredChunk, error)
}

type Retriever struct {
	cfg    Config
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) *Retriever {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Retriever{cfg: cfg, logger: log}
}

// Limit clamps a requested limit into [1, MaxLimit]; zero means the default.
func (r *Retriever) Limit(limit int) int {
	switch {
	case limit <= 0:
		return min(r.cfg.DefaultLimit, r.cfg.MaxLimit)
	case limit > r.cfg.MaxLimit:
		return r.cfg.MaxLimit
	}
	return limit
}

// Search ranks an in-memory chunk set with BM25.
func (r *Retriever) Search(chunks []models.Chunk, query string, limit int) []models.Chunk {
	limit = r.Limit(limit)
	terms := ExpandQuery(query)
	scores := BM25(chunks, terms)

	byID := make(map[string]float64, len(chunks))
	for i, c := range chunks {
		if scores[i] > 0 {
			byID[c.ID] = scores[i]
		}
	}
	out := Assemble(chunks, byID, limit)
	r.logger.Debug("Ranked chunks",
		logger.Int("candidates", len(chunks)),
		logger.Int("hits", len(byID)),
		logger.Int("returned", len(out)),
		logger.Bool("expanded", Triggered(query)),
	)
	return out
}

// SearchDurable ranks with the store's full-text search and uses its chunk
// list for the jargon, summary and fallback candidates.
func (r *Retriever) SearchDurable(ctx context.Context, src DurableSource, owner string, docIDs []string, query string, limit int) ([]models.Chunk, error) {
	limit = r.Limit(limit)
	all, err := src.Chunks(ctx, owner, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	byID := make(map[string]float64)
	if terms := ExpandQuery(query); len(terms) > 0 {
		hits, err := src.SearchChunks(ctx, owner, docIDs, terms, limit*3)
		if err != nil {
			// 全文检索失败时退回内存排序
			r.logger.Warn("Full-text search failed, ranking in memory", logger.Error(err))
			return r.Search(all, query, limit), nil
		}
		for _, h := range hits {
			byID[h.Chunk.ID] = h.Score
		}
	}
	return Assemble(all, byID, limit), nil
}

type candidate struct {
	chunk   models.Chunk
	score   float64
	summary bool
}

// Assemble selects scored hits, jargon matches and summary chunks, orders
// them and falls back to financial keywords then page order when nothing matched.
func Assemble(chunks []models.Chunk, scores map[string]float64, limit int) []models.Chunk {
	if len(chunks) == 0 || limit <= 0 {
		return nil
	}

	var picked []candidate
	for _, c := range chunks {
		score, hit := scores[c.ID]
		summary := IsSummaryHeading(c.Text)
		if hit || summary || MatchesJargon(c.Text) {
			picked = append(picked, candidate{chunk: c, score: score, summary: summary})
		}
	}
	if len(picked) == 0 {
		return Fallback(chunks, limit)
	}

	sort.SliceStable(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if a.summary != b.summary {
			return a.summary
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return pageLess(a.chunk, b.chunk)
	})

	out := make([]models.Chunk, 0, min(limit, len(picked)))
	for _, c := range picked {
		if len(out) == limit {
			break
		}
		out = append(out, c.chunk)
	}
	return out
}

// Fallback returns up to limit chunks, those with core financial keywords first.
func Fallback(chunks []models.Chunk, limit int) []models.Chunk {
	sorted := make([]models.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, fj := HasCoreFinancial(sorted[i].Text), HasCoreFinancial(sorted[j].Text)
		if fi != fj {
			return fi
		}
		return pageLess(sorted[i], sorted[j])
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func pageLess(a, b models.Chunk) bool {
	if a.Page != b.Page {
		return a.Page < b.Page
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.DocumentID < b.DocumentID
}
