package store

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/callsight/callsight/internal/domain"
)

// SearchArticlesByTags returns KB articles whose tag array overlaps the
// given tags, best score first. The pipeline never writes articles.
func (s *Store) SearchArticlesByTags(ctx context.Context, tags []string, limit int) ([]domain.KBArticle, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, title, snippet, tags, score
		FROM kb_articles
		WHERE tags && $1
		ORDER BY score DESC
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, tags, limit)
	if err != nil {
		return nil, fmt.Errorf("search kb by tags: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// SearchArticlesByEmbedding ranks articles by cosine similarity against a
// query embedding. Articles without embeddings are skipped.
func (s *Store) SearchArticlesByEmbedding(ctx context.Context, embedding []float32, limit int) ([]domain.KBArticle, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	vec := pgvector.NewVector(embedding)
	query := `
		SELECT id, title, snippet, tags, 1 - (embedding <=> $1) AS score
		FROM kb_articles
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := s.conn(ctx).Query(ctx, query, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("search kb by embedding: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

func scanArticles(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.KBArticle, error) {
	var out []domain.KBArticle
	for rows.Next() {
		var a domain.KBArticle
		if err := rows.Scan(&a.ID, &a.Title, &a.Snippet, &a.Tags, &a.Score); err != nil {
			return nil, fmt.Errorf("scan kb article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
