package db

import (
	"context"
	"fmt"

	"ingestor/packages/domain"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// embeddingSelection builds the candidate query shared by both embedding
// modes: extracted text longer than MinLength, no embedding row yet, and not
// listed in ExcludeIDs.
func embeddingSelection(q domain.EmbeddingQuery) sq.SelectBuilder {
	b := psql.
		Select("npc.id_page", "npc.content", "s.domain").
		From("news_pages_content npc").
		LeftJoin("content_embeddings ce ON npc.id_page = ce.id_page").
		Join("news_pages np ON npc.id_page = np.id_page").
		Join("sitemaps s ON np.id_sitemap = s.id_sitemap").
		Where(sq.Eq{"ce.id_page": nil}).
		Where("npc.content IS NOT NULL").
		Where(sq.Expr("LENGTH(npc.content) > ?", q.MinLength)).
		OrderBy("npc.publication_date DESC NULLS LAST", "npc.id_page")
	if len(q.ExcludeIDs) > 0 {
		b = b.Where(sq.NotEq{"npc.id_page": q.ExcludeIDs})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b
}

func (s *Storage) ContentForEmbedding(ctx context.Context, q domain.EmbeddingQuery) ([]domain.EmbeddingCandidate, error) {
	defer observe("content_for_embedding")()
	query, args, err := embeddingSelection(q).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding selection: %w", err)
	}
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select content for embedding: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.EmbeddingCandidate])
	if err != nil {
		return nil, fmt.Errorf("failed to scan content for embedding: %w", err)
	}
	return candidates, nil
}

// UpsertEmbeddings writes all records in one transaction, replacing any
// existing vector for the same page.
func (s *Storage) UpsertEmbeddings(ctx context.Context, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	defer observe("upsert_embeddings")()
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(`
				INSERT INTO content_embeddings (id_page, embedding)
				VALUES ($1, $2)
				ON CONFLICT (id_page) DO UPDATE SET embedding = EXCLUDED.embedding`,
				r.PageID, pgvector.NewVector(r.Vector))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert %d embeddings: %w", len(records), err)
		}
		return nil
	})
}
