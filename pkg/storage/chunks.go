package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/model"
)

// ChunkRepository reads and batch-upserts the article_chunks table
// (Stage 6, Chunking).
type ChunkRepository struct{ pool *Pool }

func NewChunkRepository(pool *Pool) *ChunkRepository { return &ChunkRepository{pool: pool} }

// UpsertBatch writes every chunk produced for an article in one round
// trip, keyed on the (article_id, chunk_index) uniqueness invariant.
func (r *ChunkRepository) UpsertBatch(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO article_chunks (
				article_id, chunk_index, text, text_clean, word_count, char_count,
				char_start, char_end, semantic_type, importance_score, chunk_strategy,
				title, domain, published_at, language, category, quality_score)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (article_id, chunk_index) DO UPDATE SET
				text = EXCLUDED.text, text_clean = EXCLUDED.text_clean,
				word_count = EXCLUDED.word_count, char_count = EXCLUDED.char_count,
				char_start = EXCLUDED.char_start, char_end = EXCLUDED.char_end,
				semantic_type = EXCLUDED.semantic_type, importance_score = EXCLUDED.importance_score`,
			c.ArticleID, c.ChunkIndex, c.Text, c.TextClean, c.WordCount, c.CharCount,
			c.CharStart, c.CharEnd, c.SemanticType, c.ImportanceScore, c.ChunkStrategy,
			c.Title, c.Domain, c.PublishedAt, c.Language, c.Category, c.QualityScore)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return apperror.Wrap(err, apperror.ErrorTypeDatabase, "upserting chunk batch")
		}
	}
	return nil
}

// ByArticleID loads every chunk for an article ordered by chunk_index.
func (r *ChunkRepository) ByArticleID(ctx context.Context, articleID string) ([]*model.Chunk, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT article_id, chunk_index, text, text_clean, word_count, char_count,
		       char_start, char_end, semantic_type, importance_score, chunk_strategy,
		       title, domain, published_at, language, category, quality_score
		FROM article_chunks WHERE article_id = $1 ORDER BY chunk_index ASC`, articleID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading chunks")
	}
	defer rows.Close()
	var out []*model.Chunk
	for rows.Next() {
		c := &model.Chunk{}
		if err := rows.Scan(&c.ArticleID, &c.ChunkIndex, &c.Text, &c.TextClean, &c.WordCount,
			&c.CharCount, &c.CharStart, &c.CharEnd, &c.SemanticType, &c.ImportanceScore,
			&c.ChunkStrategy, &c.Title, &c.Domain, &c.PublishedAt, &c.Language, &c.Category,
			&c.QualityScore); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning chunk")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
