package storage

import (
	"context"

	"github.com/lib/pq"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/model"
)

// ArticleIndexRepository reads and upserts the articles_index table, the
// output of Stage 5 (Indexing).
type ArticleIndexRepository struct{ pool *Pool }

func NewArticleIndexRepository(pool *Pool) *ArticleIndexRepository {
	return &ArticleIndexRepository{pool: pool}
}

// Upsert inserts a new article index row or, on a conflict on article_id,
// updates the mutable fields on conflict on article_id.
func (r *ArticleIndexRepository) Upsert(ctx context.Context, idx *model.ArticleIndex) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO articles_index (
			article_id, raw_article_id, feed_id, canonical_url, url_hash, text_hash,
			title_norm, clean_text, language, language_confidence, category,
			quality_score, quality_flags, is_duplicate, dup_reason, dup_original_id,
			dup_similarity_score, ready_for_chunking, chunking_completed,
			indexing_completed, processing_version, published_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,now())
		ON CONFLICT (article_id) DO UPDATE SET
			updated_at = now(),
			processing_version = EXCLUDED.processing_version,
			quality_score = EXCLUDED.quality_score,
			quality_flags = EXCLUDED.quality_flags,
			is_duplicate = EXCLUDED.is_duplicate,
			dup_reason = EXCLUDED.dup_reason,
			dup_original_id = EXCLUDED.dup_original_id,
			dup_similarity_score = EXCLUDED.dup_similarity_score,
			ready_for_chunking = EXCLUDED.ready_for_chunking`,
		idx.ArticleID, idx.RawArticleID, idx.FeedID, idx.CanonicalURL, idx.URLHash, idx.TextHash,
		idx.TitleNorm, idx.CleanText, idx.Language, idx.LanguageConfidence, idx.Category,
		idx.QualityScore, pq.Array(idx.QualityFlags), idx.IsDuplicate, idx.DupReason,
		idx.DupOriginalID, idx.DupSimilarityScore, idx.ReadyForChunking, idx.ChunkingCompleted,
		idx.IndexingCompleted, idx.ProcessingVersion, idx.PublishedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "upserting article index")
	}
	return nil
}

// MarkChunkingCompleted sets chunking_completed = true for an article
// (Stage 6, Chunking).
func (r *ArticleIndexRepository) MarkChunkingCompleted(ctx context.Context, articleID string) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `UPDATE articles_index SET chunking_completed = true WHERE article_id = $1`, articleID)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "marking chunking completed")
	}
	return nil
}

// MarkIndexingCompleted sets indexing_completed = true and refreshes the
// full-text search_vector (Stage 7, Search Indexing).
func (r *ArticleIndexRepository) MarkIndexingCompleted(ctx context.Context, articleID, title, cleanText string, keywords []string) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE articles_index SET indexing_completed = true,
		       search_vector = setweight(to_tsvector('simple', coalesce($2,'')), 'A') ||
		                       setweight(to_tsvector('simple', coalesce($3,'')), 'B') ||
		                       setweight(to_tsvector('simple', coalesce(array_to_string($4, ' '),'')), 'C')
		WHERE article_id = $1`, articleID, title, cleanText, pq.Array(keywords))
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "marking indexing completed")
	}
	return nil
}

// ByArticleID loads a single index row.
func (r *ArticleIndexRepository) ByArticleID(ctx context.Context, articleID string) (*model.ArticleIndex, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	idx := &model.ArticleIndex{}
	var flags pq.StringArray
	err := r.pool.QueryRow(ctx, `
		SELECT article_id, raw_article_id, feed_id, canonical_url, url_hash, text_hash,
		       title_norm, clean_text, language, language_confidence, category,
		       quality_score, quality_flags, is_duplicate, coalesce(dup_reason,''),
		       coalesce(dup_original_id,''), dup_similarity_score, ready_for_chunking,
		       chunking_completed, indexing_completed, processing_version, published_at, updated_at
		FROM articles_index WHERE article_id = $1`, articleID).Scan(
		&idx.ArticleID, &idx.RawArticleID, &idx.FeedID, &idx.CanonicalURL, &idx.URLHash, &idx.TextHash,
		&idx.TitleNorm, &idx.CleanText, &idx.Language, &idx.LanguageConfidence, &idx.Category,
		&idx.QualityScore, &flags, &idx.IsDuplicate, &idx.DupReason, &idx.DupOriginalID,
		&idx.DupSimilarityScore, &idx.ReadyForChunking, &idx.ChunkingCompleted,
		&idx.IndexingCompleted, &idx.ProcessingVersion, &idx.PublishedAt, &idx.UpdatedAt)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading article index")
	}
	idx.QualityFlags = flags
	return idx, nil
}
