package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const imageColumns = `id, prompt, style, status, auto_tagged, tagging_confidence, generation_cost, tagging_cost, error_message, created_at, updated_at, approved_at`

func scanImage(row pgx.Row) (*Image, error) {
	var img Image
	var errMsg *string
	err := row.Scan(&img.ID, &img.Prompt, &img.Style, &img.Status, &img.AutoTagged,
		&img.TaggingConfidence, &img.GenerationCost, &img.TaggingCost, &errMsg,
		&img.CreatedAt, &img.UpdatedAt, &img.ApprovedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if errMsg != nil {
		img.ErrorMessage = *errMsg
	}
	return &img, nil
}

// ClaimImage upserts the image row for a task attempt. Re-executions of the
// same task hit the same deterministic id and simply reset the row to
// processing, which is what keeps one observable image per task.
func (s *Store) ClaimImage(ctx context.Context, img *Image) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO images (id, prompt, style, status)
			 VALUES ($1, $2, $3, 'processing')
			 ON CONFLICT (id) DO UPDATE
			 SET status = 'processing', error_message = NULL, updated_at = now()`,
			img.ID, img.Prompt, img.Style)
		if err != nil {
			return fmt.Errorf("claim image: %w", err)
		}
		return nil
	})
}

// GetImage returns an image by id.
func (s *Store) GetImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	return scanImage(row)
}

// SetImageGenerated records the generation cost and advances the image to
// tagging.
func (s *Store) SetImageGenerated(ctx context.Context, id uuid.UUID, cost float64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE images SET status = 'tagging', generation_cost = $2, updated_at = now() WHERE id = $1`,
			id, cost)
		if err != nil {
			return fmt.Errorf("set image generated: %w", err)
		}
		return nil
	})
}

// UpsertVariants stores the variant rows for an image. Re-uploads after a
// crash overwrite rather than duplicate: (image_id, size_preset) is the key.
func (s *Store) UpsertVariants(ctx context.Context, variants []ImageVariant) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, v := range variants {
			_, err := tx.Exec(ctx,
				`INSERT INTO image_variants (image_id, size_preset, width, height, storage_path, file_size_bytes)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (image_id, size_preset) DO UPDATE
				 SET storage_path = EXCLUDED.storage_path, file_size_bytes = EXCLUDED.file_size_bytes`,
				v.ImageID, v.Preset, v.Width, v.Height, v.StoragePath, v.FileSizeBytes)
			if err != nil {
				return fmt.Errorf("upsert variant %s: %w", v.Preset, err)
			}
		}
		return tx.Commit(ctx)
	})
}

// SaveTagging persists the vision results: tags (deduped per image), the
// single description, dominant colors, and the image's confidence and cost.
func (s *Store) SaveTagging(ctx context.Context, imageID uuid.UUID, tags []ImageTag, desc ImageDescription, colors []ImageColor, confidence, cost float64) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, tag := range tags {
			_, err := tx.Exec(ctx,
				`INSERT INTO image_tags (image_id, tag, confidence, source)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (image_id, tag) DO UPDATE
				 SET confidence = EXCLUDED.confidence, source = EXCLUDED.source`,
				tag.ImageID, tag.Tag, tag.Confidence, tag.Source)
			if err != nil {
				return fmt.Errorf("upsert tag %q: %w", tag.Tag, err)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO image_descriptions (image_id, description, vision_analysis, model_version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (image_id) DO UPDATE
			 SET description = EXCLUDED.description,
			     vision_analysis = EXCLUDED.vision_analysis,
			     model_version = EXCLUDED.model_version`,
			desc.ImageID, desc.Description, desc.VisionAnalysis, desc.ModelVersion)
		if err != nil {
			return fmt.Errorf("upsert description: %w", err)
		}

		for _, color := range colors {
			_, err := tx.Exec(ctx,
				`INSERT INTO image_colors (image_id, color_hex, percentage, is_dominant)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (image_id, color_hex) DO UPDATE
				 SET percentage = EXCLUDED.percentage, is_dominant = EXCLUDED.is_dominant`,
				color.ImageID, color.Hex, color.Percentage, color.IsDominant)
			if err != nil {
				return fmt.Errorf("upsert color %s: %w", color.Hex, err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE images SET auto_tagged = TRUE, tagging_confidence = $2, tagging_cost = $3, updated_at = now()
			 WHERE id = $1`, imageID, confidence, cost)
		if err != nil {
			return fmt.Errorf("update image tagging fields: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// SaveEmbedding upserts the image's single embedding vector.
func (s *Store) SaveEmbedding(ctx context.Context, emb ImageEmbedding) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO image_embeddings (image_id, embedding, embedding_source, model_version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (image_id) DO UPDATE
			 SET embedding = EXCLUDED.embedding,
			     embedding_source = EXCLUDED.embedding_source,
			     model_version = EXCLUDED.model_version`,
			emb.ImageID, pgvector.NewVector(emb.Vector), emb.Source, emb.ModelVersion)
		if err != nil {
			return fmt.Errorf("upsert embedding: %w", err)
		}
		return nil
	})
}

// RejectImage marks a partial image for cleanup after a terminal task
// failure.
func (s *Store) RejectImage(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE images SET status = 'rejected', error_message = $2, updated_at = now() WHERE id = $1`,
			id, errMsg)
		if err != nil {
			return fmt.Errorf("reject image: %w", err)
		}
		return nil
	})
}

// ListReviewQueue returns ready images with their tags and description,
// newest first.
func (s *Store) ListReviewQueue(ctx context.Context, limit int) ([]*ImageReview, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE status = 'ready' ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	defer rows.Close()

	var reviews []*ImageReview
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, &ImageReview{Image: img})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, review := range reviews {
		tags, err := s.ListImageTags(ctx, review.Image.ID)
		if err != nil {
			return nil, err
		}
		review.Tags = tags

		var desc string
		err = s.pool.QueryRow(ctx,
			`SELECT description FROM image_descriptions WHERE image_id = $1`,
			review.Image.ID).Scan(&desc)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load description: %w", err)
		}
		review.Description = desc
	}
	return reviews, nil
}

// ListImageTags returns the tags of an image.
func (s *Store) ListImageTags(ctx context.Context, imageID uuid.UUID) ([]ImageTag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT image_id, tag, confidence, source FROM image_tags WHERE image_id = $1 ORDER BY tag`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []ImageTag
	for rows.Next() {
		var t ImageTag
		if err := rows.Scan(&t.ImageID, &t.Tag, &t.Confidence, &t.Source); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ApproveImage approves a ready image, optionally replacing its tags with a
// manual set.
func (s *Store) ApproveImage(ctx context.Context, id uuid.UUID, overrideTags []string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if len(overrideTags) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM image_tags WHERE image_id = $1`, id); err != nil {
				return fmt.Errorf("clear tags: %w", err)
			}
			for _, tag := range overrideTags {
				_, err := tx.Exec(ctx,
					`INSERT INTO image_tags (image_id, tag, confidence, source)
					 VALUES ($1, $2, 1.0, 'manual')
					 ON CONFLICT (image_id, tag) DO NOTHING`, id, tag)
				if err != nil {
					return fmt.Errorf("insert manual tag %q: %w", tag, err)
				}
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE images SET status = 'approved', approved_at = now(), updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("approve image: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return tx.Commit(ctx)
	})
}

// DeleteImage removes an image row; owned rows cascade.
func (s *Store) DeleteImage(ctx context.Context, id uuid.UUID) error {
	return s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete image: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetStats returns the system-wide counters.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
		  (SELECT count(*) FROM images),
		  (SELECT count(*) FROM images WHERE status = 'approved'),
		  (SELECT count(*) FROM images WHERE status = 'ready'),
		  (SELECT count(DISTINCT tag) FROM image_tags)`).
		Scan(&stats.TotalImages, &stats.ApprovedImages, &stats.PendingReview, &stats.TotalTags)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return &stats, nil
}
