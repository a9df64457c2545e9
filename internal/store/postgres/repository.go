package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

// Repository persists identities and face embeddings. The in-memory
// store treats it as the source of truth for rebuilds; writes here are
// idempotent on (identity_key, content_hash).
type Repository struct {
	pool *Pool
}

// NewRepository creates a repository over an existing pool.
func NewRepository(pool *Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertIdentity writes or refreshes an identity record.
func (r *Repository) UpsertIdentity(ctx context.Context, rec *store.IdentityRecord) error {
	roles, err := json.Marshal(rec.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO identities (identity_key, display_name, roles, style)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_key) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE identities.display_name END,
			roles = identities.roles || EXCLUDED.roles,
			style = CASE WHEN EXCLUDED.style <> '' THEN EXCLUDED.style ELSE identities.style END,
			updated_at = NOW()
	`, rec.Key, rec.DisplayName, roles, rec.Style)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", rec.Key, err)
	}
	return nil
}

// SaveEmbedding stores one embedding, ignoring duplicates of the same
// content hash under the same identity.
func (r *Repository) SaveEmbedding(ctx context.Context, emb *store.FaceEmbedding) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO face_embeddings
			(identity_key, embedding, content_hash, source, width, height, bbox, det_score, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_key, content_hash) DO NOTHING
	`,
		emb.IdentityKey,
		pgvector.NewVector(emb.Vector),
		emb.Asset.ContentHash,
		emb.Asset.Source,
		emb.Asset.Width,
		emb.Asset.Height,
		pq.Array(emb.BBox),
		emb.DetScore,
		emb.Quality,
	)
	if err != nil {
		return fmt.Errorf("save embedding for %s: %w", emb.IdentityKey, err)
	}
	return nil
}

// DeleteEmbedding removes one embedding by its idempotence key. Used
// when the in-memory store evicts a low-quality crop under the
// per-identity cap.
func (r *Repository) DeleteEmbedding(ctx context.Context, identityKey, contentHash string) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM face_embeddings WHERE identity_key = $1 AND content_hash = $2",
		identityKey, contentHash)
	if err != nil {
		return fmt.Errorf("delete embedding for %s: %w", identityKey, err)
	}
	return nil
}

// DeleteIdentity removes an identity and, via cascade, its embeddings.
func (r *Repository) DeleteIdentity(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE identity_key = $1", key); err != nil {
		return fmt.Errorf("delete identity %s: %w", key, err)
	}
	return nil
}

// CountEmbeddings returns the number of stored embeddings.
func (r *Repository) CountEmbeddings(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM face_embeddings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return count, nil
}

// ListAll returns every embedding and identity, implementing
// store.Rebuilder so the index can be reconstructed from here.
func (r *Repository) ListAll(ctx context.Context) ([]store.FaceEmbedding, []store.IdentityRecord, error) {
	identities, err := r.listIdentities(ctx)
	if err != nil {
		return nil, nil, err
	}

	counts := make(map[string]int)
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_key, embedding, content_hash, source, width, height, bbox, det_score, quality, created_at
		FROM face_embeddings
		ORDER BY id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []store.FaceEmbedding
	for rows.Next() {
		var emb store.FaceEmbedding
		var vec pgvector.Vector
		var bbox pq.Float64Array
		if err := rows.Scan(
			&emb.ID,
			&emb.IdentityKey,
			&vec,
			&emb.Asset.ContentHash,
			&emb.Asset.Source,
			&emb.Asset.Width,
			&emb.Asset.Height,
			&bbox,
			&emb.DetScore,
			&emb.Quality,
			&emb.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("scan embedding: %w", err)
		}
		emb.Vector = vec.Slice()
		emb.BBox = []float64(bbox)
		counts[emb.IdentityKey]++
		embeddings = append(embeddings, emb)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	for i := range identities {
		identities[i].EmbeddingCount = counts[identities[i].Key]
	}
	return embeddings, identities, nil
}

func (r *Repository) listIdentities(ctx context.Context) ([]store.IdentityRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_key, display_name, roles, style, created_at, updated_at
		FROM identities
		ORDER BY identity_key
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []store.IdentityRecord
	for rows.Next() {
		var rec store.IdentityRecord
		var roles []byte
		if err := rows.Scan(&rec.Key, &rec.DisplayName, &roles, &rec.Style, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if len(roles) > 0 {
			if err := json.Unmarshal(roles, &rec.Roles); err != nil {
				return nil, fmt.Errorf("decode roles for %s: %w", rec.Key, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// GetIdentity fetches one identity, returning nil when absent.
func (r *Repository) GetIdentity(ctx context.Context, key string) (*store.IdentityRecord, error) {
	var rec store.IdentityRecord
	var roles []byte
	err := r.pool.QueryRow(ctx, `
		SELECT identity_key, display_name, roles, style, created_at, updated_at
		FROM identities WHERE identity_key = $1
	`, key).Scan(&rec.Key, &rec.DisplayName, &roles, &rec.Style, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query identity %s: %w", key, err)
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &rec.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for %s: %w", key, err)
		}
	}
	return &rec, nil
}
