package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"filevault/internal/models"
)

const variantColumns = `id, file_id, variant_type, storage_key, mime_type, format, width, height, size_bytes, storage_tier, created_at`

func scanVariant(row pgx.Row) (*models.Variant, error) {
	var v models.Variant
	if err := row.Scan(&v.ID, &v.FileID, &v.VariantType, &v.StorageKey, &v.MimeType, &v.Format,
		&v.Width, &v.Height, &v.SizeBytes, &v.StorageTier, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func collectVariants(rows pgx.Rows) ([]*models.Variant, error) {
	defer rows.Close()
	var out []*models.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Storage) CreateVariant(ctx context.Context, v *models.Variant) error {
	const op = "storage.CreateVariant"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO variants (`+variantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.FileID, v.VariantType, v.StorageKey, v.MimeType, v.Format,
		v.Width, v.Height, v.SizeBytes, v.StorageTier, v.CreatedAt)
	return mapErr(op, err)
}

// GetVariant returns the newest variant of the given type.
func (s *Storage) GetVariant(ctx context.Context, fileID string, t models.VariantType) (*models.Variant, error) {
	const op = "storage.GetVariant"
	v, err := scanVariant(s.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE file_id = $1 AND variant_type = $2
		 ORDER BY created_at DESC LIMIT 1`, fileID, t))
	if err != nil {
		return nil, mapErr(op, err)
	}
	return v, nil
}

func (s *Storage) ListVariants(ctx context.Context, fileID string) ([]*models.Variant, error) {
	const op = "storage.ListVariants"
	rows, err := s.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE file_id = $1 ORDER BY created_at`, fileID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectVariants(rows)
	return out, mapErr(op, err)
}

func (s *Storage) UpdateVariant(ctx context.Context, v *models.Variant) error {
	const op = "storage.UpdateVariant"
	tag, err := s.pool.Exec(ctx,
		`UPDATE variants SET storage_key = $2, mime_type = $3, format = $4, width = $5, height = $6,
		 size_bytes = $7, storage_tier = $8 WHERE id = $1`,
		v.ID, v.StorageKey, v.MimeType, v.Format, v.Width, v.Height, v.SizeBytes, v.StorageTier)
	return expectOne(op, tag, err)
}

func (s *Storage) DeleteVariant(ctx context.Context, id string) error {
	const op = "storage.DeleteVariant"
	tag, err := s.pool.Exec(ctx, `DELETE FROM variants WHERE id = $1`, id)
	return expectOne(op, tag, err)
}

func (s *Storage) ListOrphanVariants(ctx context.Context, limit int) ([]*models.Variant, error) {
	const op = "storage.ListOrphanVariants"
	rows, err := s.pool.Query(ctx,
		`SELECT v.id, v.file_id, v.variant_type, v.storage_key, v.mime_type, v.format, v.width, v.height,
		        v.size_bytes, v.storage_tier, v.created_at
		 FROM variants v LEFT JOIN files f ON f.id = v.file_id
		 WHERE f.id IS NULL ORDER BY v.id LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectVariants(rows)
	return out, mapErr(op, err)
}
