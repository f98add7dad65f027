package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"filevault/internal/models"
)

const fileColumns = `id, owner_id, entity_id, original_filename, storage_key, mime_type, file_type,
	size_bytes, checksum, is_encrypted, encryption_nonce, encryption_tag, status, version,
	width, height, duration_seconds, scan_result, storage_tier, protected, error_message,
	created_at, updated_at, modified_at, deleted_at`

func scanFile(row pgx.Row) (*models.FileRecord, error) {
	var f models.FileRecord
	err := row.Scan(&f.ID, &f.OwnerID, &f.EntityID, &f.OriginalFilename, &f.StorageKey, &f.MimeType, &f.FileType,
		&f.SizeBytes, &f.Checksum, &f.IsEncrypted, &f.EncryptionNonce, &f.EncryptionTag, &f.Status, &f.Version,
		&f.Width, &f.Height, &f.DurationSeconds, &f.ScanResult, &f.StorageTier, &f.Protected, &f.ErrorMessage,
		&f.CreatedAt, &f.UpdatedAt, &f.ModifiedAt, &f.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFiles(rows pgx.Rows) ([]*models.FileRecord, error) {
	defer rows.Close()
	var out []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Storage) CreateFile(ctx context.Context, f *models.FileRecord) error {
	const op = "storage.CreateFile"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		f.ID, f.OwnerID, f.EntityID, f.OriginalFilename, f.StorageKey, f.MimeType, f.FileType,
		f.SizeBytes, f.Checksum, f.IsEncrypted, f.EncryptionNonce, f.EncryptionTag, f.Status, f.Version,
		f.Width, f.Height, f.DurationSeconds, f.ScanResult, f.StorageTier, f.Protected, f.ErrorMessage,
		f.CreatedAt, f.UpdatedAt, f.ModifiedAt, f.DeletedAt)
	return mapErr(op, err)
}

func (s *Storage) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	const op = "storage.GetFile"
	f, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(op, err)
	}
	return f, nil
}

const updateFile = `UPDATE files SET owner_id = $2, entity_id = $3, original_filename = $4, storage_key = $5, mime_type = $6,
	 file_type = $7, size_bytes = $8, checksum = $9, is_encrypted = $10, encryption_nonce = $11,
	 encryption_tag = $12, status = $13, version = $14, width = $15, height = $16, duration_seconds = $17,
	 scan_result = $18, storage_tier = $19, protected = $20, error_message = $21, updated_at = $22,
	 modified_at = $23, deleted_at = $24
	 WHERE id = $1`

func updateFileArgs(f *models.FileRecord) []any {
	return []any{f.ID, f.OwnerID, f.EntityID, f.OriginalFilename, f.StorageKey, f.MimeType,
		f.FileType, f.SizeBytes, f.Checksum, f.IsEncrypted, f.EncryptionNonce,
		f.EncryptionTag, f.Status, f.Version, f.Width, f.Height, f.DurationSeconds,
		f.ScanResult, f.StorageTier, f.Protected, f.ErrorMessage, f.UpdatedAt,
		f.ModifiedAt, f.DeletedAt}
}

func (s *Storage) UpdateFile(ctx context.Context, f *models.FileRecord) error {
	const op = "storage.UpdateFile"
	tag, err := s.pool.Exec(ctx, updateFile, updateFileArgs(f)...)
	return expectOne(op, tag, err)
}

// LockFile takes a session advisory lock keyed by the file id on a
// connection from the lock pool, so writers on every node serialize.
func (s *Storage) LockFile(ctx context.Context, id string) (func(), error) {
	const op = "storage.LockFile"
	conn, err := s.locks.Acquire(ctx)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
		conn.Release()
		return nil, mapErr(op, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id); err != nil {
			// A session lock outlives the statement, so the connection
			// must not go back to the pool still holding it.
			s.log.Warn("advisory unlock failed, dropping connection", zap.String("file_id", id), zap.Error(err))
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

func (s *Storage) ListFilesByEntity(ctx context.Context, entityID string) ([]*models.FileRecord, error) {
	const op = "storage.ListFilesByEntity"
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE entity_id = $1 AND status <> 'deleted' ORDER BY created_at`, entityID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	files, err := collectFiles(rows)
	return files, mapErr(op, err)
}

func (s *Storage) ListFilesByOwner(ctx context.Context, ownerID string) ([]*models.FileRecord, error) {
	const op = "storage.ListFilesByOwner"
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 AND status <> 'deleted' ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	files, err := collectFiles(rows)
	return files, mapErr(op, err)
}

func (s *Storage) ListAgingFiles(ctx context.Context, q AgingQuery) ([]*models.FileRecord, error) {
	const op = "storage.ListAgingFiles"
	tiers := make([]string, len(q.Tiers))
	for i, t := range q.Tiers {
		tiers[i] = string(t)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE status <> 'deleted' AND storage_tier = ANY($1) AND modified_at <= $2 AND id > $3
		   AND (NOT $4 OR NOT protected)
		 ORDER BY id LIMIT $5`,
		tiers, q.Cutoff, q.AfterID, q.SkipProtected, q.Limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	files, err := collectFiles(rows)
	return files, mapErr(op, err)
}
