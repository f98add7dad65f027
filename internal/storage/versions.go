package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

const versionColumns = `id, file_id, version_number, storage_key, size_bytes, checksum, mime_type, is_current, note, created_at`

func scanVersion(row pgx.Row) (*models.VersionSnapshot, error) {
	var v models.VersionSnapshot
	if err := row.Scan(&v.ID, &v.FileID, &v.VersionNumber, &v.StorageKey, &v.SizeBytes,
		&v.Checksum, &v.MimeType, &v.IsCurrent, &v.Note, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func collectVersions(rows pgx.Rows) ([]*models.VersionSnapshot, error) {
	defer rows.Close()
	var out []*models.VersionSnapshot
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const insertVersion = `INSERT INTO version_snapshots (` + versionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// archiveVersion keeps an existing row for the number and only repoints it.
const archiveVersion = insertVersion + `
	ON CONFLICT (file_id, version_number) DO UPDATE SET
		storage_key = EXCLUDED.storage_key, size_bytes = EXCLUDED.size_bytes,
		checksum = EXCLUDED.checksum, mime_type = EXCLUDED.mime_type, is_current = FALSE
	RETURNING id, created_at`

const clearCurrent = `UPDATE version_snapshots SET is_current = FALSE WHERE file_id = $1 AND is_current`

func versionArgs(v *models.VersionSnapshot) []any {
	return []any{v.ID, v.FileID, v.VersionNumber, v.StorageKey, v.SizeBytes, v.Checksum, v.MimeType, v.IsCurrent, v.Note, v.CreatedAt}
}

func (s *Storage) CreateVersion(ctx context.Context, v *models.VersionSnapshot) error {
	const op = "storage.CreateVersion"
	_, err := s.pool.Exec(ctx, insertVersion, versionArgs(v)...)
	return mapErr(op, err)
}

func (s *Storage) PromoteVersion(ctx context.Context, v *models.VersionSnapshot) error {
	const op = "storage.PromoteVersion"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, clearCurrent, v.FileID); err != nil {
		return mapErr(op, err)
	}
	v.IsCurrent = true
	if _, err := tx.Exec(ctx, insertVersion, versionArgs(v)...); err != nil {
		return mapErr(op, err)
	}
	return mapErr(op, tx.Commit(ctx))
}

// CommitVersion rewrites the file row, archives the outgoing snapshot and
// promotes the new one in a single transaction.
func (s *Storage) CommitVersion(ctx context.Context, f *models.FileRecord, archived, current *models.VersionSnapshot) error {
	const op = "storage.CommitVersion"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback(ctx)

	var stored int
	if err := tx.QueryRow(ctx, `SELECT version FROM files WHERE id = $1 FOR UPDATE`, f.ID).Scan(&stored); err != nil {
		return mapErr(op, err)
	}
	if stored != f.Version-1 {
		return apperr.Wrap(apperr.KindInvalidState, op, ErrStaleVersion)
	}
	tag, err := tx.Exec(ctx, updateFile, updateFileArgs(f)...)
	if err := expectOne(op, tag, err); err != nil {
		return err
	}
	archived.IsCurrent = false
	if err := tx.QueryRow(ctx, archiveVersion, versionArgs(archived)...).Scan(&archived.ID, &archived.CreatedAt); err != nil {
		return mapErr(op, err)
	}
	if _, err := tx.Exec(ctx, clearCurrent, current.FileID); err != nil {
		return mapErr(op, err)
	}
	current.IsCurrent = true
	if _, err := tx.Exec(ctx, insertVersion, versionArgs(current)...); err != nil {
		return mapErr(op, err)
	}
	return mapErr(op, tx.Commit(ctx))
}

func (s *Storage) GetVersion(ctx context.Context, fileID string, number int) (*models.VersionSnapshot, error) {
	const op = "storage.GetVersion"
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM version_snapshots WHERE file_id = $1 AND version_number = $2`, fileID, number))
	if err != nil {
		return nil, mapErr(op, err)
	}
	return v, nil
}

// ListVersions orders snapshots oldest first.
func (s *Storage) ListVersions(ctx context.Context, fileID string) ([]*models.VersionSnapshot, error) {
	const op = "storage.ListVersions"
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM version_snapshots WHERE file_id = $1 ORDER BY version_number, created_at`, fileID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectVersions(rows)
	return out, mapErr(op, err)
}

func (s *Storage) DeleteVersion(ctx context.Context, id string) error {
	const op = "storage.DeleteVersion"
	tag, err := s.pool.Exec(ctx, `DELETE FROM version_snapshots WHERE id = $1 AND NOT is_current`, id)
	return expectOne(op, tag, err)
}

func (s *Storage) ListExpiredVersions(ctx context.Context, before time.Time, limit int) ([]*models.VersionSnapshot, error) {
	const op = "storage.ListExpiredVersions"
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM version_snapshots
		 WHERE NOT is_current AND created_at < $1 ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectVersions(rows)
	return out, mapErr(op, err)
}
