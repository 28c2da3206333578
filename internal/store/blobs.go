package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/models"
)

const blobColumns = "id, digest, size_bytes, storage_backend, blob_key, reference_count, created_at"

// GetBlob returns one blob by id.
func (s *Store) GetBlob(ctx context.Context, id string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = ?`, id)
	return scanBlob(row)
}

// GetBlobByDigest returns one blob by content digest.
func (s *Store) GetBlobByDigest(ctx context.Context, digest string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE digest = ?`, strings.ToLower(strings.TrimSpace(digest)))
	return scanBlob(row)
}

// ListUnreferencedBlobs returns blobs whose reference count has dropped to zero.
func (s *Store) ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE reference_count = 0 ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blobs := []models.Blob{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blobs, nil
}

// DeleteBlobIfUnreferenced removes a blob row only while its count is still zero.
// It reports whether the row was removed; the caller owns the physical bytes.
func (s *Store) DeleteBlobIfUnreferenced(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ? AND reference_count = 0", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BlobDigestReferenced reports whether a live blob row exists for digest.
func (s *Store) BlobDigestReferenced(ctx context.Context, digest string) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT reference_count FROM blobs WHERE digest = ?", digest).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func validateBlob(blob *models.Blob) error {
	if blob == nil {
		return fmt.Errorf("blob is required")
	}
	blob.Digest = strings.ToLower(strings.TrimSpace(blob.Digest))
	blob.BlobKey = strings.TrimSpace(blob.BlobKey)
	if blob.Digest == "" {
		return fmt.Errorf("digest is required")
	}
	if blob.BlobKey == "" {
		return fmt.Errorf("blob_key is required")
	}
	if blob.SizeBytes < 0 {
		return fmt.Errorf("size_bytes must be >= 0")
	}
	if strings.TrimSpace(blob.StorageBackend) == "" {
		blob.StorageBackend = "local_cas"
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	return nil
}

// acquireBlobRefTx inserts the blob with count 1 or atomically bumps the
// count of the existing row for the same digest, then returns the canonical row.
func acquireBlobRefTx(ctx context.Context, tx *sql.Tx, blob *models.Blob) (*models.Blob, error) {
	if err := validateBlob(blob); err != nil {
		return nil, err
	}
	if strings.TrimSpace(blob.ID) == "" {
		id, err := GenerateBlobID()
		if err != nil {
			return nil, err
		}
		blob.ID = id
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blobs (id, digest, size_bytes, storage_backend, blob_key, reference_count, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(digest) DO UPDATE SET reference_count = reference_count + 1
	`, blob.ID, blob.Digest, blob.SizeBytes, blob.StorageBackend, blob.BlobKey, dbFormatTime(blob.CreatedAt)); err != nil {
		return nil, err
	}

	canonical, err := scanBlob(tx.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE digest = ?`, blob.Digest))
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		return nil, fmt.Errorf("blob not found after upsert")
	}
	return canonical, nil
}

// releaseBlobRefTx atomically decrements a blob's count, never below zero.
func releaseBlobRefTx(ctx context.Context, tx *sql.Tx, blobID string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE blobs SET reference_count = reference_count - 1 WHERE id = ? AND reference_count > 0", blobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release blob %s: %w", blobID, models.ErrBlobNotFound)
	}
	return nil
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.Blob, error) {
	blob := models.Blob{}
	var createdAt string

	err := scanner.Scan(&blob.ID, &blob.Digest, &blob.SizeBytes, &blob.StorageBackend, &blob.BlobKey, &blob.ReferenceCount, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	parsedCreated, err := dbParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated

	return &blob, nil
}
