package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/models"
)

const attachmentColumns = "id, note_id, blob_id, filename, declared_content_type, content_type, content_type_source, size_bytes, document_type_id, extraction_strategy, status, extracted_text, extracted_metadata_json, created_at, updated_at"

// CreateAttachmentWithJob acquires a blob reference, inserts the attachment
// and enqueues its first extraction job in one transaction.
func (s *Store) CreateAttachmentWithJob(ctx context.Context, blob *models.Blob, attachment *models.Attachment, job *models.ExtractionJob) (_ *models.Blob, err error) {
	if attachment == nil {
		return nil, fmt.Errorf("attachment is required")
	}
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if err := validateBlob(blob); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = now
	}
	if attachment.UpdatedAt.IsZero() {
		attachment.UpdatedAt = attachment.CreatedAt
	}
	if attachment.Status == "" {
		attachment.Status = models.AttachmentUploaded
	}
	if attachment.ContentTypeSource == "" {
		attachment.ContentTypeSource = models.ContentTypeSourceDeclared
	}
	metaJSON, err := metadataToJSON(attachment.ExtractedMetadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM notes WHERE id = ?", attachment.NoteID).Scan(&exists)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("%s: %w", attachment.NoteID, models.ErrNoteNotFound)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	canonical, err := acquireBlobRefTx(ctx, tx, blob)
	if err != nil {
		return nil, err
	}
	attachment.BlobID = canonical.ID

	if err = insertAttachmentRowTx(ctx, tx, attachment, metaJSON); err != nil {
		return nil, err
	}

	job.AttachmentID = attachment.ID
	if err = insertJobRowTx(ctx, tx, job); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return canonical, nil
}

// GetAttachment returns one attachment, or nil when absent.
func (s *Store) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id)
	return scanAttachment(row)
}

// ListAttachmentsByNote lists a note's attachments in creation order.
func (s *Store) ListAttachmentsByNote(ctx context.Context, noteID string) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE note_id = ? ORDER BY id ASC`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := []models.Attachment{}
	for rows.Next() {
		attachment, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		if attachment == nil {
			continue
		}
		attachments = append(attachments, *attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachments, nil
}

// DeleteAttachment removes the attachment row and releases its blob reference
// in one transaction. It returns the blob as left after the release.
func (s *Store) DeleteAttachment(ctx context.Context, id string) (_ *models.Blob, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var blobID string
	err = tx.QueryRowContext(ctx, "SELECT blob_id FROM attachments WHERE id = ?", id).Scan(&blobID)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("%s: %w", id, models.ErrAttachmentNotFound)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", id); err != nil {
		return nil, err
	}
	if err = releaseBlobRefTx(ctx, tx, blobID); err != nil {
		return nil, err
	}

	blob, err := scanBlob(tx.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = ?`, blobID))
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return blob, nil
}

// MarkAttachmentExtracting moves an attachment into extracting. It reports
// false when the attachment no longer exists.
func (s *Store) MarkAttachmentExtracting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.AttachmentExtracting, dbFormatTime(time.Now().UTC()), id, models.AttachmentUploaded, models.AttachmentExtracting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	attachment, err := s.GetAttachment(ctx, id)
	if err != nil {
		return false, err
	}
	return attachment != nil, nil
}

func insertAttachmentRowTx(ctx context.Context, tx *sql.Tx, attachment *models.Attachment, metaJSON any) error {
	var text any
	if attachment.ExtractedText != nil {
		text = *attachment.ExtractedText
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attachments (
			id, note_id, blob_id, filename, declared_content_type, content_type, content_type_source,
			size_bytes, document_type_id, extraction_strategy, status, extracted_text,
			extracted_metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attachment.ID,
		attachment.NoteID,
		attachment.BlobID,
		strings.TrimSpace(attachment.Filename),
		nullIfEmpty(strings.TrimSpace(attachment.DeclaredContentType)),
		attachment.ContentType,
		string(attachment.ContentTypeSource),
		attachment.SizeBytes,
		attachment.DocumentTypeID,
		string(attachment.Strategy),
		string(attachment.Status),
		text,
		metaJSON,
		dbFormatTime(attachment.CreatedAt),
		dbFormatTime(attachment.UpdatedAt),
	)
	return err
}

func scanAttachment(scanner interface {
	Scan(dest ...any) error
}) (*models.Attachment, error) {
	attachment := models.Attachment{}

	var declared, extractedText, metaJSON sql.NullString
	var source, strategy, status string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&attachment.ID,
		&attachment.NoteID,
		&attachment.BlobID,
		&attachment.Filename,
		&declared,
		&attachment.ContentType,
		&source,
		&attachment.SizeBytes,
		&attachment.DocumentTypeID,
		&strategy,
		&status,
		&extractedText,
		&metaJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	attachment.DeclaredContentType = declared.String
	attachment.ContentTypeSource = models.ContentTypeSource(source)
	attachment.Strategy = models.Strategy(strategy)
	attachment.Status = models.AttachmentStatus(status)
	if extractedText.Valid {
		text := extractedText.String
		attachment.ExtractedText = &text
	}

	if attachment.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if attachment.UpdatedAt, err = dbParseTime(updatedAt); err != nil {
		return nil, err
	}

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &attachment.ExtractedMetadata); err != nil {
			return nil, fmt.Errorf("parse extracted_metadata_json: %w", err)
		}
	}

	return &attachment, nil
}

func metadataToJSON(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal extracted_metadata_json: %w", err)
	}
	return string(data), nil
}
