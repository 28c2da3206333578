package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/models"
)

// ErrLeaseLost is returned when a worker finishes a job it no longer holds.
var ErrLeaseLost = errors.New("job lease lost")

const jobColumns = "id, attachment_id, strategy, status, attempt_count, max_attempts, progress, claimed_by, lease_expires_at, last_error, error_kind, created_at, started_at, completed_at"

// claimableClause matches pending jobs and processing jobs whose lease lapsed.
const claimableClause = `(status = 'pending' OR (status = 'processing' AND lease_expires_at < ?)) AND attempt_count < max_attempts`

// EnqueueJob inserts one pending job.
func (s *Store) EnqueueJob(ctx context.Context, job *models.ExtractionJob) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = insertJobRowTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextJob atomically claims the oldest claimable job for workerID and
// returns it, or nil when the queue is empty. The conditional update is the
// exclusive claim: two workers can never both see their UPDATE succeed.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*models.ExtractionJob, error) {
	now := time.Now().UTC()
	nowMillis := leaseMillis(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'processing',
			attempt_count = attempt_count + 1,
			claimed_by = ?,
			lease_expires_at = ?,
			started_at = COALESCE(started_at, ?)
		WHERE id = (
			SELECT id FROM extraction_jobs WHERE `+claimableClause+` ORDER BY id ASC LIMIT 1
		) AND `+claimableClause+`
		RETURNING `+jobColumns,
		workerID, leaseMillis(now.Add(lease)), dbFormatTime(now), nowMillis, nowMillis)
	return scanJob(row)
}

// RenewLease extends the visibility timeout of a job the worker still holds.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs SET lease_expires_at = ?, progress = ?
		WHERE id = ? AND status = 'processing' AND claimed_by = ?
	`, leaseMillis(time.Now().Add(lease)), clampProgress(progress), jobID, workerID)
	if err != nil {
		return err
	}
	return requireOneRow(res, jobID)
}

// CompleteJob marks the job completed and stores the extraction result on its
// attachment in one transaction.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, text *string, metadata map[string]any) (err error) {
	metaJSON, err := metadataToJSON(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	attachmentID, err := finishJobTx(ctx, tx, jobID, workerID, models.JobCompleted, "", models.ErrorKindNone, now)
	if err != nil {
		return err
	}

	var textValue any
	if text != nil {
		textValue = *text
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE attachments
		SET status = ?, extracted_text = ?, extracted_metadata_json = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.AttachmentExtracted, textValue, metaJSON, dbFormatTime(now),
		attachmentID, models.AttachmentUploaded, models.AttachmentExtracting); err != nil {
		return err
	}
	return tx.Commit()
}

// FailJob marks the job failed with cause and moves its attachment to failed.
// Metadata gathered before the failure is kept on the attachment when given.
func (s *Store) FailJob(ctx context.Context, jobID, workerID string, cause error, metadata map[string]any) (err error) {
	metaJSON, err := metadataToJSON(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	message := "extraction failed"
	if cause != nil {
		message = cause.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	attachmentID, err := finishJobTx(ctx, tx, jobID, workerID, models.JobFailed, message, models.ErrorKindOf(cause), now)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE attachments
		SET status = ?, extracted_text = NULL,
			extracted_metadata_json = COALESCE(?, extracted_metadata_json), updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.AttachmentFailed, metaJSON, dbFormatTime(now),
		attachmentID, models.AttachmentUploaded, models.AttachmentExtracting); err != nil {
		return err
	}
	return tx.Commit()
}

// SkipJob completes a job whose attachment was deleted without touching attachments.
func (s *Store) SkipJob(ctx context.Context, jobID, workerID, reason string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = finishJobTx(ctx, tx, jobID, workerID, models.JobCompleted, reason, models.ErrorKindNone, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// FailExpiredJobs fails processing jobs whose lease lapsed with no attempts
// left, and fails their attachments. It returns the number of jobs failed.
func (s *Store) FailExpiredJobs(ctx context.Context) (_ int, err error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'failed', error_kind = ?, last_error = 'lease expired after final attempt',
			completed_at = ?, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < ? AND attempt_count >= max_attempts
		RETURNING attachment_id
	`, models.ErrorKindTimeout, dbFormatTime(now), leaseMillis(now))
	if err != nil {
		return 0, err
	}
	var attachmentIDs []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		attachmentIDs = append(attachmentIDs, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range attachmentIDs {
		if _, err = tx.ExecContext(ctx, `
			UPDATE attachments SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`, models.AttachmentFailed, dbFormatTime(now), id, models.AttachmentUploaded, models.AttachmentExtracting); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return len(attachmentIDs), nil
}

// RetryAttachment enqueues a fresh job for a failed attachment and resets it
// to uploaded. maxJobs bounds the total number of jobs per attachment.
func (s *Store) RetryAttachment(ctx context.Context, attachmentID string, job *models.ExtractionJob, maxJobs int) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM attachments WHERE id = ?", attachmentID).Scan(&status)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("%s: %w", attachmentID, models.ErrAttachmentNotFound)
		return err
	}
	if err != nil {
		return err
	}
	if !models.CanTransition(models.AttachmentStatus(status), models.AttachmentUploaded) {
		err = fmt.Errorf("attachment %s is %s, only failed attachments can be retried", attachmentID, status)
		return err
	}

	var count int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM extraction_jobs WHERE attachment_id = ?", attachmentID).Scan(&count); err != nil {
		return err
	}
	if maxJobs > 0 && count >= maxJobs {
		err = fmt.Errorf("attachment %s has %d jobs: %w", attachmentID, count, models.ErrRetryExhausted)
		return err
	}

	job.AttachmentID = attachmentID
	if err = insertJobRowTx(ctx, tx, job); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE attachments SET status = ?, extracted_text = NULL, updated_at = ? WHERE id = ?
	`, models.AttachmentUploaded, dbFormatTime(time.Now().UTC()), attachmentID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob returns one job, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*models.ExtractionJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobsByAttachment lists an attachment's jobs oldest first.
func (s *Store) ListJobsByAttachment(ctx context.Context, attachmentID string) ([]models.ExtractionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE attachment_id = ? ORDER BY id ASC`, attachmentID)
}

// ListJobs lists jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ExtractionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// CountJobsByStatus returns job counts keyed by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM extraction_jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[models.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.ExtractionJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.ExtractionJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, rows.Err()
}

func insertJobRowTx(ctx context.Context, tx *sql.Tx, job *models.ExtractionJob) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if job.AttachmentID == "" {
		return fmt.Errorf("job attachment_id is required")
	}
	if job.ID == "" {
		id, err := GenerateJobID()
		if err != nil {
			return err
		}
		job.ID = id
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO extraction_jobs (id, attachment_id, strategy, status, attempt_count, max_attempts, progress, created_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?)
	`, job.ID, job.AttachmentID, string(job.Strategy), string(job.Status), job.MaxAttempts, dbFormatTime(job.CreatedAt))
	return err
}

// finishJobTx moves a held job to a terminal status and returns its attachment id.
func finishJobTx(ctx context.Context, tx *sql.Tx, jobID, workerID string, status models.JobStatus, message string, kind models.ErrorKind, now time.Time) (string, error) {
	progress := 0
	if status == models.JobCompleted {
		progress = 100
	}
	var attachmentID string
	err := tx.QueryRowContext(ctx, `
		UPDATE extraction_jobs
		SET status = ?, progress = MAX(progress, ?), last_error = ?, error_kind = ?,
			completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND status = 'processing' AND claimed_by = ?
		RETURNING attachment_id
	`, string(status), progress, nullIfEmpty(message), nullIfEmpty(string(kind)), dbFormatTime(now), jobID, workerID).Scan(&attachmentID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return attachmentID, err
}

func requireOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*models.ExtractionJob, error) {
	job := models.ExtractionJob{}
	var strategy, status, createdAt string
	var claimedBy, lastError, errorKind, startedAt, completedAt sql.NullString
	var leaseExpires sql.NullInt64

	err := scanner.Scan(
		&job.ID,
		&job.AttachmentID,
		&strategy,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.Progress,
		&claimedBy,
		&leaseExpires,
		&lastError,
		&errorKind,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	job.Strategy = models.Strategy(strategy)
	job.Status = models.JobStatus(status)
	job.ClaimedBy = claimedBy.String
	job.LastError = lastError.String
	job.ErrorKind = models.ErrorKind(errorKind.String)
	if leaseExpires.Valid {
		t := time.UnixMilli(leaseExpires.Int64).UTC()
		job.LeaseExpiresAt = &t
	}
	if job.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = dbParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = dbParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
