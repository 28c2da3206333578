package store

import (
	"context"

	"mnemo/internal/models"
)

// StoreInfo summarises stored pipeline state.
type StoreInfo struct {
	SchemaVersion     int                             `json:"schema_version"`
	TotalNotes        int                             `json:"total_notes"`
	TotalAttachments  int                             `json:"total_attachments"`
	AttachmentCounts  map[models.AttachmentStatus]int `json:"attachment_counts"`
	JobCounts         map[models.JobStatus]int        `json:"job_counts"`
	TotalBlobs        int                             `json:"total_blobs"`
	UnreferencedBlobs int                             `json:"unreferenced_blobs"`
	StoredBytes       int64                           `json:"stored_bytes"`
}

// StoreInfo returns counts for notes, attachments, jobs and blobs.
func (s *Store) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	info := &StoreInfo{AttachmentCounts: map[models.AttachmentStatus]int{}}

	version, err := appliedVersion(s.db)
	if err != nil {
		return nil, err
	}
	info.SchemaVersion = version

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notes").Scan(&info.TotalNotes); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM attachments GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		info.AttachmentCounts[models.AttachmentStatus(status)] = n
		info.TotalAttachments += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if info.JobCounts, err = s.CountJobsByStatus(ctx); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN reference_count = 0 THEN 1 ELSE 0 END), 0), COALESCE(SUM(size_bytes), 0)
		FROM blobs
	`).Scan(&info.TotalBlobs, &info.UnreferencedBlobs, &info.StoredBytes)
	if err != nil {
		return nil, err
	}
	return info, nil
}
