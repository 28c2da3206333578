package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"mnemo/internal/api"
	"mnemo/internal/format"
	"mnemo/internal/models"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeNote(note models.Note, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(note)
	}
	return format.Fields(os.Stdout,
		"id", note.ID,
		"title", note.Title,
		"created_at", note.CreatedAt,
	)
}

func writeAttachment(resp api.AttachmentResponse, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(resp)
	}
	a := resp.Attachment
	if err := format.Fields(os.Stdout,
		"id", a.ID,
		"note_id", a.NoteID,
		"filename", a.Filename,
		"status", string(a.Status),
		"content_type", fmt.Sprintf("%s (%s)", a.ContentType, a.ContentTypeSource),
		"declared_content_type", a.DeclaredContentType,
		"size", format.Size(a.SizeBytes),
		"document_type", a.DocumentTypeID,
		"strategy", string(a.Strategy),
		"blob_id", a.BlobID,
		"created_at", a.CreatedAt,
		"updated_at", a.UpdatedAt,
	); err != nil {
		return err
	}
	if resp.LatestJob != nil {
		job := resp.LatestJob
		if err := writePlain("latest_job: %s %s (attempt %d/%d)\n", job.ID, job.Status, job.AttemptCount, job.MaxAttempts); err != nil {
			return err
		}
		if job.LastError != "" {
			if err := writePlain("last_error: [%s] %s\n", job.ErrorKind, job.LastError); err != nil {
				return err
			}
		}
	}
	if len(a.ExtractedMetadata) > 0 {
		if err := writePlain("metadata:\n"); err != nil {
			return err
		}
		keys := make([]string, 0, len(a.ExtractedMetadata))
		for k := range a.ExtractedMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := writePlain("  %s: %v\n", k, a.ExtractedMetadata[k]); err != nil {
				return err
			}
		}
	}
	if a.ExtractedText != nil {
		return writePlain("text:\n%s\n", indent(preview(*a.ExtractedText, 2000), "  "))
	}
	return nil
}

func writeAttachmentList(attachments []models.Attachment) error {
	table := format.NewTable(os.Stdout, "id", "status", "strategy", "size", "filename")
	for _, a := range attachments {
		table.Row(a.ID, string(a.Status), string(a.Strategy), format.Size(a.SizeBytes), a.Filename)
	}
	return table.Flush()
}

func writeJob(job models.ExtractionJob, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(job)
	}
	return format.Fields(os.Stdout,
		"id", job.ID,
		"attachment_id", job.AttachmentID,
		"strategy", string(job.Strategy),
		"status", string(job.Status),
		"attempts", fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
		"progress", fmt.Sprintf("%d%%", job.Progress),
		"claimed_by", job.ClaimedBy,
		"lease_expires_at", job.LeaseExpiresAt,
		"error_kind", string(job.ErrorKind),
		"last_error", job.LastError,
		"created_at", job.CreatedAt,
		"started_at", job.StartedAt,
		"completed_at", job.CompletedAt,
	)
}

func writeJobList(jobs []models.ExtractionJob) error {
	table := format.NewTable(os.Stdout, "id", "status", "strategy", "attempts", "error")
	for _, job := range jobs {
		table.Row(job.ID, string(job.Status), string(job.Strategy), fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts), string(job.ErrorKind))
	}
	return table.Flush()
}

func writeCaptureFacts(facts models.CaptureFacts, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(facts)
	}
	pairs := []any{"attachment_id", facts.AttachmentID}
	if facts.GPS != nil {
		pairs = append(pairs, "gps", fmt.Sprintf("%.6f, %.6f", facts.GPS.Latitude, facts.GPS.Longitude))
		if facts.GPS.Altitude != nil {
			pairs = append(pairs, "altitude", fmt.Sprintf("%.1f m", *facts.GPS.Altitude))
		}
	}
	pairs = append(pairs, "capture_time", facts.CaptureTime)
	if facts.Device != nil {
		pairs = append(pairs, "device", strings.TrimSpace(facts.Device.Make+" "+facts.Device.Model))
	}
	pairs = append(pairs, "recorded_at", facts.RecordedAt)
	return format.Fields(os.Stdout, pairs...)
}

func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
