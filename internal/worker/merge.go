package worker

import (
	"time"

	"mnemo/internal/extract"
	"mnemo/internal/models"
)

// MergeMetadata builds the metadata stored on an attachment after one job.
// Extractor keys sit at the top level; "source" and "extraction" describe the
// attachment and the run and always win over extractor keys of the same name.
func MergeMetadata(att *models.Attachment, job *models.ExtractionJob, res extract.Result, runErr error, elapsed time.Duration) map[string]any {
	merged := make(map[string]any, len(res.Metadata)+2)
	for k, v := range res.Metadata {
		merged[k] = v
	}

	merged["source"] = map[string]any{
		"filename":            att.Filename,
		"content_type":        att.ContentType,
		"content_type_source": string(att.ContentTypeSource),
		"size_bytes":          att.SizeBytes,
		"document_type":       att.DocumentTypeID,
	}

	run := map[string]any{
		"strategy":    string(job.Strategy),
		"job_id":      job.ID,
		"attempt":     job.AttemptCount,
		"duration_ms": elapsed.Milliseconds(),
	}
	if res.Text != nil {
		run["has_text"] = *res.Text != ""
	}
	if runErr != nil {
		run["error_kind"] = string(models.ErrorKindOf(runErr))
	}
	merged["extraction"] = run
	return merged
}
