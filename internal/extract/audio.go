package extract

import (
	"context"
	"fmt"

	"mnemo/internal/models"
)

// AudioExtractor handles audio_transcribe payloads.
type AudioExtractor struct {
	Client TranscriptionBackend
}

func (e *AudioExtractor) Strategy() models.Strategy { return models.StrategyAudioTranscribe }

func (e *AudioExtractor) Backend() string {
	if e.Client == nil {
		return ""
	}
	return e.Client.Name()
}

func (e *AudioExtractor) Health(ctx context.Context) error {
	if e.Client == nil {
		return fmt.Errorf("no transcription backend configured: %w", models.ErrBackendUnavailable)
	}
	return e.Client.Ping(ctx)
}

func (e *AudioExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	if len(in.Data) == 0 {
		return Result{}, fmt.Errorf("empty audio payload: %w", models.ErrExtractionFailed)
	}
	if e.Client == nil {
		return Result{}, fmt.Errorf("no transcription backend configured: %w", models.ErrBackendUnavailable)
	}
	tr, err := e.Client.Transcribe(ctx, in.Filename, in.Data)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: stringPtr(tr.Text), Metadata: transcriptMetadata(tr, e.Client.Name())}, nil
}

func transcriptMetadata(tr Transcript, backend string) map[string]any {
	meta := map[string]any{
		"transcription_backend": backend,
		"segment_count":         len(tr.Segments),
	}
	if tr.Language != "" {
		meta["detected_language"] = tr.Language
	}
	if tr.Duration > 0 {
		meta["duration_seconds"] = tr.Duration
	}
	if len(tr.Segments) > 0 {
		meta["segments"] = tr.Segments
	}
	return meta
}
