package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"mnemo/internal/models"
)

// DefaultVisionPrompt asks the model for a searchable description.
const DefaultVisionPrompt = "Describe this image in detail for search indexing. " +
	"Transcribe any visible text verbatim. Mention notable objects, places and people."

// VisionExtractor handles vision payloads. EXIF is read locally; the
// description needs a VisionBackend.
type VisionExtractor struct {
	Client VisionBackend
	Prompt string
}

func (e *VisionExtractor) Strategy() models.Strategy { return models.StrategyVision }

func (e *VisionExtractor) Backend() string {
	if e.Client == nil {
		return ""
	}
	return e.Client.Name()
}

func (e *VisionExtractor) Health(ctx context.Context) error {
	if e.Client == nil {
		return fmt.Errorf("no vision backend configured: %w", models.ErrBackendUnavailable)
	}
	return e.Client.Ping(ctx)
}

// Extract returns the local metadata and capture facts even when the
// description fails, together with the error.
func (e *VisionExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	if len(in.Data) == 0 {
		return Result{}, fmt.Errorf("empty image payload: %w", models.ErrExtractionFailed)
	}

	meta := map[string]any{
		"filename":   in.Filename,
		"media_type": models.NormalizeMediaType(in.ContentType),
		"size_bytes": len(in.Data),
	}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Data)); err == nil {
		meta["width"] = cfg.Width
		meta["height"] = cfg.Height
		meta["image_format"] = format
	}
	tags, facts := ParseEXIF(in.AttachmentID, in.Data)
	if len(tags) > 0 {
		meta["exif"] = tags
	}
	if facts != nil {
		meta["capture"] = captureSummary(facts)
	}
	res := Result{Metadata: meta, Capture: facts}

	if e.Client == nil {
		return res, fmt.Errorf("no vision backend configured: %w", models.ErrBackendUnavailable)
	}
	desc, err := e.Client.Describe(ctx, e.prompt(facts), [][]byte{in.Data})
	if err != nil {
		return res, err
	}
	meta["vision_backend"] = e.Client.Name()
	res.Text = stringPtr(desc)
	return res, nil
}

func (e *VisionExtractor) prompt(facts *models.CaptureFacts) string {
	p := e.Prompt
	if p == "" {
		p = DefaultVisionPrompt
	}
	if facts == nil {
		return p
	}
	var hints []string
	if facts.GPS != nil {
		hints = append(hints, fmt.Sprintf("taken at latitude %.5f, longitude %.5f", facts.GPS.Latitude, facts.GPS.Longitude))
	}
	if facts.CaptureTime != nil {
		hints = append(hints, "captured "+facts.CaptureTime.Format("2006-01-02"))
	}
	if len(hints) == 0 {
		return p
	}
	return p + " Context: the photo was " + strings.Join(hints, ", ") + "."
}
