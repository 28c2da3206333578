package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"

	"mnemo/internal/models"
)

// Input is one attachment payload handed to an extractor.
type Input struct {
	AttachmentID string
	Filename     string
	ContentType  string
	Data         []byte
}

// Result is what an extractor derived from a payload. Text stays nil when
// the strategy yields no searchable text.
type Result struct {
	Text     *string
	Metadata map[string]any
	Capture  *models.CaptureFacts
}

// Extractor runs one strategy against a payload.
type Extractor interface {
	Strategy() models.Strategy
	Extract(ctx context.Context, in Input) (Result, error)
	// Health reports ErrBackendUnavailable when an optional backend is missing.
	Health(ctx context.Context) error
}

// BackendHealth is the availability of one strategy's adapter.
type BackendHealth struct {
	Strategy  models.Strategy `json:"strategy"`
	Available bool            `json:"available"`
	Backend   string          `json:"backend,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Set binds every strategy to its extractor.
type Set struct {
	Text       Extractor
	PDF        Extractor
	Vision     Extractor
	Audio      Extractor
	Video      Extractor
	Code       Extractor
	Structured Extractor
}

// For returns the extractor bound to s.
func (set *Set) For(s models.Strategy) (Extractor, error) {
	var ex Extractor
	switch s {
	case models.StrategyTextNative:
		ex = set.Text
	case models.StrategyPDFText:
		ex = set.PDF
	case models.StrategyVision:
		ex = set.Vision
	case models.StrategyAudioTranscribe:
		ex = set.Audio
	case models.StrategyVideoMultimodal:
		ex = set.Video
	case models.StrategyCodeAST:
		ex = set.Code
	case models.StrategyStructuredExtract:
		ex = set.Structured
	default:
		return nil, fmt.Errorf("unknown strategy %q: %w", s, models.ErrExtractionFailed)
	}
	if ex == nil {
		return nil, fmt.Errorf("no extractor for %s: %w", s, models.ErrBackendUnavailable)
	}
	return ex, nil
}

// Health checks every strategy's adapter.
func (set *Set) Health(ctx context.Context) []BackendHealth {
	out := make([]BackendHealth, 0, len(models.Strategies()))
	for _, s := range models.Strategies() {
		h := BackendHealth{Strategy: s}
		ex, err := set.For(s)
		if err == nil {
			if named, ok := ex.(interface{ Backend() string }); ok {
				h.Backend = named.Backend()
			}
			err = ex.Health(ctx)
		}
		h.Available = err == nil
		if err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// CommandRunner runs external tools such as pdftotext and ffmpeg.
type CommandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func stringPtr(s string) *string {
	return &s
}
