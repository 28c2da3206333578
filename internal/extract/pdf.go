package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"mnemo/internal/models"
)

// PDFInspector validates a PDF and reports its page count.
type PDFInspector interface {
	Inspect(data []byte) (pages int, err error)
}

// PDFCPUInspector validates documents with pdfcpu in relaxed mode.
type PDFCPUInspector struct{}

func (PDFCPUInspector) Inspect(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, err
	}
	return api.PageCount(bytes.NewReader(data), conf)
}

// PDFExtractor handles pdf_text payloads. Text comes from pdftotext; when the
// tool is missing the document is still accepted without a text layer.
type PDFExtractor struct {
	Runner        CommandRunner
	Inspector     PDFInspector
	PdftotextPath string
	MaxBytes      int
}

func (e *PDFExtractor) Strategy() models.Strategy { return models.StrategyPDFText }

func (e *PDFExtractor) Backend() string { return "pdfcpu+" + e.pdftotext() }

func (e *PDFExtractor) Health(ctx context.Context) error {
	if _, err := e.runner().LookPath(e.pdftotext()); err != nil {
		return fmt.Errorf("%s not found: %w", e.pdftotext(), models.ErrBackendUnavailable)
	}
	return nil
}

func (e *PDFExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	head := bytes.TrimLeft(in.Data[:min(len(in.Data), 1024)], "\xef\xbb\xbf\r\n\t ")
	if !bytes.HasPrefix(head, []byte("%PDF")) {
		return Result{}, fmt.Errorf("missing %%PDF header: %w", models.ErrExtractionFailed)
	}

	inspector := e.Inspector
	if inspector == nil {
		inspector = PDFCPUInspector{}
	}
	pages, err := inspector.Inspect(in.Data)
	if err != nil {
		return Result{}, fmt.Errorf("invalid pdf: %v: %w", err, models.ErrExtractionFailed)
	}
	meta := map[string]any{"page_count": pages}

	path, err := e.runner().LookPath(e.pdftotext())
	if err != nil {
		meta["text_layer"] = "unavailable"
		return Result{Metadata: meta}, nil
	}
	out, err := e.runner().Run(ctx, path, []string{"-layout", "-enc", "UTF-8", "-", "-"}, in.Data)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("pdftotext: %v: %w", err, models.ErrExtractionFailed)
	}

	text, textMeta := decodeText(out, e.MaxBytes)
	for k, v := range textMeta {
		meta[k] = v
	}
	meta["text_layer"] = "present"
	if strings.TrimSpace(text) == "" {
		meta["text_layer"] = "empty"
		meta["needs_ocr"] = true
	}
	return Result{Text: stringPtr(text), Metadata: meta}, nil
}

func (e *PDFExtractor) runner() CommandRunner {
	if e.Runner == nil {
		return ExecRunner{}
	}
	return e.Runner
}

func (e *PDFExtractor) pdftotext() string {
	if e.PdftotextPath == "" {
		return "pdftotext"
	}
	return e.PdftotextPath
}
