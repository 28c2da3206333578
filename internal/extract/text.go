package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"mnemo/internal/models"
)

// DefaultTextMaxBytes bounds text kept from a single payload.
const DefaultTextMaxBytes = 10 << 20

// TextExtractor handles text_native payloads.
type TextExtractor struct {
	MaxBytes int
}

func (e *TextExtractor) Strategy() models.Strategy { return models.StrategyTextNative }
func (e *TextExtractor) Backend() string { return "builtin" }
func (e *TextExtractor) Health(ctx context.Context) error { return nil }

func (e *TextExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	text, meta := decodeText(in.Data, e.MaxBytes)
	return Result{Text: stringPtr(text), Metadata: meta}, nil
}

// decodeText converts a payload to valid UTF-8, cut at maxBytes on a rune boundary.
func decodeText(data []byte, maxBytes int) (string, map[string]any) {
	if maxBytes <= 0 {
		maxBytes = DefaultTextMaxBytes
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	truncated := false
	if len(data) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
		truncated = true
	}
	text := strings.ToValidUTF8(string(data), "�")

	meta := map[string]any{
		"char_count": utf8.RuneCountInString(text),
		"line_count": countLines(text),
		"encoding":   "utf-8",
	}
	if truncated {
		meta["truncated"] = true
		meta["max_bytes"] = maxBytes
	}
	return text, meta
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
