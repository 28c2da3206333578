package models

import (
	"fmt"
	"mime"
	"strings"
)

// Strategy is the algorithm family used to derive text and metadata from a blob.
type Strategy string

const (
	StrategyTextNative        Strategy = "text_native"
	StrategyPDFText           Strategy = "pdf_text"
	StrategyVision            Strategy = "vision"
	StrategyAudioTranscribe   Strategy = "audio_transcribe"
	StrategyVideoMultimodal   Strategy = "video_multimodal"
	StrategyCodeAST           Strategy = "code_ast"
	StrategyStructuredExtract Strategy = "structured_extract"
)

// Strategies lists every strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{
		StrategyTextNative,
		StrategyPDFText,
		StrategyVision,
		StrategyAudioTranscribe,
		StrategyVideoMultimodal,
		StrategyCodeAST,
		StrategyStructuredExtract,
	}
}

func ParseStrategy(raw string) (Strategy, error) {
	value := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("extraction strategy is required")
	}
	for _, s := range Strategies() {
		if s == value {
			return value, nil
		}
	}
	return "", fmt.Errorf("invalid extraction strategy: %s", value)
}

// IsMedia reports whether the strategy depends on an optional model backend.
func (s Strategy) IsMedia() bool {
	switch s {
	case StrategyVision, StrategyAudioTranscribe, StrategyVideoMultimodal:
		return true
	default:
		return false
	}
}

var codeExtensions = map[string]struct{}{
	"rs": {}, "py": {}, "js": {}, "mjs": {}, "ts": {}, "tsx": {}, "jsx": {}, "go": {},
	"java": {}, "c": {}, "cpp": {}, "cc": {}, "h": {}, "hpp": {}, "rb": {},
	"swift": {}, "kt": {}, "scala": {}, "zig": {}, "hs": {},
}

var structuredExtensions = map[string]struct{}{
	"json": {}, "xml": {}, "yaml": {}, "yml": {}, "csv": {}, "toml": {},
}

var codeMediaTypes = map[string]struct{}{
	"text/x-python":          {},
	"text/x-script.python":   {},
	"text/x-rust":            {},
	"text/javascript":        {},
	"application/javascript": {},
	"text/typescript":        {},
	"application/typescript": {},
	"text/x-go":              {},
	"text/x-java":            {},
	"text/x-java-source":     {},
	"text/x-c":               {},
	"text/x-csrc":            {},
	"text/x-c++":             {},
	"text/x-c++src":          {},
	"text/x-ruby":            {},
}

var structuredMediaTypes = map[string]struct{}{
	"application/json":   {},
	"text/json":          {},
	"application/xml":    {},
	"text/xml":           {},
	"application/yaml":   {},
	"application/x-yaml": {},
	"text/yaml":          {},
	"text/x-yaml":        {},
	"text/csv":           {},
	"application/toml":   {},
	"text/x-toml":        {},
	"audio/midi":         {},
	"audio/x-midi":       {},
}

// NormalizeMediaType lowercases a media type and strips its parameters.
func NormalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		if idx := strings.Index(raw, ";"); idx >= 0 {
			raw = raw[:idx]
		}
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(parsed)
}

// NormalizeExtension lowercases an extension and drops a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// StrategyForMediaType maps a media type alone to a strategy.
func StrategyForMediaType(mediaType string) Strategy {
	mediaType = NormalizeMediaType(mediaType)
	if _, ok := codeMediaTypes[mediaType]; ok {
		return StrategyCodeAST
	}
	if _, ok := structuredMediaTypes[mediaType]; ok {
		return StrategyStructuredExtract
	}
	switch {
	case mediaType == "application/pdf":
		return StrategyPDFText
	case strings.HasPrefix(mediaType, "image/"):
		return StrategyVision
	case strings.HasPrefix(mediaType, "audio/"):
		return StrategyAudioTranscribe
	case strings.HasPrefix(mediaType, "video/"):
		return StrategyVideoMultimodal
	case strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "+xml"):
		return StrategyStructuredExtract
	default:
		return StrategyTextNative
	}
}

// StrategyFor maps a (media type, extension) pair to a strategy. The extension
// only refines generic bases; media strategies are never promoted from the
// extension alone.
func StrategyFor(mediaType, ext string) Strategy {
	mediaType = NormalizeMediaType(mediaType)
	ext = NormalizeExtension(ext)
	base := StrategyForMediaType(mediaType)

	if mediaType == "" || mediaType == "application/octet-stream" {
		switch {
		case ext == "pdf":
			return StrategyPDFText
		case isStructuredExtension(ext):
			return StrategyStructuredExtract
		case isCodeExtension(ext):
			return StrategyCodeAST
		case ext == "txt" || ext == "md" || ext == "markdown":
			return StrategyTextNative
		}
		return base
	}

	if base == StrategyTextNative {
		if isCodeExtension(ext) {
			return StrategyCodeAST
		}
		if isStructuredExtension(ext) {
			return StrategyStructuredExtract
		}
	}
	return base
}

func isCodeExtension(ext string) bool {
	_, ok := codeExtensions[ext]
	return ok
}

func isStructuredExtension(ext string) bool {
	_, ok := structuredExtensions[ext]
	return ok
}
