package doctype

import (
	"log/slog"
	"path"
	"strings"

	"mnemo/internal/models"
)

// Method records which rule produced a resolution.
type Method string

const (
	MethodOverride  Method = "override"
	MethodFilename  Method = "filename"
	MethodExtension Method = "extension"
	MethodMime      Method = "mime"
	MethodFallback  Method = "fallback"
)

// Resolution is the document type and strategy chosen for one upload.
type Resolution struct {
	Type            models.DocumentType `json:"document_type"`
	Strategy        models.Strategy     `json:"strategy"`
	Method          Method              `json:"method"`
	OverrideIgnored bool                `json:"override_ignored,omitempty"`
}

// Lookup is the read-only registry surface the resolver consumes.
type Lookup interface {
	LookupByID(id string) *models.DocumentType
	LookupByExtension(ext string) *models.DocumentType
	LookupByMime(mediaType string) *models.DocumentType
	LookupByFilename(name string) *models.DocumentType
}

type Resolver struct {
	types  Lookup
	logger *slog.Logger
}

func NewResolver(types Lookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{types: types, logger: logger}
}

// Resolve maps (filename, media type, override) to a document type and
// strategy. A known override wins outright. An unknown override is ignored
// and detection runs as if none was given.
func (r *Resolver) Resolve(filename, mediaType, overrideTypeID string) Resolution {
	if id := strings.TrimSpace(overrideTypeID); id != "" {
		if dt := r.types.LookupByID(id); dt != nil {
			return Resolution{Type: *dt, Strategy: dt.DefaultStrategy, Method: MethodOverride}
		}
		r.logger.Info("unknown document type override, detecting automatically", "override", id, "filename", filename)
		res := r.detect(filename, mediaType)
		res.OverrideIgnored = true
		return res
	}
	return r.detect(filename, mediaType)
}

func (r *Resolver) detect(filename, mediaType string) Resolution {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := extension(base)
	mediaType = models.NormalizeMediaType(mediaType)
	auto := models.StrategyFor(mediaType, ext)

	if dt := r.types.LookupByFilename(base); dt != nil {
		return Resolution{Type: *dt, Strategy: dt.DefaultStrategy, Method: MethodFilename}
	}
	if dt := r.types.LookupByExtension(ext); dt != nil && agrees(dt.DefaultStrategy, auto, mediaType) {
		return Resolution{Type: *dt, Strategy: dt.DefaultStrategy, Method: MethodExtension}
	}
	if dt := r.types.LookupByMime(mediaType); dt != nil {
		strategy := dt.DefaultStrategy
		if auto != strategy && !strategy.IsMedia() && !auto.IsMedia() {
			// A generic mime type refined by a code or data extension.
			if refined := r.byStrategy(auto); refined != nil {
				return Resolution{Type: *refined, Strategy: auto, Method: MethodMime}
			}
		}
		return Resolution{Type: *dt, Strategy: strategy, Method: MethodMime}
	}
	if dt := r.byStrategy(auto); dt != nil {
		return Resolution{Type: *dt, Strategy: auto, Method: MethodFallback}
	}
	return Resolution{
		Type:     models.DocumentType{ID: TypePlaintext, Name: "Plain text", DefaultStrategy: models.StrategyTextNative},
		Strategy: models.StrategyTextNative,
		Method:   MethodFallback,
	}
}

// agrees rejects an extension match whose media-ness contradicts the content type.
func agrees(typeStrategy, auto models.Strategy, mediaType string) bool {
	if mediaType == "" || mediaType == "application/octet-stream" {
		return true
	}
	return typeStrategy.IsMedia() == auto.IsMedia()
}

func (r *Resolver) byStrategy(s models.Strategy) *models.DocumentType {
	id := TypePlaintext
	switch s {
	case models.StrategyCodeAST:
		id = TypeCode
	case models.StrategyStructuredExtract:
		id = TypeStructured
	case models.StrategyPDFText:
		id = TypePDF
	case models.StrategyVision:
		id = TypeImage
	case models.StrategyAudioTranscribe:
		id = TypeAudio
	case models.StrategyVideoMultimodal:
		id = TypeVideo
	}
	return r.types.LookupByID(id)
}

func extension(base string) string {
	idx := strings.LastIndex(base, ".")
	if idx <= 0 || idx == len(base)-1 {
		return ""
	}
	return models.NormalizeExtension(base[idx+1:])
}
