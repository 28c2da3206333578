package doctype

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mnemo/internal/models"
)

// Generic type ids used when nothing more specific matches.
const (
	TypePlaintext  = "plaintext"
	TypeCode       = "code"
	TypeStructured = "structured"
	TypePDF        = "pdf"
	TypeImage      = "image"
	TypeAudio      = "audio"
	TypeVideo      = "video"
)

var builtinTypes = []models.DocumentType{
	{ID: TypePlaintext, Name: "Plain text", Category: "prose", Extensions: []string{"txt", "text", "log"}, MimeTypes: []string{"text/plain"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "paragraph"},
	{ID: "markdown", Name: "Markdown", Category: "prose", Extensions: []string{"md", "markdown"}, MimeTypes: []string{"text/markdown", "text/x-markdown"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "heading"},
	{ID: "html", Name: "HTML", Category: "prose", Extensions: []string{"html", "htm"}, MimeTypes: []string{"text/html"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "heading"},
	{ID: "restructuredtext", Name: "reStructuredText", Category: "prose", Extensions: []string{"rst"}, MimeTypes: []string{"text/x-rst"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "heading"},

	{ID: TypeCode, Name: "Source code", Category: "code", DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "python", Name: "Python", Category: "code", Extensions: []string{"py", "pyi"}, MimeTypes: []string{"text/x-python", "text/x-script.python"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "javascript", Name: "JavaScript", Category: "code", Extensions: []string{"js", "mjs", "cjs", "jsx"}, MimeTypes: []string{"text/javascript", "application/javascript"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "typescript", Name: "TypeScript", Category: "code", Extensions: []string{"ts", "tsx"}, MimeTypes: []string{"text/typescript", "application/typescript"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "go", Name: "Go", Category: "code", Extensions: []string{"go"}, MimeTypes: []string{"text/x-go"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "rust", Name: "Rust", Category: "code", Extensions: []string{"rs"}, MimeTypes: []string{"text/x-rust"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "java", Name: "Java", Category: "code", Extensions: []string{"java"}, MimeTypes: []string{"text/x-java", "text/x-java-source"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "c", Name: "C", Category: "code", Extensions: []string{"c", "h"}, MimeTypes: []string{"text/x-c", "text/x-csrc"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "cpp", Name: "C++", Category: "code", Extensions: []string{"cpp", "cc", "cxx", "hpp"}, MimeTypes: []string{"text/x-c++", "text/x-c++src"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "ruby", Name: "Ruby", Category: "code", Extensions: []string{"rb"}, MimeTypes: []string{"text/x-ruby"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "shell", Name: "Shell script", Category: "code", MimeTypes: []string{"text/x-shellscript", "application/x-sh"}, DefaultStrategy: models.StrategyCodeAST, ChunkingHint: "syntactic"},
	{ID: "dockerfile", Name: "Dockerfile", Category: "code", Filenames: []string{"Dockerfile", "Containerfile"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "whole"},
	{ID: "makefile", Name: "Makefile", Category: "code", Filenames: []string{"Makefile", "GNUmakefile"}, DefaultStrategy: models.StrategyTextNative, ChunkingHint: "whole"},

	{ID: TypeStructured, Name: "Structured data", Category: "data", DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "record"},
	{ID: "json", Name: "JSON", Category: "data", Extensions: []string{"json"}, MimeTypes: []string{"application/json", "text/json"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "record"},
	{ID: "yaml", Name: "YAML", Category: "data", Extensions: []string{"yaml", "yml"}, MimeTypes: []string{"application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "record"},
	{ID: "toml", Name: "TOML", Category: "data", Extensions: []string{"toml"}, MimeTypes: []string{"application/toml", "text/x-toml"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "record"},
	{ID: "csv", Name: "CSV", Category: "data", Extensions: []string{"csv"}, MimeTypes: []string{"text/csv"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "row"},
	{ID: "xml", Name: "XML", Category: "data", Extensions: []string{"xml"}, MimeTypes: []string{"application/xml", "text/xml"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "record"},
	{ID: "midi", Name: "MIDI", Category: "data", Extensions: []string{"mid", "midi"}, MimeTypes: []string{"audio/midi", "audio/x-midi"}, DefaultStrategy: models.StrategyStructuredExtract, ChunkingHint: "whole"},

	{ID: TypePDF, Name: "PDF document", Category: "document", Extensions: []string{"pdf"}, MimeTypes: []string{"application/pdf"}, DefaultStrategy: models.StrategyPDFText, ChunkingHint: "page"},
	{ID: TypeImage, Name: "Image", Category: "media", Extensions: []string{"jpg", "jpeg", "png", "gif", "webp", "heic", "tif", "tiff", "bmp"}, MimeTypes: []string{"image/*"}, DefaultStrategy: models.StrategyVision, ChunkingHint: "whole"},
	{ID: TypeAudio, Name: "Audio", Category: "media", Extensions: []string{"mp3", "wav", "flac", "ogg", "m4a", "opus"}, MimeTypes: []string{"audio/*"}, DefaultStrategy: models.StrategyAudioTranscribe, ChunkingHint: "segment"},
	{ID: TypeVideo, Name: "Video", Category: "media", Extensions: []string{"mp4", "mov", "mkv", "webm", "avi"}, MimeTypes: []string{"video/*"}, DefaultStrategy: models.StrategyVideoMultimodal, ChunkingHint: "segment"},
}

// Registry is a read-only lookup table of document types.
type Registry struct {
	byID        map[string]models.DocumentType
	byExtension map[string]string
	byMime      map[string]string
	byMajor     map[string]string
	byFilename  map[string]string
	order       []string
}

type registryFile struct {
	DocumentTypes []models.DocumentType `yaml:"document_types"`
}

// NewRegistry builds a registry from the built-in table plus extra entries.
// Extra entries replace built-ins with the same id.
func NewRegistry(extra ...models.DocumentType) (*Registry, error) {
	merged := make([]models.DocumentType, 0, len(builtinTypes)+len(extra))
	merged = append(merged, builtinTypes...)
	for _, dt := range extra {
		if err := validateType(&dt); err != nil {
			return nil, err
		}
		replaced := false
		for i := range merged {
			if merged[i].ID == dt.ID {
				merged[i] = dt
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, dt)
		}
	}

	r := &Registry{
		byID:        map[string]models.DocumentType{},
		byExtension: map[string]string{},
		byMime:      map[string]string{},
		byMajor:     map[string]string{},
		byFilename:  map[string]string{},
	}
	for _, dt := range merged {
		r.byID[dt.ID] = dt
		r.order = append(r.order, dt.ID)
	}
	// Later entries win, so user entries shadow built-in extension and mime claims.
	for _, id := range r.order {
		dt := r.byID[id]
		for _, ext := range dt.Extensions {
			r.byExtension[models.NormalizeExtension(ext)] = id
		}
		for _, raw := range dt.MimeTypes {
			mediaType := strings.ToLower(strings.TrimSpace(raw))
			if major, ok := strings.CutSuffix(mediaType, "/*"); ok {
				r.byMajor[major] = id
				continue
			}
			r.byMime[models.NormalizeMediaType(mediaType)] = id
		}
		for _, name := range dt.Filenames {
			r.byFilename[strings.TrimSpace(name)] = id
		}
	}
	return r, nil
}

// LoadRegistry builds a registry, merging entries from a YAML file when path is set.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewRegistry()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document types: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse document types %s: %w", path, err)
	}
	return NewRegistry(file.DocumentTypes...)
}

func validateType(dt *models.DocumentType) error {
	dt.ID = strings.ToLower(strings.TrimSpace(dt.ID))
	if dt.ID == "" {
		return fmt.Errorf("document type id is required")
	}
	strategy, err := models.ParseStrategy(string(dt.DefaultStrategy))
	if err != nil {
		return fmt.Errorf("document type %s: %w", dt.ID, err)
	}
	dt.DefaultStrategy = strategy
	if strings.TrimSpace(dt.Name) == "" {
		dt.Name = dt.ID
	}
	return nil
}

// LookupByID returns the type with id, or nil.
func (r *Registry) LookupByID(id string) *models.DocumentType {
	dt, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil
	}
	return &dt
}

// LookupByExtension returns the type claiming ext, or nil.
func (r *Registry) LookupByExtension(ext string) *models.DocumentType {
	id, ok := r.byExtension[models.NormalizeExtension(ext)]
	if !ok {
		return nil
	}
	return r.LookupByID(id)
}

// LookupByMime returns the type claiming mediaType exactly, then by its major type.
func (r *Registry) LookupByMime(mediaType string) *models.DocumentType {
	mediaType = models.NormalizeMediaType(mediaType)
	if mediaType == "" {
		return nil
	}
	if id, ok := r.byMime[mediaType]; ok {
		return r.LookupByID(id)
	}
	major, _, _ := strings.Cut(mediaType, "/")
	if id, ok := r.byMajor[major]; ok {
		return r.LookupByID(id)
	}
	return nil
}

// LookupByFilename returns the type claiming an exact base filename, or nil.
func (r *Registry) LookupByFilename(name string) *models.DocumentType {
	id, ok := r.byFilename[name]
	if !ok {
		return nil
	}
	return r.LookupByID(id)
}

// List returns every type sorted by category then id.
func (r *Registry) List() []models.DocumentType {
	out := make([]models.DocumentType, 0, len(r.byID))
	for _, dt := range r.byID {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}
