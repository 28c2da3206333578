package safety

import (
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"mnemo/internal/models"
)

// SniffLen is the number of leading payload bytes the gate inspects.
const SniffLen = 3072

const (
	octetStream     = "application/octet-stream"
	unnamedFile     = "unnamed_file"
	maxFilenameSize = 255
)

// MismatchPolicy decides what happens when sniffed content contradicts the declared type.
type MismatchPolicy string

const (
	MismatchRetag  MismatchPolicy = "retag"
	MismatchReject MismatchPolicy = "reject"
)

func ParseMismatchPolicy(raw string) (MismatchPolicy, error) {
	switch MismatchPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MismatchRetag:
		return MismatchRetag, nil
	case MismatchReject:
		return MismatchReject, nil
	default:
		return "", fmt.Errorf("invalid mismatch policy: %s", raw)
	}
}

var defaultBlockedExtensions = []string{
	"exe", "dll", "scr", "pif", "com", "msi", "msp", "mst", "so", "dylib", "out",
	"sh", "bash", "zsh", "csh", "ksh", "fish", "bat", "cmd", "ps1", "psm1", "psd1",
	"vbs", "vbe", "jse", "wsf", "wsh",
	"jar", "war", "ear", "class",
	"deb", "rpm", "apk", "app", "dmg", "pkg",
	"xlsm", "xlsb", "xltm", "docm", "dotm", "pptm", "potm", "ppam",
	"reg", "inf", "scf", "lnk", "url", "hta",
}

var executableMediaTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-java-applet",
	"application/wasm",
}

// textualMediaTypes are non text/* types whose payload is plain text.
var textualMediaTypes = map[string]struct{}{
	"application/json":       {},
	"application/xml":        {},
	"application/yaml":       {},
	"application/x-yaml":     {},
	"application/toml":       {},
	"application/javascript": {},
	"application/typescript": {},
	"application/x-sh":       {},
	"application/sql":        {},
}

// Options configures a Gate.
type Options struct {
	ExtraBlockedExtensions []string
	BlockExecutableContent bool
	MismatchPolicy         MismatchPolicy
	Logger                 *slog.Logger
}

// DefaultOptions returns the gate policy used when nothing is configured.
func DefaultOptions() Options {
	return Options{BlockExecutableContent: true, MismatchPolicy: MismatchRetag}
}

// Gate approves or rejects uploads before any storage write.
type Gate struct {
	blocked          map[string]struct{}
	blockExecutables bool
	policy           MismatchPolicy
	logger           *slog.Logger
}

// Decision is the effective content type chosen for an accepted payload.
type Decision struct {
	ContentType string
	Source      models.ContentTypeSource
	Declared    string
	Sniffed     string
	Mismatch    bool
}

func New(opts Options) *Gate {
	blocked := make(map[string]struct{}, len(defaultBlockedExtensions)+len(opts.ExtraBlockedExtensions))
	for _, ext := range defaultBlockedExtensions {
		blocked[ext] = struct{}{}
	}
	for _, ext := range opts.ExtraBlockedExtensions {
		if ext = models.NormalizeExtension(ext); ext != "" {
			blocked[ext] = struct{}{}
		}
	}
	policy := opts.MismatchPolicy
	if policy == "" {
		policy = MismatchRetag
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{blocked: blocked, blockExecutables: opts.BlockExecutableContent, policy: policy, logger: logger}
}

// Policy returns the configured mismatch policy.
func (g *Gate) Policy() MismatchPolicy {
	return g.policy
}

// CheckFilename fails with ErrBlockedExtension when the filename's extension
// is on the blocklist. The declared content type plays no part.
func (g *Gate) CheckFilename(filename string) error {
	ext := Extension(filename)
	if ext == "" {
		return nil
	}
	if _, ok := g.blocked[ext]; ok {
		return fmt.Errorf(".%s: %w", ext, models.ErrBlockedExtension)
	}
	return nil
}

// Inspect sniffs the leading payload bytes and picks the effective content
// type. Executable payloads fail with ErrBlockedContent when blocking is on.
// A contradicting declared type is retagged with a warning, or rejected with
// ErrContentTypeMismatch under the reject policy.
func (g *Gate) Inspect(filename, declared string, head []byte) (Decision, error) {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	declaredType := models.NormalizeMediaType(declared)
	detected := mimetype.Detect(head)
	sniffedType := models.NormalizeMediaType(detected.String())

	decision := Decision{Declared: declaredType, Sniffed: sniffedType}

	if g.blockExecutables && isExecutable(detected) {
		return decision, fmt.Errorf("%s: %w", sniffedType, models.ErrBlockedContent)
	}

	generic := sniffedType == octetStream || len(head) == 0
	switch {
	case declaredType == "" || declaredType == octetStream:
		if generic || sniffedType == "text/plain" {
			if inferred := typeByExtension(filename); inferred != "" {
				decision.ContentType = inferred
				decision.Source = models.ContentTypeSourceInferred
				return decision, nil
			}
		}
		if generic {
			decision.ContentType = octetStream
			decision.Source = models.ContentTypeSourceInferred
			return decision, nil
		}
		decision.ContentType = sniffedType
		decision.Source = models.ContentTypeSourceSniffed
		return decision, nil
	case generic, sniffedType == declaredType, isAncestor(detected, declaredType):
		decision.ContentType = declaredType
		decision.Source = models.ContentTypeSourceDeclared
		return decision, nil
	case isTextual(declaredType) && isTextualDetected(detected):
		decision.ContentType = declaredType
		decision.Source = models.ContentTypeSourceDeclared
		return decision, nil
	}

	decision.Mismatch = true
	if g.policy == MismatchReject {
		return decision, fmt.Errorf("declared %s, content is %s: %w", declaredType, sniffedType, models.ErrContentTypeMismatch)
	}
	g.logger.Warn("content type mismatch, retagging upload",
		"filename", filename,
		"declared", declaredType,
		"sniffed", sniffedType,
	)
	decision.ContentType = sniffedType
	decision.Source = models.ContentTypeSourceSniffed
	return decision, nil
}

// Extension returns the lowercase extension of filename without the dot.
func Extension(filename string) string {
	name := strings.TrimRight(baseName(filename), " .")
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return models.NormalizeExtension(name[idx+1:])
}

// SanitizeFilename reduces a client-supplied name to a safe presentation label.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(baseName(name))
	var b strings.Builder
	for _, r := range name {
		if r == utf8.RuneError || unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*`, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	name = strings.Trim(b.String(), " ")
	if name == "" || name == "." || name == ".." {
		return unnamedFile
	}
	if len(name) <= maxFilenameSize {
		return name
	}

	ext := ""
	if idx := strings.LastIndex(name, "."); idx > 0 && len(name)-idx <= 16 {
		ext = name[idx:]
	}
	stem := name[:len(name)-len(ext)]
	limit := maxFilenameSize - len(ext)
	for len(stem) > limit {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + ext
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	base := path.Base(name)
	if base == "/" {
		return ""
	}
	return base
}

func typeByExtension(filename string) string {
	ext := Extension(filename)
	if ext == "" {
		return ""
	}
	return models.NormalizeMediaType(mime.TypeByExtension("." + ext))
}

func isExecutable(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, exe := range executableMediaTypes {
			if m.Is(exe) {
				return true
			}
		}
	}
	return false
}

func isAncestor(detected *mimetype.MIME, mediaType string) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(mediaType) {
			return true
		}
	}
	return false
}

func isTextual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml") {
		return true
	}
	_, ok := textualMediaTypes[mediaType]
	return ok
}

func isTextualDetected(detected *mimetype.MIME) bool {
	return isAncestor(detected, "text/plain") || isTextual(models.NormalizeMediaType(detected.String()))
}
