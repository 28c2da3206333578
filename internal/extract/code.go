package extract

import (
	"context"
	"regexp"
	"strings"

	"mnemo/internal/models"
)

// Declaration is one named top-level construct found in source text.
type Declaration struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
}

type declPattern struct {
	kind string
	re   *regexp.Regexp
}

type blockStyle int

const (
	blockBraces blockStyle = iota
	blockIndent
	blockEnd
)

type language struct {
	name     string
	style    blockStyle
	patterns []declPattern
}

func decl(kind, expr string) declPattern {
	return declPattern{kind: kind, re: regexp.MustCompile(expr)}
}

var (
	langPython = language{name: "python", style: blockIndent, patterns: []declPattern{
		decl("class", `^\s*class\s+([A-Za-z_]\w*)`),
		decl("function", `^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)`),
	}}
	langJavaScript = language{name: "javascript", style: blockBraces, patterns: []declPattern{
		decl("class", `^\s*(?:export\s+)?(?:default\s+)?class\s+([A-Za-z_$][\w$]*)`),
		decl("function", `^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`),
		decl("function", `^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`),
	}}
	langTypeScript = language{name: "typescript", style: blockBraces, patterns: append([]declPattern{
		decl("interface", `^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`),
		decl("type", `^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*=`),
		decl("enum", `^\s*(?:export\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`),
	}, langJavaScript.patterns...)}
	langGo = language{name: "go", style: blockBraces, patterns: []declPattern{
		decl("function", `^func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
		decl("type", `^type\s+([A-Za-z_]\w*)`),
	}}
	langRust = language{name: "rust", style: blockBraces, patterns: []declPattern{
		decl("function", `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:const\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+([A-Za-z_]\w*)`),
		decl("struct", `^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_]\w*)`),
		decl("enum", `^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_]\w*)`),
		decl("trait", `^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+([A-Za-z_]\w*)`),
		decl("impl", `^\s*impl(?:<[^>]*>)?\s+(?:[\w:<>]+\s+for\s+)?([A-Za-z_]\w*)`),
	}}
	langJava = language{name: "java", style: blockBraces, patterns: []declPattern{
		decl("class", `^\s*(?:(?:public|protected|private|abstract|final|static)\s+)*class\s+([A-Za-z_]\w*)`),
		decl("interface", `^\s*(?:(?:public|protected|private|static)\s+)*interface\s+([A-Za-z_]\w*)`),
		decl("enum", `^\s*(?:(?:public|protected|private|static)\s+)*enum\s+([A-Za-z_]\w*)`),
		decl("method", `^\s*(?:(?:public|protected|private|static|final|abstract|synchronized)\s+)+[\w<>\[\],\s]+?\s+([A-Za-z_]\w*)\s*\([^;]*$`),
	}}
	langC = language{name: "c", style: blockBraces, patterns: []declPattern{
		decl("struct", `^\s*(?:typedef\s+)?struct\s+([A-Za-z_]\w*)\s*\{`),
		decl("function", `^[A-Za-z_][\w\s\*]*?\**\b([A-Za-z_]\w*)\s*\([^;]*\)\s*\{?\s*$`),
	}}
	langCPP = language{name: "cpp", style: blockBraces, patterns: append([]declPattern{
		decl("class", `^\s*(?:template\s*<[^>]*>\s*)?class\s+([A-Za-z_]\w*)`),
		decl("namespace", `^\s*namespace\s+([A-Za-z_]\w*)`),
	}, langC.patterns...)}
	langRuby = language{name: "ruby", style: blockEnd, patterns: []declPattern{
		decl("class", `^\s*class\s+([A-Z]\w*(?:::[A-Z]\w*)*)`),
		decl("module", `^\s*module\s+([A-Z]\w*(?:::[A-Z]\w*)*)`),
		decl("method", `^\s*def\s+(?:self\.)?([A-Za-z_]\w*[?!=]?)`),
	}}
	langShell = language{name: "shell", style: blockBraces, patterns: []declPattern{
		decl("function", `^\s*(?:function\s+)?([A-Za-z_][\w-]*)\s*\(\)`),
		decl("function", `^\s*function\s+([A-Za-z_][\w-]*)\s*\{?`),
	}}
)

var languagesByExtension = map[string]language{
	"py": langPython, "pyi": langPython,
	"js": langJavaScript, "mjs": langJavaScript, "cjs": langJavaScript, "jsx": langJavaScript,
	"ts": langTypeScript, "tsx": langTypeScript,
	"go": langGo, "rs": langRust, "java": langJava, "rb": langRuby,
	"c": langC, "h": langC,
	"cpp": langCPP, "cc": langCPP, "cxx": langCPP, "hpp": langCPP,
	"sh": langShell, "bash": langShell,
}

var languagesByMediaType = map[string]language{
	"text/x-python":          langPython,
	"text/x-script.python":   langPython,
	"text/javascript":        langJavaScript,
	"application/javascript": langJavaScript,
	"text/typescript":        langTypeScript,
	"application/typescript": langTypeScript,
	"text/x-go":              langGo,
	"text/x-rust":            langRust,
	"text/x-java":            langJava,
	"text/x-java-source":     langJava,
	"text/x-c":               langC,
	"text/x-csrc":            langC,
	"text/x-c++":             langCPP,
	"text/x-c++src":          langCPP,
	"text/x-ruby":            langRuby,
	"text/x-shellscript":     langShell,
	"application/x-sh":       langShell,
}

// CodeExtractor handles code_ast payloads with a line-oriented declaration scan.
type CodeExtractor struct {
	MaxBytes int
}

func (e *CodeExtractor) Strategy() models.Strategy { return models.StrategyCodeAST }
func (e *CodeExtractor) Backend() string { return "builtin" }
func (e *CodeExtractor) Health(ctx context.Context) error { return nil }

func (e *CodeExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	text, meta := decodeText(in.Data, e.MaxBytes)

	lang, ok := detectLanguage(in.Filename, in.ContentType)
	if !ok {
		meta["language"] = "unknown"
		meta["symbols"] = []string{}
		meta["declarations"] = []Declaration{}
		return Result{Text: stringPtr(text), Metadata: meta}, nil
	}

	decls := scanDeclarations(lang, strings.Split(text, "\n"))
	symbols := make([]string, 0, len(decls))
	for _, d := range decls {
		symbols = append(symbols, d.Name)
	}
	meta["language"] = lang.name
	meta["symbols"] = symbols
	meta["declarations"] = decls
	return Result{Text: stringPtr(text), Metadata: meta}, nil
}

func detectLanguage(filename, contentType string) (language, bool) {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		if lang, ok := languagesByExtension[models.NormalizeExtension(filename[idx+1:])]; ok {
			return lang, true
		}
	}
	lang, ok := languagesByMediaType[models.NormalizeMediaType(contentType)]
	return lang, ok
}

func scanDeclarations(lang language, lines []string) []Declaration {
	var decls []Declaration
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}
		for _, p := range lang.patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil || isKeyword(m[1]) {
				continue
			}
			decls = append(decls, Declaration{
				Kind:      p.kind,
				Name:      m[1],
				LineStart: i + 1,
				LineEnd:   blockEndLine(lang.style, lines, i) + 1,
			})
			break
		}
	}
	return decls
}

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*")
}

var controlKeywords = map[string]struct{}{
	"if": {}, "for": {}, "while": {}, "switch": {}, "return": {}, "catch": {}, "else": {}, "sizeof": {},
}

func isKeyword(name string) bool {
	_, ok := controlKeywords[name]
	return ok
}

// blockEndLine returns the zero-based last line of the block opened at start.
func blockEndLine(style blockStyle, lines []string, start int) int {
	switch style {
	case blockIndent:
		return indentBlockEnd(lines, start)
	case blockEnd:
		return keywordBlockEnd(lines, start)
	default:
		return braceBlockEnd(lines, start)
	}
}

func braceBlockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, r := range stripStrings(lines[i]) {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		if !opened && strings.HasSuffix(strings.TrimSpace(lines[i]), ";") {
			return i
		}
		if !opened && i-start > 8 {
			return start
		}
	}
	if !opened {
		return start
	}
	return len(lines) - 1
}

func indentBlockEnd(lines []string, start int) int {
	base := indentOf(lines[start])
	end := start
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if indentOf(lines[i]) <= base {
			break
		}
		end = i
	}
	return end
}

func keywordBlockEnd(lines []string, start int) int {
	base := indentOf(lines[start])
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "end" && indentOf(lines[i]) == base {
			return i
		}
	}
	return start
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// stripStrings blanks out quoted literals and line comments so braces inside them are ignored.
func stripStrings(line string) string {
	var b strings.Builder
	var quote rune
	escaped := false
	prev := rune(0)
	for _, r := range line {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		if r == '/' && prev == '/' {
			break
		}
		switch r {
		case '"', '\'', '`':
			quote = r
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
