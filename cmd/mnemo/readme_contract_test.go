package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/models"
)

const repoRoot = "../.."

var (
	configKeyBullet = regexp.MustCompile("^- `([a-z_.]+)`")
	backtickToken   = regexp.MustCompile("`([a-z_]+)`")
	envKeyLiteral   = regexp.MustCompile(`"(MNEMO_[A-Z0-9_]+)"`)
	envKeyMention   = regexp.MustCompile(`MNEMO_[A-Z0-9_]+`)
)

// readmeSections splits README.md on "## " headings.
func readmeSections(t *testing.T) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(repoRoot, "README.md"))
	if err != nil {
		t.Fatalf("read README.md: %v", err)
	}

	sections := map[string]string{}
	var heading string
	var body strings.Builder
	flush := func() {
		if heading != "" {
			sections[heading] = body.String()
		}
		body.Reset()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if title, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			heading = strings.TrimSpace(title)
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}

func section(t *testing.T, sections map[string]string, name string) string {
	t.Helper()
	body, ok := sections[name]
	if !ok {
		t.Fatalf("README has no %q section", name)
	}
	return body
}

func TestReadmeSupportedConfigKeysMatchAllowedKeys(t *testing.T) {
	body := section(t, readmeSections(t), "Configuration")
	_, list, ok := strings.Cut(body, "Supported config keys:")
	if !ok {
		t.Fatal("Configuration section lacks the supported keys list")
	}

	var documented []string
	for _, line := range strings.Split(list, "\n") {
		if m := configKeyBullet.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			documented = append(documented, m[1])
		}
	}

	want := sortedSet(config.AllowedKeys())
	if got := sortedSet(documented); !slices.Equal(got, want) {
		t.Fatalf("README config keys differ from config.AllowedKeys\nundocumented: %v\nunknown:      %v",
			missingFrom(want, got), missingFrom(got, want))
	}
}

func TestReadmeCommandSurfaceMatchesCLILeafCommands(t *testing.T) {
	body := section(t, readmeSections(t), "Commands")
	_, fenced, ok := strings.Cut(body, "```bash")
	if !ok {
		t.Fatal("Commands section has no bash block")
	}
	block, _, ok := strings.Cut(fenced, "```")
	if !ok {
		t.Fatal("Commands bash block is not closed")
	}

	var documented []string
	for _, line := range strings.Split(block, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "mnemo" {
			continue
		}
		var words []string
		for _, f := range fields[1:] {
			if !isCommandWord(f) {
				break
			}
			words = append(words, f)
		}
		if len(words) > 0 {
			documented = append(documented, strings.Join(words, " "))
		}
	}

	cfg := config.Default()
	var actual []string
	var walk func(cmd *cobra.Command, path []string)
	walk = func(cmd *cobra.Command, path []string) {
		if len(cmd.Commands()) == 0 {
			actual = append(actual, strings.Join(path, " "))
			return
		}
		for _, child := range cmd.Commands() {
			if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
				continue
			}
			walk(child, append(slices.Clone(path), child.Name()))
		}
	}
	walk(newRootCmd(&cfg), nil)

	want, got := sortedSet(actual), sortedSet(documented)
	if !slices.Equal(got, want) {
		t.Fatalf("README commands differ from the CLI\nundocumented: %v\nunknown:      %v",
			missingFrom(want, got), missingFrom(got, want))
	}
}

func TestReadmeRuntimeEnvironmentKeysDocumented(t *testing.T) {
	documented := envKeyMention.FindAllString(section(t, readmeSections(t), "Environment"), -1)

	var used []string
	for _, dir := range []string{filepath.Join(repoRoot, "cmd"), filepath.Join(repoRoot, "internal")} {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return err
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			for _, m := range envKeyLiteral.FindAllStringSubmatch(string(src), -1) {
				used = append(used, m[1])
			}
			return nil
		})
		if err != nil {
			t.Fatalf("scan %s: %v", dir, err)
		}
	}
	if len(used) == 0 {
		t.Fatal("found no MNEMO_ keys in the source tree")
	}

	if missing := missingFrom(sortedSet(used), sortedSet(documented)); len(missing) > 0 {
		t.Fatalf("README Environment table lacks %v", missing)
	}
}

func TestReadmeBackendsTableCoversEveryStrategy(t *testing.T) {
	body := section(t, readmeSections(t), "Extraction backends")

	var documented []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "| `") {
			continue
		}
		cell, _, _ := strings.Cut(strings.TrimPrefix(line, "|"), "|")
		for _, m := range backtickToken.FindAllStringSubmatch(cell, -1) {
			documented = append(documented, m[1])
		}
	}

	var want []string
	for _, s := range models.Strategies() {
		want = append(want, string(s))
	}
	if got := sortedSet(documented); !slices.Equal(got, sortedSet(want)) {
		t.Fatalf("README backends table strategies %v, want %v", got, sortedSet(want))
	}
}

func isCommandWord(s string) bool {
	return s != "" && !strings.ContainsAny(s[:1], "#<[-") && !strings.ContainsAny(s, `"'`)
}

func sortedSet(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

// missingFrom returns the entries of want absent from have; both sorted.
func missingFrom(want, have []string) []string {
	var out []string
	for _, v := range want {
		if _, found := slices.BinarySearch(have, v); !found {
			out = append(out, v)
		}
	}
	return out
}
