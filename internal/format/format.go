package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Formatter abstracts output formatting.
type Formatter interface {
	Write(w io.Writer, payload any) error
}

// JSONFormatter writes JSON output.
type JSONFormatter struct {
	Indent bool
}

// Write writes JSON payload to a writer.
func (f JSONFormatter) Write(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	if f.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(payload)
}

// Table writes tab-aligned columns.
type Table struct {
	tw *tabwriter.Writer
}

// NewTable starts a table, writing headers when any are given.
func NewTable(w io.Writer, headers ...string) *Table {
	t := &Table{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
	if len(headers) > 0 {
		cols := make([]any, len(headers))
		for i, h := range headers {
			cols[i] = strings.ToUpper(h)
		}
		t.Row(cols...)
	}
	return t
}

// Row appends one line.
func (t *Table) Row(cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = Cell(c)
	}
	fmt.Fprintln(t.tw, strings.Join(parts, "\t"))
}

// Flush writes the aligned output.
func (t *Table) Flush() error {
	return t.tw.Flush()
}

// Cell renders a value for a table or a key/value line.
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return strings.ReplaceAll(x, "\t", " ")
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return Time(x)
	case *time.Time:
		if x == nil {
			return "-"
		}
		return Time(*x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Time renders t as UTC RFC 3339.
func Time(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Size renders a byte count with a binary unit.
func Size(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Fields writes "key: value" lines, skipping empty values.
func Fields(w io.Writer, pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		value := Cell(pairs[i+1])
		if value == "-" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", pairs[i], value); err != nil {
			return err
		}
	}
	return nil
}
