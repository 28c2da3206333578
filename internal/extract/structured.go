package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"mnemo/internal/models"
)

const maxTopLevelKeys = 10

type dataFormat string

const (
	formatJSON dataFormat = "json"
	formatYAML dataFormat = "yaml"
	formatTOML dataFormat = "toml"
	formatCSV  dataFormat = "csv"
	formatXML  dataFormat = "xml"
	formatMIDI dataFormat = "midi"
)

var formatsByMediaType = map[string]dataFormat{
	"application/json":   formatJSON,
	"text/json":          formatJSON,
	"application/yaml":   formatYAML,
	"application/x-yaml": formatYAML,
	"text/yaml":          formatYAML,
	"text/x-yaml":        formatYAML,
	"application/toml":   formatTOML,
	"text/x-toml":        formatTOML,
	"text/csv":           formatCSV,
	"application/xml":    formatXML,
	"text/xml":           formatXML,
	"audio/midi":         formatMIDI,
	"audio/x-midi":       formatMIDI,
}

var formatsByExtension = map[string]dataFormat{
	"json": formatJSON, "yaml": formatYAML, "yml": formatYAML, "toml": formatTOML,
	"csv": formatCSV, "xml": formatXML, "mid": formatMIDI, "midi": formatMIDI,
}

// StructuredExtractor handles structured_extract payloads.
type StructuredExtractor struct {
	MaxBytes int
}

func (e *StructuredExtractor) Strategy() models.Strategy { return models.StrategyStructuredExtract }
func (e *StructuredExtractor) Backend() string { return "builtin" }
func (e *StructuredExtractor) Health(ctx context.Context) error { return nil }

func (e *StructuredExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	format := detectFormat(in.Filename, in.ContentType)
	if format == formatMIDI {
		meta, err := midiMetadata(in.Data)
		if err != nil {
			return Result{}, err
		}
		return Result{Metadata: meta}, nil
	}

	text, meta := decodeText(in.Data, e.MaxBytes)
	meta["format"] = string(format)

	var err error
	switch format {
	case formatJSON:
		var v any
		err = json.Unmarshal(in.Data, &v)
		describeValue(meta, v, err)
	case formatYAML:
		var v any
		err = yaml.Unmarshal(in.Data, &v)
		describeValue(meta, v, err)
	case formatTOML:
		var v map[string]any
		err = toml.Unmarshal(in.Data, &v)
		describeValue(meta, v, err)
	case formatCSV:
		err = describeCSV(meta, in.Data)
	case formatXML:
		err = describeXML(meta, in.Data)
	default:
		meta["format"] = "unknown"
	}
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %v: %w", format, err, models.ErrExtractionFailed)
	}
	return Result{Text: stringPtr(text), Metadata: meta}, nil
}

func detectFormat(filename, contentType string) dataFormat {
	if f, ok := formatsByMediaType[models.NormalizeMediaType(contentType)]; ok {
		return f
	}
	mediaType := models.NormalizeMediaType(contentType)
	switch {
	case strings.HasSuffix(mediaType, "+json"):
		return formatJSON
	case strings.HasSuffix(mediaType, "+xml"):
		return formatXML
	}
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		if f, ok := formatsByExtension[models.NormalizeExtension(filename[idx+1:])]; ok {
			return f
		}
	}
	return ""
}

func describeValue(meta map[string]any, v any, err error) {
	meta["valid"] = err == nil
	if err != nil {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		meta["type"] = "object"
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta["key_count"] = len(keys)
		if len(keys) > maxTopLevelKeys {
			keys = keys[:maxTopLevelKeys]
		}
		meta["top_level_keys"] = keys
	case []any:
		meta["type"] = "array"
		meta["item_count"] = len(t)
	case string:
		meta["type"] = "string"
	case bool:
		meta["type"] = "boolean"
	case nil:
		meta["type"] = "null"
	default:
		meta["type"] = "number"
	}
}

func describeCSV(meta map[string]any, data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		meta["row_count"] = 0
		meta["headers"] = []string{}
		meta["column_count"] = 0
		return nil
	}
	if err != nil {
		return err
	}
	rows := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		rows++
	}
	meta["row_count"] = rows
	meta["headers"] = header
	meta["column_count"] = len(header)
	return nil
}

func describeXML(meta map[string]any, data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("no root element")
			}
			return err
		}
		if start, ok := tok.(xml.StartElement); ok {
			meta["root_element"] = start.Name.Local
			return nil
		}
	}
}

// midiMetadata reads the MThd header of a Standard MIDI File.
func midiMetadata(data []byte) (map[string]any, error) {
	if len(data) < 14 || string(data[:4]) != "MThd" {
		return nil, fmt.Errorf("missing MThd header: %w", models.ErrExtractionFailed)
	}
	format := int(data[8])<<8 | int(data[9])
	tracks := int(data[10])<<8 | int(data[11])
	division := int(data[12])<<8 | int(data[13])
	return map[string]any{
		"format":      "midi",
		"midi_format": format,
		"track_count": tracks,
		"division":    division,
		"size_bytes":  len(data),
	}, nil
}
