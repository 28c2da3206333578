package extract

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/extract/extracttest"
	"mnemo/internal/models"
)

type fakeRunner struct {
	missing map[string]bool
	run     func(name string, args []string, stdin []byte) ([]byte, error)
	calls   [][]string
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.run == nil {
		return nil, nil
	}
	return f.run(name, args, stdin)
}

type stubInspector struct {
	pages int
	err   error
}

func (s stubInspector) Inspect([]byte) (int, error) { return s.pages, s.err }

type fakeVision struct {
	desc    string
	err     error
	prompts []string
	images  int
}

func (f *fakeVision) Name() string { return "fake-vision" }
func (f *fakeVision) Ping(ctx context.Context) error { return f.err }
func (f *fakeVision) Describe(ctx context.Context, prompt string, images [][]byte) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.images += len(images)
	return f.desc, f.err
}

type fakeTranscriber struct {
	tr  Transcript
	err error
}

func (f *fakeTranscriber) Name() string { return "fake-whisper" }
func (f *fakeTranscriber) Ping(ctx context.Context) error { return f.err }
func (f *fakeTranscriber) Transcribe(ctx context.Context, filename string, audio []byte) (Transcript, error) {
	return f.tr, f.err
}

func TestTextExtractorDecodesAndTruncates(t *testing.T) {
	ex := &TextExtractor{MaxBytes: 5}
	res, err := ex.Extract(context.Background(), Input{Data: []byte("\xef\xbb\xbfhéllo world")})
	require.NoError(t, err)
	require.NotNil(t, res.Text)
	assert.Equal(t, "héll", *res.Text)
	assert.Equal(t, true, res.Metadata["truncated"])

	res, err = (&TextExtractor{}).Extract(context.Background(), Input{Data: []byte("a\nb\n")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata["line_count"])
	assert.Nil(t, res.Metadata["truncated"])
}

func TestTextExtractorReplacesInvalidUTF8(t *testing.T) {
	res, err := (&TextExtractor{}).Extract(context.Background(), Input{Data: []byte("ok\xff\xfe")})
	require.NoError(t, err)
	assert.Equal(t, "ok�", *res.Text)
}

const reportPy = `import csv


class ReportBuilder:
    def __init__(self, rows):
        self.rows = rows

    def render(self):
        return "\n".join(self.rows)


def build_report(path):
    # def not_a_decl(): comment
    with open(path) as fh:
        return ReportBuilder(list(csv.reader(fh)))
`

func TestCodeExtractorPythonDeclarations(t *testing.T) {
	res, err := (&CodeExtractor{}).Extract(context.Background(), Input{
		Filename:    "report.py",
		ContentType: "text/x-python",
		Data:        []byte(reportPy),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Text)
	assert.Contains(t, *res.Text, "build_report")
	assert.Equal(t, "python", res.Metadata["language"])
	assert.Equal(t, []string{"ReportBuilder", "__init__", "render", "build_report"}, res.Metadata["symbols"])

	decls := res.Metadata["declarations"].([]Declaration)
	require.Len(t, decls, 4)
	assert.Equal(t, Declaration{Kind: "class", Name: "ReportBuilder", LineStart: 4, LineEnd: 9}, decls[0])
	assert.Equal(t, Declaration{Kind: "function", Name: "build_report", LineStart: 12, LineEnd: 15}, decls[3])
}

func TestCodeExtractorBraceLanguages(t *testing.T) {
	src := "package main\n\ntype Server struct {\n\taddr string // }\n}\n\nfunc (s *Server) Run() error {\n\tif s.addr == \"}\" {\n\t\treturn nil\n\t}\n\treturn nil\n}\n"
	res, err := (&CodeExtractor{}).Extract(context.Background(), Input{Filename: "main.go", Data: []byte(src)})
	require.NoError(t, err)
	assert.Equal(t, "go", res.Metadata["language"])
	decls := res.Metadata["declarations"].([]Declaration)
	require.Len(t, decls, 2)
	assert.Equal(t, Declaration{Kind: "type", Name: "Server", LineStart: 3, LineEnd: 5}, decls[0])
	assert.Equal(t, Declaration{Kind: "function", Name: "Run", LineStart: 7, LineEnd: 12}, decls[1])

	res, err = (&CodeExtractor{}).Extract(context.Background(), Input{Filename: "lib.rs", Data: []byte("pub fn parse(input: &str) -> u32 {\n    0\n}\n")})
	require.NoError(t, err)
	assert.Equal(t, []string{"parse"}, res.Metadata["symbols"])
}

func TestCodeExtractorUnknownLanguageKeepsText(t *testing.T) {
	res, err := (&CodeExtractor{}).Extract(context.Background(), Input{Filename: "main.zig", Data: []byte("const x = 1;")})
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Metadata["language"])
	assert.Equal(t, "const x = 1;", *res.Text)
}

func TestStructuredExtractor(t *testing.T) {
	ex := &StructuredExtractor{}
	ctx := context.Background()

	res, err := ex.Extract(ctx, Input{Filename: "data.json", ContentType: "application/json", Data: []byte(`{"b":1,"a":[1,2]}`)})
	require.NoError(t, err)
	assert.Equal(t, "json", res.Metadata["format"])
	assert.Equal(t, "object", res.Metadata["type"])
	assert.Equal(t, []string{"a", "b"}, res.Metadata["top_level_keys"])
	assert.Equal(t, `{"b":1,"a":[1,2]}`, *res.Text)

	res, err = ex.Extract(ctx, Input{Filename: "cfg.yml", Data: []byte("name: x\nitems:\n  - 1\n")})
	require.NoError(t, err)
	assert.Equal(t, "yaml", res.Metadata["format"])
	assert.Equal(t, []string{"items", "name"}, res.Metadata["top_level_keys"])

	res, err = ex.Extract(ctx, Input{Filename: "pyproject.toml", Data: []byte("[tool]\nname = \"x\"\n")})
	require.NoError(t, err)
	assert.Equal(t, []string{"tool"}, res.Metadata["top_level_keys"])

	res, err = ex.Extract(ctx, Input{Filename: "rows.csv", ContentType: "text/csv", Data: []byte("id,name\n1,a\n2,b\n")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata["row_count"])
	assert.Equal(t, []string{"id", "name"}, res.Metadata["headers"])

	res, err = ex.Extract(ctx, Input{Filename: "feed.xml", Data: []byte(`<?xml version="1.0"?><rss><channel/></rss>`)})
	require.NoError(t, err)
	assert.Equal(t, "rss", res.Metadata["root_element"])

	res, err = ex.Extract(ctx, Input{Filename: "song.mid", ContentType: "audio/midi", Data: extracttest.MIDI(3)})
	require.NoError(t, err)
	assert.Nil(t, res.Text)
	assert.Equal(t, 3, res.Metadata["track_count"])
}

func TestStructuredExtractorRejectsInvalidInput(t *testing.T) {
	_, err := (&StructuredExtractor{}).Extract(context.Background(), Input{Filename: "bad.json", Data: []byte(`{"a":`)})
	require.ErrorIs(t, err, models.ErrExtractionFailed)

	_, err = (&StructuredExtractor{}).Extract(context.Background(), Input{Filename: "song.mid", Data: []byte("nope")})
	require.ErrorIs(t, err, models.ErrExtractionFailed)
}

func TestPDFExtractorUsesPdftotext(t *testing.T) {
	runner := &fakeRunner{run: func(name string, args []string, stdin []byte) ([]byte, error) {
		return []byte("Quarterly results\n"), nil
	}}
	ex := &PDFExtractor{Runner: runner, Inspector: stubInspector{pages: 2}}
	res, err := ex.Extract(context.Background(), Input{Filename: "q.pdf", Data: extracttest.PDF()})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly results\n", *res.Text)
	assert.Equal(t, 2, res.Metadata["page_count"])
	assert.Equal(t, "present", res.Metadata["text_layer"])
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"/usr/bin/pdftotext", "-layout", "-enc", "UTF-8", "-", "-"}, runner.calls[0])
}

func TestPDFExtractorEdgeCases(t *testing.T) {
	ctx := context.Background()

	_, err := (&PDFExtractor{Runner: &fakeRunner{}}).Extract(ctx, Input{Data: []byte("hello")})
	require.ErrorIs(t, err, models.ErrExtractionFailed)

	_, err = (&PDFExtractor{Runner: &fakeRunner{}, Inspector: stubInspector{err: errors.New("xref")}}).Extract(ctx, Input{Data: extracttest.PDF()})
	require.ErrorIs(t, err, models.ErrExtractionFailed)

	missing := &PDFExtractor{Runner: &fakeRunner{missing: map[string]bool{"pdftotext": true}}, Inspector: stubInspector{pages: 1}}
	res, err := missing.Extract(ctx, Input{Data: extracttest.PDF()})
	require.NoError(t, err)
	assert.Nil(t, res.Text)
	assert.Equal(t, "unavailable", res.Metadata["text_layer"])
	require.ErrorIs(t, missing.Health(ctx), models.ErrBackendUnavailable)

	scanned := &PDFExtractor{Runner: &fakeRunner{run: func(string, []string, []byte) ([]byte, error) {
		return []byte("\n\f\n"), nil
	}}, Inspector: stubInspector{pages: 1}}
	res, err = scanned.Extract(ctx, Input{Data: extracttest.PDF()})
	require.NoError(t, err)
	assert.Equal(t, true, res.Metadata["needs_ocr"])
}

func TestParseEXIFReadsGPSAndDevice(t *testing.T) {
	tags, facts := ParseEXIF("att-1", extracttest.JPEGWithGPS(48.8584, 2.2945, 35))
	require.NotNil(t, facts)
	require.NotNil(t, facts.GPS)
	assert.InDelta(t, 48.8584, facts.GPS.Latitude, 1e-4)
	assert.InDelta(t, 2.2945, facts.GPS.Longitude, 1e-4)
	require.NotNil(t, facts.GPS.Altitude)
	assert.InDelta(t, 35.0, *facts.GPS.Altitude, 1e-6)
	require.NotNil(t, facts.Device)
	assert.Equal(t, extracttest.CameraMake, facts.Device.Make)
	assert.Equal(t, extracttest.CameraModel, facts.Device.Model)
	require.NotNil(t, facts.CaptureTime)
	assert.Equal(t, "att-1", facts.AttachmentID)
	assert.Equal(t, extracttest.CameraMake, tags["Make"])
}

func TestParseEXIFSouthWest(t *testing.T) {
	_, facts := ParseEXIF("att-2", extracttest.JPEGWithGPS(-33.8568, -151.2153, 0))
	require.NotNil(t, facts)
	require.NotNil(t, facts.GPS)
	assert.InDelta(t, -33.8568, facts.GPS.Latitude, 1e-4)
	assert.InDelta(t, -151.2153, facts.GPS.Longitude, 1e-4)
}

func TestParseEXIFWithoutData(t *testing.T) {
	tags, facts := ParseEXIF("att-3", extracttest.JPEG())
	assert.Nil(t, tags)
	assert.Nil(t, facts)

	tags, facts = ParseEXIF("att-3", extracttest.PNG())
	assert.Nil(t, tags)
	assert.Nil(t, facts)
}

func TestVisionExtractorWithoutBackendKeepsCaptureFacts(t *testing.T) {
	res, err := (&VisionExtractor{}).Extract(context.Background(), Input{
		AttachmentID: "att-1",
		Filename:     "photo.jpg",
		ContentType:  "image/jpeg",
		Data:         extracttest.JPEGWithGPS(48.8584, 2.2945, 35),
	})
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
	require.NotNil(t, res.Capture)
	assert.InDelta(t, 48.8584, res.Capture.GPS.Latitude, 1e-4)
	assert.Nil(t, res.Text)
	assert.NotNil(t, res.Metadata["capture"])
}

func TestVisionExtractorDescribes(t *testing.T) {
	vision := &fakeVision{desc: "The Eiffel Tower at dusk."}
	res, err := (&VisionExtractor{Client: vision}).Extract(context.Background(), Input{
		AttachmentID: "att-1",
		ContentType:  "image/jpeg",
		Data:         extracttest.JPEGWithGPS(48.8584, 2.2945, 35),
	})
	require.NoError(t, err)
	assert.Equal(t, "The Eiffel Tower at dusk.", *res.Text)
	require.Len(t, vision.prompts, 1)
	assert.Contains(t, vision.prompts[0], "latitude 48.8584")
	assert.Equal(t, "fake-vision", res.Metadata["vision_backend"])

	_, err = (&VisionExtractor{Client: vision}).Extract(context.Background(), Input{ContentType: "image/png"})
	require.ErrorIs(t, err, models.ErrExtractionFailed)
}

func TestOllamaVisionRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llava", req.Model)
			assert.False(t, req.Stream)
			assert.Len(t, req.Images, 1)
			_ = json.NewEncoder(w).Encode(generateResponse{Response: " a cat \n", Done: true})
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := NewOllamaVision(BackendConfig{BaseURL: srv.URL})
	desc, err := o.Describe(context.Background(), "describe", [][]byte{extracttest.PNG()})
	require.NoError(t, err)
	assert.Equal(t, "a cat", desc)
	require.NoError(t, o.Ping(context.Background()))
}

func TestOllamaVisionMapsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaVision(BackendConfig{BaseURL: srv.URL}).Describe(context.Background(), "x", nil)
	require.ErrorIs(t, err, models.ErrBackendUnavailable)

	srv.Close()
	err = NewOllamaVision(BackendConfig{BaseURL: srv.URL}).Ping(context.Background())
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestWhisperClientTranscribes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "memo.mp3", hdr.Filename)
		_, _ = w.Write([]byte(`{"text":" hello there ","language":"en","duration":2.5,"segments":[{"start":0,"end":2.5,"text":"hello there"}]}`))
	}))
	defer srv.Close()

	ex := &AudioExtractor{Client: NewWhisperClient(BackendConfig{BaseURL: srv.URL})}
	res, err := ex.Extract(context.Background(), Input{Filename: "memo.mp3", Data: []byte("ID3fake")})
	require.NoError(t, err)
	assert.Equal(t, "hello there", *res.Text)
	assert.Equal(t, "en", res.Metadata["detected_language"])
	assert.Equal(t, 1, res.Metadata["segment_count"])
}

func TestAudioExtractorWithoutBackend(t *testing.T) {
	_, err := (&AudioExtractor{}).Extract(context.Background(), Input{Data: []byte("x")})
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
	_, err = (&AudioExtractor{Client: &fakeTranscriber{}}).Extract(context.Background(), Input{})
	require.ErrorIs(t, err, models.ErrExtractionFailed)
}

func TestVideoExtractorCombinesFramesAndTranscript(t *testing.T) {
	runner := &fakeRunner{run: func(name string, args []string, stdin []byte) ([]byte, error) {
		out := args[len(args)-1]
		if strings.Contains(out, "frame_%03d") {
			dir := filepath.Dir(out)
			for _, n := range []string{"frame_001.jpg", "frame_002.jpg"} {
				if err := os.WriteFile(filepath.Join(dir, n), extracttest.JPEG(), 0o600); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}
		return nil, os.WriteFile(out, make([]byte, 128), 0o600)
	}}
	vision := &fakeVision{desc: "A person walks a dog."}
	ex := &VideoExtractor{
		Runner:  runner,
		Vision:  vision,
		Audio:   &fakeTranscriber{tr: Transcript{Text: "good boy", Language: "en"}},
		TempDir: t.TempDir(),
	}
	res, err := ex.Extract(context.Background(), Input{Filename: "walk.mp4", Data: []byte("fake video")})
	require.NoError(t, err)
	assert.Equal(t, "Visual summary:\nA person walks a dog.\n\nTranscript:\ngood boy", *res.Text)
	assert.Equal(t, 2, res.Metadata["frame_count"])
	assert.Equal(t, true, res.Metadata["has_audio"])
	assert.Equal(t, 2, vision.images)
	require.Len(t, runner.calls, 2)
}

func TestVideoExtractorBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	in := Input{Filename: "v.mp4", Data: []byte("x")}

	_, err := (&VideoExtractor{Runner: &fakeRunner{missing: map[string]bool{"ffmpeg": true}}, Vision: &fakeVision{}}).Extract(ctx, in)
	require.ErrorIs(t, err, models.ErrBackendUnavailable)

	_, err = (&VideoExtractor{Runner: &fakeRunner{}}).Extract(ctx, in)
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestSetForAndHealth(t *testing.T) {
	set := &Set{Text: &TextExtractor{}, Code: &CodeExtractor{}, Vision: &VisionExtractor{}}

	ex, err := set.For(models.StrategyCodeAST)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyCodeAST, ex.Strategy())

	_, err = set.For(models.StrategyAudioTranscribe)
	require.ErrorIs(t, err, models.ErrBackendUnavailable)

	_, err = set.For(models.Strategy("telepathy"))
	require.ErrorIs(t, err, models.ErrExtractionFailed)

	health := set.Health(context.Background())
	require.Len(t, health, len(models.Strategies()))
	byStrategy := map[models.Strategy]BackendHealth{}
	for _, h := range health {
		byStrategy[h.Strategy] = h
	}
	assert.True(t, byStrategy[models.StrategyTextNative].Available)
	assert.Equal(t, "builtin", byStrategy[models.StrategyTextNative].Backend)
	assert.False(t, byStrategy[models.StrategyVision].Available)
	assert.False(t, byStrategy[models.StrategyPDFText].Available)
}

func TestValidCoordinate(t *testing.T) {
	assert.False(t, validCoordinate(0, 0))
	assert.False(t, validCoordinate(math.NaN(), 1))
	assert.False(t, validCoordinate(91, 1))
	assert.True(t, validCoordinate(48.8, 2.3))
}

func TestParseEXIFCaptureTimeIgnoresServerZone(t *testing.T) {
	saved := time.Local
	time.Local = time.FixedZone("UTC+9", 9*60*60)
	t.Cleanup(func() { time.Local = saved })

	_, facts := ParseEXIF("att-4", extracttest.JPEGWithGPS(48.8584, 2.2945, 35))
	require.NotNil(t, facts)
	require.NotNil(t, facts.CaptureTime)
	want, err := time.Parse(exifTimeLayout, extracttest.CaptureTime)
	require.NoError(t, err)
	assert.True(t, want.Equal(*facts.CaptureTime), "got %s, want %s", facts.CaptureTime, want)
	assert.Equal(t, time.UTC, facts.CaptureTime.Location())
}
