package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/blobstore"
	"mnemo/internal/extract"
	"mnemo/internal/extract/extracttest"
	"mnemo/internal/models"
	"mnemo/internal/store"
)

type testEnv struct {
	st     *store.Store
	cas    *blobstore.LocalCAS
	note   *models.Note
	search *recordingSearch
}

type recordingSearch struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSearch) AttachmentExtracted(ctx context.Context, a *models.Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.ID)
}

func (r *recordingSearch) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type panicExtractor struct{}

func (panicExtractor) Strategy() models.Strategy { return models.StrategyTextNative }
func (panicExtractor) Health(ctx context.Context) error { return nil }
func (panicExtractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	panic("decoder exploded")
}

type blockingExtractor struct{}

func (blockingExtractor) Strategy() models.Strategy { return models.StrategyTextNative }
func (blockingExtractor) Health(ctx context.Context) error { return nil }
func (blockingExtractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	<-ctx.Done()
	return extract.Result{}, ctx.Err()
}

type stubVision struct{ desc string }

func (s stubVision) Name() string { return "stub" }
func (s stubVision) Ping(ctx context.Context) error { return nil }
func (s stubVision) Describe(ctx context.Context, prompt string, images [][]byte) (string, error) {
	return s.desc, nil
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cas, err := blobstore.NewLocalCAS(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	note := &models.Note{Title: "trip"}
	require.NoError(t, st.CreateNote(context.Background(), note))
	return &testEnv{st: st, cas: cas, note: note, search: &recordingSearch{}}
}

func defaultSet() *extract.Set {
	return &extract.Set{
		Text:       &extract.TextExtractor{},
		Code:       &extract.CodeExtractor{},
		Structured: &extract.StructuredExtractor{},
		Vision:     &extract.VisionExtractor{},
	}
}

func (e *testEnv) pool(set *extract.Set, cfg Config) *Pool {
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	return NewPool(cfg, e.st, e.st, e.cas, set,
		WithSearchNotifier(e.search),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (e *testEnv) ingest(t *testing.T, filename, contentType, docType string, strategy models.Strategy, data []byte) *models.Attachment {
	t.Helper()
	ctx := context.Background()
	put, err := e.cas.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	id, err := store.GenerateAttachmentID()
	require.NoError(t, err)
	att := &models.Attachment{
		ID:                id,
		NoteID:            e.note.ID,
		Filename:          filename,
		ContentType:       contentType,
		ContentTypeSource: models.ContentTypeSourceSniffed,
		SizeBytes:         put.SizeBytes,
		DocumentTypeID:    docType,
		Strategy:          strategy,
	}
	blob := &models.Blob{
		Digest:         put.Digest.String(),
		SizeBytes:      put.SizeBytes,
		StorageBackend: e.cas.Backend(),
		BlobKey:        put.BlobKey,
	}
	_, err = e.st.CreateAttachmentWithJob(ctx, blob, att, &models.ExtractionJob{Strategy: strategy, MaxAttempts: 3})
	require.NoError(t, err)
	return att
}

func (e *testEnv) attachment(t *testing.T, id string) *models.Attachment {
	t.Helper()
	att, err := e.st.GetAttachment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, att)
	return att
}

func (e *testEnv) latestJob(t *testing.T, attachmentID string) models.ExtractionJob {
	t.Helper()
	jobs, err := e.st.ListJobsByAttachment(context.Background(), attachmentID)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	return jobs[len(jobs)-1]
}

func drain(t *testing.T, p *Pool) int {
	t.Helper()
	n := 0
	for {
		ok, err := p.ProcessNext(context.Background(), "w1")
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

const reportPy = "class ReportBuilder:\n    pass\n\n\ndef build_report(path):\n    return ReportBuilder()\n"

func TestPythonSourceIsExtractedAsCode(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "report.py", "text/x-python", "python", models.StrategyCodeAST, []byte(reportPy))

	require.Equal(t, 1, drain(t, env.pool(defaultSet(), Config{})))

	got := env.attachment(t, att.ID)
	assert.Equal(t, models.AttachmentExtracted, got.Status)
	require.NotNil(t, got.ExtractedText)
	assert.Contains(t, *got.ExtractedText, "build_report")
	assert.Contains(t, *got.ExtractedText, "ReportBuilder")
	assert.Equal(t, "python", got.ExtractedMetadata["language"])
	assert.Equal(t, []any{"ReportBuilder", "build_report"}, got.ExtractedMetadata["symbols"])

	run := got.ExtractedMetadata["extraction"].(map[string]any)
	assert.Equal(t, "code_ast", run["strategy"])
	source := got.ExtractedMetadata["source"].(map[string]any)
	assert.Equal(t, "report.py", source["filename"])

	job := env.latestJob(t, att.ID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, []string{att.ID}, env.search.seen())
}

func TestPhotoCaptureFactsForwardedWithoutVisionBackend(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "photo.jpg", "image/jpeg", "image", models.StrategyVision, extracttest.JPEGWithGPS(48.8584, 2.2945, 35))

	drain(t, env.pool(defaultSet(), Config{}))

	got := env.attachment(t, att.ID)
	assert.Equal(t, models.AttachmentFailed, got.Status)
	assert.Nil(t, got.ExtractedText)
	assert.NotNil(t, got.ExtractedMetadata["exif"])
	job := env.latestJob(t, att.ID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, models.ErrorKindBackendUnavailable, job.ErrorKind)

	facts, err := env.st.GetCaptureFacts(context.Background(), att.ID)
	require.NoError(t, err)
	require.NotNil(t, facts)
	require.NotNil(t, facts.GPS)
	assert.InDelta(t, 48.8584, facts.GPS.Latitude, 1e-4)
	assert.InDelta(t, 2.2945, facts.GPS.Longitude, 1e-4)
	assert.Empty(t, env.search.seen())
}

func TestPhotoDescribedWithVisionBackend(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "photo.jpg", "image/jpeg", "image", models.StrategyVision, extracttest.JPEGWithGPS(48.8584, 2.2945, 35))

	set := defaultSet()
	set.Vision = &extract.VisionExtractor{Client: stubVision{desc: "Iron lattice tower"}}
	drain(t, env.pool(set, Config{}))

	got := env.attachment(t, att.ID)
	assert.Equal(t, models.AttachmentExtracted, got.Status)
	assert.Equal(t, "Iron lattice tower", *got.ExtractedText)
	facts, err := env.st.GetCaptureFacts(context.Background(), att.ID)
	require.NoError(t, err)
	require.NotNil(t, facts)
	assert.Equal(t, extracttest.CameraMake, facts.Device.Make)
}

func TestFailureIsIsolatedFromSiblings(t *testing.T) {
	env := newEnv(t)
	bad := env.ingest(t, "broken.json", "application/json", "json", models.StrategyStructuredExtract, []byte(`{"unterminated":`))
	good := env.ingest(t, "notes.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("packing list"))

	require.Equal(t, 2, drain(t, env.pool(defaultSet(), Config{})))

	badAtt := env.attachment(t, bad.ID)
	assert.Equal(t, models.AttachmentFailed, badAtt.Status)
	assert.Equal(t, "broken.json", badAtt.Filename)
	assert.Equal(t, models.ErrorKindExtractionFailed, env.latestJob(t, bad.ID).ErrorKind)

	goodAtt := env.attachment(t, good.ID)
	assert.Equal(t, models.AttachmentExtracted, goodAtt.Status)
	assert.Equal(t, "packing list", *goodAtt.ExtractedText)

	blob, err := env.st.GetBlob(context.Background(), badAtt.BlobID)
	require.NoError(t, err)
	rc, err := env.cas.Open(context.Background(), blob.BlobKey)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"unterminated":`, string(raw))
}

func TestPanicIsRecordedAsExtractionFailure(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "a.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("a"))

	set := defaultSet()
	set.Text = panicExtractor{}
	ok, err := env.pool(set, Config{}).ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, ok)

	job := env.latestJob(t, att.ID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, models.ErrorKindExtractionFailed, job.ErrorKind)
	assert.Contains(t, job.LastError, "decoder exploded")
	assert.Equal(t, models.AttachmentFailed, env.attachment(t, att.ID).Status)
}

func TestJobTimeoutIsRecorded(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "slow.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("slow"))

	set := defaultSet()
	set.Text = blockingExtractor{}
	drain(t, env.pool(set, Config{JobTimeout: 50 * time.Millisecond}))

	job := env.latestJob(t, att.ID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, models.ErrorKindTimeout, job.ErrorKind)
}

func TestMissingExtractorIsBackendUnavailable(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "memo.mp3", "audio/mpeg", "audio", models.StrategyAudioTranscribe, []byte("ID3"))

	drain(t, env.pool(defaultSet(), Config{}))

	assert.Equal(t, models.ErrorKindBackendUnavailable, env.latestJob(t, att.ID).ErrorKind)
	assert.Equal(t, models.AttachmentFailed, env.attachment(t, att.ID).Status)
}

func TestDeletedAttachmentJobIsSkipped(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "gone.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("gone"))
	job := env.latestJob(t, att.ID)
	_, err := env.st.DeleteAttachment(context.Background(), att.ID)
	require.NoError(t, err)

	ok, err := env.pool(defaultSet(), Config{}).ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := env.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, "attachment deleted", got.LastError)
	assert.Empty(t, env.search.seen())
}

func TestRunWakesOnNotifyAndStopsOnCancel(t *testing.T) {
	env := newEnv(t)
	waker := NewChanWaker()
	p := NewPool(Config{ID: "run", Workers: 2, PollInterval: time.Hour}, env.st, env.st, env.cas, defaultSet(),
		WithSearchNotifier(env.search),
		WithWaker(waker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	att := env.ingest(t, "later.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("later"))
	waker.Wake(ctx)

	require.Eventually(t, func() bool {
		got, err := env.st.GetAttachment(context.Background(), att.ID)
		return err == nil && got != nil && got.Status == models.AttachmentExtracted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestMergeMetadata(t *testing.T) {
	text := "hello"
	att := &models.Attachment{Filename: "a.txt", ContentType: "text/plain", SizeBytes: 5, DocumentTypeID: "plaintext"}
	job := &models.ExtractionJob{ID: "job-1", Strategy: models.StrategyTextNative, AttemptCount: 2}
	res := extract.Result{Text: &text, Metadata: map[string]any{"char_count": 5, "source": "overwritten"}}

	merged := MergeMetadata(att, job, res, nil, 1500*time.Millisecond)
	assert.Equal(t, 5, merged["char_count"])
	source := merged["source"].(map[string]any)
	assert.Equal(t, "a.txt", source["filename"])
	run := merged["extraction"].(map[string]any)
	assert.Equal(t, int64(1500), run["duration_ms"])
	assert.Equal(t, 2, run["attempt"])
	assert.Equal(t, true, run["has_text"])
	assert.NotContains(t, run, "error_kind")

	merged = MergeMetadata(att, job, extract.Result{}, context.DeadlineExceeded, 0)
	assert.Equal(t, "timeout", merged["extraction"].(map[string]any)["error_kind"])
}

func TestChanWakerCoalescesInPool(t *testing.T) {
	w := NewChanWaker()
	w.Wake(context.Background())
	w.Wake(context.Background())
	<-w.C()
	select {
	case <-w.C():
		t.Fatal("expected a single pending wake")
	default:
	}
}

func TestPausedQueueIsNotClaimed(t *testing.T) {
	env := newEnv(t)
	att := env.ingest(t, "notes.txt", "text/plain", "plaintext", models.StrategyTextNative, []byte("wait for it"))
	ctx := context.Background()
	pool := env.pool(defaultSet(), Config{})

	_, err := env.st.SetJobPaused(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, drain(t, pool))
	assert.Equal(t, models.JobPending, env.latestJob(t, att.ID).Status)

	_, err = env.st.SetJobPaused(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, drain(t, pool))
	assert.Equal(t, models.AttachmentExtracted, env.attachment(t, att.ID).Status)
}
