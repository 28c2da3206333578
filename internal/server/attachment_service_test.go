package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mnemo/internal/blobstore"
	"mnemo/internal/doctype"
	"mnemo/internal/models"
	"mnemo/internal/safety"
	"mnemo/internal/store"
	"mnemo/internal/worker"
)

const defaultTestLease = time.Minute

var elfPayload = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 56)...)

type serviceFixture struct {
	svc      *AttachmentService
	store    *store.Store
	cas      *blobstore.LocalCAS
	blobRoot string
}

func newAttachmentServiceForTest(t *testing.T, opts ...ServiceOption) serviceFixture {
	t.Helper()
	return newAttachmentServiceWithGate(t, safety.New(safety.DefaultOptions()), opts...)
}

func newAttachmentServiceWithGate(t *testing.T, gate *safety.Gate, opts ...ServiceOption) serviceFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "attachments.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobRoot := filepath.Join(t.TempDir(), "blobs")
	cas, err := blobstore.NewLocalCAS(blobRoot)
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}

	registry, err := doctype.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	svc := NewAttachmentService(st, cas, gate, doctype.NewResolver(registry, nil), opts...)
	return serviceFixture{svc: svc, store: st, cas: cas, blobRoot: blobRoot}
}

func createTestNote(t *testing.T, svc *AttachmentService) models.Note {
	t.Helper()
	note, err := svc.CreateNote(context.Background(), "field notes")
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	return note
}

func ingestText(t *testing.T, svc *AttachmentService, noteID, filename, content string) models.Attachment {
	t.Helper()
	attachment, err := svc.Ingest(context.Background(), UploadInput{NoteID: noteID, Filename: filename, SizeHint: -1}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("ingest %s: %v", filename, err)
	}
	return attachment
}

// blobFiles counts stored payload files, ignoring in-progress temp files.
func blobFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "tmp" {
			entries, readErr := os.ReadDir(path)
			if readErr != nil {
				return readErr
			}
			if len(entries) != 0 {
				t.Fatalf("expected no temp files, found %d", len(entries))
			}
			return fs.SkipDir
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk blob root: %v", err)
	}
	return count
}

func assertNothingPersisted(t *testing.T, f serviceFixture) {
	t.Helper()
	info, err := f.store.StoreInfo(context.Background())
	if err != nil {
		t.Fatalf("store info: %v", err)
	}
	if info.TotalAttachments != 0 || info.TotalBlobs != 0 {
		t.Fatalf("expected no rows, got %d attachments and %d blobs", info.TotalAttachments, info.TotalBlobs)
	}
	if n := blobFiles(t, f.blobRoot); n != 0 {
		t.Fatalf("expected no blob files, got %d", n)
	}
}

func TestIngestCreatesAttachmentBlobAndJob(t *testing.T) {
	waker := worker.NewChanWaker()
	f := newAttachmentServiceForTest(t, WithWaker(waker))
	note := createTestNote(t, f.svc)

	attachment := ingestText(t, f.svc, note.ID, "../../notes.txt", "hello world\nsecond line\n")

	if attachment.Filename != "notes.txt" {
		t.Fatalf("expected sanitised filename notes.txt, got %q", attachment.Filename)
	}
	if attachment.Status != models.AttachmentUploaded {
		t.Fatalf("expected uploaded, got %s", attachment.Status)
	}
	if attachment.Strategy != models.StrategyTextNative || attachment.DocumentTypeID != doctype.TypePlaintext {
		t.Fatalf("unexpected resolution %s/%s", attachment.DocumentTypeID, attachment.Strategy)
	}
	if attachment.ContentType != "text/plain" {
		t.Fatalf("expected text/plain, got %q", attachment.ContentType)
	}
	if attachment.SizeBytes != int64(len("hello world\nsecond line\n")) {
		t.Fatalf("unexpected size %d", attachment.SizeBytes)
	}

	blob, err := f.store.GetBlob(context.Background(), attachment.BlobID)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v (%v)", err, blob)
	}
	if blob.ReferenceCount != 1 {
		t.Fatalf("expected reference count 1, got %d", blob.ReferenceCount)
	}

	_, latest, err := f.svc.GetAttachment(context.Background(), attachment.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if latest == nil || latest.Status != models.JobPending || latest.Strategy != models.StrategyTextNative {
		t.Fatalf("expected pending text_native job, got %#v", latest)
	}

	select {
	case <-waker.C():
	default:
		t.Fatal("expected workers to be woken after ingest")
	}
}

func TestIngestDeduplicatesIdenticalContent(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)

	const copies = 3
	var blobID string
	for i := 0; i < copies; i++ {
		attachment := ingestText(t, f.svc, note.ID, "same.txt", "identical payload")
		if blobID == "" {
			blobID = attachment.BlobID
		}
		if attachment.BlobID != blobID {
			t.Fatalf("expected shared blob %s, got %s", blobID, attachment.BlobID)
		}
	}

	blob, err := f.store.GetBlob(context.Background(), blobID)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.ReferenceCount != copies {
		t.Fatalf("expected reference count %d, got %d", copies, blob.ReferenceCount)
	}
	if n := blobFiles(t, f.blobRoot); n != 1 {
		t.Fatalf("expected one stored payload, got %d", n)
	}

	attachments, err := f.svc.ListNoteAttachments(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(attachments) != copies {
		t.Fatalf("expected %d attachments, got %d", copies, len(attachments))
	}
}

func TestIngestRejectionsPersistNothing(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		noteID   func(models.Note) string
		content  []byte
		want     error
	}{
		{name: "blocked extension", filename: "setup.exe", content: []byte("MZ not really"), want: models.ErrBlockedExtension},
		{name: "blocked extension ignores declared type", filename: "report.PDF.lnk", content: []byte("%PDF-1.4"), want: models.ErrBlockedExtension},
		{name: "executable content", filename: "harmless.txt", content: elfPayload, want: models.ErrBlockedContent},
		{name: "missing note", filename: "notes.txt", content: []byte("hello"), want: models.ErrNoteNotFound,
			noteID: func(models.Note) string { return "nt-01hzzzzzzzzzzzzzzzzzzzzzzz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAttachmentServiceForTest(t)
			note := createTestNote(t, f.svc)
			noteID := note.ID
			if tt.noteID != nil {
				noteID = tt.noteID(note)
			}

			_, err := f.svc.Ingest(context.Background(), UploadInput{NoteID: noteID, Filename: tt.filename, SizeHint: -1}, bytes.NewReader(tt.content))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			assertNothingPersisted(t, f)
		})
	}
}

func TestIngestPayloadTooLarge(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	f.svc.ConfigurePolicy(AttachmentPolicy{MaxUploadBytes: 16})
	note := createTestNote(t, f.svc)

	payload := strings.Repeat("x", 64)
	_, err := f.svc.Ingest(context.Background(), UploadInput{NoteID: note.ID, Filename: "big.txt", SizeHint: -1}, strings.NewReader(payload))
	if !errors.Is(err, models.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge from stream, got %v", err)
	}
	assertNothingPersisted(t, f)

	_, err = f.svc.Ingest(context.Background(), UploadInput{NoteID: note.ID, Filename: "big.txt", SizeHint: 64}, strings.NewReader(payload))
	if !errors.Is(err, models.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge from size hint, got %v", err)
	}
	assertNothingPersisted(t, f)

	exact := ingestText(t, f.svc, note.ID, "fits.txt", strings.Repeat("y", 16))
	if exact.SizeBytes != 16 {
		t.Fatalf("expected payload at the limit to be accepted, got size %d", exact.SizeBytes)
	}
}

func TestIngestOverridePrecedence(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)

	overridden, err := f.svc.Ingest(context.Background(), UploadInput{
		NoteID: note.ID, Filename: "readme.txt", OverrideTypeID: "markdown", SizeHint: -1,
	}, strings.NewReader("# Title\n"))
	if err != nil {
		t.Fatalf("ingest with override: %v", err)
	}
	if overridden.DocumentTypeID != "markdown" {
		t.Fatalf("expected override to win, got %s", overridden.DocumentTypeID)
	}

	fallback, err := f.svc.Ingest(context.Background(), UploadInput{
		NoteID: note.ID, Filename: "readme.txt", OverrideTypeID: "no-such-type", SizeHint: -1,
	}, strings.NewReader("plain words\n"))
	if err != nil {
		t.Fatalf("ingest with unknown override: %v", err)
	}
	if fallback.DocumentTypeID != doctype.TypePlaintext || fallback.Strategy != models.StrategyTextNative {
		t.Fatalf("expected automatic detection, got %s/%s", fallback.DocumentTypeID, fallback.Strategy)
	}
}

func TestIngestMismatchPolicies(t *testing.T) {
	retag := newAttachmentServiceForTest(t)
	note := createTestNote(t, retag.svc)
	attachment, err := retag.svc.Ingest(context.Background(), UploadInput{
		NoteID: note.ID, Filename: "photo.png", ContentType: "image/png", SizeHint: -1,
	}, strings.NewReader("this is just text"))
	if err != nil {
		t.Fatalf("retag ingest: %v", err)
	}
	if attachment.ContentType != "text/plain" || attachment.ContentTypeSource != models.ContentTypeSourceSniffed {
		t.Fatalf("expected retag to sniffed text/plain, got %s (%s)", attachment.ContentType, attachment.ContentTypeSource)
	}
	if attachment.DeclaredContentType != "image/png" {
		t.Fatalf("expected declared type kept, got %q", attachment.DeclaredContentType)
	}

	reject := newAttachmentServiceWithGate(t, safety.New(safety.Options{BlockExecutableContent: true, MismatchPolicy: safety.MismatchReject}))
	note = createTestNote(t, reject.svc)
	_, err = reject.svc.Ingest(context.Background(), UploadInput{
		NoteID: note.ID, Filename: "photo.png", ContentType: "image/png", SizeHint: -1,
	}, strings.NewReader("this is just text"))
	if !errors.Is(err, models.ErrContentTypeMismatch) {
		t.Fatalf("expected ErrContentTypeMismatch, got %v", err)
	}
	assertNothingPersisted(t, reject)
}

func TestDeleteAttachmentReleasesBlobLazily(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)
	ctx := context.Background()

	first := ingestText(t, f.svc, note.ID, "a.txt", "shared bytes")
	second := ingestText(t, f.svc, note.ID, "b.txt", "shared bytes")

	if err := f.svc.DeleteAttachment(ctx, first.ID); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	blob, err := f.store.GetBlob(ctx, second.BlobID)
	if err != nil || blob == nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob.ReferenceCount != 1 {
		t.Fatalf("expected reference count 1, got %d", blob.ReferenceCount)
	}

	content, err := f.svc.OpenContent(ctx, second.ID)
	if err != nil {
		t.Fatalf("open surviving attachment: %v", err)
	}
	data, _ := io.ReadAll(content.Reader)
	_ = content.Reader.Close()
	if string(data) != "shared bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := f.svc.DeleteAttachment(ctx, second.ID); err != nil {
		t.Fatalf("delete second: %v", err)
	}
	if n := blobFiles(t, f.blobRoot); n != 1 {
		t.Fatalf("expected bytes kept until gc, got %d files", n)
	}
	if err := f.svc.DeleteAttachment(ctx, second.ID); !errors.Is(err, models.ErrAttachmentNotFound) {
		t.Fatalf("expected ErrAttachmentNotFound on second delete, got %v", err)
	}

	dry, err := f.svc.GCBlobs(ctx, 0, false)
	if err != nil {
		t.Fatalf("gc dry run: %v", err)
	}
	if !dry.DryRun || dry.CandidateCount != 1 || dry.DeletedCount != 0 {
		t.Fatalf("unexpected dry run result %#v", dry)
	}
	if n := blobFiles(t, f.blobRoot); n != 1 {
		t.Fatalf("dry run must not delete bytes, got %d files", n)
	}

	result, err := f.svc.GCBlobs(ctx, 0, true)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if result.DeletedCount != 1 || result.ReclaimedBytes != int64(len("shared bytes")) {
		t.Fatalf("unexpected gc result %#v", result)
	}
	assertNothingPersisted(t, f)
}

func TestIngestAfterGCStoresFreshBlob(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)
	ctx := context.Background()

	first := ingestText(t, f.svc, note.ID, "a.txt", "come back")
	if err := f.svc.DeleteAttachment(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GCBlobs(ctx, 0, true); err != nil {
		t.Fatalf("gc: %v", err)
	}

	again := ingestText(t, f.svc, note.ID, "a.txt", "come back")
	content, err := f.svc.OpenContent(ctx, again.ID)
	if err != nil {
		t.Fatalf("open content after re-upload: %v", err)
	}
	defer content.Reader.Close()
	data, _ := io.ReadAll(content.Reader)
	if string(data) != "come back" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestAttachmentServiceGCBlobs_TerminatesWhenDeletesFail(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		attachment := ingestText(t, f.svc, note.ID, content+".txt", content)
		if err := f.svc.DeleteAttachment(ctx, attachment.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	f.svc.blobs = failingDeleteBlobStore{BlobStore: f.cas}
	result, err := f.svc.GCBlobs(ctx, 1, true)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if result.CandidateCount != 3 || result.FailedCount != 3 || result.DeletedCount != 0 {
		t.Fatalf("unexpected gc result %#v", result)
	}
}

type failingDeleteBlobStore struct {
	blobstore.BlobStore
}

func (failingDeleteBlobStore) Delete(context.Context, string) error {
	return errors.New("delete failed")
}

func TestRetryAttachment(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	f.svc.ConfigurePolicy(AttachmentPolicy{MaxRetries: 1})
	note := createTestNote(t, f.svc)
	ctx := context.Background()

	attachment := ingestText(t, f.svc, note.ID, "notes.txt", "retry me")

	_, _, err := f.svc.Retry(ctx, attachment.ID)
	var apiErr apiError
	if !errors.As(err, &apiErr) || apiErr.status != http.StatusConflict || apiErr.errCode != ErrCodeInvalidTransition {
		t.Fatalf("expected invalid transition conflict for uploaded attachment, got %v", err)
	}

	failNextJob(t, f.store)
	retried, job, err := f.svc.Retry(ctx, attachment.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != models.AttachmentUploaded || job.Status != models.JobPending {
		t.Fatalf("expected uploaded attachment and pending job, got %s/%s", retried.Status, job.Status)
	}

	failNextJob(t, f.store)
	if _, _, err := f.svc.Retry(ctx, attachment.ID); !errors.Is(err, models.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}

	jobs, err := f.svc.ListJobs(ctx, attachment.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	if got := f.svc.Policy().MaxRetries; got != defaultMaxRetries {
		t.Fatalf("expected %d retries by default, got %d", defaultMaxRetries, got)
	}

	f.svc.ConfigurePolicy(AttachmentPolicy{MaxRetries: -1})
	if got := f.svc.Policy().MaxRetries; got != defaultMaxRetries {
		t.Fatalf("expected negative retries to take the default, got %d", got)
	}

	f.svc.ConfigurePolicy(AttachmentPolicy{MaxRetries: 0})
	note := createTestNote(t, f.svc)
	attachment := ingestText(t, f.svc, note.ID, "once.txt", "no second chance")
	failNextJob(t, f.store)
	if _, _, err := f.svc.Retry(context.Background(), attachment.ID); !errors.Is(err, models.ErrRetryExhausted) {
		t.Fatalf("expected zero retries to disable retry, got %v", err)
	}
}

func TestDefaultPolicyRetriesThreeTimes(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)
	ctx := context.Background()
	attachment := ingestText(t, f.svc, note.ID, "flaky.txt", "keeps failing")

	for i := 0; i < defaultMaxRetries; i++ {
		failNextJob(t, f.store)
		if _, _, err := f.svc.Retry(ctx, attachment.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
	}
	failNextJob(t, f.store)
	if _, _, err := f.svc.Retry(ctx, attachment.ID); !errors.Is(err, models.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted after %d retries, got %v", defaultMaxRetries, err)
	}
}

func TestResumeJobsWakesWorkers(t *testing.T) {
	waker := worker.NewChanWaker()
	f := newAttachmentServiceForTest(t, WithWaker(waker))
	ctx := context.Background()

	state, err := f.svc.SetJobsPaused(ctx, true)
	if err != nil || !state.Paused {
		t.Fatalf("pause: %+v %v", state, err)
	}
	select {
	case <-waker.C():
		t.Fatal("pausing should not wake workers")
	default:
	}

	if _, err := f.svc.SetJobsPaused(ctx, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	select {
	case <-waker.C():
	default:
		t.Fatal("expected resume to wake workers")
	}
	state, err = f.svc.JobPauseState(ctx)
	if err != nil || state.Paused {
		t.Fatalf("expected running, got %+v %v", state, err)
	}
}

func failNextJob(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	job, err := st.ClaimNextJob(ctx, "test-worker", defaultTestLease)
	if err != nil || job == nil {
		t.Fatalf("claim job: %v (%v)", err, job)
	}
	if err := st.FailJob(ctx, job.ID, "test-worker", models.ErrExtractionFailed, nil); err != nil {
		t.Fatalf("fail job: %v", err)
	}
}

func TestCaptureFactsRequiresRecord(t *testing.T) {
	f := newAttachmentServiceForTest(t)
	note := createTestNote(t, f.svc)
	ctx := context.Background()

	attachment := ingestText(t, f.svc, note.ID, "notes.txt", "no exif here")
	_, err := f.svc.CaptureFacts(ctx, attachment.ID)
	var apiErr apiError
	if !errors.As(err, &apiErr) || apiErr.errCode != ErrCodeCaptureNotFound {
		t.Fatalf("expected capture-not-found, got %v", err)
	}

	facts := models.CaptureFacts{AttachmentID: attachment.ID, Device: &models.Device{Make: "Canon", Model: "EOS"}}
	if err := f.store.SubmitCaptureFacts(ctx, facts); err != nil {
		t.Fatalf("submit facts: %v", err)
	}
	got, err := f.svc.CaptureFacts(ctx, attachment.ID)
	if err != nil {
		t.Fatalf("capture facts: %v", err)
	}
	if got.Device == nil || got.Device.Make != "Canon" {
		t.Fatalf("unexpected facts %#v", got)
	}
}

type recordingObserver struct {
	outcomes  []string
	reclaimed int
}

func (r *recordingObserver) ObserveUpload(outcome string, size int64) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) BlobsReclaimed(n int) { r.reclaimed += n }

func TestIngestReportsOutcomes(t *testing.T) {
	observer := &recordingObserver{}
	f := newAttachmentServiceForTest(t, WithUploadObserver(observer))
	note := createTestNote(t, f.svc)

	ingestText(t, f.svc, note.ID, "ok.txt", "fine")
	_, _ = f.svc.Ingest(context.Background(), UploadInput{NoteID: note.ID, Filename: "bad.bat", SizeHint: -1}, strings.NewReader("@echo off"))

	want := []string{"accepted", "blocked_extension"}
	if strings.Join(observer.outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("expected outcomes %v, got %v", want, observer.outcomes)
	}
}
