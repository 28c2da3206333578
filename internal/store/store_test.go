package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"mnemo/internal/models"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testNote(t *testing.T, st *Store, title string) *models.Note {
	t.Helper()
	note := &models.Note{Title: title}
	if err := st.CreateNote(context.Background(), note); err != nil {
		t.Fatalf("create note: %v", err)
	}
	return note
}

func testBlob(content string) *models.Blob {
	hex := strings.Repeat(content[:1], 64)
	return &models.Blob{
		Digest:    "sha256:" + hex,
		SizeBytes: int64(len(content)),
		BlobKey:   "sha256/" + hex[:2] + "/" + hex[2:4] + "/" + hex,
	}
}

func testAttachment(t *testing.T, noteID, filename string) *models.Attachment {
	t.Helper()
	id, err := GenerateAttachmentID()
	if err != nil {
		t.Fatalf("generate attachment id: %v", err)
	}
	return &models.Attachment{
		ID:                id,
		NoteID:            noteID,
		Filename:          filename,
		ContentType:       "text/plain",
		ContentTypeSource: models.ContentTypeSourceDeclared,
		SizeBytes:         5,
		DocumentTypeID:    "plaintext",
		Strategy:          models.StrategyTextNative,
	}
}

// createAttachment stores an attachment for blob content and returns it with its first job.
func createAttachment(t *testing.T, st *Store, noteID, filename, content string) (*models.Attachment, *models.ExtractionJob, *models.Blob) {
	t.Helper()
	attachment := testAttachment(t, noteID, filename)
	job := &models.ExtractionJob{Strategy: attachment.Strategy, MaxAttempts: 3}
	blob, err := st.CreateAttachmentWithJob(context.Background(), testBlob(content), attachment, job)
	if err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	return attachment, job, blob
}

func TestCreateAndGetNote(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	note := testNote(t, st, "  Trip to Paris ")
	if !strings.HasPrefix(note.ID, "nt-") {
		t.Fatalf("expected nt- id, got %q", note.ID)
	}

	got, err := st.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "Trip to Paris" {
		t.Fatalf("unexpected note %#v", got)
	}

	ok, err := st.NoteExists(ctx, note.ID)
	if err != nil || !ok {
		t.Fatalf("expected note to exist, ok=%v err=%v", ok, err)
	}
	ok, err = st.NoteExists(ctx, "nt-missing")
	if err != nil || ok {
		t.Fatalf("expected missing note, ok=%v err=%v", ok, err)
	}
	missing, err := st.GetNote(ctx, "nt-missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil note, got %#v err=%v", missing, err)
	}
}

func TestCreateNoteRequiresTitle(t *testing.T) {
	st := testStore(t)
	if err := st.CreateNote(context.Background(), &models.Note{Title: "  "}); err == nil {
		t.Fatal("expected error for empty title")
	}
}

func TestStoreInfo(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	info, err := st.StoreInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SchemaVersion != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), info.SchemaVersion)
	}
	if info.TotalAttachments != 0 || info.TotalBlobs != 0 {
		t.Fatalf("expected empty store, got %#v", info)
	}

	note := testNote(t, st, "info")
	createAttachment(t, st, note.ID, "a.txt", "aaaaa")
	createAttachment(t, st, note.ID, "b.txt", "aaaaa")
	second, _, _ := createAttachment(t, st, note.ID, "c.txt", "ccccc")
	if _, err := st.DeleteAttachment(ctx, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	info, err = st.StoreInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.TotalNotes != 1 {
		t.Fatalf("expected 1 note, got %d", info.TotalNotes)
	}
	if info.TotalAttachments != 2 || info.AttachmentCounts[models.AttachmentUploaded] != 2 {
		t.Fatalf("unexpected attachment counts %#v", info.AttachmentCounts)
	}
	if info.JobCounts[models.JobPending] != 3 {
		t.Fatalf("expected 3 pending jobs, got %#v", info.JobCounts)
	}
	if info.TotalBlobs != 2 || info.UnreferencedBlobs != 1 {
		t.Fatalf("expected 2 blobs with 1 unreferenced, got %d/%d", info.TotalBlobs, info.UnreferencedBlobs)
	}
	if info.StoredBytes != 10 {
		t.Fatalf("expected 10 stored bytes, got %d", info.StoredBytes)
	}
}
