package store

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	NotePrefix       = "nt"
	AttachmentPrefix = "at"
	BlobPrefix       = "bl"
	JobPrefix        = "jb"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID returns a new time-sortable id with the given prefix, e.g.
// "at-01j9x...". Ids generated within one process sort in creation order.
func GenerateID(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("id prefix is required")
	}
	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return prefix + "-" + strings.ToLower(id.String()), nil
}

// IDTime returns the creation time encoded in an id made by GenerateID.
func IDTime(id string) (time.Time, error) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return time.Time{}, fmt.Errorf("invalid id: %s", id)
	}
	parsed, err := ulid.ParseStrict(strings.ToUpper(id[idx+1:]))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid id %s: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

func GenerateNoteID() (string, error)       { return GenerateID(NotePrefix) }
func GenerateAttachmentID() (string, error) { return GenerateID(AttachmentPrefix) }
func GenerateBlobID() (string, error)       { return GenerateID(BlobPrefix) }
func GenerateJobID() (string, error)        { return GenerateID(JobPrefix) }
