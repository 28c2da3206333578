package blobstore

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"mnemo/internal/models"
)

const (
	localBackend = "local_cas"
	stagingDir   = "tmp"
)

var errNotConfigured = errors.New("blob store is not configured")

var _ BlobStore = (*LocalCAS)(nil)

// LocalCAS keeps blob bytes under root/<algorithm>/<xx>/<yy>/<hex>. Writes
// are staged in root/tmp and renamed into place, so a key either holds the
// complete payload or does not exist.
type LocalCAS struct {
	root string
}

// NewLocalCAS creates the tree rooted at root if needed.
func NewLocalCAS(root string) (*LocalCAS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, err
	}
	return &LocalCAS{root: abs}, nil
}

// Backend names the storage backend recorded on blob rows.
func (c *LocalCAS) Backend() string {
	return localBackend
}

// KeyForDigest returns the sharded relative key for a digest.
func KeyForDigest(d digest.Digest) string {
	hex := d.Encoded()
	return path.Join(d.Algorithm().String(), hex[0:2], hex[2:4], hex)
}

// DigestFromKey parses a key produced by KeyForDigest. Anything else,
// including keys that would resolve outside the tree, is rejected.
func DigestFromKey(key string) (digest.Digest, error) {
	parts := strings.Split(strings.TrimSpace(key), "/")
	if len(parts) != 4 {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[3])
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid blob key %q: %w", key, err)
	}
	if KeyForDigest(d) != key {
		return "", fmt.Errorf("invalid blob key %q: shard mismatch", key)
	}
	return d, nil
}

// Put streams r into the store and returns its digest. Identical content
// already present is not rewritten. A read error leaves nothing behind.
func (c *LocalCAS) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	if err := c.ready(ctx); err != nil {
		return PutResult{}, err
	}
	if r == nil {
		return PutResult{}, fmt.Errorf("reader is required")
	}

	staged, err := os.CreateTemp(filepath.Join(c.root, stagingDir), "put-*")
	if err != nil {
		return PutResult{}, err
	}
	defer os.Remove(staged.Name())

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(staged, digester.Hash()), r)
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return PutResult{}, err
	}

	d := digester.Digest()
	result := PutResult{Digest: d, SizeBytes: n, BlobKey: KeyForDigest(d)}
	result.Created, err = c.commit(staged.Name(), c.path(result.BlobKey))
	if err != nil {
		return PutResult{}, err
	}
	return result, nil
}

// commit moves the staged file to dst unless dst already exists. A rename
// that loses a race against an identical writer counts as existing.
func (c *LocalCAS) commit(staged, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(staged, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Open returns a reader for key; a missing payload is ErrBlobNotFound.
func (c *LocalCAS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := c.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrBlobNotFound)
	}
	return f, err
}

func (c *LocalCAS) Exists(ctx context.Context, key string) (bool, error) {
	p, err := c.resolve(ctx, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Delete removes the payload for key. Deleting a missing payload is a no-op.
func (c *LocalCAS) Delete(ctx context.Context, key string) error {
	p, err := c.resolve(ctx, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *LocalCAS) ready(ctx context.Context) error {
	if c == nil {
		return errNotConfigured
	}
	return ctx.Err()
}

func (c *LocalCAS) resolve(ctx context.Context, key string) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	if _, err := DigestFromKey(key); err != nil {
		return "", err
	}
	return c.path(key), nil
}

func (c *LocalCAS) path(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}
