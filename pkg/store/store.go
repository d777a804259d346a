// Package store owns the on-disk layout of mirrored artifacts:
// storage/{owner}/{repo}/{channel}/{version}/{filename}, with optional
// ".metadata" sidecars recording which configured artifact a file satisfies.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MetadataExt is the suffix of sidecar files written next to workflow
// artifacts. The sidecar records the logical artifact identifier, which a
// zip entry's filename alone does not reveal after a restart.
const MetadataExt = ".metadata"

// Store is the root of the on-disk artifact tree.
type Store struct {
	root string
}

// New creates the storage root if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// ChannelDir returns (and creates) the directory holding one channel's
// version directories.
func (s *Store) ChannelDir(owner, repo, channel string) (string, error) {
	dir := filepath.Join(s.root, owner, repo, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Ingested is the result of a single-pass copy.
type Ingested struct {
	SHA256  string
	Size    int64
	Content []byte // nil unless keepInMemory was set
}

// Ingest streams src to dest while computing a SHA-256 digest and, when
// keepInMemory is set, buffering a copy of the bytes. The data is read
// exactly once. On failure the partially written destination is removed.
func Ingest(src io.Reader, dest string, keepInMemory bool) (Ingested, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Ingested{}, err
	}
	file, err := os.Create(dest)
	if err != nil {
		return Ingested{}, err
	}

	digest := sha256.New()
	writers := []io.Writer{file, digest}
	var buf *bytes.Buffer
	if keepInMemory {
		buf = &bytes.Buffer{}
		writers = append(writers, buf)
	}

	size, err := io.Copy(io.MultiWriter(writers...), src)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return Ingested{}, errors.Wrapf(err, "ingest %s", dest)
	}

	out := Ingested{
		SHA256: hex.EncodeToString(digest.Sum(nil)),
		Size:   size,
	}
	if buf != nil {
		out.Content = buf.Bytes()
	}
	return out, nil
}

// IngestFile re-reads an already persisted file, recomputing its digest and
// optionally loading it into memory. Used when reconciliation adopts disk
// state instead of re-downloading.
func IngestFile(path string, keepInMemory bool) (Ingested, error) {
	file, err := os.Open(path)
	if err != nil {
		return Ingested{}, err
	}
	defer file.Close()

	digest := sha256.New()
	var size int64
	var content []byte
	if keepInMemory {
		buf := &bytes.Buffer{}
		size, err = io.Copy(io.MultiWriter(digest, buf), file)
		content = buf.Bytes()
	} else {
		size, err = io.Copy(digest, file)
	}
	if err != nil {
		return Ingested{}, errors.Wrapf(err, "read %s", path)
	}

	return Ingested{
		SHA256:  hex.EncodeToString(digest.Sum(nil)),
		Size:    size,
		Content: content,
	}, nil
}
