package ota

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/omniapi/gateway/internal/errs"
)

const opBlob errs.Op = "ota.blob"

// BlobStore is where a firmware image's bytes live while a job is in
// flight. The broadcast-pull engine uses an in-RAM store (the image is
// small and short-lived); the targeted-push engine stages the image on
// the gateway's inactive flash partition so a single large upload can't
// exhaust heap (spec §4.6.2).
type BlobStore interface {
	io.WriterAt
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

// RAMBlobStore backs a BlobStore with a pre-sized in-memory buffer.
type RAMBlobStore struct {
	buf []byte
}

func NewRAMBlobStore(size int64) *RAMBlobStore {
	return &RAMBlobStore{buf: make([]byte, size)}
}

func (r *RAMBlobStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, errs.E(opBlob, errs.KindInvalid, "write past end of buffer")
	}
	return copy(r.buf[off:], p), nil
}

func (r *RAMBlobStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.buf)) {
		return 0, errs.E(opBlob, errs.KindInvalid, "read past end of buffer")
	}
	return copy(p, r.buf[off:]), nil
}

func (r *RAMBlobStore) Size() int64 { return int64(len(r.buf)) }
func (r *RAMBlobStore) Close() error { return nil }

// Bytes exposes the full buffer for verification (SHA-256) once the
// download stage has completed.
func (r *RAMBlobStore) Bytes() []byte { return r.buf }

// FSBlobStore backs a BlobStore with a pre-allocated file, standing in
// for the gateway's inactive flash partition.
type FSBlobStore struct {
	f    *os.File
	size int64
}

// NewFSBlobStore creates (or truncates) path and pre-allocates size bytes.
func NewFSBlobStore(path string, size int64) (*FSBlobStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.E(opBlob, errs.KindIO, err, "could not create staging file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.E(opBlob, errs.KindIO, err, "could not pre-allocate staging file")
	}
	return &FSBlobStore{f: f, size: size}, nil
}

func (s *FSBlobStore) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *FSBlobStore) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *FSBlobStore) Size() int64                              { return s.size }
func (s *FSBlobStore) Close() error                             { return s.f.Close() }

// CRC32OverSHA is a defensive helper: neither blob store trusts the
// caller's declared size without re-deriving a digest once fully
// written, used by the broadcast-pull verify stage.
func sha256Of(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func hexEqual(got [32]byte, want string) bool {
	return fmt.Sprintf("%x", got) == want
}
