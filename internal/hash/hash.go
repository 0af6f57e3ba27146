// SPDX-License-Identifier: MIT

// Package hash computes content and perceptual hashes for media assets.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/mediacurator/curator/internal/errdef"
)

// Namespaces keep quick and full hashes from ever colliding in storage.
const (
	FullPrefix  = "sha256:"
	QuickPrefix = "quick:"
)

// DefaultQuickThreshold is the file size above which Service.FileHash
// switches to sampled hashing (1 GiB).
const DefaultQuickThreshold int64 = 1 << 30

// DefaultSampleSize is the size of each sampled region (64 KiB).
const DefaultSampleSize int64 = 64 * 1024

// Service computes file hashes with a large-file adaptive strategy.
type Service struct {
	// QuickThreshold is the size in bytes above which sampling is used.
	QuickThreshold int64
	// SampleSize is the number of bytes hashed from the start, middle and
	// end of a sampled file.
	SampleSize int64
}

// NewService returns a Service with the default thresholds.
func NewService() *Service {
	return &Service{QuickThreshold: DefaultQuickThreshold, SampleSize: DefaultSampleSize}
}

// ContentHash computes the full sha-256 of the file and returns the bare
// hex digest. The asset cache keys rows and shards paths with this value.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pathError(err, path)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errdef.Wrap(errdef.CodeStorage, err, "hash %s", path)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// HashReader computes the bare sha-256 hex digest of r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errdef.Wrap(errdef.CodeStorage, err, "hash stream")
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// FileHash returns a namespaced hash of the file. Files at or below the
// threshold get "sha256:<hex>" over all bytes; larger files get
// "quick:<hex>" over the first, middle and last SampleSize bytes plus the
// file length, which is cheap and stable for change detection.
func (s *Service) FileHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", pathError(err, path)
	}

	threshold := s.QuickThreshold
	if threshold <= 0 {
		threshold = DefaultQuickThreshold
	}
	if info.Size() <= threshold {
		sum, err := ContentHash(path)
		if err != nil {
			return "", err
		}
		return FullPrefix + sum, nil
	}
	return s.quickHash(path, info.Size())
}

func (s *Service) quickHash(path string, size int64) (string, error) {
	sample := s.SampleSize
	if sample <= 0 {
		sample = DefaultSampleSize
	}

	f, err := os.Open(path)
	if err != nil {
		return "", pathError(err, path)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(size))
	h.Write(sizeBuf[:])

	offsets := []int64{0, size/2 - sample/2, size - sample}
	buf := make([]byte, sample)
	for _, off := range offsets {
		if off < 0 {
			off = 0
		}
		n, err := f.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return "", errdef.Wrap(errdef.CodeStorage, err, "sample %s at %d", path, off)
		}
		h.Write(buf[:n])
	}
	return fmt.Sprintf("%s%x", QuickPrefix, h.Sum(nil)), nil
}

func pathError(err error, path string) error {
	if os.IsNotExist(err) {
		return errdef.Wrap(errdef.CodeFSNotFound, err, "%s", path)
	}
	if os.IsPermission(err) {
		return errdef.Wrap(errdef.CodeFSPermission, err, "%s", path)
	}
	return errdef.Wrap(errdef.CodeStorage, err, "%s", path)
}
