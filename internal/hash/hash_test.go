// SPDX-License-Identifier: MIT

package hash

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/errdef"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestContentHash(t *testing.T) {
	data := []byte("the quick brown fox")
	path := writeFile(t, data)

	got, err := ContentHash(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(data)), got)
}

func TestContentHashMissingFile(t *testing.T) {
	_, err := ContentHash(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, errdef.CodeFSNotFound, errdef.CodeOf(err))
}

func TestHashReaderMatchesContentHash(t *testing.T) {
	data := []byte("stream me")
	path := writeFile(t, data)

	fromFile, err := ContentHash(path)
	require.NoError(t, err)
	fromReader, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, fromFile, fromReader)
}

func TestFileHashSmallUsesFullNamespace(t *testing.T) {
	s := NewService()
	path := writeFile(t, []byte("small file"))

	got, err := s.FileHash(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, FullPrefix))
}

func TestFileHashLargeUsesQuickNamespace(t *testing.T) {
	s := &Service{QuickThreshold: 128, SampleSize: 32}
	path := writeFile(t, bytes.Repeat([]byte{0xAB}, 4096))

	got, err := s.FileHash(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, QuickPrefix))
}

func TestQuickHashDetectsMiddleChange(t *testing.T) {
	s := &Service{QuickThreshold: 128, SampleSize: 32}

	data := bytes.Repeat([]byte{0x01}, 4096)
	a := writeFile(t, data)

	changed := bytes.Repeat([]byte{0x01}, 4096)
	changed[2048] = 0xFF
	dir := t.TempDir()
	b := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(b, changed, 0o600))

	ha, err := s.FileHash(a)
	require.NoError(t, err)
	hb, err := s.FileHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestQuickHashStable(t *testing.T) {
	s := &Service{QuickThreshold: 128, SampleSize: 32}
	path := writeFile(t, bytes.Repeat([]byte{0x7F}, 1024))

	a, err := s.FileHash(path)
	require.NoError(t, err)
	b, err := s.FileHash(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
