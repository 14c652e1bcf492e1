package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreWritesBlob(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	attachments, err := NewAttachments(filepath.Join(dir, "uploads"))
	req.NoError(err)

	ref, err := attachments.Store("1700000000-abcd1234.png", []byte("png-bytes"))
	req.NoError(err)
	req.Equal("1700000000-abcd1234.png", ref)

	data, err := os.ReadFile(filepath.Join(attachments.Dir(), ref))
	req.NoError(err)
	req.Equal([]byte("png-bytes"), data)
}

func TestStoreFlattensPathTraversal(t *testing.T) {
	req := require.New(t)
	attachments, err := NewAttachments(t.TempDir())
	req.NoError(err)

	ref, err := attachments.Store("../../etc/passwd", []byte("nope"))
	req.NoError(err)
	req.Equal("passwd", ref)

	_, err = os.Stat(filepath.Join(attachments.Dir(), "passwd"))
	req.NoError(err)
}
