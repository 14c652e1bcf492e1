package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Attachments writes uploaded blobs to a directory and serves them back by
// name. The stored name is the stable reference recorded in the message log.
type Attachments struct {
	dir string
}

// NewAttachments creates the upload directory if needed.
func NewAttachments(dir string) (*Attachments, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create upload dir %s: %w", dir, err)
	}
	return &Attachments{dir: dir}, nil
}

// Dir returns the directory attachments are written to.
func (a *Attachments) Dir() string {
	return a.dir
}

// Store writes the blob under the given name and returns the stored name.
// The name is flattened to its base so callers cannot escape the directory.
func (a *Attachments) Store(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("store: invalid attachment name %q", name)
	}
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("store: write attachment %s: %w", name, err)
	}
	return name, nil
}
