// Package server decodes inline attachment envelopes and derives the stable
// names they are stored under.
package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrNotEnvelope is returned when attachment data is not a base64 data URL.
var ErrNotEnvelope = errors.New("server: attachment data is not a base64 data URL")

// decodeAttachment unpacks a "data:<mime>;base64,<payload>" envelope into the
// raw blob it carries.
func decodeAttachment(data string) ([]byte, error) {
	rest, ok := strings.CutPrefix(data, "data:")
	if !ok {
		return nil, ErrNotEnvelope
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, ErrNotEnvelope
	}

	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("server: decode attachment payload: %w", err)
	}
	return blob, nil
}

// storedName derives a collision-resistant filename from the receive time, a
// random component, and the declared extension. When the declared name has no
// extension, one is sniffed from the blob itself.
func storedName(declared string, blob []byte) string {
	ext := filepath.Ext(filepath.Base(declared))
	if ext == "" {
		ext = mimetype.Detect(blob).Extension()
	}
	return fmt.Sprintf("%d-%.8s%s", time.Now().UnixNano(), uuid.NewString(), ext)
}
