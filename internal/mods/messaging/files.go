package messaging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var errFileNotFound = errors.New("file not found")

// fileEntry is the in-memory metadata of one uploaded file. The bytes live
// on disk under the mod's state directory; metadata is ephemeral.
type fileEntry struct {
	ID        string  `json:"file_id"`
	Filename  string  `json:"filename"`
	MimeType  string  `json:"mime_type"`
	Size      int     `json:"size"`
	Uploader  string  `json:"uploader"`
	Timestamp float64 `json:"timestamp"`
}

type fileStore struct {
	dir     string
	entries map[string]fileEntry
	order   []string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating file store dir: %w", err)
	}
	return &fileStore{dir: dir, entries: make(map[string]fileEntry)}, nil
}

// save decodes the base64 content and writes it under a fresh UUID.
func (f *fileStore) save(filename, mimeType, contentB64, uploader string, ts float64) (fileEntry, error) {
	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return fileEntry{}, fmt.Errorf("decoding file content: %w", err)
	}
	entry := fileEntry{
		ID:        uuid.NewString(),
		Filename:  filename,
		MimeType:  mimeType,
		Size:      len(data),
		Uploader:  uploader,
		Timestamp: ts,
	}
	if err := os.WriteFile(f.path(entry.ID), data, 0o644); err != nil {
		return fileEntry{}, fmt.Errorf("writing file: %w", err)
	}
	f.entries[entry.ID] = entry
	f.order = append(f.order, entry.ID)
	return entry, nil
}

// load reads the bytes back and re-encodes them as base64.
func (f *fileStore) load(id string) (fileEntry, string, error) {
	entry, ok := f.entries[id]
	if !ok {
		return fileEntry{}, "", errFileNotFound
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return fileEntry{}, "", errFileNotFound
	}
	return entry, base64.StdEncoding.EncodeToString(data), nil
}

func (f *fileStore) delete(id string) error {
	if _, ok := f.entries[id]; !ok {
		return errFileNotFound
	}
	delete(f.entries, id)
	f.order = removeString(f.order, id)
	return os.Remove(f.path(id))
}

func (f *fileStore) list() []fileEntry {
	out := make([]fileEntry, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.entries[id])
	}
	return out
}

func (f *fileStore) path(id string) string {
	return filepath.Join(f.dir, id)
}
