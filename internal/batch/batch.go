// Package batch reads and writes the compressed batch artifact of a run.
package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/xiaot623/testinsights/internal/protocol"
)

// Write stores doc as gzip-compressed JSON at path. The artifact is written to
// a temporary file first and renamed into place, so readers never observe a
// partial artifact.
func Write(path string, doc *protocol.BatchDocument) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}

	if err := Encode(file, doc); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("failed to sync temporary artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("failed to close temporary artifact: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("failed to rename artifact into place: %w", err)
	}

	// Make the rename durable.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Encode writes doc as gzip-compressed JSON to w.
func Encode(w io.Writer, doc *protocol.BatchDocument) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress artifact: %w", err)
	}
	return nil
}

// Read loads the artifact stored at path.
func Read(path string) (*protocol.BatchDocument, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode reads a gzip-compressed JSON artifact from r.
func Decode(r io.Reader) (*protocol.BatchDocument, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed artifact: %w", err)
	}
	defer gz.Close()

	var doc protocol.BatchDocument
	if err := json.NewDecoder(gz).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &doc, nil
}
