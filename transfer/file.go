package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// File is one sendable unit: metadata plus a sequential byte source.
type File interface {
	Name() string
	Size() uint64
	MimeType() string
	Open() (io.ReadCloser, error)
}

type osFile struct {
	path     string
	name     string
	size     uint64
	mimeType string
}

// OpenFile wraps a filesystem path as a sendable File. The mime type is
// derived from the extension.
func OpenFile(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("transfer: source path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("transfer: source path must be a file")
	}

	name := filepath.Base(path)
	return &osFile{
		path:     path,
		name:     name,
		size:     uint64(info.Size()),
		mimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
	}, nil
}

func (f *osFile) Name() string     { return f.name }
func (f *osFile) Size() uint64     { return f.size }
func (f *osFile) MimeType() string { return f.mimeType }

func (f *osFile) Open() (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return file, nil
}

// MemoryFile is an in-memory sendable File, used for tests and pasted data.
type MemoryFile struct {
	FileName string
	FileMime string
	Data     []byte
}

func (f *MemoryFile) Name() string     { return f.FileName }
func (f *MemoryFile) Size() uint64     { return uint64(len(f.Data)) }
func (f *MemoryFile) MimeType() string { return f.FileMime }

func (f *MemoryFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}
