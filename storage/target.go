package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUserCancelled indicates the user declined the save destination prompt.
	ErrUserCancelled = errors.New("storage: save cancelled by user")
	// ErrTargetClosed indicates a write after finalize or abort.
	ErrTargetClosed = errors.New("storage: write target is closed")
)

// WriteTarget is an incrementally writable destination bound to one file.
// Append order is preserved; Finalize makes the bytes durable, Abort discards
// them.
type WriteTarget interface {
	Append(data []byte) error
	Finalize() error
	Abort() error
}

// TargetProvider acquires a destination write target for a named file.
//
// Acquisition stands in for the host save prompt: it must be invoked
// synchronously from the user's save action, never from a deferred
// continuation, or the platform revokes the destination-choosing privilege.
// Implementations return ErrUserCancelled for a declined prompt.
type TargetProvider interface {
	AcquireWriteTarget(suggestedName, mimeType string) (WriteTarget, error)
}

// DirProvider streams received files into a fixed directory. Data accumulates
// in a ".part" file and is renamed into place on finalize, so partial
// transfers never appear under the final name.
type DirProvider struct {
	Dir string
}

// AcquireWriteTarget opens a part-file for the suggested name, suffixing the
// name when it collides with an existing file.
func (p DirProvider) AcquireWriteTarget(suggestedName, mimeType string) (WriteTarget, error) {
	if p.Dir == "" {
		return nil, errors.New("storage: target directory is required")
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create target directory: %w", err)
	}

	finalPath, err := availablePath(p.Dir, suggestedName)
	if err != nil {
		return nil, err
	}
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open part file: %w", err)
	}

	return &fileTarget{
		file:      file,
		tempPath:  tempPath,
		finalPath: finalPath,
	}, nil
}

type fileTarget struct {
	file      *os.File
	tempPath  string
	finalPath string
	closed    bool
}

func (t *fileTarget) Append(data []byte) error {
	if t.closed {
		return ErrTargetClosed
	}
	if _, err := t.file.Write(data); err != nil {
		return fmt.Errorf("append to %q: %w", t.tempPath, err)
	}
	return nil
}

func (t *fileTarget) Finalize() error {
	if t.closed {
		return ErrTargetClosed
	}
	t.closed = true

	if err := t.file.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	if err := os.Rename(t.tempPath, t.finalPath); err != nil {
		return fmt.Errorf("finalize %q: %w", t.finalPath, err)
	}
	return nil
}

func (t *fileTarget) Abort() error {
	if t.closed {
		return nil
	}
	t.closed = true

	_ = t.file.Close()
	if err := os.Remove(t.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove part file: %w", err)
	}
	return nil
}

// Path returns the destination path the target finalizes into.
func (t *fileTarget) Path() string {
	return t.finalPath
}

// TargetPath reports the final destination of a target when it exposes one.
func TargetPath(target WriteTarget) string {
	type pather interface{ Path() string }
	if p, ok := target.(pather); ok {
		return p.Path()
	}
	return ""
}

func availablePath(dir, name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	candidate := filepath.Join(dir, base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
