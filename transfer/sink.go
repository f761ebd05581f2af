package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sink materializes a finished transfer. write streams the decrypted file into the
// provided writer; if it fails, nothing may remain visible under the final name.
type Sink interface {
	Materialize(name string, write func(io.Writer) error) (string, error)
}

// DirSink writes received files into Dir through a ".part" temp file and a rename.
// An existing file is never overwritten: the new one gets a "_<unix>" suffix.
type DirSink struct {
	Dir string
	Now func() time.Time
}

// Materialize implements Sink.
func (s DirSink) Materialize(name string, write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	finalPath, err := s.availablePath(safeFileName(name))
	if err != nil {
		return "", err
	}
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = file.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriter(file)
	if err := write(buffered); err != nil {
		return "", err
	}
	if err := buffered.Flush(); err != nil {
		return "", fmt.Errorf("flush temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		committed = true
		return "", fmt.Errorf("finalize file: %w", err)
	}

	committed = true
	return finalPath, nil
}

func (s DirSink) availablePath(name string) (string, error) {
	candidate := filepath.Join(s.Dir, name)
	exists, err := pathExists(candidate)
	if err != nil || !exists {
		return candidate, err
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stamp := now().Unix()

	for i := 0; ; i++ {
		suffixed := fmt.Sprintf("%s_%d%s", stem, stamp, ext)
		if i > 0 {
			suffixed = fmt.Sprintf("%s_%d_%d%s", stem, stamp, i, ext)
		}
		candidate = filepath.Join(s.Dir, suffixed)
		exists, err := pathExists(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", path, err)
}

// safeFileName strips any directory components from an announced file name.
func safeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		return "file.bin"
	}
	return base
}
