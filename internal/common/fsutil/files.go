// Package fsutil holds file helpers shared by the CLI and configuration.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// Permissions for files the engine writes. Secret material is owner-only.
const (
	PublicFileMode os.FileMode = 0644
	SecretFileMode os.FileMode = 0600
	DirMode        os.FileMode = 0755
)

// FileExists checks if a file exists and is not a directory
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// CreateDirIfNotExists creates a directory with standard permissions if it doesn't exist
func CreateDirIfNotExists(path string) error {
	if path == "" || DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, DirMode)
}

// ReadFile reads an entire file, mapping OS errors onto the error taxonomy.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(path, err, errors.ErrFileReadError)
	}
	return data, nil
}

// ReadFileHeader reads the first n bytes of a file
func ReadFileHeader(path string, n int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err, errors.ErrFileReadError)
	}
	defer file.Close()

	buffer := make([]byte, n)
	bytesRead, err := io.ReadFull(file, buffer)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, classify(path, err, errors.ErrFileReadError)
	}
	return buffer[:bytesRead], nil
}

// WriteFile writes data to a file, creating its directory if necessary.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := CreateDirIfNotExists(filepath.Dir(path)); err != nil {
		return classify(path, err, errors.ErrFileWriteError)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return classify(path, err, errors.ErrFileWriteError)
	}
	return nil
}

func classify(path string, err, fallback error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", errors.ErrPermissionDenied, path)
	default:
		return fmt.Errorf("%w: %s: %v", fallback, path, err)
	}
}
