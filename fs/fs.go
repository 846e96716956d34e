// Package fs holds some utilities for manipulating the file system
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDirectoryPermission is applied to every folder dvsetup creates. The
// ceremony container runs as a different user and needs to traverse it.
const DefaultDirectoryPermission = 0755

// DefaultFilePermission is applied to secret files such as key material.
const DefaultFilePermission = 0600

// CreateSecureFolder makes sure the folder exists, creating it and its
// parents when missing. It returns an error if the path exists and is not a
// directory.
func CreateSecureFolder(folder string) error {
	info, err := os.Stat(folder)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", folder)
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(folder, DefaultDirectoryPermission)
	default:
		return err
	}
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return true, err
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// in place, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := CreateSecureFolder(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
