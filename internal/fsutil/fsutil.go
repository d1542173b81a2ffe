package fsutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// CopyFile copies src to dst, creating or truncating dst with mode 0644.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v", dst, err)
	}
	return nil
}

// CopyDirFiles copies the regular files directly under src into dst, which
// must already exist. Subdirectories and symlinks are skipped.
func CopyDirFiles(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %v", src, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := CopyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// DirsIdentical reports whether the regular files directly under a and b have
// the same name set and byte-for-byte identical contents.
func DirsIdentical(a, b string) (bool, error) {
	namesA, err := regularFileNames(a)
	if err != nil {
		return false, err
	}
	namesB, err := regularFileNames(b)
	if err != nil {
		return false, err
	}
	if len(namesA) != len(namesB) {
		return false, nil
	}
	for i := range namesA {
		if namesA[i] != namesB[i] {
			return false, nil
		}
		dataA, err := os.ReadFile(filepath.Join(a, namesA[i]))
		if err != nil {
			return false, err
		}
		dataB, err := os.ReadFile(filepath.Join(b, namesB[i]))
		if err != nil {
			return false, err
		}
		if !bytes.Equal(dataA, dataB) {
			return false, nil
		}
	}
	return true, nil
}

func regularFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %v", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
