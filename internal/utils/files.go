package utils

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// FindFiles walks root recursively and returns files whose extension matches
// one of exts, ignoring case. exts are given with the leading dot.
func FindFiles(root string, exts ...string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !HasExt(path, exts...) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func HasExt(path string, exts ...string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
