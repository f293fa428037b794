// Package files implements the file explorer: directory listings and
// bounded file reads confined to an agent's working directory.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxFileSize bounds explorer file reads.
const maxFileSize = 1 << 20

// Entry is one element of a directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// resolve joins rel onto root and rejects escapes.
func resolve(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	rootClean := filepath.Clean(root)
	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	return abs, nil
}

// List returns the entries of a directory under root, directories first.
func List(root, rel string) ([]Entry, error) {
	abs, err := resolve(root, rel)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), IsDir: de.IsDir(), Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read returns the content of a file under root, capped at maxFileSize.
func Read(root, rel string) (string, error) {
	abs, err := resolve(root, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", rel)
	}
	if info.Size() > maxFileSize {
		return "", fmt.Errorf("%s exceeds the %d byte read limit", rel, maxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}
