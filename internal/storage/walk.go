package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type archivedFile struct {
	path    string
	key     string
	day     time.Time // archive day; zero outside the {owner}/{day}/ layout
	modTime time.Time
	size    int64
}

// expired ages a recording and its sidecar by the end of their archive day,
// so both leave together. Files outside the layout age by mtime.
func (f archivedFile) expired(retention time.Duration, now time.Time) bool {
	if f.day.IsZero() {
		return expired(f.modTime, retention, now)
	}
	return expired(f.day.Add(24*time.Hour), retention, now)
}

// walkArchive visits every archived object under dir, skipping temp files.
func walkArchive(dir string, fn func(archivedFile)) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		f := archivedFile{
			path:    path,
			key:     filepath.ToSlash(rel),
			modTime: info.ModTime(),
			size:    info.Size(),
		}
		if k, err := parseKey(f.key); err == nil {
			f.day = k.Day
		}
		fn(f)
		return nil
	})
}

// removeEmptyDirs clears {owner}/{date} directories left empty by pruning.
func removeEmptyDirs(dir string) {
	owners, _ := os.ReadDir(dir)
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerPath := filepath.Join(dir, owner.Name())
		days, _ := os.ReadDir(ownerPath)
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			dayPath := filepath.Join(ownerPath, day.Name())
			if rest, _ := os.ReadDir(dayPath); len(rest) == 0 {
				os.Remove(dayPath)
			}
		}
		if rest, _ := os.ReadDir(ownerPath); len(rest) == 0 {
			os.Remove(ownerPath)
		}
	}
}
