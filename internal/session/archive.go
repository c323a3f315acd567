package session

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
)

// zipProject packs the project tree into a temp archive and returns its
// path. Directories matching a skip pattern are left out, same as the file
// watcher ignores them.
func zipProject(proj project.Project, skip []string) (string, error) {
	out, err := os.CreateTemp("", proj.Name+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(proj.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(proj.Path, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skipped(rel, skip) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path) //nolint:gosec // G304: path comes from walking the project directory
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		out.Close()
		removeQuiet(out.Name())
		return "", fmt.Errorf("packing project: %w", err)
	}

	if err := zw.Close(); err != nil {
		out.Close()
		removeQuiet(out.Name())
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		removeQuiet(out.Name())
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	return out.Name(), nil
}

func skipped(rel string, skip []string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range skip {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil {
		log.Warn(log.CatSession, "Could not remove temp file", "path", path, "error", err)
	}
}
