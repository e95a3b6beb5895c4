package ingest

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// ErrValidation marks input problems detected before any transaction opens.
var ErrValidation = errors.New("ingest: invalid request")

// DefaultMaxExtractedBytes bounds the total uncompressed size of an archive.
const DefaultMaxExtractedBytes int64 = 4 << 30

// ExtractArchive unpacks the zip archive at zipPath on fs into dest within
// DefaultMaxExtractedBytes. Entries that would land outside dest are rejected
// with ErrValidation.
func ExtractArchive(fs billy.Filesystem, zipPath, dest string) error {
	return ExtractArchiveLimit(fs, zipPath, dest, DefaultMaxExtractedBytes)
}

// ExtractArchiveLimit is ExtractArchive with an explicit budget for the
// uncompressed bytes of all entries. Exceeding it is an ErrValidation.
func ExtractArchiveLimit(fs billy.Filesystem, zipPath, dest string, maxBytes int64) error {
	f, err := fs.Open(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()
	fi, err := fs.Stat(zipPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return fmt.Errorf("%w: not a zip archive: %v", ErrValidation, err)
	}
	if err := fs.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	for _, entry := range zr.File {
		rel, err := entryPath(entry.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := fs.Join(dest, filepath.FromSlash(rel))
		if entry.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		n, err := extractFile(fs, entry, target, maxBytes)
		if err != nil {
			return err
		}
		maxBytes -= n
	}
	return nil
}

// entryPath validates an archive entry name and returns it cleaned and
// slash separated. The archive root itself maps to "".
func entryPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: archive entry %q is absolute", ErrValidation, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: archive entry %q escapes the archive", ErrValidation, name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// extractFile writes one entry and returns the bytes written. remaining is
// what is left of the archive budget; going past it is an ErrValidation.
func extractFile(fs billy.Filesystem, entry *zip.File, target string, remaining int64) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", target, err)
	}
	src, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: read archive entry %s: %v", ErrValidation, entry.Name, err)
	}
	defer func() { _ = src.Close() }()
	dst, err := fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, remaining+1))
	if err != nil {
		_ = dst.Close()
		return n, fmt.Errorf("%w: extract %s: %v", ErrValidation, entry.Name, err)
	}
	if err := dst.Close(); err != nil {
		return n, err
	}
	if n > remaining {
		return n, fmt.Errorf("%w: archive expands beyond the extraction limit", ErrValidation)
	}
	return n, nil
}

// isSystemName reports names left behind by archivers and desktop file
// managers, such as .DS_Store and __MACOSX.
func isSystemName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__")
}

// CleanSystemFiles removes every file or directory below root whose name
// starts with "." or "__".
func CleanSystemFiles(fs billy.Filesystem, root string) error {
	var doomed []string
	err := util.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if isSystemName(info.Name()) {
			doomed = append(doomed, p)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}
	for _, p := range doomed {
		if err := util.RemoveAll(fs, p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// ExperimentRoot returns the first directory directly under dir, in name
// order, that does not start with "." or "_".
func ExperimentRoot(fs billy.Filesystem, dir string) (string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		return fs.Join(dir, name), nil
	}
	return "", fmt.Errorf("%w: no valid experiment folder found", ErrValidation)
}
