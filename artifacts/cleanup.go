package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupResult summarizes a preview sweep.
type CleanupResult struct {
	Removed []string
	Bytes   int64
}

// CleanupPreviews deletes preview files last modified before now-maxAge and
// prunes day directories left empty. With dryRun nothing is touched.
// Signed documents are never considered.
func (s *Store) CleanupPreviews(now time.Time, maxAge time.Duration, dryRun bool) (CleanupResult, error) {
	var res CleanupResult
	base := filepath.Join(s.root, string(KindPreview))
	cutoff := now.Add(-maxAge)

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".pdf") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if !dryRun {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		res.Removed = append(res.Removed, filepath.ToSlash(rel))
		res.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("artifacts: cleanup previews: %w", err)
	}

	if !dryRun {
		days, err := os.ReadDir(base)
		if err != nil {
			return res, fmt.Errorf("artifacts: cleanup previews: %w", err)
		}
		for _, day := range days {
			if day.IsDir() {
				// Remove fails on non-empty directories, which is what we want.
				_ = os.Remove(filepath.Join(base, day.Name()))
			}
		}
	}
	return res, nil
}
