package sequencer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"arc-framework/bootseq/internal/ignore"
)

type copyOptions struct {
	Matcher *ignore.Matcher
	Workers int
	// Skip holds absolute directories never descended into.
	Skip []string
}

type copyStats struct {
	Files int64
	Bytes int64
}

// copyTree overlays src onto dst. Directories and symlinks are created by the
// walk itself; regular file contents are copied by at most opts.Workers
// goroutines. The first error cancels the remaining copies.
func copyTree(ctx context.Context, src, dst string, opts copyOptions) (copyStats, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var files, bytes atomic.Int64

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if d.IsDir() && slices.Contains(opts.Skip, path) {
			return filepath.SkipDir
		}
		if opts.Matcher.Excluded(filepath.ToSlash(rel), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			return copySymlink(path, target)
		case d.Type().IsRegular():
			g.Go(func() error {
				n, err := copyFile(path, target)
				if err != nil {
					return err
				}
				files.Add(1)
				bytes.Add(n)
				return nil
			})
			return nil
		default:
			// Sockets, devices and named pipes have no place in an image.
			return nil
		}
	})

	copyErr := g.Wait()
	stats := copyStats{Files: files.Load(), Bytes: bytes.Load()}
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return stats, walkErr
	}
	if copyErr != nil {
		return stats, copyErr
	}
	return stats, walkErr
}

// copyFile copies src over dst, creating or truncating dst and giving it
// src's permission bits.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close() //nolint:errcheck

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close() //nolint:errcheck
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, os.Chmod(dst, info.Mode().Perm())
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(link, dst)
}
