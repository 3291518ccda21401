package image

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// stateDir is bootseq's bookkeeping directory inside a working directory.
const stateDir = ".bootseq"

// writeLayerTar writes root into w as a tar stream whose entries live under
// prefix (an absolute in-image path such as /app). The top-level stateDir is
// left out.
func writeLayerTar(w io.Writer, root, prefix string) (err error) {
	tw := tar.NewWriter(w)
	defer func() {
		if cErr := tw.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	prefix = strings.TrimPrefix(path.Clean("/"+prefix), "/")

	// Parent directories of the prefix itself.
	if prefix != "" {
		parts := strings.Split(prefix, "/")
		for i := 1; i < len(parts); i++ {
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     strings.Join(parts[:i], "/") + "/",
				Mode:     0o755,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write tar header: %w", err)
			}
		}
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == stateDir && d.IsDir() {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		if !info.Mode().IsRegular() && !info.IsDir() && link == "" {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		if rel == "." {
			name = prefix
		}
		if name == "" {
			return nil
		}
		if info.IsDir() {
			name += "/"
		}
		hdr.Name = name
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("write tar body for %s: %w", rel, err)
		}
		return nil
	})
}
