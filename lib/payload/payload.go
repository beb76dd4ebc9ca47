// Package payload materializes build contexts and produces the payload
// layer tar. The context is assembled in a staging directory and promoted
// with a single rename so a partially copied context is never observable.
package payload

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/geobc/provisioner/lib/spec"
)

var (
	// ErrInvalidPath is returned when an input path escapes its root.
	ErrInvalidPath = errors.New("invalid payload path")
)

// ContextPayloadDir is the fixed payload location inside a materialized
// build context. The descriptor's COPY sources reference these names.
const ContextPayloadDir = "payload"

// Materialize assembles the build context for sp under destDir: the payload
// tree at payload/, plus the license file and dependency manifest at the
// context root. destDir must not exist; it appears atomically.
func Materialize(sp *spec.Spec, contextRoot, destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("context dir already exists: %s", destDir)
	}

	staging := destDir + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clean staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	if err := copyTree(filepath.Join(contextRoot, sp.PayloadDir), filepath.Join(staging, ContextPayloadDir)); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("copy payload: %w", err)
	}
	if err := copyFile(filepath.Join(contextRoot, sp.LicenseFile), filepath.Join(staging, filepath.Base(sp.LicenseFile))); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("copy license: %w", err)
	}
	if err := copyFile(filepath.Join(contextRoot, sp.ManifestFile), filepath.Join(staging, filepath.Base(sp.ManifestFile))); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("copy manifest: %w", err)
	}

	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("promote context: %w", err)
	}

	return nil
}

// WriteLayerTar writes the payload layer for sp from a materialized context
// to w: the payload tree, license, and manifest rooted at AppRoot. Output is
// deterministic: sorted entries, zero timestamps, root ownership, normalized
// modes. Identical inputs produce identical bytes.
func WriteLayerTar(sp *spec.Spec, contextDir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	appRoot := strings.TrimPrefix(sp.AppRoot, "/")

	// Parent directories of the app root first.
	var parents []string
	for dir := appRoot; dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		parents = append(parents, dir)
	}
	sort.Strings(parents)
	for _, dir := range parents {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0755,
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write dir header: %w", err)
		}
	}

	// Map of tar name -> source path, so entries can be emitted sorted.
	entries := map[string]string{}

	payloadDir := filepath.Join(contextDir, ContextPayloadDir)
	err := filepath.Walk(payloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if err := checkRelPath(rel); err != nil {
			return err
		}
		name := appRoot + "/" + filepath.ToSlash(rel)
		if info.IsDir() {
			name += "/"
		}
		entries[name] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk payload: %w", err)
	}

	entries[appRoot+"/"+filepath.Base(sp.LicenseFile)] = filepath.Join(contextDir, filepath.Base(sp.LicenseFile))
	entries[appRoot+"/"+filepath.Base(sp.ManifestFile)] = filepath.Join(contextDir, filepath.Base(sp.ManifestFile))

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := entries[name]
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("stat %s: %w", src, err)
		}

		switch {
		case info.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name,
				Mode:     0755,
				ModTime:  time.Unix(0, 0),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write dir header: %w", err)
			}

		case info.Mode().IsRegular():
			mode := int64(0644)
			if info.Mode()&0111 != 0 {
				mode = 0755
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     mode,
				Size:     info.Size(),
				ModTime:  time.Unix(0, 0),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write file header: %w", err)
			}
			f, err := os.Open(src)
			if err != nil {
				return fmt.Errorf("open %s: %w", src, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("copy %s: %w", src, err)
			}

		default:
			// Symlinks and specials are not expected in an application
			// payload; refuse rather than silently skip.
			return fmt.Errorf("%w: unsupported file type: %s", ErrInvalidPath, src)
		}
	}

	return tw.Close()
}

// checkRelPath rejects traversal and absolute components.
func checkRelPath(rel string) error {
	if filepath.IsAbs(rel) {
		return fmt.Errorf("%w: absolute path %s", ErrInvalidPath, rel)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("%w: path traversal in %s", ErrInvalidPath, rel)
	}
	return nil
}

// copyTree copies a directory tree, regular files and directories only.
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := checkRelPath(rel); err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("%w: unsupported file type: %s", ErrInvalidPath, path)
		}
	})
}

// copyFile copies a single regular file preserving the execute bit.
func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file: %s", ErrInvalidPath, src)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0644)
	if info.Mode()&0111 != 0 {
		mode = 0755
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
