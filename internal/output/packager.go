// Package output copies deliverable result files into a job's output directory
// and bundles that directory into a single tar.gz archive.
package output

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/bitool/internal/workspace"
)

// ErrArchive matches every archive creation failure.
var ErrArchive = errors.New("archive error")

// ArchiveError wraps a failure while writing the archive at Path.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

func (e *ArchiveError) Is(target error) bool { return target == ErrArchive }

// Artifact is the deliverable produced by Archive.
type Artifact struct {
	Path      string `json:"path"`
	SourceDir string `json:"source_dir"`
	Size      int64  `json:"size"`
	// Checksum is the hex BLAKE3-256 digest of the archive file.
	Checksum string `json:"checksum"`
}

// ArchivePath returns where the archive for jobID is written.
func ArchivePath(dataPath, jobID string) string {
	return filepath.Join(dataPath, workspace.ArchivePrefix+jobID+workspace.ArchiveSuffix)
}

// Collect copies the regular files of resultDir whose names appear in fileNames
// into outputDir, replacing files of the same name. Other files stay private to
// resultDir. It returns the names copied, sorted.
func Collect(resultDir, outputDir string, fileNames []string) ([]string, error) {
	if len(fileNames) == 0 {
		return nil, nil
	}

	wanted := make(map[string]struct{}, len(fileNames))
	for _, name := range fileNames {
		wanted[name] = struct{}{}
	}

	entries, err := os.ReadDir(resultDir)
	if err != nil {
		return nil, fmt.Errorf("read result directory: %w", err)
	}

	var copied []string
	for _, entry := range entries {
		if _, ok := wanted[entry.Name()]; !ok {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		src := filepath.Join(resultDir, entry.Name())
		dst := filepath.Join(outputDir, entry.Name())
		if err := copyFile(src, dst); err != nil {
			return copied, fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
		copied = append(copied, entry.Name())
	}

	sort.Strings(copied)
	return copied, nil
}

// Archive replaces the archive for jobID under dataPath with a gzip-compressed
// tar of outputDir. Members are stored relative to outputDir.
func Archive(ctx context.Context, dataPath, jobID, outputDir string) (Artifact, error) {
	path := ArchivePath(dataPath, jobID)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Artifact{}, &ArchiveError{Path: path, Err: fmt.Errorf("remove previous archive: %w", err)}
	}

	if err := writeArchive(ctx, path, outputDir); err != nil {
		_ = os.Remove(path)
		return Artifact{}, &ArchiveError{Path: path, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, &ArchiveError{Path: path, Err: err}
	}
	sum, err := ChecksumFile(path)
	if err != nil {
		return Artifact{}, &ArchiveError{Path: path, Err: err}
	}

	return Artifact{
		Path:      path,
		SourceDir: outputDir,
		Size:      info.Size(),
		Checksum:  sum,
	}, nil
}

func writeArchive(ctx context.Context, path, srcDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat output directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("output path %q is not a directory", srcDir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return addEntry(tw, srcDir, p, d)
	})
	if walkErr != nil {
		return walkErr
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}

func addEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("resolve relative path: %w", err)
	}

	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("read entry info for %q: %w", path, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("read symlink %q: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header for %q: %w", path, err)
	}

	// Same member names as `tar -C <dir> .`.
	name := "./"
	if rel != "." {
		name += filepath.ToSlash(rel)
	}
	if d.IsDir() && name != "./" {
		name += "/"
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer src.Close()

	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ChecksumFile returns the hex BLAKE3-256 digest of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash archive: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
