// Package packager turns a directory tree into a single gzip-compressed tar
// archive so it can be served as one download.
package packager

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/arzan03/EasyTransfer/internal/metrics"
)

// Ext is the extension of every archive the packager produces.
const Ext = ".tgz"

// Result summarizes one packaging run.
type Result struct {
	Files   int
	Skipped int
	Bytes   int64
}

// Packager writes directory archives.
type Packager struct {
	logger *slog.Logger
}

// New creates a packager logging skipped entries to logger.
func New(logger *slog.Logger) *Packager {
	return &Packager{logger: logger.With(slog.String("component", "packager"))}
}

// ArchiveName derives the archive file name for dir from its leaf name,
// dropping one leading dot so hidden directories produce visible archives.
func ArchiveName(dir string) string {
	leaf := strings.TrimPrefix(filepath.Base(filepath.Clean(dir)), ".")
	if leaf == "" || leaf == "." || leaf == string(filepath.Separator) {
		leaf = "archive"
	}
	return leaf + Ext
}

// Package archives every regular file below dir into out. Entry names are
// relative to the parent of dir, so the archive root is dir's own leaf
// name. Files or subdirectories that cannot be read are logged and left
// out; the archive is still produced. Calling Package twice yields two
// independent archives.
func (p *Packager) Package(ctx context.Context, dir, out string) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.PackagingDuration.Observe(time.Since(start).Seconds())
	}()

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
		return res, fmt.Errorf("failed to create archive directory: %w", err)
	}

	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return res, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(out)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	base := filepath.Dir(dir)

	p.logger.Debug("packaging directory",
		slog.String("dir", dir),
		slog.String("archive", out),
	)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			p.skip(&res, path, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || path == out {
			return nil
		}

		// Stat follows symlinks so links to regular files are archived.
		info, err := os.Stat(path)
		if err != nil {
			p.skip(&res, path, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			p.skip(&res, path, err)
			return nil
		}
		defer src.Close()

		name, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     filepath.ToSlash(name),
			Size:     info.Size(),
			Mode:     0o644,
			ModTime:  info.ModTime(),
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", path, err)
		}
		n, err := io.CopyN(tw, src, info.Size())
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}

		res.Files++
		res.Bytes += n
		return nil
	})
	if walkErr != nil {
		return res, walkErr
	}

	if err := tw.Close(); err != nil {
		return res, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return res, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("failed to close archive: %w", err)
	}

	p.logger.Info("directory packaged",
		slog.String("dir", dir),
		slog.String("archive", out),
		slog.Int("files", res.Files),
		slog.Int("skipped", res.Skipped),
		slog.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (p *Packager) skip(res *Result, path string, err error) {
	res.Skipped++
	metrics.PackagedFilesSkipped.Inc()
	level := slog.LevelWarn
	if errors.Is(err, fs.ErrNotExist) {
		level = slog.LevelDebug
	}
	p.logger.Log(context.Background(), level, "failed to open file for compression",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}
