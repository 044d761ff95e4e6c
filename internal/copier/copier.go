// Package copier implements the file migration executor: physical
// duplication of an asset's backing file (and, for cloud-resident assets,
// its cached thumbnail tree) when the reconciliation engine clones a
// metadata row.
//
// Path conventions: cloud-resident asset content lives under a single
// "cloud files" root; thumbnail caches live under a parallel ".thumbs"
// tree addressed by a fixed path-prefix substitution. The substitution is
// part of the on-disk contract and must match the existing layout.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCloudRoot is the conventional root of cloud-resident asset content.
const DefaultCloudRoot = "/storage/cloud/files"

// thumbsSegment is inserted after the cloud root to address the thumbnail
// cache tree of an asset.
const thumbsSegment = ".thumbs"

// ErrInvalidSource reports a missing, empty or unreadable source file.
var ErrInvalidSource = errors.New("invalid source file")

// ThumbnailGenerator produces a thumbnail for an asset path. The codec
// pipeline behind it is an opaque collaborator.
type ThumbnailGenerator interface {
	Generate(ctx context.Context, assetPath string) error
}

// Copier duplicates asset files and thumbnail trees.
type Copier struct {
	cloudRoot string
	thumbs    ThumbnailGenerator
	log       zerolog.Logger

	// now is swappable for deterministic target names in tests.
	now func() time.Time

	// lastStamp is the last issued target-name stamp. Names derive from
	// millisecond time, so back-to-back clones of one source (an asset
	// mapped into several albums) would otherwise collide.
	lastStamp atomic.Int64
}

// New creates a Copier rooted at cloudRoot (DefaultCloudRoot if empty).
// gen may be nil, in which case local copies skip thumbnail generation.
func New(cloudRoot string, gen ThumbnailGenerator, logger zerolog.Logger) *Copier {
	if cloudRoot == "" {
		cloudRoot = DefaultCloudRoot
	}
	return &Copier{
		cloudRoot: cloudRoot,
		thumbs:    gen,
		log:       logger,
		now:       time.Now,
	}
}

// stamp issues a strictly increasing timestamp-derived digit string so
// that every derivation in this process yields a distinct name, even
// within one millisecond.
func (c *Copier) stamp() string {
	ms := c.now().UnixNano() / int64(time.Millisecond)
	for {
		last := c.lastStamp.Load()
		next := ms
		if next <= last {
			next = last + 1
		}
		if c.lastStamp.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// DeriveTargetPath derives a sibling path for a clone of sourcePath by
// replacing the numeric suffix segment of the filename (between the last
// '_' and the last '.') with a fresh timestamp-derived digit string. The
// clone stays in the same directory under a name distinct from the original
// and from every previously derived name.
func (c *Copier) DeriveTargetPath(sourcePath string) string {
	dir := filepath.Dir(sourcePath)
	name := filepath.Base(sourcePath)
	stamp := c.stamp()

	ext := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		ext = name[i:]
		name = name[:i]
	}

	if i := strings.LastIndex(name, "_"); i >= 0 {
		name = name[:i+1] + stamp
	} else {
		name = name + "_" + stamp
	}

	return filepath.Join(dir, name+ext)
}

// ThumbDir maps an asset path to its thumbnail cache directory by the fixed
// prefix substitution under the cloud root. Paths outside the root map to a
// sibling ".thumbs" tree next to the file's directory.
func (c *Copier) ThumbDir(assetPath string) string {
	root := strings.TrimSuffix(c.cloudRoot, "/")
	if strings.HasPrefix(assetPath, root+"/") {
		return filepath.Join(root, thumbsSegment, strings.TrimPrefix(assetPath, root+"/"))
	}
	return filepath.Join(filepath.Dir(assetPath), thumbsSegment, filepath.Base(assetPath))
}

// CopyLocalAsset duplicates a locally-resident asset file and synchronously
// generates a thumbnail for the new path.
//
// The source must exist, be a regular file and be non-empty; otherwise
// ErrInvalidSource is returned and nothing is written. A failed copy removes
// any partially written target before returning, so no orphaned storage is
// leaked and the caller can safely skip the metadata clone.
func (c *Copier) CopyLocalAsset(ctx context.Context, sourcePath string) (string, error) {
	if err := c.validateSource(sourcePath); err != nil {
		return "", err
	}

	targetPath := c.DeriveTargetPath(sourcePath)
	if err := copyFile(sourcePath, targetPath); err != nil {
		return "", fmt.Errorf("failed to copy asset %s: %w", sourcePath, err)
	}

	if c.thumbs != nil {
		// Regeneration is possible here because the content is local.
		if err := c.thumbs.Generate(ctx, targetPath); err != nil {
			c.log.Warn().Err(err).Str("path", targetPath).
				Msg("thumbnail generation for clone failed")
		}
	}

	return targetPath, nil
}

// CopyCloudAsset duplicates a cloud-resident asset.
//
// The content file is copied when it is materialized locally; a cloud-only
// original (not yet downloaded) has no local bytes to copy, and the clone's
// content will materialize on its own download. The existing thumbnail tree
// is copied by prefix substitution rather than regenerated, since the
// original content may not be available; a tree copy failure is logged and
// tolerated because thumbnails regenerate once the content downloads.
func (c *Copier) CopyCloudAsset(ctx context.Context, sourcePath string) (string, error) {
	targetPath := c.DeriveTargetPath(sourcePath)

	if info, err := os.Stat(sourcePath); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		if err := copyFile(sourcePath, targetPath); err != nil {
			return "", fmt.Errorf("failed to copy cloud asset %s: %w", sourcePath, err)
		}
	}

	srcThumbs := c.ThumbDir(sourcePath)
	dstThumbs := c.ThumbDir(targetPath)
	if _, err := os.Stat(srcThumbs); err == nil {
		if err := copyTree(srcThumbs, dstThumbs); err != nil {
			_ = os.RemoveAll(dstThumbs)
			c.log.Warn().Err(err).Str("src", srcThumbs).Str("dst", dstThumbs).
				Msg("thumbnail tree copy failed")
		}
	}

	return targetPath, nil
}

// validateSource checks that the source file exists and is non-corrupt
// (regular, non-zero, readable).
func (c *Copier) validateSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSource, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidSource, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidSource, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSource, path, err)
	}
	_ = f.Close()
	return nil
}

// copyFile copies src to dst. A partially written dst is removed before
// returning an error, so failed copies leak no orphaned storage.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy contents: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("failed to finalize target: %w", err)
	}
	return nil
}

// copyTree recursively copies a directory tree. The caller removes dst on
// error.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}
