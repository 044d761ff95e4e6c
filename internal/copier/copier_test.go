package copier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCopier(t *testing.T) (*Copier, string) {
	t.Helper()
	root := t.TempDir()
	c := New(root, nil, zerolog.Nop())
	// Deterministic clone names.
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return c, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

// TestDeriveTargetPath tests the clone-name derivation rules
func TestDeriveTargetPath(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "suffix segment replaced",
			source: "/photos/IMG_001.jpg",
			want:   "/photos/IMG_1700000000123.jpg",
		},
		{
			name:   "only last underscore segment replaced",
			source: "/photos/trip_day_002.jpg",
			want:   "/photos/trip_day_1700000000123.jpg",
		},
		{
			name:   "no underscore appends stamp",
			source: "/photos/sunset.png",
			want:   "/photos/sunset_1700000000123.png",
		},
		{
			name:   "no extension",
			source: "/photos/IMG_001",
			want:   "/photos/IMG_1700000000123",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Fresh copier per case: stamps increase monotonically.
			c, _ := testCopier(t)
			got := c.DeriveTargetPath(tt.source)
			if got != tt.want {
				t.Errorf("DeriveTargetPath(%q) = %q, want %q", tt.source, got, tt.want)
			}
			if got == tt.source {
				t.Errorf("target must differ from source")
			}
		})
	}
}

// TestDeriveTargetPath_BackToBackDistinct tests that derivations within one
// millisecond never collide
func TestDeriveTargetPath_BackToBackDistinct(t *testing.T) {
	c, _ := testCopier(t)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		got := c.DeriveTargetPath("/photos/IMG_001.jpg")
		if seen[got] {
			t.Fatalf("DeriveTargetPath() repeated %q on call %d", got, i+1)
		}
		seen[got] = true
	}
}

// TestThumbDir tests the thumbnail prefix substitution
func TestThumbDir(t *testing.T) {
	c, root := testCopier(t)

	got := c.ThumbDir(filepath.Join(root, "photos", "IMG_001.jpg"))
	want := filepath.Join(root, ".thumbs", "photos", "IMG_001.jpg")
	if got != want {
		t.Errorf("ThumbDir() = %q, want %q", got, want)
	}

	// Outside the cloud root the tree is a sibling of the file's directory.
	got = c.ThumbDir("/elsewhere/IMG_001.jpg")
	want = filepath.Join("/elsewhere", ".thumbs", "IMG_001.jpg")
	if got != want {
		t.Errorf("ThumbDir() outside root = %q, want %q", got, want)
	}
}

// TestCopyLocalAsset_Success tests plain duplication
func TestCopyLocalAsset_Success(t *testing.T) {
	c, root := testCopier(t)
	src := filepath.Join(root, "photos", "IMG_001.jpg")
	writeFile(t, src, "image-bytes")

	target, err := c.CopyLocalAsset(context.Background(), src)
	if err != nil {
		t.Fatalf("CopyLocalAsset() failed: %v", err)
	}
	if target == src {
		t.Fatal("target must differ from source")
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target failed: %v", err)
	}
	if string(got) != "image-bytes" {
		t.Errorf("target content = %q, want 'image-bytes'", got)
	}
}

// TestCopyLocalAsset_InvalidSource tests source validation
func TestCopyLocalAsset_InvalidSource(t *testing.T) {
	c, root := testCopier(t)

	empty := filepath.Join(root, "empty.jpg")
	writeFile(t, empty, "")

	tests := []struct {
		name   string
		source string
	}{
		{"missing file", filepath.Join(root, "nope.jpg")},
		{"empty file", empty},
		{"directory", root},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CopyLocalAsset(context.Background(), tt.source)
			if !errors.Is(err, ErrInvalidSource) {
				t.Errorf("CopyLocalAsset(%q) = %v, want ErrInvalidSource", tt.source, err)
			}
		})
	}
}

// TestCopyFile_NoClobber tests that an existing target is refused intact
func TestCopyFile_NoClobber(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "IMG_001.jpg")
	dst := filepath.Join(root, "IMG_002.jpg")
	writeFile(t, src, "image-bytes")
	writeFile(t, dst, "precious")

	if err := copyFile(src, dst); err == nil {
		t.Fatal("copyFile() over existing target should fail")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("pre-existing target was removed: %v", err)
	}
	if string(got) != "precious" {
		t.Errorf("pre-existing target content = %q, want 'precious'", got)
	}
}

// TestCopyLocalAsset_RepeatedClonesDistinct tests cloning one source several
// times in a row
func TestCopyLocalAsset_RepeatedClonesDistinct(t *testing.T) {
	c, root := testCopier(t)
	src := filepath.Join(root, "photos", "IMG_001.jpg")
	writeFile(t, src, "image-bytes")

	seen := map[string]bool{src: true}
	for i := 0; i < 3; i++ {
		target, err := c.CopyLocalAsset(context.Background(), src)
		if err != nil {
			t.Fatalf("CopyLocalAsset() clone %d failed: %v", i+1, err)
		}
		if seen[target] {
			t.Fatalf("clone %d reused path %q", i+1, target)
		}
		seen[target] = true

		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("reading clone %d failed: %v", i+1, err)
		}
		if string(got) != "image-bytes" {
			t.Errorf("clone %d content = %q", i+1, got)
		}
	}
}

// TestCopyCloudAsset_NotMaterialized tests cloning a cloud-only asset
func TestCopyCloudAsset_NotMaterialized(t *testing.T) {
	c, root := testCopier(t)

	// No local bytes: the clone succeeds with no content file written.
	src := filepath.Join(root, "photos", "IMG_002.jpg")
	target, err := c.CopyCloudAsset(context.Background(), src)
	if err != nil {
		t.Fatalf("CopyCloudAsset() failed: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("no content file should exist for a non-materialized clone")
	}
}

// TestCopyCloudAsset_CopiesThumbnailTree tests the best-effort thumb copy
func TestCopyCloudAsset_CopiesThumbnailTree(t *testing.T) {
	c, root := testCopier(t)

	src := filepath.Join(root, "photos", "IMG_003.jpg")
	writeFile(t, src, "image-bytes")
	writeFile(t, filepath.Join(c.ThumbDir(src), "LCD.jpg"), "thumb-lcd")
	writeFile(t, filepath.Join(c.ThumbDir(src), "THM.jpg"), "thumb-thm")

	target, err := c.CopyCloudAsset(context.Background(), src)
	if err != nil {
		t.Fatalf("CopyCloudAsset() failed: %v", err)
	}

	// Content and both thumbnail entries were duplicated.
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("content file missing: %v", err)
	}
	for _, name := range []string{"LCD.jpg", "THM.jpg"} {
		p := filepath.Join(c.ThumbDir(target), name)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("thumbnail %s missing: %v", name, err)
		}
	}
}

// fakeThumbs records thumbnail generation requests.
type fakeThumbs struct {
	paths []string
	err   error
}

func (f *fakeThumbs) Generate(_ context.Context, assetPath string) error {
	f.paths = append(f.paths, assetPath)
	return f.err
}

// TestCopyLocalAsset_GeneratesThumbnail tests synchronous regeneration
func TestCopyLocalAsset_GeneratesThumbnail(t *testing.T) {
	root := t.TempDir()
	gen := &fakeThumbs{}
	c := New(root, gen, zerolog.Nop())

	src := filepath.Join(root, "IMG_004.jpg")
	writeFile(t, src, "image-bytes")

	target, err := c.CopyLocalAsset(context.Background(), src)
	if err != nil {
		t.Fatalf("CopyLocalAsset() failed: %v", err)
	}
	if len(gen.paths) != 1 || gen.paths[0] != target {
		t.Errorf("Generate called with %v, want [%s]", gen.paths, target)
	}
}

// TestCopyLocalAsset_ThumbnailFailureTolerated tests warn-only thumb errors
func TestCopyLocalAsset_ThumbnailFailureTolerated(t *testing.T) {
	root := t.TempDir()
	gen := &fakeThumbs{err: errors.New("codec unavailable")}
	c := New(root, gen, zerolog.Nop())

	src := filepath.Join(root, "IMG_005.jpg")
	writeFile(t, src, "image-bytes")

	target, err := c.CopyLocalAsset(context.Background(), src)
	if err != nil {
		t.Fatalf("CopyLocalAsset() must tolerate thumbnail failure, got %v", err)
	}
	if !strings.HasPrefix(filepath.Base(target), "IMG_") {
		t.Errorf("unexpected target name %q", target)
	}
}
