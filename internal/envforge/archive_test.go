package envforge

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTarZst writes a raw tar.zst at path, for archives the packaging
// helpers would never produce.
func writeTarZst(t *testing.T, path string, write func(tw *tar.Writer)) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	write(tw)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
}

func TestExtractPackageDivertsMetadata(t *testing.T) {
	initTestDirs(t)
	dir := t.TempDir()

	archive := writeTestArchive(t, dir, testArchive{
		meta: map[string]string{"name": "zlib", "version": "1.3.1", "revision": "1", "arch": "x86_64"},
		deps: []string{"glibc"},
		hook: "#!/bin/sh\ntrue\n",
		files: map[string]string{
			"usr/lib/libz.so.1": "elf",
			"usr/include/zlib.h": "header",
		},
	})

	dest := t.TempDir()
	metaDir := t.TempDir()
	require.NoError(t, extractPackage(archive, dest, metaDir))

	assert.FileExists(t, filepath.Join(dest, "usr/lib/libz.so.1"))
	assert.FileExists(t, filepath.Join(dest, "usr/include/zlib.h"))
	assert.NoFileExists(t, filepath.Join(dest, "pkginfo"))
	assert.NoFileExists(t, filepath.Join(dest, "hook"))

	assert.FileExists(t, filepath.Join(metaDir, "pkginfo"))
	assert.FileExists(t, filepath.Join(metaDir, "depends"))
	assert.FileExists(t, filepath.Join(metaDir, "hook"))

	info, err := os.ReadFile(filepath.Join(metaDir, "pkginfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "name=zlib")
}

func TestExtractPackageDiscardsMetadataWithoutMetaDir(t *testing.T) {
	initTestDirs(t)
	dir := t.TempDir()
	archive := writeTestArchive(t, dir, testArchive{
		meta:  map[string]string{"name": "tiny", "version": "1.0", "revision": "1", "arch": "x86_64"},
		files: map[string]string{"usr/bin/tiny": "elf"},
	})

	dest := t.TempDir()
	require.NoError(t, extractPackage(archive, dest, ""))
	assert.FileExists(t, filepath.Join(dest, "usr/bin/tiny"))
	assert.NoFileExists(t, filepath.Join(dest, "pkginfo"))
}

func TestExtractPackageRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "pkg.rar")
	require.NoError(t, os.WriteFile(bogus, []byte("x"), 0o644))
	err := extractPackage(bogus, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive format")
}

func TestExtractPackageRejectsEscapingPaths(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil-1.0-1-x86_64.tar.zst")
	writeTarZst(t, archive, func(tw *tar.Writer) {
		body := "outside"
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "../escaped.txt",
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	})

	parent := t.TempDir()
	dest := filepath.Join(parent, "stage")
	require.NoError(t, os.Mkdir(dest, 0o755))

	err := extractPackage(archive, dest, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal file path")
	assert.NoFileExists(t, filepath.Join(parent, "escaped.txt"))
}

func TestExtractPackageRejectsEscapingHardlink(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil-1.0-1-x86_64.tar.zst")
	writeTarZst(t, archive, func(tw *tar.Writer) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "alias",
			Linkname: "../../etc/passwd",
			Typeflag: tar.TypeLink,
		}))
	})

	err := extractPackage(archive, t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal link target")
}

func TestUnpackLayerRejectsEscapingPaths(t *testing.T) {
	layer := filepath.Join(t.TempDir(), "layer.tar.zst")
	writeTarZst(t, layer, func(tw *tar.Writer) {
		body := "outside"
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "../escaped.txt",
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	})

	parent := t.TempDir()
	dest := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(dest, 0o755))

	err := unpackLayer(layer, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal file path")
	assert.NoFileExists(t, filepath.Join(parent, "escaped.txt"))
}

func TestCreateLayerTarballDeterministic(t *testing.T) {
	build := func(t *testing.T) string {
		src := stageTree(t, map[string]string{
			"usr/bin/app":       "binary",
			"usr/lib/libapp.so": "library",
			"etc/app.conf":      "config",
		})
		dest := filepath.Join(t.TempDir(), "layer.tar.zst")
		digest, size, err := createLayerTarball(src, dest)
		require.NoError(t, err)
		assert.Positive(t, size)
		return digest
	}

	first := build(t)
	second := build(t)
	assert.Equal(t, first, second, "identical trees must produce identical layers")
}

func TestCreateLayerTarballDigestMatchesStream(t *testing.T) {
	src := stageTree(t, map[string]string{"usr/bin/app": "binary"})
	dest := filepath.Join(t.TempDir(), "layer.tar.zst")

	digest, size, err := createLayerTarball(src, dest)
	require.NoError(t, err)

	sum, err := ComputeChecksum(dest)
	require.NoError(t, err)
	assert.Equal(t, digest, sum)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), size)
}

func TestLayerRoundTrip(t *testing.T) {
	src := stageTree(t, map[string]string{
		"usr/bin/app":  "binary",
		"etc/app.conf": "config",
	})
	require.NoError(t, os.Symlink("app", filepath.Join(src, "usr/bin/app-link")))

	dest := filepath.Join(t.TempDir(), "layer.tar.zst")
	_, _, err := createLayerTarball(src, dest)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, unpackLayer(dest, out))

	data, err := os.ReadFile(filepath.Join(out, "usr/bin/app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	link, err := os.Readlink(filepath.Join(out, "usr/bin/app-link"))
	require.NoError(t, err)
	assert.Equal(t, "app", link)

	data, err = os.ReadFile(filepath.Join(out, "etc/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "config", string(data))
}
