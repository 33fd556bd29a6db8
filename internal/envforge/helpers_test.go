package envforge

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// initTestDirs points the cache layout at a per-test temp directory.
func initTestDirs(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	CacheDir = root
	PackagesDir = filepath.Join(root, "packages")
	LayersDir = filepath.Join(root, "layers")
	ChannelsDir = filepath.Join(root, "channels")
	LogsDir = filepath.Join(root, "logs")
	workDir = filepath.Join(root, "work")
	require.NoError(t, ensureCacheDirs())

	UserExec = &Executor{Context: context.Background()}
}

type testArchive struct {
	meta  map[string]string
	deps  []string
	hook  string
	files map[string]string
}

// writeTestArchive produces a .tar.zst package archive in dir and returns
// its path.
func writeTestArchive(t *testing.T, dir string, a testArchive) string {
	t.Helper()

	name := StandardizePackageName(a.meta["name"], a.meta["version"], a.meta["revision"], a.meta["arch"])
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)

	writeFile := func(name, content string, mode int64) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     mode,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	var info strings.Builder
	for _, k := range sortedKeys(a.meta) {
		info.WriteString(k + "=" + a.meta[k] + "\n")
	}
	writeFile("pkginfo", info.String(), 0o644)
	if len(a.deps) > 0 {
		writeFile("depends", strings.Join(a.deps, "\n")+"\n", 0o644)
	}
	if a.hook != "" {
		writeFile("hook", a.hook, 0o755)
	}

	for _, p := range sortedKeys(a.files) {
		writeFile(p, a.files[p], 0o644)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return path
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// localEntry builds an index entry for an archive in a local directory
// channel, checksum included.
func localEntry(t *testing.T, channelDir string, a testArchive) IndexEntry {
	t.Helper()
	path := writeTestArchive(t, channelDir, a)
	sum, err := ComputeChecksum(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	return IndexEntry{
		Name:     a.meta["name"],
		Version:  a.meta["version"],
		Revision: a.meta["revision"],
		Arch:     a.meta["arch"],
		Filename: filepath.Base(path),
		Size:     info.Size(),
		B3Sum:    sum,
		Depends:  a.deps,
		Channel:  channelDir,
	}
}
